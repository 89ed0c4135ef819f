package output

import (
	"context"
	"time"
)

// PackageGateway stores the final appeal package produced by a completed
// run. Supports both local filesystem and cloud storage (S3).
type PackageGateway interface {
	// SavePackage persists a final package and returns its reference.
	SavePackage(ctx context.Context, req SavePackageRequest) (*PackageRef, error)

	// LoadPackage retrieves a previously stored package by reference.
	LoadPackage(ctx context.Context, ref string) (*AppealPackage, error)
}

// SavePackageRequest represents a request to store a final package.
type SavePackageRequest struct {
	SessionID   string            // Owning session
	CaseID      string            // Case the package belongs to
	Content     []byte            // Rendered package content
	ContentType string            // MIME type
	Metadata    map[string]string // Additional metadata (e.g. degraded stages)
}

// PackageRef points at a stored package.
type PackageRef struct {
	Ref         string            // Unique package reference
	StoragePath string            // Backend path (file path or s3://bucket/key)
	Size        int64             // Size in bytes
	StoredAt    time.Time         // Storage timestamp
	Metadata    map[string]string // Metadata recorded at save time
}

// AppealPackage is a stored package plus its reference.
type AppealPackage struct {
	Ref     PackageRef
	Content []byte
}
