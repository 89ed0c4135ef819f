package pkgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/advocai/caseflow/internal/application/port/output"
	"github.com/advocai/caseflow/internal/infrastructure/persistence/file"
)

// LocalPackageGateway implements PackageGateway on the local filesystem.
// Directory structure: <baseDir>/packages/<sessionID>/<refID>/
//   - content: the rendered appeal package
//   - ref.json: the package reference record
type LocalPackageGateway struct {
	fs      afero.Fs
	baseDir string
}

// NewLocalPackageGateway creates a filesystem-based package gateway.
func NewLocalPackageGateway(fs afero.Fs, baseDir string) (*LocalPackageGateway, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(filepath.Join(baseDir, "packages"), 0o755); err != nil {
		return nil, fmt.Errorf("create packages directory: %w", err)
	}
	return &LocalPackageGateway{fs: fs, baseDir: baseDir}, nil
}

// SavePackage writes the package content and its reference record. Both
// writes are atomic so a crash never leaves a half-written package behind
// a valid-looking reference.
func (g *LocalPackageGateway) SavePackage(ctx context.Context, req output.SavePackageRequest) (*output.PackageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	refID := generateRefID(req.Content)
	pkgDir := filepath.Join(g.baseDir, "packages", req.SessionID, refID)

	contentPath := filepath.Join(pkgDir, "content")
	if err := file.WriteFileAtomic(g.fs, contentPath, req.Content); err != nil {
		return nil, fmt.Errorf("write package content: %w", err)
	}

	ref := output.PackageRef{
		Ref:         path.Join(req.SessionID, refID),
		StoragePath: contentPath,
		Size:        int64(len(req.Content)),
		StoredAt:    time.Now().UTC(),
		Metadata:    req.Metadata,
	}

	refJSON, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal package ref: %w", err)
	}
	if err := file.WriteFileAtomic(g.fs, filepath.Join(pkgDir, "ref.json"), refJSON); err != nil {
		return nil, fmt.Errorf("write package ref: %w", err)
	}

	return &ref, nil
}

// LoadPackage retrieves a stored package by reference.
func (g *LocalPackageGateway) LoadPackage(ctx context.Context, ref string) (*output.AppealPackage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessionID, refID, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	pkgDir := filepath.Join(g.baseDir, "packages", sessionID, refID)

	refJSON, err := afero.ReadFile(g.fs, filepath.Join(pkgDir, "ref.json"))
	if err != nil {
		return nil, fmt.Errorf("read package ref: %w", err)
	}

	var packageRef output.PackageRef
	if err := json.Unmarshal(refJSON, &packageRef); err != nil {
		return nil, fmt.Errorf("unmarshal package ref: %w", err)
	}

	content, err := afero.ReadFile(g.fs, filepath.Join(pkgDir, "content"))
	if err != nil {
		return nil, fmt.Errorf("read package content: %w", err)
	}

	return &output.AppealPackage{
		Ref:     packageRef,
		Content: content,
	}, nil
}
