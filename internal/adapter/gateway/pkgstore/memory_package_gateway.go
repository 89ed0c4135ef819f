package pkgstore

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/advocai/caseflow/internal/application/port/output"
)

// MemoryPackageGateway is an in-memory PackageGateway for tests and dry runs.
type MemoryPackageGateway struct {
	mu       sync.RWMutex
	packages map[string]*output.AppealPackage // ref -> package
}

// NewMemoryPackageGateway creates an in-memory package gateway.
func NewMemoryPackageGateway() *MemoryPackageGateway {
	return &MemoryPackageGateway{
		packages: make(map[string]*output.AppealPackage),
	}
}

// SavePackage stores the package in memory.
func (g *MemoryPackageGateway) SavePackage(ctx context.Context, req output.SavePackageRequest) (*output.PackageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	refID := path.Join(req.SessionID, generateRefID(req.Content))
	ref := output.PackageRef{
		Ref:         refID,
		StoragePath: "memory://" + refID,
		Size:        int64(len(req.Content)),
		StoredAt:    time.Now().UTC(),
		Metadata:    req.Metadata,
	}

	content := make([]byte, len(req.Content))
	copy(content, req.Content)

	g.packages[refID] = &output.AppealPackage{Ref: ref, Content: content}
	return &ref, nil
}

// LoadPackage retrieves a stored package by reference.
func (g *MemoryPackageGateway) LoadPackage(ctx context.Context, ref string) (*output.AppealPackage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	pkg, ok := g.packages[ref]
	if !ok {
		return nil, fmt.Errorf("package not found: %s", ref)
	}
	return pkg, nil
}

// Count returns the number of stored packages (for testing)
func (g *MemoryPackageGateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.packages)
}
