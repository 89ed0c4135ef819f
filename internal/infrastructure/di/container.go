// Package di wires the application together. Manual dependency injection:
// the container owns construction order and teardown, nothing else.
package di

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"

	"github.com/advocai/caseflow/internal/adapter/gateway/pkgstore"
	"github.com/advocai/caseflow/internal/adapter/gateway/provider"
	"github.com/advocai/caseflow/internal/adapter/stages"
	appconfig "github.com/advocai/caseflow/internal/app/config"
	"github.com/advocai/caseflow/internal/application/port/output"
	"github.com/advocai/caseflow/internal/application/usecase/workflow"
	"github.com/advocai/caseflow/internal/domain/repository"
	filestore "github.com/advocai/caseflow/internal/infrastructure/persistence/file"
	sqlitestore "github.com/advocai/caseflow/internal/infrastructure/persistence/sqlite"
)

// Container holds all constructed dependencies.
type Container struct {
	cfg appconfig.Config

	db       *sql.DB // nil for the file backend
	store    repository.SessionStore
	packages output.PackageGateway
	router   *provider.Router
	service  *workflow.Service
}

// NewContainer builds the full dependency graph from a resolved config.
func NewContainer(cfg appconfig.Config) (*Container, error) {
	c := &Container{cfg: cfg}

	if err := c.initStore(); err != nil {
		return nil, err
	}
	if err := c.initPackages(); err != nil {
		c.Close()
		return nil, err
	}
	c.initRouter()
	if err := c.initService(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Container) initStore() error {
	switch c.cfg.Store {
	case appconfig.StoreSQLite:
		db, err := sql.Open("sqlite3", c.cfg.SQLitePath+"?_busy_timeout=5000&_journal_mode=WAL")
		if err != nil {
			return fmt.Errorf("open sqlite database: %w", err)
		}
		if err := sqlitestore.NewMigrator(db).Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
		c.db = db
		c.store = sqlitestore.NewSessionStore(db)
	case appconfig.StoreFile:
		c.store = filestore.NewSessionStore(afero.NewOsFs(), filepath.Join(c.cfg.Home, "sessions"))
	default:
		return fmt.Errorf("unknown store backend %q", c.cfg.Store)
	}
	return nil
}

func (c *Container) initPackages() error {
	switch c.cfg.Packages {
	case appconfig.PackagesS3:
		gw, err := pkgstore.NewS3PackageGateway(pkgstore.S3Config{
			BucketName: c.cfg.S3Bucket,
			Prefix:     c.cfg.S3Prefix,
			Region:     c.cfg.S3Region,
		})
		if err != nil {
			return fmt.Errorf("init S3 package gateway: %w", err)
		}
		c.packages = gw
	case appconfig.PackagesLocal:
		gw, err := pkgstore.NewLocalPackageGateway(afero.NewOsFs(), c.cfg.Home)
		if err != nil {
			return fmt.Errorf("init local package gateway: %w", err)
		}
		c.packages = gw
	case appconfig.PackagesMemory:
		c.packages = pkgstore.NewMemoryPackageGateway()
	default:
		return fmt.Errorf("unknown packages backend %q", c.cfg.Packages)
	}
	return nil
}

// initRouter assembles the provider cascade. Without a remote endpoint the
// cascade starts at the local tier; the stub is always last.
func (c *Container) initRouter() {
	local := provider.NewLocalCLIGateway(provider.LocalConfig{
		Bin:   c.cfg.LocalBin,
		Model: c.cfg.LocalModel,
	})
	stub := provider.NewStubGateway()

	if c.cfg.RemoteEndpoint == "" {
		c.router = provider.NewRouter(
			provider.Tier{Gateway: local},
			provider.Tier{Gateway: stub},
		)
		return
	}

	remote := provider.NewRemoteHTTPGateway(provider.RemoteConfig{
		Endpoint: c.cfg.RemoteEndpoint,
		APIKey:   c.cfg.RemoteAPIKey,
		Model:    c.cfg.RemoteModel,
	})
	c.router = provider.NewRouter(provider.DefaultTiers(remote, local, stub)...)
}

func (c *Container) initService() error {
	fs := afero.NewOsFs()
	reader := stages.NewFileDocumentReader(fs)
	statutes := stages.NewFileStatuteLibrary(fs, c.cfg.StatutesPath)
	timeout := c.cfg.StageTimeout

	pipeline, err := workflow.NewPipeline(c.store,
		stages.NewStructuringStage(reader, c.router, timeout),
		stages.NewEvidenceStage(c.router, timeout),
		stages.NewRegulatoryStage(statutes, c.router, timeout),
		stages.NewDraftStage(c.router, timeout),
		stages.NewReviewStage(),
	)
	if err != nil {
		return err
	}

	c.service = workflow.NewService(c.store, pipeline, c.packages)
	return nil
}

// WorkflowService returns the application service.
func (c *Container) WorkflowService() *workflow.Service {
	return c.service
}

// SessionStore returns the wired session store.
func (c *Container) SessionStore() repository.SessionStore {
	return c.store
}

// Router returns the provider router.
func (c *Container) Router() *provider.Router {
	return c.router
}

// Config returns the resolved configuration.
func (c *Container) Config() appconfig.Config {
	return c.cfg
}

// Close releases all held resources.
func (c *Container) Close() error {
	var firstErr error
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			firstErr = err
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
