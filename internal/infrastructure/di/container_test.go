package di

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/advocai/caseflow/internal/app/config"
	"github.com/advocai/caseflow/internal/domain/model/session"
)

func TestNewContainer_FileBackend(t *testing.T) {
	cfg := appconfig.Default(t.TempDir())
	cfg.Packages = appconfig.PackagesMemory

	c, err := NewContainer(cfg)
	require.NoError(t, err)
	defer c.Close()

	assert.NotNil(t, c.WorkflowService())
	assert.NotNil(t, c.SessionStore())
	assert.NotNil(t, c.Router())
}

func TestNewContainer_SQLiteBackend(t *testing.T) {
	home := t.TempDir()
	cfg := appconfig.Default(home)
	cfg.Store = appconfig.StoreSQLite
	cfg.SQLitePath = filepath.Join(home, "caseflow.db")
	cfg.Packages = appconfig.PackagesMemory

	c, err := NewContainer(cfg)
	require.NoError(t, err)
	defer c.Close()

	// The migrated store must accept a session straight away.
	sess, err := session.New("CASE-DI", nil)
	require.NoError(t, err)
	require.NoError(t, c.SessionStore().CreateSession(context.Background(), sess))

	found, err := c.SessionStore().FindSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "CASE-DI", found.CaseID)
}

func TestNewContainer_UnknownBackend(t *testing.T) {
	cfg := appconfig.Default(t.TempDir())
	cfg.Store = "postgres"

	_, err := NewContainer(cfg)
	assert.Error(t, err)
}
