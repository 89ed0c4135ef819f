package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/advocai/caseflow/internal/app/config"
)

func TestLoadSettings_Defaults(t *testing.T) {
	cfg, err := LoadSettings(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, appconfig.StoreFile, cfg.Store)
	assert.Equal(t, appconfig.PackagesLocal, cfg.Packages)
	assert.Equal(t, "ollama", cfg.LocalBin)
	assert.Equal(t, 120*time.Second, cfg.StageTimeout)
	assert.Equal(t, "default", cfg.ConfigSource)
	require.NoError(t, Validate(cfg))
}

func TestLoadSettings_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yml := `
store: sqlite
packages: s3
s3_bucket: caseflow-prod
remote_endpoint: https://api.example.com/v1/generate
stage_timeout_sec: 30
stderr_level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "caseflow.yml"), []byte(yml), 0o644))

	cfg, err := LoadSettings(dir)
	require.NoError(t, err)

	assert.Equal(t, appconfig.StoreSQLite, cfg.Store)
	assert.Equal(t, appconfig.PackagesS3, cfg.Packages)
	assert.Equal(t, "caseflow-prod", cfg.S3Bucket)
	assert.Equal(t, "https://api.example.com/v1/generate", cfg.RemoteEndpoint)
	assert.Equal(t, 30*time.Second, cfg.StageTimeout)
	assert.Equal(t, "debug", cfg.StderrLevel)
	assert.Equal(t, "yaml", cfg.ConfigSource)
	require.NoError(t, Validate(cfg))
}

func TestLoadSettings_EnvBelowFileAboveDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "caseflow.yml"), []byte("store: sqlite\n"), 0o644))

	t.Setenv("CASEFLOW_STORE", "file")
	t.Setenv("CASEFLOW_LOCAL_MODEL", "mistral")

	cfg, err := LoadSettings(dir)
	require.NoError(t, err)

	assert.Equal(t, appconfig.StoreSQLite, cfg.Store, "file setting must win over environment")
	assert.Equal(t, "mistral", cfg.LocalModel, "environment must win over defaults")
}

func TestLoadSettings_APIKeyEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "caseflow.yml"), []byte("remote_api_key: from-file\n"), 0o644))
	t.Setenv("CASEFLOW_REMOTE_API_KEY", "from-env")

	cfg, err := LoadSettings(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.RemoteAPIKey)
}

func TestLoadSettings_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "caseflow.yml"), []byte("store: [unclosed"), 0o644))

	_, err := LoadSettings(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := appconfig.Default(".caseflow")
	require.NoError(t, Validate(cfg))

	cfg.Store = "postgres"
	assert.Error(t, Validate(cfg))
	cfg.Store = appconfig.StoreFile

	cfg.Packages = appconfig.PackagesS3
	assert.Error(t, Validate(cfg), "s3 backend requires a bucket")
	cfg.S3Bucket = "b"
	assert.NoError(t, Validate(cfg))

	cfg.Packages = "ftp"
	assert.Error(t, Validate(cfg))
}
