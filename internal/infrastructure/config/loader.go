// Package config loads the application configuration.
// Priority: caseflow.yml > CASEFLOW_* environment variables > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	appconfig "github.com/advocai/caseflow/internal/app/config"
)

// rawSettings mirrors caseflow.yml. Pointer fields distinguish "absent"
// from zero values so the file can explicitly set empty strings.
type rawSettings struct {
	Home       *string `yaml:"home"`
	Store      *string `yaml:"store"`
	SQLitePath *string `yaml:"sqlite_path"`

	Packages *string `yaml:"packages"`
	S3Bucket *string `yaml:"s3_bucket"`
	S3Prefix *string `yaml:"s3_prefix"`
	S3Region *string `yaml:"s3_region"`

	RemoteEndpoint *string `yaml:"remote_endpoint"`
	RemoteAPIKey   *string `yaml:"remote_api_key"`
	RemoteModel    *string `yaml:"remote_model"`

	LocalBin   *string `yaml:"local_bin"`
	LocalModel *string `yaml:"local_model"`

	StageTimeoutSec *int    `yaml:"stage_timeout_sec"`
	StatutesPath    *string `yaml:"statutes_path"`
	StderrLevel     *string `yaml:"stderr_level"`
}

// LoadSettings resolves the configuration for a base directory.
func LoadSettings(baseDir string) (appconfig.Config, error) {
	if baseDir == "" {
		baseDir = ".caseflow"
		if home := os.Getenv("CASEFLOW_HOME"); home != "" {
			baseDir = home
		}
	}

	cfg := appconfig.Default(baseDir)

	var settings rawSettings
	yamlPath := filepath.Join(baseDir, "caseflow.yml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		cfg.ConfigSource = "yaml"
		cfg.ConfigPath = yamlPath
	}

	applyEnv(&cfg)
	applyFile(&cfg, settings)

	// The environment wins for the API key so secrets can stay out of
	// config files.
	if v := os.Getenv("CASEFLOW_REMOTE_API_KEY"); v != "" {
		cfg.RemoteAPIKey = v
	}

	return cfg, nil
}

func applyFile(cfg *appconfig.Config, s rawSettings) {
	setString(&cfg.Store, s.Store)
	setString(&cfg.SQLitePath, s.SQLitePath)
	setString(&cfg.Packages, s.Packages)
	setString(&cfg.S3Bucket, s.S3Bucket)
	setString(&cfg.S3Prefix, s.S3Prefix)
	setString(&cfg.S3Region, s.S3Region)
	setString(&cfg.RemoteEndpoint, s.RemoteEndpoint)
	setString(&cfg.RemoteAPIKey, s.RemoteAPIKey)
	setString(&cfg.RemoteModel, s.RemoteModel)
	setString(&cfg.LocalBin, s.LocalBin)
	setString(&cfg.LocalModel, s.LocalModel)
	setString(&cfg.StatutesPath, s.StatutesPath)
	setString(&cfg.StderrLevel, s.StderrLevel)
	if s.StageTimeoutSec != nil && *s.StageTimeoutSec > 0 {
		cfg.StageTimeout = time.Duration(*s.StageTimeoutSec) * time.Second
	}
}

// applyEnv overlays CASEFLOW_* variables on the defaults. It runs before
// applyFile, so file settings take precedence over the environment.
func applyEnv(cfg *appconfig.Config) {
	envString(&cfg.Store, "CASEFLOW_STORE")
	envString(&cfg.SQLitePath, "CASEFLOW_SQLITE_PATH")
	envString(&cfg.Packages, "CASEFLOW_PACKAGES")
	envString(&cfg.S3Bucket, "CASEFLOW_S3_BUCKET")
	envString(&cfg.S3Prefix, "CASEFLOW_S3_PREFIX")
	envString(&cfg.S3Region, "CASEFLOW_S3_REGION")
	envString(&cfg.RemoteEndpoint, "CASEFLOW_REMOTE_ENDPOINT")
	envString(&cfg.RemoteAPIKey, "CASEFLOW_REMOTE_API_KEY")
	envString(&cfg.RemoteModel, "CASEFLOW_REMOTE_MODEL")
	envString(&cfg.LocalBin, "CASEFLOW_LOCAL_BIN")
	envString(&cfg.LocalModel, "CASEFLOW_LOCAL_MODEL")
	envString(&cfg.StatutesPath, "CASEFLOW_STATUTES")
	envString(&cfg.StderrLevel, "CASEFLOW_STDERR_LEVEL")

	if v := os.Getenv("CASEFLOW_STAGE_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.StageTimeout = time.Duration(sec) * time.Second
		}
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects configurations the container cannot wire.
func Validate(cfg appconfig.Config) error {
	switch cfg.Store {
	case appconfig.StoreFile, appconfig.StoreSQLite:
	default:
		return fmt.Errorf("unknown store backend %q (want %q or %q)",
			cfg.Store, appconfig.StoreFile, appconfig.StoreSQLite)
	}

	switch cfg.Packages {
	case appconfig.PackagesLocal, appconfig.PackagesMemory:
	case appconfig.PackagesS3:
		if cfg.S3Bucket == "" {
			return fmt.Errorf("packages backend %q requires s3_bucket", cfg.Packages)
		}
	default:
		return fmt.Errorf("unknown packages backend %q", cfg.Packages)
	}

	return nil
}
