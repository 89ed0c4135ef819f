// Package config defines the application configuration consumed by the DI
// container. Loading and precedence live in infrastructure/config.
package config

import (
	"path/filepath"
	"time"
)

// Config is the resolved application configuration.
type Config struct {
	// Home is the base directory for all local state (default ".caseflow").
	Home string

	// Store selects the session store backend: "file" or "sqlite".
	Store string

	// SQLitePath is the database file used when Store is "sqlite".
	SQLitePath string

	// Packages selects the final-package backend: "local", "s3", or "memory".
	Packages string

	// S3 settings, used when Packages is "s3".
	S3Bucket string
	S3Prefix string
	S3Region string

	// Remote provider (first cascade tier).
	RemoteEndpoint string
	RemoteAPIKey   string
	RemoteModel    string

	// Local provider (second cascade tier).
	LocalBin   string
	LocalModel string

	// StageTimeout bounds one provider attempt per stage.
	StageTimeout time.Duration

	// StatutesPath points at the statute corpus for the regulatory stage.
	StatutesPath string

	// StderrLevel is the minimum level logged to stderr.
	StderrLevel string

	// ConfigSource records where the configuration came from ("yaml" or
	// "default").
	ConfigSource string
	ConfigPath   string
}

// StoreFile and StoreSQLite are the session store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Package backends.
const (
	PackagesLocal  = "local"
	PackagesS3     = "s3"
	PackagesMemory = "memory"
)

// Default returns the built-in configuration for a home directory.
func Default(home string) Config {
	if home == "" {
		home = ".caseflow"
	}
	return Config{
		Home:         home,
		Store:        StoreFile,
		SQLitePath:   filepath.Join(home, "caseflow.db"),
		Packages:     PackagesLocal,
		RemoteModel:  "appeal-v1",
		LocalBin:     "ollama",
		LocalModel:   "llama3.1",
		StageTimeout: 120 * time.Second,
		StatutesPath: filepath.Join(home, "knowledge", "statutes.md"),
		StderrLevel:  "warn",
		ConfigSource: "default",
	}
}
