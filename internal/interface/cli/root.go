// Package cli is the caseflow command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	appconfig "github.com/advocai/caseflow/internal/app/config"
	infraConfig "github.com/advocai/caseflow/internal/infrastructure/config"
	"github.com/advocai/caseflow/internal/infrastructure/di"
)

// globalConfig holds the loaded configuration for all commands
var globalConfig appconfig.Config

// NewRoot builds the root command.
func NewRoot() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "caseflow",
		Short: "Durable appeal workflow runner",
		Long: `caseflow runs the five-stage insurance appeal workflow
(structuring, evidence, regulatory, draft, review) with durable
per-stage checkpoints and provider fallback.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration before any command runs
			// Priority: caseflow.yml > CASEFLOW_* env > defaults
			baseDir := ".caseflow"
			if home := os.Getenv("CASEFLOW_HOME"); home != "" {
				baseDir = home
			}

			cfg, err := infraConfig.LoadSettings(baseDir)
			if err != nil {
				return err
			}
			if err := infraConfig.Validate(cfg); err != nil {
				return err
			}
			globalConfig = cfg

			level := logLevel
			if level == "" {
				level = cfg.StderrLevel
			}
			InitGlobalLogger(level)
			InitializeLoggers(GetLogger())
			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error { return c.Help() },
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Minimum stderr log level (debug|info|warn|error)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newResultCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// withContainer builds the container for one command invocation and tears
// it down afterwards.
func withContainer(fn func(c *di.Container) error) error {
	c, err := di.NewContainer(globalConfig)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer c.Close()
	return fn(c)
}
