package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/advocai/caseflow/internal/domain/model/session"
	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/infrastructure/di"
)

func sessionID(raw string) session.ID {
	return session.ID(strings.TrimSpace(raw))
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's workflow status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *di.Container) error {
				report, err := c.WorkflowService().Status(cmd.Context(), sessionID(args[0]))
				if err != nil {
					return err
				}

				if jsonOutput {
					b, err := json.Marshal(report)
					if err != nil {
						return fmt.Errorf("marshal json: %w", err)
					}
					fmt.Println(string(b))
					return nil
				}

				fmt.Printf("Session   : %s\n", report.SessionID)
				fmt.Printf("Case      : %s\n", report.CaseID)
				fmt.Printf("State     : %s\n", report.State)
				fmt.Printf("Completed : %s\n", stageList(report.CompletedStages))
				if len(report.DegradedStages) > 0 {
					fmt.Printf("Degraded  : %s\n", stageList(report.DegradedStages))
				}
				if report.LastSafeStage != "" {
					fmt.Printf("Last safe : %s\n", report.LastSafeStage)
				}
				fmt.Printf("Resumable : %t\n", report.Resumable)
				fmt.Printf("Errors    : %d\n", report.ErrorCount)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status in JSON format")
	return cmd
}

func stageList(names []stage.Name) string {
	if len(names) == 0 {
		return "(none)"
	}
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}
