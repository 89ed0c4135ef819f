package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/advocai/caseflow/internal/infrastructure/di"
)

// ResultOutput is the machine-readable result of the result command.
type ResultOutput struct {
	Ref         string `json:"ref"`
	StoragePath string `json:"storage_path"`
	Size        int64  `json:"size"`
	Degraded    string `json:"degraded_stages,omitempty"`
}

func newResultCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "result <session-id>",
		Short: "Assemble and store the final appeal package for a completed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *di.Container) error {
				ref, err := c.WorkflowService().Result(cmd.Context(), sessionID(args[0]))
				if err != nil {
					return err
				}

				if jsonOutput {
					out := ResultOutput{
						Ref:         ref.Ref,
						StoragePath: ref.StoragePath,
						Size:        ref.Size,
						Degraded:    ref.Metadata["degraded_stages"],
					}
					b, err := json.Marshal(out)
					if err != nil {
						return fmt.Errorf("marshal json: %w", err)
					}
					fmt.Println(string(b))
					return nil
				}

				fmt.Printf("Package : %s\n", ref.Ref)
				fmt.Printf("Stored  : %s\n", ref.StoragePath)
				fmt.Printf("Size    : %d bytes\n", ref.Size)
				if degraded := ref.Metadata["degraded_stages"]; degraded != "" {
					fmt.Printf("Degraded: %s (manual review required)\n", degraded)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output result in JSON format")
	return cmd
}
