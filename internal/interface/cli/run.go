package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/advocai/caseflow/internal/application/usecase/workflow"
	"github.com/advocai/caseflow/internal/infrastructure/di"
)

// RunOutput is the machine-readable result of a run command.
type RunOutput struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

func newRunCmd() *cobra.Command {
	var (
		caseID     string
		denialRef  string
		policyRef  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a case and run the workflow to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *di.Container) error {
				res, err := c.WorkflowService().Submit(cmd.Context(), workflow.SubmitRequest{
					CaseID:    caseID,
					DenialRef: denialRef,
					PolicyRef: policyRef,
				})
				if err != nil {
					return err
				}
				return printRunResult(res, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&caseID, "case", "", "Case identifier (required)")
	cmd.Flags().StringVar(&denialRef, "denial", "", "Path to the denial letter (required)")
	cmd.Flags().StringVar(&policyRef, "policy", "", "Path to the policy document (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output result in JSON format")
	_ = cmd.MarkFlagRequired("case")
	_ = cmd.MarkFlagRequired("denial")
	_ = cmd.MarkFlagRequired("policy")

	return cmd
}

func newResumeCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted session from its last committed stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *di.Container) error {
				res, err := c.WorkflowService().Resume(cmd.Context(), sessionID(args[0]))
				if err != nil {
					return err
				}
				return printRunResult(res, jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output result in JSON format")
	return cmd
}

func printRunResult(res *workflow.SubmitResult, jsonOutput bool) error {
	if jsonOutput {
		out := RunOutput{
			SessionID: res.SessionID.String(),
			State:     string(res.State),
		}
		if res.RunErr != nil {
			out.Error = res.RunErr.Error()
		}
		b, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		fmt.Println(string(b))
	} else {
		fmt.Printf("Session : %s\n", res.SessionID)
		fmt.Printf("State   : %s\n", res.State)
		if res.RunErr != nil {
			fmt.Printf("Error   : %v\n", res.RunErr)
		}
	}

	// A stopped run is a non-zero exit even when reported cleanly.
	return res.RunErr
}
