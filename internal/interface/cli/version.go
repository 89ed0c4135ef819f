package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/advocai/caseflow/internal/buildinfo"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the caseflow version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.GetVersion())
		},
	}
}
