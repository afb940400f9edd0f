package main

import (
	"github.com/spf13/cobra"

	"sceneforge/internal/preflight"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check directories and backend reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			results := preflight.RunAll(cmd.Context(), ctx.configValue(), ctx.backendClient())
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.Name, yesNo(r.Passed), r.Detail})
			}
			printRows(cmd.OutOrStdout(), checkColumns, rows, false)
			if len(preflight.Failed(results)) > 0 {
				return exitError{code: 1}
			}
			return nil
		},
	}
}
