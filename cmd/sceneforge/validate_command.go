package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sceneforge/internal/validate"
)

func newValidateCommand() *cobra.Command {
	var tableOutput bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:         "validate <run-dir>",
		Short:       "Check a finished run directory's summary against its metadata",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			report := validate.Dir(args[0])
			out := cmd.OutOrStdout()
			switch {
			case jsonOutput:
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			case tableOutput:
				fmt.Fprintf(out, "%s%s\n", validate.Headline, report.Status)
				if rows := findingRows(report); len(rows) > 0 {
					printRows(out, findingColumns, rows, true)
				}
			default:
				if err := validate.Render(out, report); err != nil {
					return err
				}
			}
			if code := report.ExitCode(); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&tableOutput, "table", false, "Render findings as a table")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON")
	return cmd
}

func findingRows(report validate.Report) [][]string {
	rows := make([][]string, 0, len(report.Errors)+len(report.Warnings))
	for _, msg := range report.Errors {
		rows = append(rows, []string{"ERROR", msg})
	}
	for _, msg := range report.Warnings {
		rows = append(rows, []string{"WARNING", msg})
	}
	return rows
}
