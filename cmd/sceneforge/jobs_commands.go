package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"sceneforge/internal/jobstore"
	"sceneforge/internal/telemetry"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect recorded runs and scene attempts",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var runID string
	var limit int
	var jsonOutput bool
	var tableOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, or the attempts of one run",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := jobstore.Open(ctx.configValue())
			if err != nil {
				return err
			}
			defer store.Close()

			if id := strings.TrimSpace(runID); id != "" {
				if _, err := store.GetRun(cmd.Context(), id); err != nil {
					return err
				}
				attempts, err := store.ListAttempts(cmd.Context(), id)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), attempts)
				}
				if len(attempts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No attempts recorded")
					return nil
				}
				printRows(cmd.OutOrStdout(), attemptColumns, attemptRows(attempts), tableOutput)
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}
			printRows(cmd.OutOrStdout(), runColumns, runRows(runs), tableOutput)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Show the attempts of this run")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print rows as JSON")
	cmd.Flags().BoolVar(&tableOutput, "table", false, "Render a table even when stdout is not a terminal")
	return cmd
}

func runRows(runs []jobstore.Run) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		validation := run.Validation
		if validation == "" {
			validation = "-"
		}
		rows = append(rows, []string{
			run.ID,
			run.StoryID,
			string(run.Status),
			strconv.Itoa(run.SceneCount),
			strconv.Itoa(run.TotalFrames),
			validation,
			formatTimestamp(run.StartedAt),
		})
	}
	return rows
}

func attemptRows(attempts []jobstore.AttemptRecord) [][]string {
	rows := make([][]string, 0, len(attempts))
	for _, a := range attempts {
		jobID := a.JobID
		if jobID == "" {
			jobID = "-"
		}
		rows = append(rows, []string{
			a.SceneID,
			strconv.Itoa(a.Attempt),
			jobID,
			string(a.Status),
			string(a.ExitReason),
			telemetry.FormatSeconds(a.DurationSeconds) + "s",
			a.Error,
		})
	}
	return rows
}
