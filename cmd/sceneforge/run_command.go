package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"sceneforge/internal/jobstore"
	"sceneforge/internal/logging"
	"sceneforge/internal/plan"
	"sceneforge/internal/preflight"
	"sceneforge/internal/runner"
	"sceneforge/internal/validate"
)

type runView struct {
	RunID       string          `json:"run_id"`
	Dir         string          `json:"dir"`
	TotalFrames int             `json:"total_frames"`
	Validation  validate.Report `json:"validation"`
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var runID string
	var skipPreflight bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Render every scene of a plan into a new run directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			logger, err := ctx.logger()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client := ctx.backendClient()
			if !skipPreflight {
				failed := preflight.Failed(preflight.RunAll(signalCtx, cfg, client))
				for _, result := range failed {
					fmt.Fprintf(cmd.ErrOrStderr(), "preflight: %s: %s\n", result.Name, result.Detail)
				}
				if len(failed) > 0 {
					return fmt.Errorf("preflight failed: %d check(s) did not pass", len(failed))
				}
			}

			opts := []runner.Option{}
			if id := strings.TrimSpace(runID); id != "" {
				opts = append(opts, runner.WithRunID(id))
			}
			store, err := jobstore.Open(cfg)
			if err != nil {
				logging.WarnWithContext(logger, "job store unavailable", "jobstore_open_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check log_dir permissions or remove a corrupt jobs.db"),
					logging.String(logging.FieldImpact, "run not recorded for `sceneforge jobs list`"),
				)
			} else {
				defer store.Close()
				opts = append(opts, runner.WithStore(store))
			}

			outcome, err := runner.New(cfg, client, logger, opts...).Run(signalCtx, p)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), runView{
					RunID:       outcome.RunID,
					Dir:         outcome.Dir,
					TotalFrames: outcome.Artifact.TotalFrames(),
					Validation:  outcome.Validation,
				}); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Run: %s\n", outcome.RunID)
				fmt.Fprintf(out, "Directory: %s\n", outcome.Dir)
				fmt.Fprintf(out, "Frames copied: %d\n", outcome.Artifact.TotalFrames())
				if err := validate.Render(out, outcome.Validation); err != nil {
					return err
				}
			}
			if code := outcome.Validation.ExitCode(); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Use this run identifier instead of a generated one")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Start without checking directories and backend reachability")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the run outcome as JSON")
	return cmd
}
