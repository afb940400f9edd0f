package main

import (
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"sceneforge/internal/rundir"
	"sceneforge/internal/sentinel"
)

const sentinelLockName = "sentinel.lock"

func newSentinelCommand(ctx *commandContext) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Watch backend_output_dir and publish done markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			logger, err := ctx.logger()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			lockPath := filepath.Join(cfg.Paths.LogDir, sentinelLockName)
			lock, err := rundir.Acquire(lockPath)
			if errors.Is(err, rundir.ErrLocked) {
				return fmt.Errorf("another sentinel is already running (lock %s)", lockPath)
			}
			if err != nil {
				return err
			}
			defer lock.Release()

			s, err := sentinel.New(sentinel.OptionsFromConfig(cfg), ctx.backendClient(), logger)
			if err != nil {
				return err
			}

			if once {
				fmt.Fprintln(cmd.OutOrStdout(), s.Tick(cmd.Context()).String())
				return nil
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return s.Run(signalCtx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single scan and print its counters")
	return cmd
}
