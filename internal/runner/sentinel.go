package runner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"

	"sceneforge/internal/logging"
	"sceneforge/internal/rundir"
	"sceneforge/internal/runlog"
	"sceneforge/internal/sentinel"
)

const sentinelLogName = "sentinel.log"

// embeddedSentinel is a sentinel goroutine scoped to one run.
type embeddedSentinel struct {
	cancel context.CancelFunc
	done   chan error
	closer io.Closer
	failed bool
}

// startSentinel launches the sentinel when configured. The result is never
// nil; stop reports the exit code for the summary.
func (r *Runner) startSentinel(ctx context.Context, layout rundir.Layout, artifact *runlog.RunArtifact, logger *slog.Logger) *embeddedSentinel {
	if !r.cfg.Sentinel.Embedded {
		return &embeddedSentinel{}
	}
	logPath := filepath.Join(layout.LogsDir(), sentinelLogName)
	fileLogger, closer, err := logging.NewFile(logPath, logging.Options{Level: r.cfg.Logging.Level, Format: "json"})
	if err != nil {
		logging.WarnWithContext(logger, "sentinel log unavailable", "sentinel_log_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the run directory is writable"),
			logging.String(logging.FieldImpact, "embedded sentinel not started; scenes rely on forced copy"),
		)
		return &embeddedSentinel{failed: true}
	}
	fileLogger = fileLogger.With(logging.String(logging.FieldRunID, artifact.RunID))

	s, err := sentinel.New(sentinel.OptionsFromConfig(r.cfg), r.backend, fileLogger)
	if err != nil {
		_ = closer.Close()
		logging.WarnWithContext(logger, "embedded sentinel not started", "sentinel_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check backend_output_dir in the sentinel config"),
			logging.String(logging.FieldImpact, "scenes rely on forced copy"),
		)
		return &embeddedSentinel{failed: true}
	}
	artifact.Logs["sentinel"] = layout.Rel(logPath)

	sctx, cancel := context.WithCancel(ctx)
	es := &embeddedSentinel{cancel: cancel, done: make(chan error, 1), closer: closer}
	go func() {
		es.done <- s.Run(sctx)
	}()
	logger.Info("embedded sentinel started",
		logging.String("log", logPath),
		logging.String(logging.FieldEventType, "sentinel_started"),
	)
	return es
}

// stop cancels the sentinel, waits for it and returns its exit code.
func (e *embeddedSentinel) stop() int {
	if e.cancel == nil {
		if e.failed {
			return 1
		}
		return 0
	}
	e.cancel()
	err := <-e.done
	_ = e.closer.Close()
	e.cancel = nil
	if err != nil {
		e.failed = true
		return 1
	}
	return 0
}
