package runner

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strings"

	"sceneforge/internal/dispatch"
	"sceneforge/internal/frames"
	"sceneforge/internal/logging"
	"sceneforge/internal/plan"
	"sceneforge/internal/rundir"
	"sceneforge/internal/runlog"
	"sceneforge/internal/services"
	"sceneforge/internal/telemetry"
)

// sceneContext is the shared, read-only state scene goroutines work from.
type sceneContext struct {
	runID      string
	plan       *plan.Plan
	queue      dispatch.QueueConfig
	requeue    bool
	outputRoot string
	layout     rundir.Layout
	dispatcher *dispatch.Dispatcher
	matcher    frames.Matcher
	summary    *runlog.Summary
	logger     *slog.Logger
}

type sceneOutcome struct {
	record       runlog.SceneRecord
	copyFailures int
}

// ScenePrefix is the backend output prefix for one scene of a run.
func ScenePrefix(runID, sceneID string) string {
	return path.Join(runID, "scene-"+sceneID)
}

func (sc *sceneContext) run(ctx context.Context, scene plan.Scene) sceneOutcome {
	ctx = services.WithSceneID(ctx, scene.ID)
	logger := logging.WithContext(ctx, sc.logger)
	prefix := ScenePrefix(sc.runID, scene.ID)

	var result dispatch.Result
	job := &dispatch.SceneJob{
		SceneID:        scene.ID,
		Prefix:         prefix,
		RetryBudget:    sc.queue.SceneRetryBudget,
		FramesDir:      sc.layout.SceneFramesDir(scene.ID),
		DiagnosticsDir: sc.layout.DiagnosticsDir(),
	}
	payload, err := sc.plan.Payload(scene, prefix)
	if err != nil {
		result = dispatch.Result{
			SceneID:   scene.ID,
			Prefix:    prefix,
			Status:    dispatch.StatusFailed,
			Telemetry: sc.emptyTelemetry(),
			Error:     fmt.Sprintf("workflow expansion failed: %v", err),
		}
	} else {
		job.Payload = payload
		result = sc.dispatch(ctx, logger, job)
	}

	out := sceneOutcome{record: runlog.SceneRecord{
		SceneID:        scene.ID,
		Status:         string(result.Status),
		Attempts:       len(result.Attempts),
		OutputPrefix:   prefix,
		Error:          result.Error,
		AttemptHistory: result.Attempts,
		Telemetry:      result.Telemetry,
	}}
	if len(result.Attempts) == 0 {
		out.record.Telemetry = sc.emptyTelemetry()
	}
	historyErrors := distinct(result.HistoryErrors)
	out.record.HistoryError = strings.Join(historyErrors, "; ")

	var copyWarnings []string
	switch {
	case result.Status == dispatch.StatusCompleted:
		copied, err := sc.matcher.Copy(sc.outputRoot, prefix, job.FramesDir)
		out.record.FramesCopied = len(copied.Copied)
		if err != nil {
			copyWarnings = append(copyWarnings, fmt.Sprintf("frame copy failed: %v", err))
		}
		for _, src := range slices.Sorted(maps.Keys(copied.Failed)) {
			copyWarnings = append(copyWarnings, fmt.Sprintf("frame copy failed for %s: %s", src, copied.Failed[src]))
		}
	case result.ForcedCopy != nil:
		out.record.FramesCopied = result.ForcedCopy.Copied
		for _, src := range slices.Sorted(maps.Keys(result.ForcedCopy.Failed)) {
			copyWarnings = append(copyWarnings, fmt.Sprintf("forced copy failed for %s: %s", src, result.ForcedCopy.Failed[src]))
		}
	}
	out.copyFailures = len(copyWarnings)

	lines := sc.sceneLines(result, out.record, historyErrors, copyWarnings)
	if err := sc.summary.WriteLines(lines...); err != nil {
		logging.WarnWithContext(logger, "summary write failed", "summary_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space in run_root"),
			logging.String(logging.FieldImpact, "run summary is incomplete and will fail validation"),
		)
	}

	logger.Info("scene finished",
		logging.String("status", out.record.Status),
		logging.Int("frames", out.record.FramesCopied),
		logging.Int("attempts", out.record.Attempts),
		logging.Float64("duration_seconds", out.record.Telemetry.DurationSeconds),
		logging.String(logging.FieldPrefix, prefix),
		logging.String(logging.FieldEventType, "scene_finished"),
	)
	return out
}

// dispatch runs the job and, when requeueing is enabled, resubmits it after
// polling timeouts while the retry budget allows.
func (sc *sceneContext) dispatch(ctx context.Context, logger *slog.Logger, job *dispatch.SceneJob) dispatch.Result {
	result := sc.dispatcher.Dispatch(ctx, job)
	for sc.requeue && result.Telemetry.HistoryExitReason.Timeout() && job.CanAttempt() && ctx.Err() == nil {
		logger.Info("requeueing scene after polling timeout",
			logging.String("exit_reason", string(result.Telemetry.HistoryExitReason)),
			logging.Int("attempts_run", job.AttemptsRun),
			logging.String("retry_budget", telemetry.LimitToken(job.RetryBudget)),
			logging.String(logging.FieldEventType, "scene_requeued"),
		)
		next := sc.dispatcher.Dispatch(ctx, job)
		next.Attempts = append(result.Attempts, next.Attempts...)
		next.HistoryErrors = append(result.HistoryErrors, next.HistoryErrors...)
		if next.JobID == "" {
			next.JobID = result.JobID
		}
		if len(next.Attempts) > 0 {
			next.Telemetry = next.Attempts[len(next.Attempts)-1].Telemetry
		}
		result = next
	}
	return result
}

// sceneLines builds the scene's summary block. The last Telemetry line is
// the record's telemetry.
func (sc *sceneContext) sceneLines(result dispatch.Result, rec runlog.SceneRecord, historyErrors, copyWarnings []string) []runlog.Line {
	id := rec.SceneID
	var texts []string
	texts = append(texts, runlog.SceneResult(rec.Status, rec.FramesCopied, rec.Attempts, rec.OutputPrefix))

	var notes []string
	if len(result.Attempts) == 0 {
		texts = append(texts, runlog.TelemetryLine(rec.Telemetry))
		notes = rec.Telemetry.System.FallbackNotes
	}
	for _, attempt := range result.Attempts {
		texts = append(texts, runlog.TelemetryLine(attempt.Telemetry))
		notes = append(notes, attempt.Telemetry.System.FallbackNotes...)
	}
	for _, note := range distinct(notes) {
		texts = append(texts, runlog.PrefixWarning+note)
	}

	if floor := sc.plan.FrameFloor; floor > 0 && rec.FramesCopied < floor {
		texts = append(texts, fmt.Sprintf("%sframes=%d below frame floor %d", runlog.PrefixWarning, rec.FramesCopied, floor))
	}
	for _, msg := range copyWarnings {
		texts = append(texts, runlog.PrefixWarning+msg)
	}
	if reason := rec.Telemetry.HistoryExitReason; reason.Timeout() {
		texts = append(texts, fmt.Sprintf("%shistory polling ended with exitReason=%s after %d queries", runlog.PrefixWarning, reason, rec.Telemetry.HistoryAttempts))
	}

	for _, msg := range historyErrors {
		texts = append(texts, runlog.PrefixHistoryWarning+msg)
	}
	if len(historyErrors) > 0 && rec.Telemetry.HistoryExitReason != telemetry.ExitSuccess {
		texts = append(texts, fmt.Sprintf("%shistory retrieval failed %d times; exitReason=%s", runlog.PrefixHistoryError, len(result.HistoryErrors), rec.Telemetry.HistoryExitReason))
	}

	if rec.Telemetry.ForcedCopy.Triggered && rec.Telemetry.ForcedCopy.DebugPath != "" {
		texts = append(texts, runlog.PrefixForcedCopy+rec.Telemetry.ForcedCopy.DebugPath)
	}
	if dispatch.Status(rec.Status).Failed() {
		msg := rec.Error
		if msg == "" {
			msg = fmt.Sprintf("scene ended with status=%s", rec.Status)
		}
		texts = append(texts, runlog.PrefixError+msg)
	}

	lines := make([]runlog.Line, 0, len(texts))
	for _, text := range texts {
		lines = append(lines, runlog.Line{Scene: id, Text: text})
	}
	return lines
}

// emptyTelemetry is the record for a scene that was never submitted.
func (sc *sceneContext) emptyTelemetry() telemetry.Telemetry {
	return telemetry.Telemetry{
		MaxWaitSeconds:              sc.queue.HistoryMaxWaitSeconds,
		PollIntervalSeconds:         sc.queue.HistoryPollIntervalSeconds,
		HistoryAttemptLimit:         sc.queue.HistoryMaxAttempts,
		HistoryExitReason:           telemetry.ExitUnknown,
		PostExecutionTimeoutSeconds: sc.queue.PostExecutionTimeoutSeconds,
		SceneRetryBudget:            sc.queue.SceneRetryBudget,
		System:                      telemetry.System{FallbackNotes: []string{}},
	}
}

func distinct(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
