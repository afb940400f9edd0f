package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"sceneforge/internal/logging"
	"sceneforge/internal/sentinel"
	"sceneforge/internal/services"
	"sceneforge/internal/services/backend"
	"sceneforge/internal/telemetry"
)

const defaultMaxBackoff = 30 * time.Second

// Backend is the subset of the backend API the dispatcher uses.
type Backend interface {
	HistoryClient
	Submit(ctx context.Context, graph any) (backend.JobID, error)
}

// Dispatcher drives scene jobs through submission, polling and completion
// detection.
type Dispatcher struct {
	backend    Backend
	queue      QueueConfig
	collector  *telemetry.Collector
	poller     *Poller
	copier     *ForcedCopier
	outputRoot string
	backoff    time.Duration
	maxBackoff time.Duration
	clock      Clock
	logger     *slog.Logger
}

// Options configures a Dispatcher.
type Options struct {
	Queue              QueueConfig
	OutputRoot         string
	SubmitBackoff      time.Duration
	MarkerPollInterval time.Duration
	Clock              Clock
}

// New constructs a Dispatcher.
func New(b Backend, collector *telemetry.Collector, copier *ForcedCopier, opts Options, logger *slog.Logger) *Dispatcher {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger = logging.NewComponentLogger(logger, "dispatcher")
	return &Dispatcher{
		backend:    b,
		queue:      opts.Queue,
		collector:  collector,
		poller:     NewPoller(b, opts.Queue, opts.MarkerPollInterval, clock, logger),
		copier:     copier,
		outputRoot: opts.OutputRoot,
		backoff:    opts.SubmitBackoff,
		maxBackoff: defaultMaxBackoff,
		clock:      clock,
		logger:     logger,
	}
}

// Dispatch submits job, retrying transient submit failures within the
// remaining budget, then follows the submitted job to a terminal outcome.
// Polling timeouts end the call; the caller decides on requeueing.
func (d *Dispatcher) Dispatch(ctx context.Context, job *SceneJob) Result {
	ctx = services.WithSceneID(ctx, job.SceneID)
	logger := logging.WithContext(ctx, d.logger).With(logging.String(logging.FieldPrefix, job.Prefix))
	result := Result{SceneID: job.SceneID, Prefix: job.Prefix, Status: StatusUnknown}
	job.Status = StatusQueued

	submitFailures := 0
	for job.CanAttempt() {
		if ctx.Err() != nil {
			result.Error = "dispatch cancelled"
			break
		}
		job.AttemptsRun++
		attempt, submitErr := d.runAttempt(ctx, logger, job, &result)
		result.Attempts = append(result.Attempts, attempt)
		result.Telemetry = attempt.Telemetry
		result.Status = attempt.Status
		job.Status = attempt.Status
		if attempt.JobID != "" {
			result.JobID = attempt.JobID
		}
		if submitErr == nil || !backend.IsTransient(submitErr) {
			break
		}
		submitFailures++
		if !job.CanAttempt() {
			break
		}
		delay := d.backoffDelay(submitFailures, submitErr)
		logger.Info("retrying submission",
			logging.Int("attempt", job.AttemptsRun),
			logging.Duration("backoff", delay),
			logging.String("retry_budget", telemetry.LimitToken(job.RetryBudget)),
		)
		if err := d.clock.Sleep(ctx, delay); err != nil {
			break
		}
	}
	if len(result.Attempts) == 0 {
		if result.Error == "" {
			result.Error = "retry budget exhausted before submission"
		}
		result.Status = StatusFailed
		job.Status = StatusFailed
	}
	return result
}

// runAttempt performs one submission and, when it succeeds, the polling and
// completion wait. The returned error is the submit failure, if any.
func (d *Dispatcher) runAttempt(ctx context.Context, logger *slog.Logger, job *SceneJob, result *Result) (Attempt, error) {
	attempt := Attempt{Number: job.AttemptsRun, Status: StatusQueued}
	tel := d.baseTelemetry()

	before := d.collector.Sample(ctx, telemetry.PhaseBefore)
	tel.QueueStart = d.clock.Now().UTC()

	id, err := d.backend.Submit(ctx, job.Payload)
	if err != nil {
		attempt.Status = StatusFailed
		attempt.Error = err.Error()
		result.Error = fmt.Sprintf("submit attempt %d failed: %v", attempt.Number, err)
		d.finish(ctx, &tel, before)
		attempt.Telemetry = tel
		attrs := []logging.Attr{
			logging.Int("attempt", attempt.Number),
			logging.Bool("transient", backend.IsTransient(err)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the backend is reachable and the workflow is valid"),
			logging.String(logging.FieldImpact, "scene retried while the budget allows"),
		}
		if component, op, ok := services.Operation(err); ok {
			attrs = append(attrs, logging.String("failed_op", component+"."+op))
		}
		logging.WarnWithContext(logger, "scene submission failed", "submit_failed", attrs...)
		return attempt, err
	}

	attempt.JobID = string(id)
	job.Status = StatusSubmitted
	logger.Info("scene submitted",
		logging.String(logging.FieldJobID, string(id)),
		logging.Int("attempt", attempt.Number),
		logging.String(logging.FieldEventType, "scene_submitted"),
	)

	job.Status = StatusPolling
	poll := d.poller.Poll(ctx, id)
	tel.HistoryAttempts = poll.Attempts
	tel.HistoryExitReason = poll.ExitReason
	result.HistoryErrors = append(result.HistoryErrors, poll.HistoryErrors...)
	if poll.SuccessAt != nil {
		tel.ExecutionSuccessDetected = true
		tel.ExecutionSuccessAt = poll.SuccessAt
	}

	markerPath := sentinel.MarkerPath(d.outputRoot, job.Prefix)
	tel.DoneMarker.Path = markerPath

	switch {
	case poll.ExecutionError != "":
		attempt.Status = StatusFailed
		attempt.Error = poll.ExecutionError
		result.Error = "backend execution failed: " + poll.ExecutionError
	case poll.ExitReason == telemetry.ExitSuccess:
		wait := d.poller.WaitForMarker(ctx, markerPath)
		tel.DoneMarker.Detected = wait.Detected
		tel.DoneMarker.WaitSeconds = roundSeconds(wait.WaitSeconds)
		switch {
		case wait.Detected:
			attempt.Status = StatusCompleted
		case wait.TimedOut:
			tel.HistoryPostExecutionTimeoutReached = true
			tel.HistoryExitReason = telemetry.ExitPostExecution
			attempt.Status = StatusPostExecutionTimeout
			d.forcedCopy(ctx, logger, job, &tel, result)
		default:
			attempt.Status = StatusUnknown
			tel.HistoryExitReason = telemetry.ExitUnknown
			result.Error = "dispatch cancelled during post-execution wait"
		}
	default:
		attempt.Status = StatusForExit(poll.ExitReason)
		if attempt.Status == StatusUnknown {
			result.Error = "history polling ended without a result"
		}
	}

	d.finish(ctx, &tel, before)
	attempt.Telemetry = tel
	if !attempt.Status.Failed() {
		result.Error = ""
	}

	logger.Info("scene attempt finished",
		logging.String(logging.FieldJobID, attempt.JobID),
		logging.String("status", string(attempt.Status)),
		logging.String("exit_reason", string(tel.HistoryExitReason)),
		logging.Int("history_attempts", tel.HistoryAttempts),
		logging.Bool("marker_detected", tel.DoneMarker.Detected),
		logging.String(logging.FieldEventType, "scene_attempt_finished"),
	)
	return attempt, nil
}

func (d *Dispatcher) forcedCopy(ctx context.Context, logger *slog.Logger, job *SceneJob, tel *telemetry.Telemetry, result *Result) {
	if d.copier == nil {
		tel.AddNote("forced copy unavailable: no copier configured")
		return
	}
	if ctx.Err() != nil {
		return
	}
	report, err := d.copier.Copy(job.SceneID, job.Prefix, job.FramesDir, job.DiagnosticsDir, "post-execution timeout without done marker")
	tel.ForcedCopy.Triggered = report.Triggered
	tel.ForcedCopy.DebugPath = report.DebugPath
	result.ForcedCopy = &report
	if err != nil {
		tel.AddNote(fmt.Sprintf("forced copy diagnostics not written: %v", err))
		logger.Warn("forced copy diagnostics not written", logging.Error(err))
	}
}

func (d *Dispatcher) finish(ctx context.Context, tel *telemetry.Telemetry, before telemetry.Snapshot) {
	after := d.collector.Sample(ctx, telemetry.PhaseAfter)
	tel.QueueEnd = d.clock.Now().UTC()
	tel.DurationSeconds = roundSeconds(tel.QueueEnd.Sub(tel.QueueStart).Seconds())
	d.collector.Apply(tel, before, after)
}

func (d *Dispatcher) baseTelemetry() telemetry.Telemetry {
	return telemetry.Telemetry{
		MaxWaitSeconds:              d.queue.HistoryMaxWaitSeconds,
		PollIntervalSeconds:         d.queue.HistoryPollIntervalSeconds,
		HistoryAttemptLimit:         d.queue.HistoryMaxAttempts,
		HistoryExitReason:           telemetry.ExitUnknown,
		PostExecutionTimeoutSeconds: d.queue.PostExecutionTimeoutSeconds,
		SceneRetryBudget:            d.queue.SceneRetryBudget,
		System:                      telemetry.System{FallbackNotes: []string{}},
	}
}

// backoffDelay doubles the base delay per failure, honoring Retry-After.
func (d *Dispatcher) backoffDelay(failures int, err error) time.Duration {
	if hint := backend.RetryAfter(err); hint > 0 {
		return min(hint, d.maxBackoff)
	}
	base := d.backoff
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < failures; i++ {
		if delay > d.maxBackoff/2 {
			delay = d.maxBackoff
			break
		}
		delay *= 2
	}
	if delay > d.maxBackoff {
		delay = d.maxBackoff
	}
	return delay
}

func roundSeconds(v float64) float64 {
	return math.Round(v*100) / 100
}
