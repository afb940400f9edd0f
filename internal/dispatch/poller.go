package dispatch

import (
	"context"
	"log/slog"
	"time"

	"sceneforge/internal/logging"
	"sceneforge/internal/sentinel"
	"sceneforge/internal/services/backend"
	"sceneforge/internal/telemetry"
)

// HistoryClient looks up one job in the backend history.
type HistoryClient interface {
	History(ctx context.Context, id backend.JobID) (backend.HistoryEntry, bool, error)
}

// Clock abstracts time so polling can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PollResult is the outcome of one polling session.
type PollResult struct {
	Attempts       int
	ExitReason     telemetry.ExitReason
	SuccessAt      *time.Time
	ExecutionError string
	HistoryErrors  []string
}

// MarkerWait is the outcome of the post-execution marker wait.
type MarkerWait struct {
	Detected    bool
	WaitSeconds float64
	Path        string
	TimedOut    bool
}

// Poller follows a submitted job through the backend history.
type Poller struct {
	client         HistoryClient
	queue          QueueConfig
	markerInterval time.Duration
	clock          Clock
	logger         *slog.Logger
}

// NewPoller constructs a Poller.
func NewPoller(client HistoryClient, queue QueueConfig, markerInterval time.Duration, clock Clock, logger *slog.Logger) *Poller {
	if clock == nil {
		clock = realClock{}
	}
	if markerInterval <= 0 {
		markerInterval = time.Second
	}
	return &Poller{
		client:         client,
		queue:          queue,
		markerInterval: markerInterval,
		clock:          clock,
		logger:         logging.NewComponentLogger(logger, "poller"),
	}
}

// Poll sleeps the poll interval, queries history and classifies the entry
// until success, an execution error, the attempt limit or the max wait.
// Cancellation yields ExitUnknown.
func (p *Poller) Poll(ctx context.Context, id backend.JobID) PollResult {
	logger := logging.WithContext(ctx, p.logger).With(logging.String(logging.FieldJobID, string(id)))
	interval := time.Duration(p.queue.HistoryPollIntervalSeconds) * time.Second
	maxWait := time.Duration(p.queue.HistoryMaxWaitSeconds) * time.Second
	limit := p.queue.HistoryMaxAttempts

	result := PollResult{ExitReason: telemetry.ExitUnknown}
	start := p.clock.Now()
	for {
		if err := p.clock.Sleep(ctx, interval); err != nil {
			logger.Info("history polling cancelled", logging.Int("attempts", result.Attempts))
			return result
		}
		entry, found, err := p.client.History(ctx, id)
		result.Attempts++
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return result
			}
			result.HistoryErrors = append(result.HistoryErrors, err.Error())
			logging.WarnWithContext(logger, "history query failed", "history_query_failed",
				logging.Int("attempt", result.Attempts),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check backend availability"),
				logging.String(logging.FieldImpact, "polling continues until the wait or attempt limit"),
			)
		case found:
			switch entry.Classify() {
			case backend.OutcomeSuccess:
				at := p.clock.Now().UTC()
				result.SuccessAt = &at
				result.ExitReason = telemetry.ExitSuccess
				logger.Info("backend reported success", logging.Int("attempts", result.Attempts))
				return result
			case backend.OutcomeError:
				result.ExecutionError = entry.ErrorMessage()
				if result.ExecutionError == "" {
					result.ExecutionError = "backend reported execution error"
				}
				logger.Warn("backend reported execution error",
					logging.String("detail", result.ExecutionError),
					logging.String(logging.FieldEventType, "execution_error"),
				)
				return result
			}
		}

		if limit > 0 && result.Attempts >= limit {
			result.ExitReason = telemetry.ExitAttemptLimit
			logger.Info("history attempt limit reached", logging.Int("attempts", result.Attempts))
			return result
		}
		if p.clock.Now().Sub(start) >= maxWait {
			result.ExitReason = telemetry.ExitMaxWait
			logger.Info("history max wait reached", logging.Int("attempts", result.Attempts))
			return result
		}
	}
}

// WaitForMarker waits up to the post-execution timeout for markerPath.
func (p *Poller) WaitForMarker(ctx context.Context, markerPath string) MarkerWait {
	timeout := time.Duration(p.queue.PostExecutionTimeoutSeconds) * time.Second
	wait := MarkerWait{Path: markerPath}
	start := p.clock.Now()
	for {
		elapsed := p.clock.Now().Sub(start)
		if sentinel.MarkerExists(markerPath) {
			wait.Detected = true
			wait.WaitSeconds = elapsed.Seconds()
			return wait
		}
		if elapsed >= timeout {
			wait.TimedOut = true
			wait.WaitSeconds = elapsed.Seconds()
			return wait
		}
		step := p.markerInterval
		if remaining := timeout - elapsed; remaining < step {
			step = remaining
		}
		if err := p.clock.Sleep(ctx, step); err != nil {
			wait.WaitSeconds = p.clock.Now().Sub(start).Seconds()
			return wait
		}
	}
}
