package dispatch

import (
	"sceneforge/internal/config"
	"sceneforge/internal/telemetry"
)

// Status is a scene's position in the dispatch state machine.
type Status string

const (
	StatusQueued               Status = "queued"
	StatusSubmitted            Status = "submitted"
	StatusPolling              Status = "polling"
	StatusCompleted            Status = "completed"
	StatusTimedOut             Status = "timed_out"
	StatusAttemptLimitExceeded Status = "attempt_limit_exceeded"
	StatusPostExecutionTimeout Status = "post_execution_timeout"
	StatusFailed               Status = "failed"
	StatusUnknown              Status = "unknown"
)

// Terminal reports whether s ends the state machine.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimedOut, StatusAttemptLimitExceeded,
		StatusPostExecutionTimeout, StatusFailed, StatusUnknown:
		return true
	default:
		return false
	}
}

// Failed reports whether the scene produced no usable result.
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusUnknown
}

// StatusForExit maps a polling exit reason to the terminal scene status.
func StatusForExit(reason telemetry.ExitReason) Status {
	switch reason {
	case telemetry.ExitSuccess:
		return StatusCompleted
	case telemetry.ExitMaxWait:
		return StatusTimedOut
	case telemetry.ExitAttemptLimit:
		return StatusAttemptLimitExceeded
	case telemetry.ExitPostExecution:
		return StatusPostExecutionTimeout
	default:
		return StatusUnknown
	}
}

// QueueConfig is the per-run dispatch policy. Zero budgets and limits mean
// unbounded.
type QueueConfig struct {
	SceneRetryBudget            int `json:"SceneRetryBudget"`
	HistoryMaxWaitSeconds       int `json:"HistoryMaxWaitSeconds"`
	HistoryPollIntervalSeconds  int `json:"HistoryPollIntervalSeconds"`
	HistoryMaxAttempts          int `json:"HistoryMaxAttempts"`
	PostExecutionTimeoutSeconds int `json:"PostExecutionTimeoutSeconds"`
}

// QueueConfigFromConfig copies the queue policy out of application config.
func QueueConfigFromConfig(cfg *config.Config) QueueConfig {
	return QueueConfig{
		SceneRetryBudget:            cfg.Queue.SceneRetryBudget,
		HistoryMaxWaitSeconds:       cfg.Queue.HistoryMaxWait,
		HistoryPollIntervalSeconds:  cfg.Queue.HistoryPollInterval,
		HistoryMaxAttempts:          cfg.Queue.HistoryMaxAttempts,
		PostExecutionTimeoutSeconds: cfg.Queue.PostExecutionTimeout,
	}
}

// SceneJob is one scene's unit of work and its retry accounting.
type SceneJob struct {
	SceneID        string
	Prefix         string
	Payload        any
	RetryBudget    int
	AttemptsRun    int
	Status         Status
	FramesDir      string
	DiagnosticsDir string
}

// CanAttempt reports whether the budget allows another submission.
func (j *SceneJob) CanAttempt() bool {
	if j.RetryBudget <= 0 {
		return true
	}
	return j.AttemptsRun < j.RetryBudget+1
}

// Attempt records one submission and what followed it.
type Attempt struct {
	Number    int                 `json:"Attempt"`
	JobID     string              `json:"JobID"`
	Status    Status              `json:"Status"`
	Error     string              `json:"Error,omitempty"`
	Telemetry telemetry.Telemetry `json:"Telemetry"`
}

// Result is the structured outcome of one Dispatch call.
type Result struct {
	SceneID       string
	Prefix        string
	Status        Status
	JobID         string
	Attempts      []Attempt
	Telemetry     telemetry.Telemetry
	HistoryErrors []string
	Error         string
	ForcedCopy    *ForcedCopyReport
}
