package telemetry

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// VRAMDeltaToleranceMB bounds the accepted drift between the recorded delta
// and after minus before.
const VRAMDeltaToleranceMB = 0.5

// ExitReason is the terminal classification of one history polling session.
type ExitReason string

const (
	ExitSuccess       ExitReason = "success"
	ExitMaxWait       ExitReason = "maxWait"
	ExitAttemptLimit  ExitReason = "attemptLimit"
	ExitPostExecution ExitReason = "postExecution"
	ExitUnknown       ExitReason = "unknown"
)

// ExitReasons lists every valid exit reason.
var ExitReasons = []ExitReason{ExitSuccess, ExitMaxWait, ExitAttemptLimit, ExitPostExecution, ExitUnknown}

// Valid reports whether r is one of the enumerated literals.
func (r ExitReason) Valid() bool {
	for _, candidate := range ExitReasons {
		if r == candidate {
			return true
		}
	}
	return false
}

// Timeout reports whether r ends polling without observing success.
func (r ExitReason) Timeout() bool {
	return r == ExitMaxWait || r == ExitAttemptLimit
}

// DoneMarker records what the poller saw of the sentinel's marker.
type DoneMarker struct {
	Detected    bool    `json:"detected"`
	WaitSeconds float64 `json:"waitSeconds"`
	Path        string  `json:"path"`
}

// ForcedCopy records whether the fallback copy ran.
type ForcedCopy struct {
	Triggered bool   `json:"triggered"`
	DebugPath string `json:"debugPath"`
}

// GPU holds the device identity and the memory samples in MB of used VRAM.
type GPU struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Index        int     `json:"index"`
	VRAMTotal    float64 `json:"vramTotal"`
	VRAMBeforeMB float64 `json:"vramBeforeMB"`
	VRAMAfterMB  float64 `json:"vramAfterMB"`
	VRAMDeltaMB  float64 `json:"vramDeltaMB"`
}

// DeltaConsistent reports whether the recorded delta matches the samples.
func (g GPU) DeltaConsistent() bool {
	return math.Abs(g.VRAMDeltaMB-(g.VRAMAfterMB-g.VRAMBeforeMB)) <= VRAMDeltaToleranceMB
}

// System carries host-level diagnostics.
type System struct {
	FallbackNotes []string `json:"fallbackNotes"`
	OutputFreeMB  float64  `json:"outputFreeMB"`
}

// Telemetry is the record produced for one scene attempt.
type Telemetry struct {
	DurationSeconds                    float64    `json:"durationSeconds"`
	QueueStart                         time.Time  `json:"queueStart"`
	QueueEnd                           time.Time  `json:"queueEnd"`
	MaxWaitSeconds                     int        `json:"maxWaitSeconds"`
	PollIntervalSeconds                int        `json:"pollIntervalSeconds"`
	HistoryAttempts                    int        `json:"historyAttempts"`
	HistoryAttemptLimit                int        `json:"historyAttemptLimit"`
	HistoryExitReason                  ExitReason `json:"historyExitReason"`
	ExecutionSuccessDetected           bool       `json:"executionSuccessDetected"`
	ExecutionSuccessAt                 *time.Time `json:"executionSuccessAt,omitempty"`
	PostExecutionTimeoutSeconds        int        `json:"postExecutionTimeoutSeconds"`
	HistoryPostExecutionTimeoutReached bool       `json:"historyPostExecutionTimeoutReached"`
	SceneRetryBudget                   int        `json:"sceneRetryBudget"`
	DoneMarker                         DoneMarker `json:"doneMarker"`
	ForcedCopy                         ForcedCopy `json:"forcedCopy"`
	GPU                                GPU        `json:"gpu"`
	System                             System     `json:"system"`
}

// AddNote appends a fallback note, ignoring duplicates. Invalid UTF-8 is
// replaced so the note survives a JSON round trip unchanged.
func (t *Telemetry) AddNote(note string) {
	note = strings.ToValidUTF8(note, "\uFFFD")
	for _, existing := range t.System.FallbackNotes {
		if existing == note {
			return
		}
	}
	t.System.FallbackNotes = append(t.System.FallbackNotes, note)
}

// Normalize fills zero values that must never serialize as null.
func (t *Telemetry) Normalize() {
	if t.System.FallbackNotes == nil {
		t.System.FallbackNotes = []string{}
	}
	if !t.HistoryExitReason.Valid() {
		t.HistoryExitReason = ExitUnknown
	}
}

// LimitToken renders a bounded limit, or "unbounded" for zero.
func LimitToken(limit int) string {
	if limit > 0 {
		return strconv.Itoa(limit)
	}
	return "unbounded"
}

// PollLimitToken is the summary token for the history attempt limit.
func (t Telemetry) PollLimitToken() string {
	return LimitToken(t.HistoryAttemptLimit)
}

// RetryBudgetToken is the summary token for the scene retry budget.
func (t Telemetry) RetryBudgetToken() string {
	return LimitToken(t.SceneRetryBudget)
}

// FormatSeconds renders fractional seconds with two decimals.
func FormatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// FormatMB renders a MB value with two decimals.
func FormatMB(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func roundMB(v float64) float64 {
	return math.Round(v*100) / 100
}

func bytesToMB(b int64) float64 {
	return float64(b) / (1024 * 1024)
}
