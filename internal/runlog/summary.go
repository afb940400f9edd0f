package runlog

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"sceneforge/internal/dispatch"
	"sceneforge/internal/telemetry"
)

const (
	// SummaryFileName is the run summary inside a run directory.
	SummaryFileName = "run-summary.txt"
	// MetadataFileName is the structured run document inside a run directory.
	MetadataFileName = "artifact-metadata.json"
)

// Line text prefixes.
const (
	PrefixStoryReady     = "Story ready: "
	PrefixLogline        = "Logline: "
	PrefixQueuePolicy    = "Queue policy: "
	PrefixSceneResult    = "Scene result: "
	PrefixTelemetry      = "Telemetry: "
	PrefixWarning        = "WARNING: "
	PrefixHistoryWarning = "HISTORY WARNING: "
	PrefixHistoryError   = "HISTORY ERROR: "
	PrefixError          = "ERROR: "
	PrefixForcedCopy     = "ForcedCopyDebugPath: "
	PrefixToolExit       = "Tool exit code: "
	PrefixArtifactIndex  = "Artifact index:"
	PrefixArtifactEntry  = "  - "
	PrefixTotalFrames    = "Total frames copied: "
)

// Line is one summary line before timestamping.
type Line struct {
	Scene string
	Text  string
}

// Summary appends lines to run-summary.txt. It is safe for concurrent use;
// WriteLines keeps one caller's lines contiguous.
type Summary struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	now  func() time.Time
	path string
}

// CreateSummary opens path for appending, creating it when absent.
func CreateSummary(path string) (*Summary, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run summary: %w", err)
	}
	return &Summary{file: f, buf: bufio.NewWriter(f), now: time.Now, path: path}, nil
}

// Path returns the summary file location.
func (s *Summary) Path() string {
	return s.path
}

// WriteLines appends lines in order and flushes them.
func (s *Summary) WriteLines(lines ...Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UTC().Format(time.RFC3339)
	for _, line := range lines {
		if _, err := s.buf.WriteString(FormatLine(ts, line)); err != nil {
			return err
		}
		if err := s.buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.buf.Flush()
}

// Close flushes and closes the file.
func (s *Summary) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	flushErr := s.buf.Flush()
	err := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return flushErr
	}
	return err
}

// FormatLine renders a timestamped line without the trailing newline.
func FormatLine(ts string, line Line) string {
	text := strings.ReplaceAll(line.Text, "\n", " ")
	if line.Scene != "" {
		return ts + " [Scene " + line.Scene + "] " + text
	}
	return ts + " " + text
}

// StoryReady renders the story readiness line text.
func StoryReady(id, title string, scenes int) string {
	return fmt.Sprintf("%s%s %q scenes=%d", PrefixStoryReady, id, title, scenes)
}

// Logline renders the logline text.
func Logline(text string) string {
	return PrefixLogline + text
}

// QueuePolicy renders the queue policy line text.
func QueuePolicy(q dispatch.QueueConfig) string {
	return fmt.Sprintf("%ssceneRetries=%s historyMaxWait=%ds historyPollInterval=%ds historyMaxAttempts=%s postExecutionTimeout=%ds",
		PrefixQueuePolicy,
		telemetry.LimitToken(q.SceneRetryBudget),
		q.HistoryMaxWaitSeconds,
		q.HistoryPollIntervalSeconds,
		telemetry.LimitToken(q.HistoryMaxAttempts),
		q.PostExecutionTimeoutSeconds,
	)
}

// SceneResult renders the per-scene main line text.
func SceneResult(status string, frames, attempts int, prefix string) string {
	return fmt.Sprintf("%sstatus=%s frames=%d attempts=%d prefix=%s", PrefixSceneResult, status, frames, attempts, prefix)
}

// TelemetryLine renders the "Telemetry: k=v | k=v" text for one attempt.
func TelemetryLine(t telemetry.Telemetry) string {
	pairs := [][2]string{
		{"duration", telemetry.FormatSeconds(t.DurationSeconds) + "s"},
		{"queueStart", formatTime(t.QueueStart)},
		{"queueEnd", formatTime(t.QueueEnd)},
		{"historyAttempts", fmt.Sprint(t.HistoryAttempts)},
		{"pollLimit", t.PollLimitToken()},
		{"pollInterval", fmt.Sprintf("%ds", t.PollIntervalSeconds)},
		{"maxWait", fmt.Sprintf("%ds", t.MaxWaitSeconds)},
		{"exitReason", string(t.HistoryExitReason)},
		{"executionSuccess", fmt.Sprint(t.ExecutionSuccessDetected)},
		{"postExecutionTimeout", fmt.Sprintf("%ds", t.PostExecutionTimeoutSeconds)},
		{"postExecutionTimeoutReached", fmt.Sprint(t.HistoryPostExecutionTimeoutReached)},
		{"SceneRetryBudget", t.RetryBudgetToken()},
		{"DoneMarkerDetected", fmt.Sprint(t.DoneMarker.Detected)},
		{"DoneMarkerWaitSeconds", telemetry.FormatSeconds(t.DoneMarker.WaitSeconds)},
		{"ForcedCopyTriggered", fmt.Sprint(t.ForcedCopy.Triggered)},
		{"GPU", strings.ReplaceAll(t.GPU.Name, "|", "/")},
		{"VRAMBeforeMB", telemetry.FormatMB(t.GPU.VRAMBeforeMB)},
		{"VRAMAfterMB", telemetry.FormatMB(t.GPU.VRAMAfterMB)},
		{"VRAMDeltaMB", telemetry.FormatMB(t.GPU.VRAMDeltaMB)},
	}
	parts := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		parts = append(parts, kv[0]+"="+kv[1])
	}
	return PrefixTelemetry + strings.Join(parts, " | ")
}

// ToolExitCode renders one tool exit code line text.
func ToolExitCode(tool string, code int) string {
	return fmt.Sprintf("%s%s=%d", PrefixToolExit, tool, code)
}

// ArtifactEntry renders one artifact index entry text.
func ArtifactEntry(kind, path string) string {
	return PrefixArtifactEntry + kind + ": " + path
}

// TotalFrames renders the total frame count line text.
func TotalFrames(n int) string {
	return fmt.Sprintf("%s%d", PrefixTotalFrames, n)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}
