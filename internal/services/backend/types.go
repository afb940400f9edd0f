package backend

import "strings"

// JobID is the backend-assigned identifier returned on submission.
type JobID string

// Outcome classifies a history lookup.
type Outcome string

const (
	OutcomeAbsent  Outcome = "absent"
	OutcomeRunning Outcome = "running"
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// SubmitRequest is the body posted to the prompt endpoint.
type SubmitRequest struct {
	Prompt   any    `json:"prompt"`
	ClientID string `json:"client_id,omitempty"`
}

type submitResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

// HistoryEntry is one job's record in the backend history.
type HistoryEntry struct {
	Status  HistoryStatus         `json:"status"`
	Outputs map[string]NodeOutput `json:"outputs"`
}

// HistoryStatus carries the completion flags reported by the backend.
type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
	Messages  []any  `json:"messages,omitempty"`
}

// NodeOutput lists files produced by one workflow node.
type NodeOutput struct {
	Images []OutputFile `json:"images,omitempty"`
	Gifs   []OutputFile `json:"gifs,omitempty"`
	Videos []OutputFile `json:"videos,omitempty"`
}

// OutputFile names a produced file relative to the backend output directory.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Classify maps the backend status into absent/running/success/error.
func (e *HistoryEntry) Classify() Outcome {
	if e == nil {
		return OutcomeAbsent
	}
	switch strings.ToLower(strings.TrimSpace(e.Status.StatusStr)) {
	case "error", "failed", "interrupted":
		return OutcomeError
	}
	if e.Status.Completed {
		return OutcomeSuccess
	}
	return OutcomeRunning
}

// Files flattens the output files of every node. Temp previews are skipped.
// Order follows map iteration, so callers sort when order matters.
func (e *HistoryEntry) Files() []OutputFile {
	if e == nil {
		return nil
	}
	var files []OutputFile
	for _, node := range e.Outputs {
		for _, group := range [][]OutputFile{node.Images, node.Gifs, node.Videos} {
			for _, f := range group {
				if strings.TrimSpace(f.Filename) == "" {
					continue
				}
				if f.Type != "" && f.Type != "output" {
					continue
				}
				files = append(files, f)
			}
		}
	}
	return files
}

// ErrorMessage returns a short description of a failed execution.
func (e *HistoryEntry) ErrorMessage() string {
	if e == nil {
		return ""
	}
	for i := len(e.Status.Messages) - 1; i >= 0; i-- {
		pair, ok := e.Status.Messages[i].([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		kind, _ := pair[0].(string)
		if kind != "execution_error" {
			continue
		}
		if detail, ok := pair[1].(map[string]any); ok {
			if msg, ok := detail["exception_message"].(string); ok && strings.TrimSpace(msg) != "" {
				return strings.TrimSpace(msg)
			}
		}
		return "execution_error"
	}
	if s := strings.TrimSpace(e.Status.StatusStr); s != "" {
		return "status " + s
	}
	return ""
}

// Device describes one compute device reported by the stats endpoint.
type Device struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Index     int    `json:"index"`
	VRAMTotal int64  `json:"vram_total"`
	VRAMFree  int64  `json:"vram_free"`
}

// DeviceStats is the decoded system stats payload.
type DeviceStats struct {
	Devices []Device `json:"devices"`
}

// Primary returns the first device, if any.
func (s DeviceStats) Primary() (Device, bool) {
	if len(s.Devices) == 0 {
		return Device{}, false
	}
	return s.Devices[0], true
}
