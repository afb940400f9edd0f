package testsupport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"sceneforge/internal/sentinel"
	"sceneforge/internal/services/backend"
)

// JobScript controls how the fake backend treats one submitted job.
type JobScript struct {
	// PollsUntilDone is the number of history lookups answered as running
	// before the job completes.
	PollsUntilDone int
	// Frames written on completion. Zero uses the graph's "frames" input.
	Frames int
	// ExecutionError makes the job fail with this message.
	ExecutionError string
	// Never keeps the job running forever.
	Never bool
	// WriteMarker publishes the done marker on completion, standing in for
	// a sentinel.
	WriteMarker bool
}

// FakeOption customizes a FakeBackend.
type FakeOption func(*FakeBackend)

// WithJobScript sets the per-job behavior. attempt counts submissions of the
// same prefix starting at 1.
func WithJobScript(fn func(prefix string, attempt int) JobScript) FakeOption {
	return func(f *FakeBackend) {
		f.script = fn
	}
}

// WithSubmitFailures makes the first n submissions of prefix fail with 503.
func WithSubmitFailures(prefix string, n int) FakeOption {
	return func(f *FakeBackend) {
		f.submitFailures[prefix] = n
	}
}

// WithDeviceStatsDown makes the device stats endpoint fail.
func WithDeviceStatsDown() FakeOption {
	return func(f *FakeBackend) {
		f.statsDown = true
	}
}

// WithDeviceStatsError makes the device stats endpoint fail with body.
func WithDeviceStatsError(body string) FakeOption {
	return func(f *FakeBackend) {
		f.statsDown = true
		f.statsBody = body
	}
}

type fakeJob struct {
	id     backend.JobID
	prefix string
	frames int
	script JobScript
	polls  int
	entry  *backend.HistoryEntry
}

// FakeBackend is an httptest server speaking the rendering backend's API.
// Completed jobs write their frames into OutputDir.
type FakeBackend struct {
	URL       string
	OutputDir string

	t              testing.TB
	server         *httptest.Server
	mu             sync.Mutex
	script         func(prefix string, attempt int) JobScript
	submitFailures map[string]int
	attempts       map[string]int
	jobs           map[backend.JobID]*fakeJob
	order          []backend.JobID
	submits        int
	statsCalls     int
	statsDown      bool
	statsBody      string
}

// NewFakeBackend starts a fake backend writing frames below outputDir. The
// server is closed when the test ends.
func NewFakeBackend(t testing.TB, outputDir string, opts ...FakeOption) *FakeBackend {
	t.Helper()
	f := &FakeBackend{
		OutputDir:      outputDir,
		t:              t,
		script:         func(string, int) JobScript { return JobScript{WriteMarker: true} },
		submitFailures: map[string]int{},
		attempts:       map[string]int{},
		jobs:           map[backend.JobID]*fakeJob{},
	}
	for _, opt := range opts {
		opt(f)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", f.handleSubmit)
	mux.HandleFunc("GET /history/{id}", f.handleHistory)
	mux.HandleFunc("GET /history", f.handleRecentHistory)
	mux.HandleFunc("GET /system_stats", f.handleStats)
	f.server = httptest.NewServer(mux)
	f.URL = f.server.URL
	t.Cleanup(f.server.Close)
	return f
}

// Submits returns the number of submit requests received, failed ones
// included.
func (f *FakeBackend) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// Attempts returns how many submissions prefix received.
func (f *FakeBackend) Attempts(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[prefix]
}

func (f *FakeBackend) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt map[string]any `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prefix, frames := graphOutputs(req.Prompt)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.attempts[prefix]++
	if f.submitFailures[prefix] > 0 {
		f.submitFailures[prefix]--
		http.Error(w, "backend busy", http.StatusServiceUnavailable)
		return
	}
	if prefix == "" {
		writeFakeJSON(w, map[string]any{"prompt_id": "", "node_errors": map[string]any{"save": "filename_prefix missing"}})
		return
	}

	script := f.script(prefix, f.attempts[prefix])
	if script.Frames > 0 {
		frames = script.Frames
	}
	id := backend.JobID(fmt.Sprintf("job-%d", len(f.order)+1))
	f.jobs[id] = &fakeJob{id: id, prefix: prefix, frames: frames, script: script}
	f.order = append(f.order, id)
	writeFakeJSON(w, map[string]any{"prompt_id": id, "number": len(f.order), "node_errors": map[string]any{}})
}

func (f *FakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := backend.JobID(r.PathValue("id"))
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		writeFakeJSON(w, map[string]any{})
		return
	}
	job.polls++
	f.advance(job)
	writeFakeJSON(w, map[backend.JobID]*backend.HistoryEntry{id: job.view()})
}

func (f *FakeBackend) handleRecentHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("max_items"))
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[backend.JobID]*backend.HistoryEntry{}
	for i := len(f.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		job := f.jobs[f.order[i]]
		if job.entry != nil {
			out[job.id] = job.entry
		}
	}
	writeFakeJSON(w, out)
}

func (f *FakeBackend) handleStats(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.statsCalls++
	calls := f.statsCalls
	down, body := f.statsDown, f.statsBody
	f.mu.Unlock()
	if down {
		if body == "" {
			body = "stats unavailable"
		}
		http.Error(w, body, http.StatusInternalServerError)
		return
	}
	const mib = 1024 * 1024
	total := int64(24576) * mib
	used := int64(1024+256*calls) * mib
	writeFakeJSON(w, map[string]any{
		"system":  map[string]any{"os": "posix"},
		"devices": []map[string]any{{"name": "cuda:0 Fake GPU", "type": "cuda", "index": 0, "vram_total": total, "vram_free": total - used}},
	})
}

// advance completes job once its scripted polls have elapsed. Caller holds mu.
func (f *FakeBackend) advance(job *fakeJob) {
	if job.entry != nil || job.script.Never || job.polls <= job.script.PollsUntilDone {
		return
	}
	if job.script.ExecutionError != "" {
		job.entry = &backend.HistoryEntry{Status: backend.HistoryStatus{
			StatusStr: "error",
			Messages: []any{
				[]any{"execution_error", map[string]any{"exception_message": job.script.ExecutionError}},
			},
		}}
		return
	}

	paths := WriteFrames(f.t, f.OutputDir, job.prefix, "png", job.frames)
	subfolder, _ := path.Split(job.prefix)
	files := make([]backend.OutputFile, 0, len(paths))
	for _, p := range paths {
		files = append(files, backend.OutputFile{
			Filename:  filepath.Base(p),
			Subfolder: strings.TrimSuffix(subfolder, "/"),
			Type:      "output",
		})
	}
	if job.script.WriteMarker {
		now := time.Now().UTC()
		if _, err := sentinel.CreateMarker(sentinel.MarkerPath(f.OutputDir, job.prefix), sentinel.Marker{Timestamp: now, FrameCount: len(paths), Latest: now}); err != nil {
			f.t.Errorf("fake backend marker: %v", err)
		}
	}
	job.entry = &backend.HistoryEntry{
		Status:  backend.HistoryStatus{StatusStr: "success", Completed: true},
		Outputs: map[string]backend.NodeOutput{"9": {Images: files}},
	}
}

func (j *fakeJob) view() *backend.HistoryEntry {
	if j.entry != nil {
		return j.entry
	}
	return &backend.HistoryEntry{Status: backend.HistoryStatus{StatusStr: "running"}}
}

// graphOutputs finds the filename_prefix and frames inputs of a workflow
// graph.
func graphOutputs(graph map[string]any) (prefix string, frames int) {
	frames = 1
	for _, node := range graph {
		n, ok := node.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := n["inputs"].(map[string]any)
		if !ok {
			continue
		}
		if p, ok := inputs["filename_prefix"].(string); ok {
			prefix = p
		}
		switch v := inputs["frames"].(type) {
		case float64:
			frames = int(v)
		case string:
			if parsed, err := strconv.Atoi(v); err == nil {
				frames = parsed
			}
		}
	}
	return prefix, frames
}

func writeFakeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
