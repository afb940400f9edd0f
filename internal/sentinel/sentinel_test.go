package sentinel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sceneforge/internal/frames"
	"sceneforge/internal/logging"
	"sceneforge/internal/services/backend"
)

type fakeHistory struct {
	entries map[backend.JobID]backend.HistoryEntry
	err     error
}

func (f *fakeHistory) RecentHistory(context.Context, int) (map[backend.JobID]backend.HistoryEntry, error) {
	return f.entries, f.err
}

func writeFrames(t *testing.T, dir, base string, n int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		name := filepath.Join(dir, fmt.Sprintf("%s_%05d.png", base, i))
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTrackerRequiresStabilityWindow(t *testing.T) {
	tr := NewTracker(5*time.Second, 2)
	base := time.Unix(1000, 0)
	latest := base
	sets := map[string]*frames.Set{"s": {Prefix: "s", Count: 2, Latest: latest}}

	if ready := tr.Observe(sets, base); len(ready) != 0 {
		t.Fatalf("first observation must not be ready: %v", ready)
	}
	if ready := tr.Observe(sets, base.Add(4*time.Second)); len(ready) != 0 {
		t.Fatalf("inside window must not be ready: %v", ready)
	}
	if ready := tr.Observe(sets, base.Add(5*time.Second)); len(ready) != 1 {
		t.Fatalf("expected ready after window, got %v", ready)
	}
	tr.MarkDone("s")
	if ready := tr.Observe(sets, base.Add(6*time.Second)); len(ready) != 0 {
		t.Fatalf("marked prefix must not be reported again: %v", ready)
	}

	grown := map[string]*frames.Set{"s": {Prefix: "s", Count: 3, Latest: latest.Add(time.Second)}}
	if ready := tr.Observe(grown, base.Add(7*time.Second)); len(ready) != 0 {
		t.Fatalf("changed set resets stability: %v", ready)
	}
	if ready := tr.Observe(grown, base.Add(12*time.Second)); len(ready) != 1 {
		t.Fatalf("expected ready after new window, got %v", ready)
	}

	tr.Observe(map[string]*frames.Set{}, base.Add(13*time.Second))
	if tr.Len() != 0 {
		t.Fatalf("expected vanished prefixes forgotten, have %d", tr.Len())
	}
}

func TestTrackerFirstSightOfQuietSetIsReady(t *testing.T) {
	tr := NewTracker(5*time.Second, 1)
	now := time.Unix(10_000, 0)
	quiet := map[string]*frames.Set{"old": {Prefix: "old", Count: 3, Latest: now.Add(-time.Hour)}}
	ready := tr.Observe(quiet, now)
	if len(ready) != 1 || !ready[0].StableSince.Equal(now.Add(-time.Hour)) {
		t.Fatalf("expected quiet set ready on first scan, got %v", ready)
	}

	fresh := map[string]*frames.Set{"new": {Prefix: "new", Count: 3, Latest: now.Add(-2 * time.Second)}}
	if ready := tr.Observe(fresh, now); len(ready) != 0 {
		t.Fatalf("recently written set must wait for the window: %v", ready)
	}
	if ready := tr.Observe(fresh, now.Add(3*time.Second)); len(ready) != 1 {
		t.Fatalf("expected ready once newest frame is a window old, got %v", ready)
	}
}

func TestTrackerRespectsMinFrames(t *testing.T) {
	tr := NewTracker(0, 3)
	now := time.Unix(1000, 0)
	sets := map[string]*frames.Set{"s": {Prefix: "s", Count: 2, Latest: now}}
	tr.Observe(sets, now)
	if ready := tr.Observe(sets, now.Add(time.Minute)); len(ready) != 0 {
		t.Fatalf("below min frames must not be ready: %v", ready)
	}
}

func TestSentinelStabilityScanCreatesMarker(t *testing.T) {
	root := t.TempDir()
	writeFrames(t, filepath.Join(root, "run-1"), "scene-1", 3)

	s, err := New(Options{Root: root, StabilityWindow: 5 * time.Second, MinFrames: 1}, nil, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Now()
	s.now = func() time.Time { return clock }

	if stats := s.Tick(context.Background()); stats.Created != 0 || stats.Prefixes != 1 {
		t.Fatalf("unexpected first tick: %s", stats)
	}
	clock = clock.Add(6 * time.Second)
	stats := s.Tick(context.Background())
	if stats.Created != 1 {
		t.Fatalf("expected marker creation, got %s", stats)
	}

	m, err := ReadMarker(MarkerPath(root, "run-1/scene-1"))
	if err != nil {
		t.Fatalf("ReadMarker: %v", err)
	}
	if m.FrameCount != 3 {
		t.Fatalf("expected 3 frames in marker, got %d", m.FrameCount)
	}
}

func TestSentinelSingleTickMarksStaleOutput(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "run-1")
	writeFrames(t, dir, "scene-1", 3)
	stale := time.Now().Add(-time.Hour)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if err := os.Chtimes(filepath.Join(dir, entry.Name()), stale, stale); err != nil {
			t.Fatal(err)
		}
	}

	s, err := New(Options{Root: root, StabilityWindow: 5 * time.Second, MinFrames: 1}, nil, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	stats := s.Tick(context.Background())
	if stats.Prefixes != 1 || stats.StableReady != 1 || stats.Created != 1 {
		t.Fatalf("expected one marker from a single tick, got %s", stats)
	}
	if !MarkerExists(MarkerPath(root, "run-1/scene-1")) {
		t.Fatal("expected marker on disk")
	}
}

func TestSentinelHistoryInspectionWinsRace(t *testing.T) {
	root := t.TempDir()
	writeFrames(t, filepath.Join(root, "run-1"), "scene-2", 2)
	history := &fakeHistory{entries: map[backend.JobID]backend.HistoryEntry{
		"job-1": {
			Status: backend.HistoryStatus{StatusStr: "success", Completed: true},
			Outputs: map[string]backend.NodeOutput{"9": {Images: []backend.OutputFile{
				{Filename: "scene-2_00001.png", Subfolder: "run-1", Type: "output"},
				{Filename: "scene-2_00002.png", Subfolder: "run-1", Type: "output"},
			}}},
		},
		"job-2": {Status: backend.HistoryStatus{Completed: false}},
	}}

	s, err := New(Options{Root: root, StabilityWindow: time.Hour, MinFrames: 1, HistoryInspection: true}, history, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	stats := s.Tick(context.Background())
	if stats.HistoryMatches != 1 || stats.Created != 1 {
		t.Fatalf("expected history marker, got %s", stats)
	}
	m, err := ReadMarker(MarkerPath(root, "run-1/scene-2"))
	if err != nil || m.FrameCount != 2 {
		t.Fatalf("unexpected marker %+v err=%v", m, err)
	}

	if stats := s.Tick(context.Background()); stats.Created != 0 || stats.HistoryMatches != 0 {
		t.Fatalf("handled job must be skipped, got %s", stats)
	}
}

func TestSentinelHistoryWaitsForFilesOnDisk(t *testing.T) {
	root := t.TempDir()
	history := &fakeHistory{entries: map[backend.JobID]backend.HistoryEntry{
		"job-1": {
			Status: backend.HistoryStatus{Completed: true},
			Outputs: map[string]backend.NodeOutput{"9": {Images: []backend.OutputFile{
				{Filename: "scene-4_00001.png", Type: "output"},
			}}},
		},
	}}
	s, err := New(Options{Root: root, StabilityWindow: time.Hour, HistoryInspection: true}, history, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if stats := s.Tick(context.Background()); stats.Created != 0 {
		t.Fatalf("must not create marker before files exist: %s", stats)
	}
	writeFrames(t, root, "scene-4", 1)
	if stats := s.Tick(context.Background()); stats.Created != 1 {
		t.Fatalf("expected marker once files exist: %s", stats)
	}
}

func TestSentinelHistoryErrorIsCounted(t *testing.T) {
	s, err := New(Options{Root: t.TempDir(), HistoryInspection: true}, &fakeHistory{err: errors.New("down")}, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if stats := s.Tick(context.Background()); stats.Errors != 1 {
		t.Fatalf("expected one error, got %s", stats)
	}
}

func TestSentinelRunStopsOnCancel(t *testing.T) {
	s, err := New(Options{Root: t.TempDir(), ScanInterval: 10 * time.Millisecond}, nil, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sentinel did not stop")
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Options{}, nil, nil); err == nil {
		t.Fatal("expected error without root")
	}
}
