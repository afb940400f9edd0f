package sentinel

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCreateMarkerIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := MarkerPath(dir, "scene-1")
	first := Marker{Timestamp: time.Unix(100, 0).UTC(), FrameCount: 12, Latest: time.Unix(90, 0).UTC()}

	created, err := CreateMarker(path, first)
	if err != nil || !created {
		t.Fatalf("first CreateMarker = %v, %v", created, err)
	}
	created, err = CreateMarker(path, Marker{FrameCount: 99})
	if err != nil {
		t.Fatalf("second CreateMarker returned error: %v", err)
	}
	if created {
		t.Fatal("second CreateMarker must be a no-op")
	}

	got, err := ReadMarker(path)
	if err != nil {
		t.Fatalf("ReadMarker: %v", err)
	}
	if got.FrameCount != 12 || !got.Timestamp.Equal(first.Timestamp) {
		t.Fatalf("marker was replaced: %+v", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "scene-1.done" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected exactly one marker file, got %v", names)
	}
}

func TestCreateMarkerConcurrentWritersOneWins(t *testing.T) {
	dir := t.TempDir()
	path := MarkerPath(dir, "run/scene-2")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			created, err := CreateMarker(path, Marker{FrameCount: n})
			if err != nil {
				t.Errorf("CreateMarker: %v", err)
				return
			}
			if created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestMarkerPath(t *testing.T) {
	got := MarkerPath("/out", "/run-1/scene-3/")
	if got != filepath.Join("/out", "run-1", "scene-3.done") {
		t.Fatalf("unexpected marker path %s", got)
	}
}

func TestReadMarkerMissing(t *testing.T) {
	_, err := ReadMarker(filepath.Join(t.TempDir(), "absent.done"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
