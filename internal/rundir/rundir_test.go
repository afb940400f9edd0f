package rundir

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	l := New("/runs", "abc")
	if l.SummaryPath() != "/runs/abc/run-summary.txt" {
		t.Fatalf("unexpected summary path %s", l.SummaryPath())
	}
	if l.SceneFramesDir("3") != "/runs/abc/frames/scene-3" {
		t.Fatalf("unexpected scene dir %s", l.SceneFramesDir("3"))
	}
	if got := l.Rel("/runs/abc/frames/scene-3/x.png"); got != "frames/scene-3/x.png" {
		t.Fatalf("unexpected rel %s", got)
	}
	if got := l.Rel("/elsewhere/x"); got != "/elsewhere/x" {
		t.Fatalf("paths outside the run dir stay absolute, got %s", got)
	}
	if got := l.Resolve("frames/a"); got != "/runs/abc/frames/a" {
		t.Fatalf("unexpected resolve %s", got)
	}
}

func TestCreateMakesTree(t *testing.T) {
	l := New(t.TempDir(), "run")
	if err := l.Create(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{l.FramesDir(), l.DiagnosticsDir(), l.LogsDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
}

func TestLockExclusiveAndLocked(t *testing.T) {
	dir := t.TempDir()
	if locked, err := Locked(dir); err != nil || locked {
		t.Fatalf("fresh dir should be unlocked, got %v %v", locked, err)
	}

	lock, err := Acquire(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := Acquire(filepath.Join(dir, LockFileName)); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if locked, err := Locked(dir); err != nil || !locked {
		t.Fatalf("expected locked, got %v %v", locked, err)
	}

	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if locked, err := Locked(dir); err != nil || locked {
		t.Fatalf("expected unlocked after release, got %v %v", locked, err)
	}
}
