// Package rundir defines the run directory layout and its exclusive lock.
package rundir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"sceneforge/internal/runlog"
)

const (
	// LockFileName is held for the lifetime of an in-flight run.
	LockFileName   = ".sceneforge.lock"
	framesDir      = "frames"
	diagnosticsDir = "diagnostics"
	logsDir        = "logs"
)

// ErrLocked reports a run directory already held by another process.
var ErrLocked = errors.New("run directory is locked by an in-flight run")

// Layout resolves paths inside one run directory.
type Layout struct {
	Root string
}

// New returns the layout for runID under runRoot.
func New(runRoot, runID string) Layout {
	return Layout{Root: filepath.Join(runRoot, runID)}
}

// Open returns the layout of an existing directory.
func Open(dir string) Layout {
	return Layout{Root: filepath.Clean(dir)}
}

// Create makes the directory tree.
func (l Layout) Create() error {
	for _, dir := range []string{l.Root, l.FramesDir(), l.DiagnosticsDir(), l.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (l Layout) SummaryPath() string    { return filepath.Join(l.Root, runlog.SummaryFileName) }
func (l Layout) MetadataPath() string   { return filepath.Join(l.Root, runlog.MetadataFileName) }
func (l Layout) FramesDir() string      { return filepath.Join(l.Root, framesDir) }
func (l Layout) DiagnosticsDir() string { return filepath.Join(l.Root, diagnosticsDir) }
func (l Layout) LogsDir() string        { return filepath.Join(l.Root, logsDir) }
func (l Layout) LockPath() string       { return filepath.Join(l.Root, LockFileName) }

// SceneFramesDir is where a scene's frames are collected.
func (l Layout) SceneFramesDir(sceneID string) string {
	return filepath.Join(l.FramesDir(), "scene-"+sceneID)
}

// Rel returns path relative to the run directory when it lies inside it.
func (l Layout) Rel(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

// Resolve returns path joined to the run directory when relative.
func (l Layout) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.Root, filepath.FromSlash(path))
}

// Lock is an exclusive advisory lock on a file.
type Lock struct {
	path string
	lock *flock.Flock
}

// Acquire takes the lock at path without blocking. ErrLocked is returned
// when another holder owns it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return &Lock{path: path, lock: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks. Calling it more than once is harmless.
func (l *Lock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	err := l.lock.Unlock()
	l.lock = nil
	return err
}

// Locked reports whether dir's run lock is currently held. A missing lock
// file means the directory is not locked.
func Locked(dir string) (bool, error) {
	path := filepath.Join(dir, LockFileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return false, fl.Unlock()
}
