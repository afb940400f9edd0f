// Package frames implements the output frame naming rules shared by the
// sentinel, the dispatcher and the run orchestrator.
//
// Frames are named <prefix>_<NNNNN>.<ext>, optionally with a trailing
// underscore before the extension as some backends emit. A prefix may carry
// subdirectories relative to the output root ("run-1/scene-03").
package frames

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"sceneforge/internal/fileutil"
)

var framePattern = regexp.MustCompile(`^(.+)_(\d+)_?\.([A-Za-z0-9]+)$`)

// DefaultExtensions is used when callers pass no extension set.
var DefaultExtensions = []string{"png", "jpg", "jpeg", "webp"}

// Frame is one output file that follows the naming rules.
type Frame struct {
	Path    string
	Prefix  string
	Index   int
	Ext     string
	Size    int64
	ModTime time.Time
}

// Set groups the frames that share a prefix.
type Set struct {
	Prefix string
	Dir    string
	Files  []Frame
	Count  int
	Latest time.Time
}

// Matcher parses frame names against an extension allow-list.
type Matcher struct {
	exts map[string]struct{}
}

// NewMatcher builds a matcher for the given extensions (case-insensitive,
// with or without a leading dot).
func NewMatcher(extensions []string) Matcher {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	set := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
		if ext != "" {
			set[ext] = struct{}{}
		}
	}
	return Matcher{exts: set}
}

// Parse splits a base file name into prefix, index and extension.
func (m Matcher) Parse(name string) (prefix string, index int, ext string, ok bool) {
	if strings.HasPrefix(name, ".") {
		return "", 0, "", false
	}
	match := framePattern.FindStringSubmatch(name)
	if match == nil {
		return "", 0, "", false
	}
	ext = strings.ToLower(match[3])
	if _, allowed := m.exts[ext]; !allowed {
		return "", 0, "", false
	}
	index, err := strconv.Atoi(match[2])
	if err != nil {
		return "", 0, "", false
	}
	return match[1], index, ext, true
}

// Group walks root recursively and returns frame sets keyed by prefix. Keys
// for frames below root use slash-separated relative directories.
func (m Matcher) Group(root string) (map[string]*Set, error) {
	sets := make(map[string]*Set)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		base, index, ext, ok := m.Parse(d.Name())
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		relDir, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return nil
		}
		key := base
		if relDir != "." {
			key = path.Join(filepath.ToSlash(relDir), base)
		}
		set, exists := sets[key]
		if !exists {
			set = &Set{Prefix: key, Dir: filepath.Dir(p)}
			sets[key] = set
		}
		set.Files = append(set.Files, Frame{
			Path:    p,
			Prefix:  key,
			Index:   index,
			Ext:     ext,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		set.Count++
		if info.ModTime().After(set.Latest) {
			set.Latest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, set := range sets {
		sortFrames(set.Files)
	}
	return sets, nil
}

// List returns the frames for one prefix under root, ordered by index.
func (m Matcher) List(root, prefix string) (*Set, error) {
	prefix = strings.Trim(filepath.ToSlash(prefix), "/")
	if prefix == "" {
		return nil, fmt.Errorf("frames list: prefix required")
	}
	dir := filepath.Join(root, filepath.FromSlash(path.Dir(prefix)))
	base := path.Base(prefix)
	set := &Set{Prefix: prefix, Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, index, ext, ok := m.Parse(entry.Name())
		if !ok || name != base {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		set.Files = append(set.Files, Frame{
			Path:    filepath.Join(dir, entry.Name()),
			Prefix:  prefix,
			Index:   index,
			Ext:     ext,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		if info.ModTime().After(set.Latest) {
			set.Latest = info.ModTime()
		}
	}
	sortFrames(set.Files)
	set.Count = len(set.Files)
	return set, nil
}

// CopyResult summarizes a frame copy.
type CopyResult struct {
	Found  int
	Copied []string
	Failed map[string]string
	Bytes  int64
}

// Copy copies the frames of one prefix from root into dst, keeping base file
// names. Per-file failures are collected rather than aborting the copy.
func (m Matcher) Copy(root, prefix, dst string) (CopyResult, error) {
	result := CopyResult{Failed: map[string]string{}}
	set, err := m.List(root, prefix)
	if err != nil {
		return result, err
	}
	result.Found = set.Count
	if set.Count == 0 {
		return result, nil
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return result, fmt.Errorf("frames copy: ensure destination: %w", err)
	}
	for _, frame := range set.Files {
		target := filepath.Join(dst, filepath.Base(frame.Path))
		if _, err := fileutil.CopyFileVerified(frame.Path, target); err != nil {
			result.Failed[frame.Path] = err.Error()
			continue
		}
		result.Copied = append(result.Copied, target)
		result.Bytes += frame.Size
	}
	return result, nil
}

func sortFrames(files []Frame) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].Index != files[j].Index {
			return files[i].Index < files[j].Index
		}
		return files[i].Path < files[j].Path
	})
}
