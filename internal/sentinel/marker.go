package sentinel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MarkerSuffix is appended to a prefix to name its done marker.
const MarkerSuffix = ".done"

// Marker is the JSON document stored in a done marker file.
type Marker struct {
	Timestamp  time.Time `json:"Timestamp"`
	FrameCount int       `json:"FrameCount"`
	Latest     time.Time `json:"Latest"`
}

// MarkerPath returns the marker location for a slash-separated prefix below
// root.
func MarkerPath(root, prefix string) string {
	prefix = strings.Trim(filepath.ToSlash(prefix), "/")
	return filepath.Join(root, filepath.FromSlash(prefix)) + MarkerSuffix
}

// CreateMarker publishes m at path unless a marker already exists. It
// reports whether this call created the marker. The document is fully
// written and synced to a temp file before it becomes visible, and a second
// writer never replaces the first one's marker.
func CreateMarker(path string, m Marker) (bool, error) {
	if _, err := os.Lstat(path); err == nil {
		return false, nil
	}
	dir := filepath.Dir(path)
	data, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode marker: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("create marker temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("write marker temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("sync marker temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close marker temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return false, fmt.Errorf("chmod marker temp: %w", err)
	}

	// link(2) fails with EEXIST rather than replacing an existing marker.
	linkErr := os.Link(tmpName, path)
	if linkErr == nil {
		return true, nil
	}
	if errors.Is(linkErr, fs.ErrExist) {
		return false, nil
	}
	return publishExclusive(tmpName, path)
}

// publishExclusive is used on filesystems without hard links. The claim file
// is created with O_EXCL so only one writer proceeds to the rename.
func publishExclusive(tmpName, path string) (bool, error) {
	claim, err := os.OpenFile(path+".claim", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("claim marker: %w", err)
	}
	_ = claim.Close()
	if _, err := os.Lstat(path); err == nil {
		return false, nil
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(path + ".claim")
		return false, fmt.Errorf("publish marker: %w", err)
	}
	return true, nil
}

// ReadMarker decodes the marker at path. A missing marker returns an error
// satisfying errors.Is(err, fs.ErrNotExist).
func ReadMarker(path string) (Marker, error) {
	var m Marker
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode marker %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// MarkerExists reports whether a marker is present at path.
func MarkerExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
