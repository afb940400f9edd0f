// Package fileutil holds the filesystem primitives shared by frame copying,
// metadata writing and archiving.
package fileutil

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// CopyFileVerified copies src to dst, then re-reads dst and compares its
// BLAKE3 digest and size with the source stream. It returns the hex digest.
// On mismatch dst is removed.
func CopyFileVerified(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("ensure destination dir: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}

	srcHash := blake3.New()
	written, copyErr := io.Copy(out, io.TeeReader(in, srcHash))
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(dst)
		return "", copyErr
	}

	want := hex.EncodeToString(srcHash.Sum(nil))
	got, size, err := HashFile(dst)
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("verify copy: %w", err)
	}
	if size != written || got != want {
		_ = os.Remove(dst)
		return "", fmt.Errorf("verify copy of %s: wrote %d bytes, read back %d with a different digest", filepath.Base(src), written, size)
	}
	return want, nil
}

// HashFile returns the hex BLAKE3 digest and size of path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
