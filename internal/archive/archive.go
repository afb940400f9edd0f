// Package archive packs a run's frames and auxiliary logs into a tar.zst
// with a BLAKE3 manifest, and verifies such archives.
package archive

import (
	"archive/tar"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// ManifestName is the final tar entry listing every other entry's digest.
const ManifestName = "archive-manifest.json"

// Entry describes one archived file.
type Entry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// Manifest lists the archive contents.
type Manifest struct {
	CreatedAt time.Time `json:"createdAt"`
	Entries   []Entry   `json:"entries"`
}

// Result summarizes a created archive.
type Result struct {
	Path     string
	Bytes    int64
	Manifest Manifest
}

// ParseLevel maps a configured level name to a zstd encoder level.
func ParseLevel(name string) (zstd.EncoderLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fastest":
		return zstd.SpeedFastest, nil
	case "", "default":
		return zstd.SpeedDefault, nil
	case "better":
		return zstd.SpeedBetterCompression, nil
	case "best":
		return zstd.SpeedBestCompression, nil
	default:
		return 0, fmt.Errorf("unknown archive level %q", name)
	}
}

// Create archives the include paths (relative to runDir, files or
// directories) into dest. Missing include paths are skipped. The archive is
// written to a temp file and renamed into place.
func Create(runDir, dest, level string, include ...string) (Result, error) {
	encLevel, err := ParseLevel(level)
	if err != nil {
		return Result{}, err
	}
	files, err := collect(runDir, include)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, fmt.Errorf("create archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return Result{}, fmt.Errorf("create archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return Result{}, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	manifest := Manifest{CreatedAt: time.Now().UTC(), Entries: make([]Entry, 0, len(files))}
	for _, rel := range files {
		entry, err := addFile(tw, filepath.Join(runDir, filepath.FromSlash(rel)), rel)
		if err != nil {
			_ = tw.Close()
			_ = enc.Close()
			return Result{}, err
		}
		manifest.Entries = append(manifest.Entries, entry)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Result{}, err
	}
	if err := tw.WriteHeader(&tar.Header{Name: ManifestName, Mode: 0o644, Size: int64(len(data)), ModTime: manifest.CreatedAt, Typeflag: tar.TypeReg}); err != nil {
		return Result{}, fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return Result{}, fmt.Errorf("write manifest: %w", err)
	}
	if err := tw.Close(); err != nil {
		return Result{}, fmt.Errorf("close tar: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Result{}, fmt.Errorf("close zstd: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync archive: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return Result{}, err
	}
	if err := tmp.Close(); err != nil {
		return Result{}, err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return Result{}, fmt.Errorf("publish archive: %w", err)
	}
	return Result{Path: dest, Bytes: info.Size(), Manifest: manifest}, nil
}

func collect(runDir string, include []string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, inc := range include {
		root := filepath.Join(runDir, filepath.FromSlash(inc))
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && p == root {
					return fs.SkipDir
				}
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(runDir, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if !seen[rel] {
				seen[rel] = true
				files = append(files, rel)
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.SkipDir) {
			return nil, fmt.Errorf("collect %s: %w", inc, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func addFile(tw *tar.Writer, src, name string) (Entry, error) {
	f, err := os.Open(src)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Entry{}, err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return Entry{}, err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return Entry{}, fmt.Errorf("write header %s: %w", name, err)
	}
	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(tw, hasher), f)
	if err != nil {
		return Entry{}, fmt.Errorf("archive %s: %w", name, err)
	}
	return Entry{Path: name, Size: n, BLAKE3: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// Verify re-hashes every entry of the archive at src against its manifest.
// All mismatches are reported together.
func Verify(src string) (Manifest, error) {
	f, err := os.Open(src)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	digests := map[string]Entry{}
	var manifest *Manifest
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if name == ManifestName {
			var m Manifest
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return Manifest{}, fmt.Errorf("decode manifest: %w", err)
			}
			manifest = &m
			continue
		}
		hasher := blake3.New()
		n, err := io.Copy(hasher, tr)
		if err != nil {
			return Manifest{}, fmt.Errorf("read %s: %w", name, err)
		}
		digests[name] = Entry{Path: name, Size: n, BLAKE3: hex.EncodeToString(hasher.Sum(nil))}
	}
	if manifest == nil {
		return Manifest{}, errors.New("archive has no manifest")
	}

	var problems []error
	for _, want := range manifest.Entries {
		got, ok := digests[want.Path]
		switch {
		case !ok:
			problems = append(problems, fmt.Errorf("%s: missing from archive", want.Path))
		case got.BLAKE3 != want.BLAKE3 || got.Size != want.Size:
			problems = append(problems, fmt.Errorf("%s: digest mismatch", want.Path))
		}
		delete(digests, want.Path)
	}
	for name := range digests {
		problems = append(problems, fmt.Errorf("%s: not listed in manifest", name))
	}
	return *manifest, errors.Join(problems...)
}
