package archive

import (
	"archive/tar"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func writeRun(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"frames/scene-1/scene-1_00001.png": "frame one",
		"frames/scene-1/scene-1_00002.png": "frame two",
		"logs/sentinel.log":                "tick\n",
		"run-summary.txt":                  "not included",
	}
	for rel, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestCreateAndVerify(t *testing.T) {
	dir := writeRun(t)
	dest := filepath.Join(dir, "run.tar.zst")

	res, err := Create(dir, dest, "fastest", "frames", "logs", "diagnostics")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Bytes == 0 || res.Path != dest {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Manifest.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", res.Manifest.Entries)
	}
	if res.Manifest.Entries[0].Path != "frames/scene-1/scene-1_00001.png" || len(res.Manifest.Entries[0].BLAKE3) != 64 {
		t.Fatalf("unexpected first entry %+v", res.Manifest.Entries[0])
	}

	manifest, err := Verify(dest)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(manifest.Entries) != 3 {
		t.Fatalf("expected manifest with 3 entries, got %d", len(manifest.Entries))
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "run.tar.zst.tmp-*"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := writeRun(t)
	good := filepath.Join(dir, "good.tar.zst")
	res, err := Create(dir, good, "default", "frames")
	if err != nil {
		t.Fatal(err)
	}

	// Rebuild the archive with altered content but the original manifest.
	bad := filepath.Join(dir, "bad.tar.zst")
	f, err := os.Create(bad)
	if err != nil {
		t.Fatal(err)
	}
	enc, _ := zstd.NewWriter(f)
	tw := tar.NewWriter(enc)
	body := "tampered"
	_ = tw.WriteHeader(&tar.Header{Name: res.Manifest.Entries[0].Path, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg})
	_, _ = tw.Write([]byte(body))
	manifest := `{"entries":[{"path":"` + res.Manifest.Entries[0].Path + `","size":9,"blake3":"` + res.Manifest.Entries[0].BLAKE3 + `"},{"path":"frames/gone.png","size":1,"blake3":"00"}]}`
	_ = tw.WriteHeader(&tar.Header{Name: ManifestName, Mode: 0o644, Size: int64(len(manifest)), Typeflag: tar.TypeReg})
	_, _ = tw.Write([]byte(manifest))
	_ = tw.Close()
	_ = enc.Close()
	_ = f.Close()

	_, err = Verify(bad)
	if err == nil {
		t.Fatal("expected verification failure")
	}
	for _, want := range []string{"digest mismatch", "frames/gone.png: missing from archive"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"fastest", "default", "better", "best", ""} {
		if _, err := ParseLevel(name); err != nil {
			t.Fatalf("ParseLevel(%q): %v", name, err)
		}
	}
	if _, err := ParseLevel("ultra"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := Create(t.TempDir(), filepath.Join(t.TempDir(), "x.tar.zst"), "ultra"); err == nil {
		t.Fatal("Create should reject unknown levels")
	}
}
