package testsupport

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// WriteFrames writes n frames named <prefix>_00001.<ext> and onward below
// root and returns their paths. prefix may contain slash-separated
// directories. Frame i holds 64+i bytes so copies can be told apart by size.
func WriteFrames(t testing.TB, root, prefix, ext string, n int) []string {
	t.Helper()

	base := filepath.Join(root, filepath.FromSlash(prefix))
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", base, err)
	}
	paths := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		path := fmt.Sprintf("%s_%05d.%s", base, i, ext)
		if err := os.WriteFile(path, bytes.Repeat([]byte{'f'}, 64+i), 0o644); err != nil {
			t.Fatalf("write frame %s: %v", path, err)
		}
		paths = append(paths, path)
	}
	return paths
}
