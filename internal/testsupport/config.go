package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"sceneforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Polling intervals are shortened and the embedded sentinel is disabled;
// options override either.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.RunRoot = filepath.Join(base, "runs")
	cfgVal.Paths.BackendOutputDir = filepath.Join(base, "output")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Backend.URL = "http://127.0.0.1:0"
	cfgVal.Backend.ClientID = "test-client"
	cfgVal.Backend.RequestTimeout = 5
	cfgVal.Queue.HistoryPollInterval = 1
	cfgVal.Queue.HistoryMaxWait = 30
	cfgVal.Queue.PostExecutionTimeout = 5
	cfgVal.Queue.SubmitBackoff = 0
	cfgVal.Queue.MarkerPollInterval = 1
	cfgVal.Sentinel.Embedded = false
	cfgVal.Sentinel.ScanInterval = 1
	cfgVal.Sentinel.StabilityWindow = 1
	cfgVal.Logging.RetentionDays = 0

	if err := os.MkdirAll(cfgVal.Paths.BackendOutputDir, 0o755); err != nil {
		t.Fatalf("mkdir output dir: %v", err)
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithBackendURL points the config at a (usually fake) backend.
func WithBackendURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Backend.URL = url
	}
}

// WithQueue mutates the queue section.
func WithQueue(fn func(*config.Queue)) ConfigOption {
	return func(b *configBuilder) {
		fn(&b.cfg.Queue)
	}
}

// WithSentinel mutates the sentinel section.
func WithSentinel(fn func(*config.Sentinel)) ConfigOption {
	return func(b *configBuilder) {
		fn(&b.cfg.Sentinel)
	}
}

// WithArchive toggles the run archive.
func WithArchive(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Archive.Enabled = enabled
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.RunRoot)
}
