package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"sceneforge/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("SCENEFORGE_BACKEND_URL", "")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantRuns := filepath.Join(tempHome, ".local", "share", "sceneforge", "runs")
	if cfg.Paths.RunRoot != wantRuns {
		t.Fatalf("unexpected run root: got %q want %q", cfg.Paths.RunRoot, wantRuns)
	}
	if cfg.Paths.BackendOutputDir != filepath.Join(tempHome, "ComfyUI", "output") {
		t.Fatalf("unexpected backend output dir: %q", cfg.Paths.BackendOutputDir)
	}
	if cfg.Backend.URL != "http://127.0.0.1:8188" {
		t.Fatalf("unexpected backend url: %q", cfg.Backend.URL)
	}
	if cfg.Backend.ClientID == "" || strings.Contains(cfg.Backend.ClientID, "-") {
		t.Fatalf("expected generated dashless client id, got %q", cfg.Backend.ClientID)
	}
	if cfg.Queue.SceneRetryBudget != config.Default().Queue.SceneRetryBudget {
		t.Fatalf("unexpected retry budget: %d", cfg.Queue.SceneRetryBudget)
	}
	if cfg.Queue.HistoryMaxAttempts != 0 {
		t.Fatalf("expected unbounded history attempts by default, got %d", cfg.Queue.HistoryMaxAttempts)
	}
	if !cfg.Sentinel.Embedded {
		t.Fatal("expected embedded sentinel by default")
	}
	if cfg.Logging.Format != "console" {
		t.Fatalf("unexpected log format: %q", cfg.Logging.Format)
	}
}

func TestLoadCustomConfigNormalizesValues(t *testing.T) {
	t.Setenv("SCENEFORGE_BACKEND_URL", "")
	base := t.TempDir()
	path := filepath.Join(base, "config.toml")

	cfg := config.Default()
	cfg.Paths.RunRoot = filepath.Join(base, "runs")
	cfg.Paths.BackendOutputDir = filepath.Join(base, "output")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Backend.URL = "http://localhost:9000/"
	cfg.Backend.ClientID = "fixed-client"
	cfg.Queue.HistoryMaxAttempts = 10
	cfg.Sentinel.FrameExtensions = []string{".PNG", "png", " webp "}
	cfg.Logging.Format = "JSON"
	cfg.Logging.Level = "DEBUG"

	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config at %s, got %s (exists=%v)", path, resolved, exists)
	}
	if loaded.Backend.URL != "http://localhost:9000" {
		t.Fatalf("expected trailing slash trimmed, got %q", loaded.Backend.URL)
	}
	if loaded.Backend.ClientID != "fixed-client" {
		t.Fatalf("expected configured client id, got %q", loaded.Backend.ClientID)
	}
	if got := strings.Join(loaded.Sentinel.FrameExtensions, ","); got != "png,webp" {
		t.Fatalf("unexpected frame extensions: %s", got)
	}
	if loaded.Logging.Format != "json" || loaded.Logging.Level != "debug" {
		t.Fatalf("unexpected logging config: %+v", loaded.Logging)
	}
	if loaded.Queue.HistoryMaxAttempts != 10 {
		t.Fatalf("unexpected history attempts: %d", loaded.Queue.HistoryMaxAttempts)
	}
}

func TestBackendURLEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SCENEFORGE_BACKEND_URL", "http://gpu-box:8188/")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Backend.URL != "http://gpu-box:8188" {
		t.Fatalf("expected env backend url, got %q", cfg.Backend.URL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"negative retry budget", func(c *config.Config) { c.Queue.SceneRetryBudget = -1 }, "queue.scene_retry_budget"},
		{"negative history attempts", func(c *config.Config) { c.Queue.HistoryMaxAttempts = -2 }, "queue.history_max_attempts"},
		{"zero poll interval", func(c *config.Config) { c.Queue.HistoryPollInterval = 0 }, "queue.history_poll_interval"},
		{"poll longer than wait", func(c *config.Config) {
			c.Queue.HistoryPollInterval = 10
			c.Queue.HistoryMaxWait = 5
		}, "must not exceed"},
		{"zero concurrency", func(c *config.Config) { c.Queue.MaxConcurrentScenes = 0 }, "queue.max_concurrent_scenes"},
		{"bad scheme", func(c *config.Config) { c.Backend.URL = "ftp://host" }, "backend.url"},
		{"missing host", func(c *config.Config) { c.Backend.URL = "http://" }, "backend.url"},
		{"zero min frames", func(c *config.Config) { c.Sentinel.MinFrames = 0 }, "sentinel.min_frames"},
		{"unknown archive level", func(c *config.Config) { c.Archive.Level = "ultra" }, "archive.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	t.Setenv("SCENEFORGE_BACKEND_URL", "")
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected sample config to exist")
	}
	if cfg.Queue.PostExecutionTimeout != 30 {
		t.Fatalf("unexpected post execution timeout: %d", cfg.Queue.PostExecutionTimeout)
	}
}
