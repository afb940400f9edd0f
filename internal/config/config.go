package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	RunRoot          string `toml:"run_root"`
	BackendOutputDir string `toml:"backend_output_dir"`
	LogDir           string `toml:"log_dir"`
}

// Backend contains connection settings for the local rendering backend.
type Backend struct {
	URL            string `toml:"url"`
	RequestTimeout int    `toml:"request_timeout"`
	ClientID       string `toml:"client_id"`
}

// Queue contains the per-run dispatch policy. All durations are seconds.
type Queue struct {
	SceneRetryBudget     int  `toml:"scene_retry_budget"`
	HistoryMaxWait       int  `toml:"history_max_wait"`
	HistoryPollInterval  int  `toml:"history_poll_interval"`
	HistoryMaxAttempts   int  `toml:"history_max_attempts"`
	PostExecutionTimeout int  `toml:"post_execution_timeout"`
	MaxConcurrentScenes  int  `toml:"max_concurrent_scenes"`
	RequeueOnTimeout     bool `toml:"requeue_on_timeout"`
	SubmitBackoff        int  `toml:"submit_backoff"`
	MarkerPollInterval   int  `toml:"marker_poll_interval"`
}

// Sentinel contains configuration for output completion detection.
type Sentinel struct {
	Embedded          bool     `toml:"embedded"`
	ScanInterval      int      `toml:"scan_interval"`
	StabilityWindow   int      `toml:"stability_window"`
	MinFrames         int      `toml:"min_frames"`
	HistoryInspection bool     `toml:"history_inspection"`
	HistoryMaxItems   int      `toml:"history_max_items"`
	FrameExtensions   []string `toml:"frame_extensions"`
}

// Archive contains configuration for the per-run frame archive.
type Archive struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for sceneforge.
//
// Configuration sections by subsystem:
//   - Paths: run root, backend output directory, log directory
//   - Backend: rendering backend endpoint and client identity
//   - Queue: retry budget, history polling limits, post-execution wait
//   - Sentinel: marker detection timing and frame floor
//   - Archive: tar.zst packaging of run frames
//   - Logging: log format, level, and retention
type Config struct {
	Paths    Paths    `toml:"paths"`
	Backend  Backend  `toml:"backend"`
	Queue    Queue    `toml:"queue"`
	Sentinel Sentinel `toml:"sentinel"`
	Archive  Archive  `toml:"archive"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sceneforge/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// resolveConfigPath returns the file to load and whether it exists. An
// explicit path is used as is; otherwise the first existing file of
// ~/.config/sceneforge/config.toml and ./sceneforge.toml wins, falling back
// to the (absent) default path.
func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		exists, err := regularFileExists(expanded)
		if err != nil {
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, exists, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := expandPath(projectConfigName)
	if err != nil {
		return "", false, err
	}
	for _, candidate := range []string{defaultPath, projectPath} {
		if ok, _ := regularFileExists(candidate); ok {
			return candidate, true, nil
		}
	}
	return defaultPath, false, nil
}

// projectConfigName is looked up in the working directory.
const projectConfigName = "sceneforge.toml"

func regularFileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, err
	default:
		return !info.IsDir(), nil
	}
}

// EnsureDirectories creates the run root and log directory. The backend output
// directory belongs to the backend and is never created here.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.RunRoot, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RequestTimeout returns the backend HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeout) * time.Second
}

// ScanInterval returns the sentinel tick interval.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Sentinel.ScanInterval) * time.Second
}

// StabilityWindow returns how long a frame set must stay unchanged before a
// marker is written.
func (c *Config) StabilityWindow() time.Duration {
	return time.Duration(c.Sentinel.StabilityWindow) * time.Second
}

// MarkerPollInterval returns how often the poller checks for a done marker
// during the post-execution wait.
func (c *Config) MarkerPollInterval() time.Duration {
	return time.Duration(c.Queue.MarkerPollInterval) * time.Second
}

// SubmitBackoff returns the base delay between submission attempts.
func (c *Config) SubmitBackoff() time.Duration {
	return time.Duration(c.Queue.SubmitBackoff) * time.Second
}

// expandPath resolves a leading "~" or "~/" to the home directory and
// returns an absolute, cleaned path. Empty stays empty.
func expandPath(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if value == "~" || strings.HasPrefix(value, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		value = filepath.Join(home, strings.TrimPrefix(value, "~"))
	}
	absolute, err := filepath.Abs(value)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", value, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func newClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// SampleConfig returns the embedded sample configuration text.
func SampleConfig() string {
	return sampleConfig
}
