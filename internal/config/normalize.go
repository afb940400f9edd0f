package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeBackend()
	c.normalizeSentinel()
	c.normalizeArchive()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.RunRoot) == "" {
		c.Paths.RunRoot = defaultRunRoot
	}
	if c.Paths.RunRoot, err = expandPath(c.Paths.RunRoot); err != nil {
		return fmt.Errorf("paths.run_root: %w", err)
	}
	if strings.TrimSpace(c.Paths.BackendOutputDir) == "" {
		if value, ok := os.LookupEnv("SCENEFORGE_BACKEND_OUTPUT_DIR"); ok {
			c.Paths.BackendOutputDir = strings.TrimSpace(value)
		} else {
			c.Paths.BackendOutputDir = defaultBackendOutputDir
		}
	}
	if c.Paths.BackendOutputDir, err = expandPath(c.Paths.BackendOutputDir); err != nil {
		return fmt.Errorf("paths.backend_output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeBackend() {
	if value, ok := os.LookupEnv("SCENEFORGE_BACKEND_URL"); ok && strings.TrimSpace(value) != "" {
		c.Backend.URL = value
	}
	c.Backend.URL = strings.TrimRight(strings.TrimSpace(c.Backend.URL), "/")
	if c.Backend.URL == "" {
		c.Backend.URL = defaultBackendURL
	}
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = defaultRequestTimeout
	}
	c.Backend.ClientID = strings.TrimSpace(c.Backend.ClientID)
	if c.Backend.ClientID == "" {
		c.Backend.ClientID = newClientID()
	}
}

func (c *Config) normalizeSentinel() {
	if c.Sentinel.HistoryMaxItems <= 0 {
		c.Sentinel.HistoryMaxItems = defaultHistoryMaxItems
	}
	if len(c.Sentinel.FrameExtensions) == 0 {
		c.Sentinel.FrameExtensions = append([]string(nil), defaultFrameExtensions...)
		return
	}
	exts := make([]string, 0, len(c.Sentinel.FrameExtensions))
	seen := make(map[string]struct{}, len(c.Sentinel.FrameExtensions))
	for _, ext := range c.Sentinel.FrameExtensions {
		normalized := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		exts = append(exts, normalized)
	}
	if len(exts) == 0 {
		exts = append(exts, defaultFrameExtensions...)
	}
	c.Sentinel.FrameExtensions = exts
}

func (c *Config) normalizeArchive() {
	c.Archive.Level = strings.ToLower(strings.TrimSpace(c.Archive.Level))
	if c.Archive.Level == "" {
		c.Archive.Level = defaultArchiveLevel
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
