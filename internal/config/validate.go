package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var archiveLevels = map[string]struct{}{
	"fastest": {},
	"default": {},
	"better":  {},
	"best":    {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateSentinel(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBackend() error {
	parsed, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("backend.url must use http or https, got %q", c.Backend.URL)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("backend.url must include a host, got %q", c.Backend.URL)
	}
	return nil
}

func (c *Config) validateQueue() error {
	if err := ensureNonNegativeMap(map[string]int{
		"queue.scene_retry_budget":   c.Queue.SceneRetryBudget,
		"queue.history_max_attempts": c.Queue.HistoryMaxAttempts,
		"queue.submit_backoff":       c.Queue.SubmitBackoff,
	}); err != nil {
		return err
	}
	if err := ensurePositiveMap(map[string]int{
		"queue.history_max_wait":       c.Queue.HistoryMaxWait,
		"queue.history_poll_interval":  c.Queue.HistoryPollInterval,
		"queue.post_execution_timeout": c.Queue.PostExecutionTimeout,
		"queue.max_concurrent_scenes":  c.Queue.MaxConcurrentScenes,
		"queue.marker_poll_interval":   c.Queue.MarkerPollInterval,
	}); err != nil {
		return err
	}
	if c.Queue.HistoryPollInterval > c.Queue.HistoryMaxWait {
		return errors.New("queue.history_poll_interval must not exceed queue.history_max_wait")
	}
	return nil
}

func (c *Config) validateSentinel() error {
	if err := ensurePositiveMap(map[string]int{
		"sentinel.scan_interval":    c.Sentinel.ScanInterval,
		"sentinel.stability_window": c.Sentinel.StabilityWindow,
		"sentinel.min_frames":       c.Sentinel.MinFrames,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateArchive() error {
	if _, ok := archiveLevels[c.Archive.Level]; !ok {
		return fmt.Errorf("archive.level must be one of fastest, default, better, best; got %q", c.Archive.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

func ensureNonNegativeMap(values map[string]int) error {
	for key, value := range values {
		if value < 0 {
			return fmt.Errorf("%s must be >= 0 (0 means unbounded)", key)
		}
	}
	return nil
}
