package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"sceneforge/internal/config"
	"sceneforge/internal/logging"
	"sceneforge/internal/services/backend"
)

// skipConfigAnnotation marks commands that run without a configuration.
const skipConfigAnnotation = "skipConfigLoad"

// commandContext loads the configuration once per invocation and builds the
// collaborators commands share.
type commandContext struct {
	configFlag *string

	once       sync.Once
	config     *config.Config
	configPath string
	configFile bool
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.once.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err == nil {
			err = cfg.EnsureDirectories()
		}
		if err != nil {
			c.configErr = err
			return
		}
		c.config, c.configPath, c.configFile = cfg, resolved, exists
	})
	return c.config, c.configErr
}

// configValue returns the loaded configuration. PersistentPreRunE has
// already surfaced any load error.
func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) logger() (*slog.Logger, error) {
	return logging.NewFromConfig(c.configValue())
}

func (c *commandContext) backendClient() *backend.Client {
	cfg := c.configValue()
	return backend.NewClient(backend.Config{
		BaseURL:  cfg.Backend.URL,
		ClientID: cfg.Backend.ClientID,
		Timeout:  cfg.RequestTimeout(),
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipConfigAnnotation] == "true" {
			return true
		}
	}
	return false
}
