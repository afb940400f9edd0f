// Package config loads, normalizes, and validates sceneforge configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// SCENEFORGE_BACKEND_URL. The Config type centralizes every knob the runner,
// sentinel, and CLI need: run and backend output directories, the backend
// endpoint, the per-run queue policy, sentinel timing, archiving, and logging.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
