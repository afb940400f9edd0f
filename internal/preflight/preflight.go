package preflight

import (
	"context"

	"sceneforge/internal/config"
	"sceneforge/internal/telemetry"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the preflight checks for cfg. sampler may be nil, which
// skips the backend check.
func RunAll(ctx context.Context, cfg *config.Config, sampler telemetry.DeviceSampler) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Run root", cfg.Paths.RunRoot),
		CheckDirectoryAccess("Backend output directory", cfg.Paths.BackendOutputDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	if sampler != nil {
		results = append(results, CheckBackend(ctx, cfg.Backend.URL, sampler))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
