// Package runner drives a whole scene plan through the backend and leaves a
// validated run directory behind.
//
// A run owns its directory under run_root for its whole lifetime: the
// directory lock is acquired before the first summary line and released
// only after artifact-metadata.json is on disk, so the validator never
// observes a half-written run. Scenes dispatch concurrently up to
// max_concurrent_scenes; each keeps its own retry accounting and telemetry.
// An optional embedded sentinel publishes done markers while scenes run.
//
// Per-scene summary lines are written as one contiguous block once the
// scene reaches a terminal state. Run-level lines (tool exit codes, the
// artifact index and the frame total) follow after every scene finished.
package runner
