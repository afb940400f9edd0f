// Package dispatch submits one backend job per scene and follows it to a
// terminal outcome.
//
// Key pieces:
//   - Dispatcher owns a scene's retry budget. Transient submit failures are
//     retried with backoff; every attempt is appended to the scene's attempt
//     history with its own telemetry.
//   - Poller queries history by job id on a fixed interval and returns a typed
//     exit reason (success, maxWait, attemptLimit, unknown). Exhausting the
//     wait or the attempt limit is a result, not an error.
//   - After success the dispatcher waits up to the post-execution timeout for
//     the sentinel's done marker, then falls back to ForcedCopier.
//
// Requeueing a timed-out scene is the caller's decision; Dispatch can be
// called again with the same SceneJob while its budget allows.
package dispatch
