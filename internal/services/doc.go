// Package services defines shared utilities consumed by the dispatcher, the
// sentinel and the backend client.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, scene IDs, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can decide
//     between retrying and giving up without parsing messages.
//
// Use these helpers when wiring new components so retry decisions and log
// fields stay uniform across the run.
package services
