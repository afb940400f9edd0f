// Package runlog writes a run's two artifacts: the line-oriented
// run-summary.txt and the structured artifact-metadata.json.
//
// Every summary line is "<RFC3339 UTC> [Scene <id>] <text>" with the scene
// scope optional. The Format helpers are the single definition of each
// line's text so the validator and the writer agree on tokens.
package runlog
