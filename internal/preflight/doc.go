// Package preflight provides readiness checks for the directories and the
// rendering backend a run depends on.
//
// `sceneforge run` calls RunAll before creating a run directory and refuses
// to start when a check fails. `sceneforge doctor` renders the same results
// as a table.
package preflight
