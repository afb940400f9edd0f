// Package jobstore persists runs and scene attempts in SQLite so past runs
// can be listed after their run directories are archived or moved.
//
// The database lives at <log_dir>/jobs.db in WAL mode. Writes retry on
// SQLITE_BUSY because the sentinel and several CLI invocations may share it.
package jobstore
