package runner

import (
	"log/slog"
	"path/filepath"

	"sceneforge/internal/archive"
	"sceneforge/internal/logging"
	"sceneforge/internal/rundir"
	"sceneforge/internal/runlog"
)

// archiveIncludes are the run-directory paths packed into the archive.
var archiveIncludes = []string{"frames", "diagnostics", "logs"}

// buildArchive writes and verifies <run id>.tar.zst when archiving is
// enabled. It returns the archive tool's exit code.
func (r *Runner) buildArchive(layout rundir.Layout, artifact *runlog.RunArtifact, logger *slog.Logger) int {
	if !r.cfg.Archive.Enabled {
		return 0
	}
	dest := filepath.Join(layout.Root, artifact.RunID+".tar.zst")
	result, err := archive.Create(layout.Root, dest, r.cfg.Archive.Level, archiveIncludes...)
	if err == nil {
		_, err = archive.Verify(dest)
	}
	if err != nil {
		logging.WarnWithContext(logger, "run archive failed", "archive_failed",
			logging.String("path", dest),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space in run_root"),
			logging.String(logging.FieldImpact, "frames remain unpacked in the run directory"),
		)
		return 1
	}
	artifact.ArchivePath = layout.Rel(result.Path)
	logger.Info("run archive written",
		logging.String("path", result.Path),
		logging.Int64("bytes", result.Bytes),
		logging.Int("entries", len(result.Manifest.Entries)),
		logging.String(logging.FieldEventType, "archive_written"),
	)
	return 0
}
