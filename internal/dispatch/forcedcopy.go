package dispatch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"sceneforge/internal/fileutil"
	"sceneforge/internal/frames"
	"sceneforge/internal/logging"
)

// ForcedCopyReport is the diagnostic document written by the fallback.
type ForcedCopyReport struct {
	Triggered   bool              `json:"triggered"`
	SceneID     string            `json:"sceneId"`
	Prefix      string            `json:"prefix"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Found       int               `json:"found"`
	Copied      int               `json:"copied"`
	Files       []string          `json:"files"`
	Failed      map[string]string `json:"failed"`
	Reason      string            `json:"reason"`
	At          time.Time         `json:"at"`
	DebugPath   string            `json:"-"`
}

// ForcedCopier copies whatever frames exist for a prefix when the marker
// never appeared.
type ForcedCopier struct {
	outputRoot string
	matcher    frames.Matcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewForcedCopier builds a copier rooted at the backend output directory.
func NewForcedCopier(outputRoot string, matcher frames.Matcher, logger *slog.Logger) *ForcedCopier {
	return &ForcedCopier{
		outputRoot: outputRoot,
		matcher:    matcher,
		logger:     logging.NewComponentLogger(logger, "forced-copy"),
		now:        time.Now,
	}
}

// Copy copies the prefix's frames into dest and writes the diagnostic file
// into diagDir. The copy is best effort: listing or per-file failures are
// recorded in the report. The returned error only reports a diagnostic file
// that could not be written; the report is valid either way.
func (f *ForcedCopier) Copy(sceneID, prefix, dest, diagDir, reason string) (ForcedCopyReport, error) {
	report := ForcedCopyReport{
		Triggered:   true,
		SceneID:     sceneID,
		Prefix:      prefix,
		Source:      f.outputRoot,
		Destination: dest,
		Files:       []string{},
		Failed:      map[string]string{},
		Reason:      reason,
		At:          f.now().UTC(),
	}

	result, err := f.matcher.Copy(f.outputRoot, prefix, dest)
	if err != nil {
		report.Failed[prefix] = err.Error()
	}
	report.Found = result.Found
	report.Copied = len(result.Copied)
	for _, path := range result.Copied {
		report.Files = append(report.Files, filepath.Base(path))
	}
	sort.Strings(report.Files)
	for path, msg := range result.Failed {
		report.Failed[path] = msg
	}

	f.logger.Warn("forced copy triggered",
		logging.String(logging.FieldSceneID, sceneID),
		logging.String(logging.FieldPrefix, prefix),
		logging.Int("found", report.Found),
		logging.Int("copied", report.Copied),
		logging.Int("failed", len(report.Failed)),
		logging.String(logging.FieldEventType, "forced_copy"),
		logging.String(logging.FieldErrorHint, "check the sentinel is running and watching backend_output_dir"),
		logging.String(logging.FieldImpact, "frames copied without completion confirmation"),
	)

	debugPath := filepath.Join(diagDir, fmt.Sprintf("forced-copy-scene-%s.json", sceneID))
	if err := fileutil.WriteJSONAtomic(debugPath, report); err != nil {
		return report, fmt.Errorf("write forced copy diagnostics: %w", err)
	}
	report.DebugPath = debugPath
	return report, nil
}
