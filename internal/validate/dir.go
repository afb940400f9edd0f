package validate

import (
	"fmt"
	"io"
	"os"
	"sort"

	"sceneforge/internal/rundir"
	"sceneforge/internal/runlog"
)

// Dir validates the run directory at dir. A directory whose run lock is
// still held fails immediately: the run has not reached a terminal state.
func Dir(dir string) Report {
	c := &checker{}
	layout := rundir.Open(dir)

	info, err := os.Stat(layout.Root)
	if err != nil || !info.IsDir() {
		c.errorf("run directory %s is not readable: %v", layout.Root, statErr(err))
		return c.report()
	}
	locked, err := rundir.Locked(layout.Root)
	switch {
	case err != nil:
		c.warnf("could not check run lock: %v", err)
	case locked:
		c.errorf("run directory %s is locked by an in-flight run", layout.Root)
		return c.report()
	}

	summary, summaryErr := os.ReadFile(layout.SummaryPath())
	if summaryErr != nil {
		c.errorf("%s is not readable: %v", runlog.SummaryFileName, summaryErr)
	}
	metadata, metadataErr := os.ReadFile(layout.MetadataPath())
	if metadataErr != nil {
		c.errorf("%s is not readable: %v", runlog.MetadataFileName, metadataErr)
	}
	if summaryErr != nil || metadataErr != nil {
		return c.report()
	}

	c.merge(Validate(string(summary), metadata))
	checkFiles(c, layout)
	return c.report()
}

// checkFiles warns about artifacts the metadata names but the directory
// lacks.
func checkFiles(c *checker, layout rundir.Layout) {
	_, artifact, err := runlog.ReadArtifact(layout.MetadataPath())
	if err != nil {
		return
	}
	if artifact.ArchivePath != "" {
		if _, err := os.Stat(layout.Resolve(artifact.ArchivePath)); err != nil {
			c.warnf("archive %s is missing", artifact.ArchivePath)
		}
	}
	kinds := make([]string, 0, len(artifact.Logs))
	for kind := range artifact.Logs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		path := artifact.Logs[kind]
		if _, err := os.Stat(layout.Resolve(path)); err != nil {
			c.warnf("auxiliary log %s (%s) is missing", kind, path)
		}
	}
}

func (c *checker) merge(r Report) {
	c.errors = append(c.errors, r.Errors...)
	c.warnings = append(c.warnings, r.Warnings...)
}

// Render writes the headline followed by one ERROR line per error and one
// WARNING line per warning.
func Render(w io.Writer, r Report) error {
	if _, err := fmt.Fprintf(w, "%s%s\n", Headline, r.Status); err != nil {
		return err
	}
	for _, msg := range r.Errors {
		if _, err := fmt.Fprintf(w, "ERROR: %s\n", msg); err != nil {
			return err
		}
	}
	for _, msg := range r.Warnings {
		if _, err := fmt.Fprintf(w, "WARNING: %s\n", msg); err != nil {
			return err
		}
	}
	return nil
}

func statErr(err error) error {
	if err == nil {
		return fmt.Errorf("not a directory")
	}
	return err
}
