package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"sceneforge/internal/dispatch"
	"sceneforge/internal/fileutil"
	"sceneforge/internal/telemetry"
)

// StoryRef identifies the story a run rendered.
type StoryRef struct {
	ID      string `json:"ID"`
	Title   string `json:"Title"`
	Logline string `json:"Logline"`
}

// SceneRecord is one scene's entry in the run document.
type SceneRecord struct {
	SceneID        string              `json:"SceneID"`
	Status         string              `json:"Status"`
	Attempts       int                 `json:"Attempts"`
	FramesCopied   int                 `json:"FramesCopied"`
	OutputPrefix   string              `json:"OutputPrefix"`
	HistoryError   string              `json:"HistoryError,omitempty"`
	Error          string              `json:"Error,omitempty"`
	AttemptHistory []dispatch.Attempt  `json:"AttemptHistory"`
	Telemetry      telemetry.Telemetry `json:"Telemetry"`
}

// RunArtifact is the structured document describing a finished run. Paths
// are relative to the run directory unless absolute.
type RunArtifact struct {
	RunID       string               `json:"RunID"`
	Story       StoryRef             `json:"Story"`
	Scenes      []SceneRecord        `json:"Scenes"`
	QueueConfig dispatch.QueueConfig `json:"QueueConfig"`
	FrameFloor  int                  `json:"FrameFloor"`
	Logs        map[string]string    `json:"Logs"`
	ArchivePath string               `json:"ArchivePath"`
	StartedAt   time.Time            `json:"StartedAt"`
	FinishedAt  time.Time            `json:"FinishedAt"`
}

// TotalFrames sums FramesCopied across scenes.
func (a *RunArtifact) TotalFrames() int {
	total := 0
	for _, s := range a.Scenes {
		total += s.FramesCopied
	}
	return total
}

// WriteArtifact atomically writes the run document.
func WriteArtifact(path string, a *RunArtifact) error {
	if a.Logs == nil {
		a.Logs = map[string]string{}
	}
	for i := range a.Scenes {
		a.Scenes[i].Telemetry.Normalize()
		if a.Scenes[i].AttemptHistory == nil {
			a.Scenes[i].AttemptHistory = []dispatch.Attempt{}
		}
	}
	return fileutil.WriteJSONAtomic(path, a)
}

// ReadArtifact returns the raw document bytes and the decoded artifact.
func ReadArtifact(path string) ([]byte, *RunArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var a RunArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return data, nil, fmt.Errorf("decode %s: %w", MetadataFileName, err)
	}
	return data, &a, nil
}
