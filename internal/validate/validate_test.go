package validate

import (
	"bytes"
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"sceneforge/internal/dispatch"
	"sceneforge/internal/rundir"
	"sceneforge/internal/runlog"
	"sceneforge/internal/telemetry"
)

const fixtureTS = "2026-03-01T10:00:00Z"

func sceneTelemetry() telemetry.Telemetry {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	success := start.Add(6 * time.Second)
	return telemetry.Telemetry{
		DurationSeconds:             8,
		QueueStart:                  start,
		QueueEnd:                    start.Add(8 * time.Second),
		MaxWaitSeconds:              900,
		PollIntervalSeconds:         2,
		HistoryAttempts:             3,
		HistoryAttemptLimit:         10,
		HistoryExitReason:           telemetry.ExitSuccess,
		ExecutionSuccessDetected:    true,
		ExecutionSuccessAt:          &success,
		PostExecutionTimeoutSeconds: 30,
		SceneRetryBudget:            1,
		DoneMarker:                  telemetry.DoneMarker{Detected: true, WaitSeconds: 2, Path: "/out/run/scene-1.done"},
		GPU: telemetry.GPU{
			Name:         "cuda:0 RTX",
			Type:         "cuda",
			VRAMTotal:    24576,
			VRAMBeforeMB: 1000,
			VRAMAfterMB:  1500,
			VRAMDeltaMB:  500,
		},
		System: telemetry.System{FallbackNotes: []string{}},
	}
}

func passingArtifact() *runlog.RunArtifact {
	queue := dispatch.QueueConfig{
		SceneRetryBudget:            1,
		HistoryMaxWaitSeconds:       900,
		HistoryPollIntervalSeconds:  2,
		HistoryMaxAttempts:          10,
		PostExecutionTimeoutSeconds: 30,
	}
	a := &runlog.RunArtifact{
		RunID:       "run-1",
		Story:       runlog.StoryRef{ID: "lighthouse", Title: "The Lighthouse", Logline: "A keeper waits."},
		QueueConfig: queue,
		FrameFloor:  24,
		Logs:        map[string]string{},
	}
	for _, id := range []string{"1", "2"} {
		tel := sceneTelemetry()
		tel.DoneMarker.Path = "/out/run-1/scene-" + id + ".done"
		a.Scenes = append(a.Scenes, runlog.SceneRecord{
			SceneID:      id,
			Status:       string(dispatch.StatusCompleted),
			Attempts:     1,
			FramesCopied: 30,
			OutputPrefix: "run-1/scene-" + id,
			Telemetry:    tel,
		})
	}
	return a
}

// buildSummary renders the summary a runner would write for a; extra
// supplies additional scoped lines per scene.
func buildSummary(a *runlog.RunArtifact, extra func(runlog.SceneRecord) []string) string {
	lines := []runlog.Line{
		{Text: runlog.StoryReady(a.Story.ID, a.Story.Title, len(a.Scenes))},
		{Text: runlog.Logline(a.Story.Logline)},
		{Text: runlog.QueuePolicy(a.QueueConfig)},
	}
	for _, rec := range a.Scenes {
		lines = append(lines,
			runlog.Line{Scene: rec.SceneID, Text: runlog.SceneResult(rec.Status, rec.FramesCopied, rec.Attempts, rec.OutputPrefix)},
			runlog.Line{Scene: rec.SceneID, Text: runlog.TelemetryLine(rec.Telemetry)},
		)
		if extra != nil {
			for _, text := range extra(rec) {
				lines = append(lines, runlog.Line{Scene: rec.SceneID, Text: text})
			}
		}
	}
	lines = append(lines,
		runlog.Line{Text: runlog.ToolExitCode("sentinel", 0)},
		runlog.Line{Text: runlog.ToolExitCode("frame-copy", 0)},
		runlog.Line{Text: runlog.ToolExitCode("archive", 0)},
		runlog.Line{Text: runlog.PrefixArtifactIndex},
		runlog.Line{Text: runlog.ArtifactEntry("summary", runlog.SummaryFileName)},
		runlog.Line{Text: runlog.ArtifactEntry("metadata", runlog.MetadataFileName)},
	)
	if a.ArchivePath != "" {
		lines = append(lines, runlog.Line{Text: runlog.ArtifactEntry("archive", a.ArchivePath)})
	}
	for _, name := range slices.Sorted(maps.Keys(a.Logs)) {
		lines = append(lines, runlog.Line{Text: runlog.ArtifactEntry("log:"+name, a.Logs[name])})
	}
	lines = append(lines, runlog.Line{Text: runlog.TotalFrames(a.TotalFrames())})
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(runlog.FormatLine(fixtureTS, line))
		b.WriteByte('\n')
	}
	return b.String()
}

func metadataFor(t *testing.T, a *runlog.RunArtifact) []byte {
	t.Helper()
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	return data
}

func dropLines(summary, substr string) string {
	var kept []string
	for _, line := range strings.Split(summary, "\n") {
		if !strings.Contains(line, substr) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func hasMessage(msgs []string, substr string) bool {
	for _, msg := range msgs {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func requireError(t *testing.T, r Report, substr string) {
	t.Helper()
	if r.Passed() || r.ExitCode() != 1 {
		t.Fatalf("expected FAIL, got %s", r.Status)
	}
	if !hasMessage(r.Errors, substr) {
		t.Fatalf("expected error containing %q, got %v", substr, r.Errors)
	}
}

func TestValidatePassScenario(t *testing.T) {
	a := passingArtifact()
	report := Validate(buildSummary(a, nil), metadataFor(t, a))

	if !report.Passed() || report.ExitCode() != 0 {
		t.Fatalf("expected PASS, got errors %v", report.Errors)
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", report.Warnings)
	}
	var out bytes.Buffer
	if err := Render(&out, report); err != nil {
		t.Fatal(err)
	}
	if out.String() != "run-summary validation: PASS\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestValidateMissingTotalFramesLine(t *testing.T) {
	a := passingArtifact()
	summary := dropLines(buildSummary(a, nil), "Total frames copied")
	requireError(t, Validate(summary, metadataFor(t, a)), `missing "Total frames copied" line`)
}

func TestValidateZeroTotalFrames(t *testing.T) {
	a := passingArtifact()
	for i := range a.Scenes {
		a.Scenes[i].FramesCopied = 0
	}
	a.FrameFloor = 0
	requireError(t, Validate(buildSummary(a, nil), metadataFor(t, a)), "Total frames copied is 0")
}

func TestValidateRetryBudgetMismatchCitesBothValues(t *testing.T) {
	a := passingArtifact()
	a.Scenes[0].Telemetry.SceneRetryBudget = 2
	summary := buildSummary(a, nil)
	a.Scenes[0].Telemetry.SceneRetryBudget = 1

	requireError(t, Validate(summary, metadataFor(t, a)), "scene 1: SceneRetryBudget mismatch: summary=2 metadata=1")
}

func TestValidatePollLimitToken(t *testing.T) {
	tests := []struct {
		name     string
		logged   int
		recorded int
		wantErr  string
	}{
		{name: "unbounded matches", logged: 0, recorded: 0},
		{name: "bounded matches", logged: 10, recorded: 10},
		{name: "logged bounded recorded unbounded", logged: 10, recorded: 0, wantErr: "pollLimit mismatch: summary=10 metadata=unbounded"},
		{name: "logged unbounded recorded bounded", logged: 0, recorded: 10, wantErr: "pollLimit mismatch: summary=unbounded metadata=10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := passingArtifact()
			a.Scenes[1].Telemetry.HistoryAttemptLimit = tt.logged
			summary := buildSummary(a, nil)
			a.Scenes[1].Telemetry.HistoryAttemptLimit = tt.recorded

			report := Validate(summary, metadataFor(t, a))
			if tt.wantErr == "" {
				if !report.Passed() {
					t.Fatalf("expected PASS, got %v", report.Errors)
				}
				return
			}
			requireError(t, report, "scene 2: "+tt.wantErr)
		})
	}
}

func TestValidateFallbackNoteMustBeEchoed(t *testing.T) {
	note := "device stats unavailable (before): backend: GET /system_stats: connection refused"
	a := passingArtifact()
	a.Scenes[0].Telemetry.System.FallbackNotes = []string{note}

	report := Validate(buildSummary(a, nil), metadataFor(t, a))
	requireError(t, report, "fallback note not echoed as WARNING: "+note)

	echoed := buildSummary(a, func(rec runlog.SceneRecord) []string {
		var out []string
		for _, n := range rec.Telemetry.System.FallbackNotes {
			out = append(out, runlog.PrefixWarning+n)
		}
		return out
	})
	if report := Validate(echoed, metadataFor(t, a)); !report.Passed() {
		t.Fatalf("expected PASS once echoed, got %v", report.Errors)
	}
}

func TestValidateRejectsUnknownExitReason(t *testing.T) {
	a := passingArtifact()
	a.Scenes[0].Telemetry.HistoryExitReason = "timeout"
	requireError(t, Validate(buildSummary(a, nil), metadataFor(t, a)), `historyExitReason "timeout" is not one of`)
}

func TestValidateExecutionSuccessAtRequired(t *testing.T) {
	a := passingArtifact()
	a.Scenes[0].Telemetry.ExecutionSuccessAt = nil
	requireError(t, Validate(buildSummary(a, nil), metadataFor(t, a)), "executionSuccessDetected=true but executionSuccessAt is missing")

	b := passingArtifact()
	b.Scenes[0].Telemetry.ExecutionSuccessDetected = false
	requireError(t, Validate(buildSummary(b, nil), metadataFor(t, b)), "executionSuccessAt present but executionSuccessDetected=false")
}

func TestValidateVRAMDeltaConsistency(t *testing.T) {
	a := passingArtifact()
	a.Scenes[0].Telemetry.GPU.VRAMDeltaMB = 400
	requireError(t, Validate(buildSummary(a, nil), metadataFor(t, a)), "vramDeltaMB=400.00 inconsistent with vramAfterMB-vramBeforeMB=500.00")

	b := passingArtifact()
	b.Scenes[0].Telemetry.GPU.VRAMDeltaMB = 500.4
	if report := Validate(buildSummary(b, nil), metadataFor(t, b)); !report.Passed() {
		t.Fatalf("delta within tolerance should pass, got %v", report.Errors)
	}
}

func TestValidateMissingTelemetryFields(t *testing.T) {
	a := passingArtifact()
	var doc map[string]any
	if err := json.Unmarshal(metadataFor(t, a), &doc); err != nil {
		t.Fatal(err)
	}
	tel := doc["Scenes"].([]any)[0].(map[string]any)["Telemetry"].(map[string]any)
	delete(tel["gpu"].(map[string]any), "vramDeltaMB")
	tel["queueEnd"] = nil
	delete(tel, "doneMarker")
	data, _ := json.Marshal(doc)

	report := Validate(buildSummary(a, nil), data)
	for _, want := range []string{
		"scene 1: telemetry field gpu.vramDeltaMB is missing or null",
		"scene 1: telemetry field queueEnd is missing or null",
		"scene 1: telemetry field doneMarker is missing or null",
	} {
		requireError(t, report, want)
	}
}

func TestValidateDoneMarkerWaitTolerance(t *testing.T) {
	for _, tt := range []struct {
		logged float64
		pass   bool
	}{
		{logged: 2.05, pass: true},
		{logged: 2.1, pass: true},
		{logged: 2.3, pass: false},
	} {
		a := passingArtifact()
		a.Scenes[0].Telemetry.DoneMarker.WaitSeconds = tt.logged
		summary := buildSummary(a, nil)
		a.Scenes[0].Telemetry.DoneMarker.WaitSeconds = 2

		report := Validate(summary, metadataFor(t, a))
		if tt.pass && !report.Passed() {
			t.Fatalf("logged %.2f: expected PASS, got %v", tt.logged, report.Errors)
		}
		if !tt.pass {
			requireError(t, report, "DoneMarkerWaitSeconds mismatch: summary=2.30 metadata=2.00")
		}
	}
}

func TestValidateBooleanTokens(t *testing.T) {
	a := passingArtifact()
	summary := strings.Replace(buildSummary(a, nil), "DoneMarkerDetected=true", "DoneMarkerDetected=yes", 1)
	summary = strings.Replace(summary, " | ForcedCopyTriggered=false", "", 1)

	report := Validate(summary, metadataFor(t, a))
	requireError(t, report, `scene 1: DoneMarkerDetected "yes" is not a boolean`)
	requireError(t, report, "scene 1: Telemetry line is missing ForcedCopyTriggered")
}

func forcedCopyArtifact() *runlog.RunArtifact {
	a := passingArtifact()
	tel := &a.Scenes[0].Telemetry
	tel.HistoryExitReason = telemetry.ExitPostExecution
	tel.HistoryPostExecutionTimeoutReached = true
	tel.DoneMarker.Detected = false
	tel.DoneMarker.WaitSeconds = 30
	tel.ForcedCopy = telemetry.ForcedCopy{Triggered: true, DebugPath: "/runs/run-1/diagnostics/forced-copy-scene-1.json"}
	a.Scenes[0].Status = string(dispatch.StatusPostExecutionTimeout)
	return a
}

func TestValidateForcedCopyRequiresDebugPathLine(t *testing.T) {
	a := forcedCopyArtifact()
	requireError(t, Validate(buildSummary(a, nil), metadataFor(t, a)), "scene 1: forced copy occurred but no ForcedCopyDebugPath line")

	withLine := buildSummary(a, func(rec runlog.SceneRecord) []string {
		if rec.Telemetry.ForcedCopy.Triggered {
			return []string{runlog.PrefixForcedCopy + rec.Telemetry.ForcedCopy.DebugPath}
		}
		return nil
	})
	if report := Validate(withLine, metadataFor(t, a)); !report.Passed() {
		t.Fatalf("expected PASS with debug path line, got %v", report.Errors)
	}
}

func TestValidateFrameFloorNeedsWarning(t *testing.T) {
	a := passingArtifact()
	a.Scenes[1].FramesCopied = 10
	requireError(t, Validate(buildSummary(a, nil), metadataFor(t, a)), "scene 2: frames=10 below frame floor 24 without a WARNING line")

	warned := buildSummary(a, func(rec runlog.SceneRecord) []string {
		if rec.FramesCopied < a.FrameFloor {
			return []string{runlog.PrefixWarning + "frames=10 below frame floor 24"}
		}
		return nil
	})
	if report := Validate(warned, metadataFor(t, a)); !report.Passed() {
		t.Fatalf("expected PASS with floor warning, got %v", report.Errors)
	}
}

func TestValidateHistoryErrorNeedsHistoryLine(t *testing.T) {
	a := passingArtifact()
	a.Scenes[0].HistoryError = "history job-1: connection refused"
	requireError(t, Validate(buildSummary(a, nil), metadataFor(t, a)), "without a HISTORY WARNING or HISTORY ERROR line")

	withLine := buildSummary(a, func(rec runlog.SceneRecord) []string {
		if rec.HistoryError != "" {
			return []string{runlog.PrefixHistoryWarning + rec.HistoryError}
		}
		return nil
	})
	if report := Validate(withLine, metadataFor(t, a)); !report.Passed() {
		t.Fatalf("expected PASS with history line, got %v", report.Errors)
	}
}

func TestValidateFailedSceneNeedsErrorLine(t *testing.T) {
	a := passingArtifact()
	a.Scenes[0].Status = string(dispatch.StatusFailed)
	a.Scenes[0].Error = "submit attempt 2 failed"
	requireError(t, Validate(buildSummary(a, nil), metadataFor(t, a)), "scene 1: scene failed (status=failed) without an ERROR line")
}

func TestValidateMissingSceneResultIsWarning(t *testing.T) {
	a := passingArtifact()
	summary := dropLines(buildSummary(a, nil), "[Scene 2] Scene result:")

	report := Validate(summary, metadataFor(t, a))
	if !report.Passed() {
		t.Fatalf("missing main line must not fail, got %v", report.Errors)
	}
	if !hasMessage(report.Warnings, `scene 2: missing "Scene result:" line`) {
		t.Fatalf("expected warning, got %v", report.Warnings)
	}
}

func TestValidateAccumulatesRunLevelErrors(t *testing.T) {
	a := passingArtifact()
	summary := buildSummary(a, nil)
	for _, substr := range []string{"Story ready:", "Logline:", "Tool exit code: archive", "Artifact index:", "Queue policy:"} {
		summary = dropLines(summary, substr)
	}

	report := Validate(summary, metadataFor(t, a))
	for _, want := range []string{
		"missing story readiness line",
		"missing logline line",
		"expected 3 tool exit code lines, found 2",
		"missing artifact index block",
		`missing "Queue policy" line`,
	} {
		requireError(t, report, want)
	}
}

func TestValidateQueuePolicyMismatch(t *testing.T) {
	a := passingArtifact()
	summary := buildSummary(a, nil)
	a.QueueConfig.HistoryMaxWaitSeconds = 600
	a.QueueConfig.HistoryMaxAttempts = 0

	report := Validate(summary, metadataFor(t, a))
	requireError(t, report, "Queue policy historyMaxWait mismatch: summary=900s metadata=600s")
	requireError(t, report, "Queue policy historyMaxAttempts mismatch: summary=10 metadata=unbounded")
}

func TestValidateMetadataShape(t *testing.T) {
	a := passingArtifact()
	requireError(t, Validate(buildSummary(a, nil), []byte("not json")), "metadata is not a JSON object")

	a.Scenes = []runlog.SceneRecord{}
	requireError(t, Validate(buildSummary(passingArtifact(), nil), metadataFor(t, a)), "metadata lists no scenes")
}

func TestValidateAttemptsWithinBudget(t *testing.T) {
	a := passingArtifact()
	a.Scenes[0].Attempts = 3
	requireError(t, Validate(buildSummary(a, nil), metadataFor(t, a)), "scene 1: attempts=3 exceeds retry budget 1+1")
}

func TestValidateReportsUndecodableFrameFloor(t *testing.T) {
	a := passingArtifact()
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(metadataFor(t, a), &doc); err != nil {
		t.Fatal(err)
	}
	doc["FrameFloor"] = json.RawMessage(`"twenty"`)
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	requireError(t, Validate(buildSummary(a, nil), data), "metadata FrameFloor does not decode")
}

func TestValidateArtifactIndexMatchesMetadata(t *testing.T) {
	a := passingArtifact()
	a.ArchivePath = "run-1.tar.zst"
	a.Logs = map[string]string{"sentinel": "logs/sentinel.log"}
	summary := buildSummary(a, nil)
	if report := Validate(summary, metadataFor(t, a)); !report.Passed() {
		t.Fatalf("expected PASS, got errors %v", report.Errors)
	}

	requireError(t, Validate(dropLines(summary, "- log:sentinel"), metadataFor(t, a)), "artifact index has no log:sentinel entry for logs/sentinel.log")

	moved := strings.Replace(summary, "- archive: run-1.tar.zst", "- archive: old.tar.zst", 1)
	requireError(t, Validate(moved, metadataFor(t, a)), "artifact index archive mismatch: summary=old.tar.zst metadata=run-1.tar.zst")
}

func writeRunDir(t *testing.T, a *runlog.RunArtifact) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, runlog.SummaryFileName), []byte(buildSummary(a, nil)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runlog.WriteArtifact(filepath.Join(dir, runlog.MetadataFileName), a); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestDirPassesAndWarnsOnMissingFiles(t *testing.T) {
	a := passingArtifact()
	a.ArchivePath = "run-1.tar.zst"
	a.Logs = map[string]string{"sentinel": "logs/sentinel.log"}
	dir := writeRunDir(t, a)

	report := Dir(dir)
	if !report.Passed() {
		t.Fatalf("expected PASS, got %v", report.Errors)
	}
	if !hasMessage(report.Warnings, "archive run-1.tar.zst is missing") || !hasMessage(report.Warnings, "auxiliary log sentinel (logs/sentinel.log) is missing") {
		t.Fatalf("expected missing file warnings, got %v", report.Warnings)
	}
}

func TestDirRefusesLockedRun(t *testing.T) {
	dir := writeRunDir(t, passingArtifact())
	lock, err := rundir.Acquire(filepath.Join(dir, rundir.LockFileName))
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	requireError(t, Dir(dir), "is locked by an in-flight run")
}

func TestDirMissingFiles(t *testing.T) {
	report := Dir(t.TempDir())
	requireError(t, report, "run-summary.txt is not readable")
	requireError(t, report, "artifact-metadata.json is not readable")
}
