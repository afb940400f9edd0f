package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"sceneforge/internal/dispatch"
	"sceneforge/internal/runlog"
	"sceneforge/internal/telemetry"
)

// DoneMarkerWaitTolerance bounds the accepted drift between the logged and
// recorded marker wait, in seconds.
const DoneMarkerWaitTolerance = 0.1

// MinToolExitCodes is the number of distinct tools a run reports.
const MinToolExitCodes = 3

// Headline is the first line of every rendered report.
const Headline = "run-summary validation: "

// Status is the overall verdict.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Report is the outcome of one validation.
type Report struct {
	Status   Status   `json:"status"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Passed reports whether no errors were found.
func (r Report) Passed() bool {
	return r.Status == StatusPass
}

// ExitCode is 0 for PASS and 1 for FAIL.
func (r Report) ExitCode() int {
	if r.Passed() {
		return 0
	}
	return 1
}

var queueConfigFields = []string{
	"SceneRetryBudget",
	"HistoryMaxWaitSeconds",
	"HistoryPollIntervalSeconds",
	"HistoryMaxAttempts",
	"PostExecutionTimeoutSeconds",
}

var telemetryFields = []string{
	"durationSeconds",
	"queueStart",
	"queueEnd",
	"maxWaitSeconds",
	"pollIntervalSeconds",
	"historyAttempts",
	"historyAttemptLimit",
	"historyExitReason",
	"executionSuccessDetected",
	"postExecutionTimeoutSeconds",
	"historyPostExecutionTimeoutReached",
	"sceneRetryBudget",
	"doneMarker",
	"forcedCopy",
	"gpu",
	"system",
}

var nestedTelemetryFields = []struct {
	block  string
	fields []string
}{
	{"doneMarker", []string{"detected", "waitSeconds", "path"}},
	{"forcedCopy", []string{"triggered", "debugPath"}},
	{"gpu", []string{"name", "type", "index", "vramTotal", "vramBeforeMB", "vramAfterMB", "vramDeltaMB"}},
	{"system", []string{"fallbackNotes"}},
}

type rawObject map[string]json.RawMessage

func (o rawObject) present(key string) bool {
	raw, ok := o[key]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (o rawObject) object(key string) (rawObject, bool) {
	if !o.present(key) {
		return nil, false
	}
	var nested rawObject
	if err := json.Unmarshal(o[key], &nested); err != nil {
		return nil, false
	}
	return nested, true
}

type checker struct {
	errors   []string
	warnings []string
}

func (c *checker) errorf(format string, args ...any) {
	c.errors = append(c.errors, fmt.Sprintf(format, args...))
}

func (c *checker) warnf(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

func (c *checker) report() Report {
	r := Report{Status: StatusPass, Errors: c.errors, Warnings: c.warnings}
	if r.Errors == nil {
		r.Errors = []string{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	if len(r.Errors) > 0 {
		r.Status = StatusFail
	}
	return r
}

// Validate checks summaryText against the artifact-metadata.json document
// and returns every violation found.
func Validate(summaryText string, metadata []byte) Report {
	c := &checker{}
	summary := parseSummary(summaryText)
	checkRunLines(c, summary)

	var doc rawObject
	if err := json.Unmarshal(metadata, &doc); err != nil || doc == nil {
		c.errorf("metadata is not a JSON object: %v", decodeErr(err))
		return c.report()
	}

	if !doc.present("Story") {
		c.errorf("metadata Story is missing")
	} else {
		var story runlog.StoryRef
		if err := json.Unmarshal(doc["Story"], &story); err != nil {
			c.errorf("metadata Story does not decode: %v", err)
		} else if strings.TrimSpace(story.ID) == "" {
			c.errorf("metadata Story.ID is empty")
		}
	}

	queue, queueOK := checkQueueConfig(c, doc)
	if queueOK {
		checkQueuePolicy(c, summary, queue)
	}

	var frameFloor int
	if doc.present("FrameFloor") {
		if err := json.Unmarshal(doc["FrameFloor"], &frameFloor); err != nil {
			c.errorf("metadata FrameFloor does not decode: %v", err)
		}
	}
	checkArtifactIndex(c, summary, doc)

	if !doc.present("Scenes") {
		c.errorf("metadata Scenes is missing")
		return c.report()
	}
	var rawScenes []json.RawMessage
	if err := json.Unmarshal(doc["Scenes"], &rawScenes); err != nil {
		c.errorf("metadata Scenes does not decode: %v", err)
		return c.report()
	}
	if len(rawScenes) == 0 {
		c.errorf("metadata lists no scenes")
	}

	seen := map[string]bool{}
	totalFrames := 0
	for i, data := range rawScenes {
		label := fmt.Sprintf("scene #%d", i+1)
		var rawScene rawObject
		var rec runlog.SceneRecord
		if err := json.Unmarshal(data, &rawScene); err != nil {
			c.errorf("%s: record is not an object: %v", label, err)
			continue
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			c.errorf("%s: record does not decode: %v", label, err)
			continue
		}
		if strings.TrimSpace(rec.SceneID) == "" {
			c.errorf("%s: SceneID is empty", label)
			continue
		}
		label = "scene " + rec.SceneID
		if seen[rec.SceneID] {
			c.errorf("%s: duplicate scene record", label)
			continue
		}
		seen[rec.SceneID] = true
		totalFrames += rec.FramesCopied
		checkScene(c, label, rawScene, rec, summary.scenes[rec.SceneID], queue, frameFloor)
	}

	for id := range summary.scenes {
		if !seen[id] && len(rawScenes) > 0 {
			c.warnf("summary has lines for scene %s that metadata does not list", id)
		}
	}

	if summary.totalFrames != nil && *summary.totalFrames != totalFrames {
		c.errorf("Total frames copied mismatch: summary=%d metadata=%d", *summary.totalFrames, totalFrames)
	}
	return c.report()
}

func checkRunLines(c *checker, p *parsedSummary) {
	if !p.storyReady {
		c.errorf("missing story readiness line (%q)", strings.TrimSpace(runlog.PrefixStoryReady))
	}
	if !p.logline {
		c.errorf("missing logline line (%q)", strings.TrimSpace(runlog.PrefixLogline))
	}
	if len(p.scenes) == 0 {
		c.errorf("no per-scene lines")
	}
	if len(p.toolExits) < MinToolExitCodes {
		c.errorf("expected %d tool exit code lines, found %d", MinToolExitCodes, len(p.toolExits))
	}
	for _, tool := range slices.Sorted(maps.Keys(p.toolExits)) {
		if code := p.toolExits[tool]; code != 0 {
			c.warnf("tool %s exited with code %d", tool, code)
		}
	}
	if !p.artifactIdx {
		c.errorf("missing artifact index block")
	}
	switch {
	case p.totalRaw == "" && p.totalFrames == nil:
		c.errorf("missing \"Total frames copied\" line")
	case p.totalFrames == nil:
		c.errorf("Total frames copied value %q is not an integer", p.totalRaw)
	case *p.totalFrames <= 0:
		c.errorf("Total frames copied is %d, expected a non-zero count", *p.totalFrames)
	}
}

// checkArtifactIndex requires the summary's artifact index to list the
// archive and auxiliary logs the metadata records, at the same paths.
func checkArtifactIndex(c *checker, p *parsedSummary, doc rawObject) {
	if !p.artifactIdx {
		return
	}
	var archivePath string
	if doc.present("ArchivePath") {
		if err := json.Unmarshal(doc["ArchivePath"], &archivePath); err != nil {
			c.errorf("metadata ArchivePath does not decode: %v", err)
		}
	}
	if archivePath != "" {
		requireIndexEntry(c, p, "archive", archivePath)
	}
	var logs map[string]string
	if doc.present("Logs") {
		if err := json.Unmarshal(doc["Logs"], &logs); err != nil {
			c.errorf("metadata Logs does not decode: %v", err)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(logs)) {
		requireIndexEntry(c, p, "log:"+name, logs[name])
	}
}

func requireIndexEntry(c *checker, p *parsedSummary, kind, want string) {
	got, ok := p.indexItems[kind]
	switch {
	case !ok:
		c.errorf("artifact index has no %s entry for %s", kind, want)
	case got != want:
		c.errorf("artifact index %s mismatch: summary=%s metadata=%s", kind, got, want)
	}
}

func checkQueueConfig(c *checker, doc rawObject) (dispatch.QueueConfig, bool) {
	var queue dispatch.QueueConfig
	raw, ok := doc.object("QueueConfig")
	if !ok {
		c.errorf("metadata QueueConfig is missing")
		return queue, false
	}
	complete := true
	for _, field := range queueConfigFields {
		if !raw.present(field) {
			c.errorf("metadata QueueConfig.%s is missing", field)
			complete = false
		}
	}
	if err := json.Unmarshal(doc["QueueConfig"], &queue); err != nil {
		c.errorf("metadata QueueConfig does not decode: %v", err)
		return queue, false
	}
	return queue, complete
}

func checkQueuePolicy(c *checker, p *parsedSummary, q dispatch.QueueConfig) {
	if len(p.queuePolicy) == 0 {
		c.errorf("missing \"Queue policy\" line")
		return
	}
	got := parsePairs(p.queuePolicy[len(p.queuePolicy)-1], " ")
	expected := []struct{ key, want string }{
		{"sceneRetries", telemetry.LimitToken(q.SceneRetryBudget)},
		{"historyMaxWait", fmt.Sprintf("%ds", q.HistoryMaxWaitSeconds)},
		{"historyPollInterval", fmt.Sprintf("%ds", q.HistoryPollIntervalSeconds)},
		{"historyMaxAttempts", telemetry.LimitToken(q.HistoryMaxAttempts)},
		{"postExecutionTimeout", fmt.Sprintf("%ds", q.PostExecutionTimeoutSeconds)},
	}
	for _, field := range expected {
		value, ok := got[field.key]
		if !ok {
			c.errorf("Queue policy line is missing %s", field.key)
			continue
		}
		if value != field.want {
			c.errorf("Queue policy %s mismatch: summary=%s metadata=%s", field.key, value, field.want)
		}
	}
}

func checkScene(c *checker, label string, raw rawObject, rec runlog.SceneRecord, lines *sceneLines, q dispatch.QueueConfig, frameFloor int) {
	if lines == nil {
		lines = &sceneLines{}
	}
	if q.SceneRetryBudget > 0 && rec.Attempts > q.SceneRetryBudget+1 {
		c.errorf("%s: attempts=%d exceeds retry budget %d+1", label, rec.Attempts, q.SceneRetryBudget)
	}

	if len(lines.results) == 0 {
		c.warnf("%s: missing %q line", label, strings.TrimSpace(runlog.PrefixSceneResult))
	} else {
		result := parsePairs(lines.results[len(lines.results)-1], " ")
		if status, ok := result["status"]; ok && status != rec.Status {
			c.errorf("%s: Scene result status mismatch: summary=%s metadata=%s", label, status, rec.Status)
		}
		if frames, ok := result["frames"]; ok && frames != strconv.Itoa(rec.FramesCopied) {
			c.errorf("%s: Scene result frames mismatch: summary=%s metadata=%d", label, frames, rec.FramesCopied)
		}
	}

	tel, telOK := checkTelemetryRecord(c, label, raw)
	if telOK {
		checkTelemetryTokens(c, label, tel, lines)

		for _, note := range tel.System.FallbackNotes {
			if !slices.Contains(lines.warnings, strings.ReplaceAll(note, "\n", " ")) {
				c.errorf("%s: fallback note not echoed as WARNING: %s", label, note)
			}
		}

		if tel.ForcedCopy.Triggered {
			switch {
			case tel.ForcedCopy.DebugPath == "":
				c.errorf("%s: forcedCopy.triggered=true but forcedCopy.debugPath is empty", label)
			case len(lines.forcedCopyPaths) == 0:
				c.errorf("%s: forced copy occurred but no ForcedCopyDebugPath line", label)
			case !slices.Contains(lines.forcedCopyPaths, tel.ForcedCopy.DebugPath):
				c.errorf("%s: ForcedCopyDebugPath mismatch: summary=%s metadata=%s", label, lines.forcedCopyPaths[len(lines.forcedCopyPaths)-1], tel.ForcedCopy.DebugPath)
			}
		}
	}

	if frameFloor > 0 && rec.FramesCopied < frameFloor && !containsSubstring(lines.warnings, "frame floor") {
		c.errorf("%s: frames=%d below frame floor %d without a WARNING line", label, rec.FramesCopied, frameFloor)
	}
	if strings.TrimSpace(rec.HistoryError) != "" && len(lines.historyWarnings)+len(lines.historyErrors) == 0 {
		c.errorf("%s: history retrieval failed (%s) without a HISTORY WARNING or HISTORY ERROR line", label, rec.HistoryError)
	}
	if dispatch.Status(rec.Status).Failed() && len(lines.errors) == 0 {
		c.errorf("%s: scene failed (status=%s) without an ERROR line", label, rec.Status)
	}
}

// checkTelemetryRecord verifies presence and internal consistency of the
// metadata Telemetry block. The decoded record is returned when it decodes.
func checkTelemetryRecord(c *checker, label string, scene rawObject) (telemetry.Telemetry, bool) {
	var tel telemetry.Telemetry
	raw, ok := scene.object("Telemetry")
	if !ok {
		c.errorf("%s: Telemetry block is missing", label)
		return tel, false
	}
	for _, field := range telemetryFields {
		if !raw.present(field) {
			c.errorf("%s: telemetry field %s is missing or null", label, field)
		}
	}
	for _, nested := range nestedTelemetryFields {
		block, ok := raw.object(nested.block)
		if !ok {
			continue
		}
		for _, field := range nested.fields {
			if !block.present(field) {
				c.errorf("%s: telemetry field %s.%s is missing or null", label, nested.block, field)
			}
		}
	}

	if raw.present("historyExitReason") {
		var reason string
		if err := json.Unmarshal(raw["historyExitReason"], &reason); err != nil || !telemetry.ExitReason(reason).Valid() {
			c.errorf("%s: historyExitReason %s is not one of %s", label, strings.TrimSpace(string(raw["historyExitReason"])), exitReasonList())
		}
	}

	if err := json.Unmarshal(scene["Telemetry"], &tel); err != nil {
		c.errorf("%s: Telemetry does not decode: %v", label, err)
		return tel, false
	}

	hasSuccessAt := raw.present("executionSuccessAt") && tel.ExecutionSuccessAt != nil && !tel.ExecutionSuccessAt.IsZero()
	switch {
	case tel.ExecutionSuccessDetected && !hasSuccessAt:
		c.errorf("%s: executionSuccessDetected=true but executionSuccessAt is missing", label)
	case !tel.ExecutionSuccessDetected && raw.present("executionSuccessAt"):
		c.errorf("%s: executionSuccessAt present but executionSuccessDetected=false", label)
	}

	if gpu, ok := raw.object("gpu"); ok && gpu.present("vramBeforeMB") && gpu.present("vramAfterMB") && gpu.present("vramDeltaMB") {
		if !tel.GPU.DeltaConsistent() {
			c.errorf("%s: vramDeltaMB=%s inconsistent with vramAfterMB-vramBeforeMB=%s",
				label,
				telemetry.FormatMB(tel.GPU.VRAMDeltaMB),
				telemetry.FormatMB(tel.GPU.VRAMAfterMB-tel.GPU.VRAMBeforeMB))
		}
	}
	return tel, true
}

// checkTelemetryTokens compares the scene's last Telemetry line with the
// metadata record.
func checkTelemetryTokens(c *checker, label string, tel telemetry.Telemetry, lines *sceneLines) {
	tokens, ok := lines.latestTelemetry()
	if !ok {
		c.errorf("%s: missing Telemetry line", label)
		return
	}

	expectToken := func(key, want string) {
		got, ok := tokens[key]
		if !ok {
			c.errorf("%s: Telemetry line is missing %s", label, key)
			return
		}
		if got != want {
			c.errorf("%s: %s mismatch: summary=%s metadata=%s", label, key, got, want)
		}
	}
	expectToken("pollLimit", tel.PollLimitToken())
	expectToken("SceneRetryBudget", tel.RetryBudgetToken())
	if _, ok := tokens["exitReason"]; ok {
		expectToken("exitReason", string(tel.HistoryExitReason))
	}

	if got, ok := tokens["DoneMarkerWaitSeconds"]; !ok {
		c.errorf("%s: Telemetry line is missing DoneMarkerWaitSeconds", label)
	} else if v, err := strconv.ParseFloat(got, 64); err != nil {
		c.errorf("%s: DoneMarkerWaitSeconds %q is not a number", label, got)
	} else if math.Abs(v-tel.DoneMarker.WaitSeconds) > DoneMarkerWaitTolerance+1e-9 {
		c.errorf("%s: DoneMarkerWaitSeconds mismatch: summary=%s metadata=%s", label, got, telemetry.FormatSeconds(tel.DoneMarker.WaitSeconds))
	}

	expectBool := func(key string, want bool) {
		got, ok := tokens[key]
		if !ok {
			c.errorf("%s: Telemetry line is missing %s", label, key)
			return
		}
		v, err := strconv.ParseBool(got)
		if err != nil {
			c.errorf("%s: %s %q is not a boolean", label, key, got)
			return
		}
		if v != want {
			c.errorf("%s: %s mismatch: summary=%t metadata=%t", label, key, v, want)
		}
	}
	expectBool("DoneMarkerDetected", tel.DoneMarker.Detected)
	expectBool("ForcedCopyTriggered", tel.ForcedCopy.Triggered)
}

func exitReasonList() string {
	names := make([]string, 0, len(telemetry.ExitReasons))
	for _, r := range telemetry.ExitReasons {
		names = append(names, string(r))
	}
	return strings.Join(names, ", ")
}

func containsSubstring(values []string, want string) bool {
	for _, v := range values {
		if strings.Contains(v, want) {
			return true
		}
	}
	return false
}

func decodeErr(err error) error {
	if err == nil {
		return fmt.Errorf("null document")
	}
	return err
}
