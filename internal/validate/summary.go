package validate

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"sceneforge/internal/runlog"
)

var (
	scopeRe    = regexp.MustCompile(`^\[Scene ([^\]]+)\] (.*)$`)
	toolExitRe = regexp.MustCompile(`^Tool exit code: ([\w-]+)=(-?\d+)$`)
)

type summaryLine struct {
	Scene string
	Text  string
}

// parsedSummary indexes the summary lines by kind and scene.
type parsedSummary struct {
	storyReady  bool
	logline     bool
	queuePolicy []string
	toolExits   map[string]int
	artifactIdx bool
	indexItems  map[string]string
	totalFrames *int
	totalRaw    string
	scenes      map[string]*sceneLines
}

type sceneLines struct {
	results         []string
	telemetry       []string
	warnings        []string
	historyWarnings []string
	historyErrors   []string
	errors          []string
	forcedCopyPaths []string
}

func parseSummary(text string) *parsedSummary {
	p := &parsedSummary{
		toolExits:  map[string]int{},
		indexItems: map[string]string{},
		scenes:     map[string]*sceneLines{},
	}
	inIndex := false
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimRight(raw, "\r")
		if strings.TrimSpace(raw) == "" {
			continue
		}
		line := splitLine(raw)

		if inIndex && strings.HasPrefix(line.Text, runlog.PrefixArtifactEntry) {
			entry := strings.TrimPrefix(line.Text, runlog.PrefixArtifactEntry)
			if kind, path, ok := strings.Cut(entry, ": "); ok {
				p.indexItems[strings.TrimSpace(kind)] = strings.TrimSpace(path)
			}
			continue
		}
		inIndex = false

		if line.Scene != "" {
			p.scene(line.Scene).add(line.Text)
			continue
		}
		switch body := line.Text; {
		case strings.HasPrefix(body, runlog.PrefixStoryReady):
			p.storyReady = true
		case strings.HasPrefix(body, runlog.PrefixLogline):
			p.logline = true
		case strings.HasPrefix(body, runlog.PrefixQueuePolicy):
			p.queuePolicy = append(p.queuePolicy, strings.TrimPrefix(body, runlog.PrefixQueuePolicy))
		case strings.HasPrefix(body, runlog.PrefixToolExit):
			if m := toolExitRe.FindStringSubmatch(body); m != nil {
				code, _ := strconv.Atoi(m[2])
				p.toolExits[m[1]] = code
			}
		case strings.HasPrefix(body, runlog.PrefixArtifactIndex):
			p.artifactIdx = true
			inIndex = true
		case strings.HasPrefix(body, runlog.PrefixTotalFrames):
			p.totalRaw = strings.TrimSpace(strings.TrimPrefix(body, runlog.PrefixTotalFrames))
			if n, err := strconv.Atoi(p.totalRaw); err == nil {
				p.totalFrames = &n
			}
		}
	}
	return p
}

// splitLine strips the leading RFC3339 timestamp and the optional scene
// scope. Lines without a timestamp are kept whole.
func splitLine(raw string) summaryLine {
	line := summaryLine{Text: raw}
	if ts, rest, ok := strings.Cut(raw, " "); ok {
		if _, err := time.Parse(time.RFC3339, ts); err == nil {
			line.Text = rest
		}
	}
	if m := scopeRe.FindStringSubmatch(line.Text); m != nil {
		line.Scene = m[1]
		line.Text = m[2]
	}
	return line
}

func (p *parsedSummary) scene(id string) *sceneLines {
	s, ok := p.scenes[id]
	if !ok {
		s = &sceneLines{}
		p.scenes[id] = s
	}
	return s
}

func (s *sceneLines) add(text string) {
	switch {
	case strings.HasPrefix(text, runlog.PrefixSceneResult):
		s.results = append(s.results, strings.TrimPrefix(text, runlog.PrefixSceneResult))
	case strings.HasPrefix(text, runlog.PrefixTelemetry):
		s.telemetry = append(s.telemetry, strings.TrimPrefix(text, runlog.PrefixTelemetry))
	case strings.HasPrefix(text, runlog.PrefixHistoryWarning):
		s.historyWarnings = append(s.historyWarnings, strings.TrimPrefix(text, runlog.PrefixHistoryWarning))
	case strings.HasPrefix(text, runlog.PrefixHistoryError):
		s.historyErrors = append(s.historyErrors, strings.TrimPrefix(text, runlog.PrefixHistoryError))
	case strings.HasPrefix(text, runlog.PrefixWarning):
		s.warnings = append(s.warnings, strings.TrimPrefix(text, runlog.PrefixWarning))
	case strings.HasPrefix(text, runlog.PrefixError):
		s.errors = append(s.errors, strings.TrimPrefix(text, runlog.PrefixError))
	case strings.HasPrefix(text, runlog.PrefixForcedCopy):
		s.forcedCopyPaths = append(s.forcedCopyPaths, strings.TrimSpace(strings.TrimPrefix(text, runlog.PrefixForcedCopy)))
	}
}

// latestTelemetry returns the tokens of the scene's last Telemetry line.
func (s *sceneLines) latestTelemetry() (map[string]string, bool) {
	if s == nil || len(s.telemetry) == 0 {
		return nil, false
	}
	return parsePairs(s.telemetry[len(s.telemetry)-1], "|"), true
}

// parsePairs splits "k=v<sep>k=v" into a map. Whitespace around pairs is
// ignored; the first '=' separates key from value.
func parsePairs(text, sep string) map[string]string {
	out := map[string]string{}
	var parts []string
	if sep == " " {
		parts = strings.Fields(text)
	} else {
		parts = strings.Split(text, sep)
	}
	for _, part := range parts {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}
