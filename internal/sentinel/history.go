package sentinel

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sceneforge/internal/frames"
	"sceneforge/internal/services/backend"
)

// HistorySource lists recent backend history entries.
type HistorySource interface {
	RecentHistory(ctx context.Context, maxItems int) (map[backend.JobID]backend.HistoryEntry, error)
}

// Match is a prefix whose frames were reported by a completed history entry
// and found on disk.
type Match struct {
	JobID   backend.JobID
	Prefix  string
	Files   []string
	Missing int
	Latest  time.Time
}

// MatchHistory maps the output files of successful entries to the frames that
// exist under root. Entries in skip are ignored. Results are sorted by prefix.
func MatchHistory(root string, matcher frames.Matcher, entries map[backend.JobID]backend.HistoryEntry, skip map[backend.JobID]bool) []Match {
	byPrefix := make(map[string]*Match)
	for id, entry := range entries {
		if skip[id] {
			continue
		}
		if entry.Classify() != backend.OutcomeSuccess {
			continue
		}
		for _, file := range entry.Files() {
			base, _, _, ok := matcher.Parse(file.Filename)
			if !ok {
				continue
			}
			subfolder := strings.Trim(filepath.ToSlash(file.Subfolder), "/")
			prefix := base
			if subfolder != "" {
				prefix = path.Join(subfolder, base)
			}
			match, exists := byPrefix[prefix]
			if !exists {
				match = &Match{JobID: id, Prefix: prefix}
				byPrefix[prefix] = match
			}
			full := filepath.Join(root, filepath.FromSlash(subfolder), file.Filename)
			info, err := os.Stat(full)
			if err != nil || info.IsDir() {
				match.Missing++
				continue
			}
			match.Files = append(match.Files, full)
			if info.ModTime().After(match.Latest) {
				match.Latest = info.ModTime()
			}
		}
	}

	matches := make([]Match, 0, len(byPrefix))
	for _, m := range byPrefix {
		sort.Strings(m.Files)
		matches = append(matches, *m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Prefix < matches[j].Prefix })
	return matches
}
