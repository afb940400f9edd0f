package sentinel

import (
	"sort"
	"time"

	"sceneforge/internal/frames"
)

type prefixState struct {
	count       int
	latest      time.Time
	stableSince time.Time
	marked      bool
}

// Ready is a prefix whose frame set has been stable for the window.
type Ready struct {
	Set         *frames.Set
	StableSince time.Time
}

// Tracker holds per-prefix stability state across scans.
type Tracker struct {
	window    time.Duration
	minFrames int
	states    map[string]*prefixState
}

// NewTracker builds a tracker for the given stability window and frame floor.
func NewTracker(window time.Duration, minFrames int) *Tracker {
	if minFrames <= 0 {
		minFrames = 1
	}
	return &Tracker{window: window, minFrames: minFrames, states: make(map[string]*prefixState)}
}

// Observe records one scan and returns prefixes ready for a marker, sorted
// by prefix. Prefixes absent from the scan are forgotten. A prefix seen for
// the first time is stable since its newest frame was written.
func (t *Tracker) Observe(sets map[string]*frames.Set, now time.Time) []Ready {
	for prefix := range t.states {
		if _, ok := sets[prefix]; !ok {
			delete(t.states, prefix)
		}
	}

	var ready []Ready
	for prefix, set := range sets {
		state, ok := t.states[prefix]
		switch {
		case !ok:
			// A set first seen already quiet counts from its newest frame.
			since := now
			if !set.Latest.IsZero() && set.Latest.Before(now) {
				since = set.Latest
			}
			state = &prefixState{count: set.Count, latest: set.Latest, stableSince: since}
			t.states[prefix] = state
		case state.count != set.Count || !state.latest.Equal(set.Latest):
			state.count = set.Count
			state.latest = set.Latest
			state.stableSince = now
			state.marked = false
			continue
		}
		if state.marked || set.Count < t.minFrames {
			continue
		}
		if now.Sub(state.stableSince) < t.window {
			continue
		}
		ready = append(ready, Ready{Set: set, StableSince: state.stableSince})
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Set.Prefix < ready[j].Set.Prefix })
	return ready
}

// MarkDone stops reporting prefix until its frame set changes again.
func (t *Tracker) MarkDone(prefix string) {
	if state, ok := t.states[prefix]; ok {
		state.marked = true
	}
}

// Len returns the number of tracked prefixes.
func (t *Tracker) Len() int {
	return len(t.states)
}
