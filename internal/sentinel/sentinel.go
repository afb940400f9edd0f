package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"sceneforge/internal/config"
	"sceneforge/internal/frames"
	"sceneforge/internal/logging"
	"sceneforge/internal/services/backend"
)

// Options configures a Sentinel.
type Options struct {
	Root              string
	ScanInterval      time.Duration
	StabilityWindow   time.Duration
	MinFrames         int
	HistoryInspection bool
	HistoryMaxItems   int
	Extensions        []string
}

// OptionsFromConfig derives sentinel options from application config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Root:              cfg.Paths.BackendOutputDir,
		ScanInterval:      cfg.ScanInterval(),
		StabilityWindow:   cfg.StabilityWindow(),
		MinFrames:         cfg.Sentinel.MinFrames,
		HistoryInspection: cfg.Sentinel.HistoryInspection,
		HistoryMaxItems:   cfg.Sentinel.HistoryMaxItems,
		Extensions:        cfg.Sentinel.FrameExtensions,
	}
}

// TickStats summarizes one scan.
type TickStats struct {
	Prefixes       int
	StableReady    int
	HistoryMatches int
	Created        int
	AlreadyPresent int
	Errors         int
}

// Sentinel watches the backend output directory and publishes done markers.
type Sentinel struct {
	opts    Options
	matcher frames.Matcher
	tracker *Tracker
	history HistorySource
	handled map[backend.JobID]bool
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a Sentinel. history may be nil, which disables the history
// inspection strategy.
func New(opts Options, history HistorySource, logger *slog.Logger) (*Sentinel, error) {
	if opts.Root == "" {
		return nil, errors.New("sentinel: output root required")
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 2 * time.Second
	}
	if !opts.HistoryInspection {
		history = nil
	}
	return &Sentinel{
		opts:    opts,
		matcher: frames.NewMatcher(opts.Extensions),
		tracker: NewTracker(opts.StabilityWindow, opts.MinFrames),
		history: history,
		handled: make(map[backend.JobID]bool),
		logger:  logging.NewComponentLogger(logger, "sentinel"),
		now:     time.Now,
	}, nil
}

// Run ticks until ctx is cancelled.
func (s *Sentinel) Run(ctx context.Context) error {
	s.logger.Info("sentinel started",
		logging.String("root", s.opts.Root),
		logging.Duration("scan_interval", s.opts.ScanInterval),
		logging.Duration("stability_window", s.opts.StabilityWindow),
		logging.Bool("history_inspection", s.history != nil),
	)
	for {
		stats := s.Tick(ctx)
		if stats.Created > 0 || stats.Errors > 0 {
			s.logger.Info("sentinel tick",
				logging.String(logging.FieldEventType, "sentinel_tick"),
				logging.Int("prefixes", stats.Prefixes),
				logging.Int("stable_ready", stats.StableReady),
				logging.Int("history_matches", stats.HistoryMatches),
				logging.Int("created", stats.Created),
				logging.Int("already_present", stats.AlreadyPresent),
				logging.Int("errors", stats.Errors),
			)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sentinel stopped")
			return nil
		case <-time.After(s.opts.ScanInterval):
		}
	}
}

// Tick runs one stability scan and, when enabled, one history inspection.
func (s *Sentinel) Tick(ctx context.Context) TickStats {
	var stats TickStats
	s.scan(&stats)
	if s.history != nil && ctx.Err() == nil {
		s.inspectHistory(ctx, &stats)
	}
	return stats
}

func (s *Sentinel) scan(stats *TickStats) {
	sets, err := s.matcher.Group(s.opts.Root)
	if err != nil {
		stats.Errors++
		if !os.IsNotExist(err) {
			logging.WarnWithContext(s.logger, "output scan failed", "sentinel_scan_failed",
				logging.String("root", s.opts.Root),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check backend_output_dir exists and is readable"),
				logging.String(logging.FieldImpact, "stability markers delayed until the next scan"),
			)
		}
		return
	}
	stats.Prefixes = len(sets)
	now := s.now()
	for _, ready := range s.tracker.Observe(sets, now) {
		stats.StableReady++
		set := ready.Set
		path := MarkerPath(s.opts.Root, set.Prefix)
		s.publish(stats, path, set.Prefix, "stability", Marker{
			Timestamp:  now.UTC(),
			FrameCount: set.Count,
			Latest:     set.Latest.UTC(),
		})
		s.tracker.MarkDone(set.Prefix)
	}
}

func (s *Sentinel) inspectHistory(ctx context.Context, stats *TickStats) {
	entries, err := s.history.RecentHistory(ctx, s.opts.HistoryMaxItems)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		stats.Errors++
		s.logger.Debug("history inspection failed", logging.Error(err))
		return
	}
	for _, match := range MatchHistory(s.opts.Root, s.matcher, entries, s.handled) {
		if len(match.Files) == 0 || match.Missing > 0 {
			// Outputs not visible yet; the entry is retried next tick.
			continue
		}
		stats.HistoryMatches++
		path := MarkerPath(s.opts.Root, match.Prefix)
		s.publish(stats, path, match.Prefix, "history", Marker{
			Timestamp:  s.now().UTC(),
			FrameCount: len(match.Files),
			Latest:     match.Latest.UTC(),
		})
		s.handled[match.JobID] = true
	}
	for id := range s.handled {
		if _, ok := entries[id]; !ok {
			delete(s.handled, id)
		}
	}
}

func (s *Sentinel) publish(stats *TickStats, path, prefix, source string, m Marker) {
	created, err := CreateMarker(path, m)
	if err != nil {
		stats.Errors++
		logging.WarnWithContext(s.logger, "marker creation failed", "marker_create_failed",
			logging.String(logging.FieldPrefix, prefix),
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check write permissions on the backend output directory"),
			logging.String(logging.FieldImpact, "scene may fall back to forced copy"),
		)
		return
	}
	if !created {
		stats.AlreadyPresent++
		return
	}
	stats.Created++
	s.logger.Info("done marker created",
		logging.String(logging.FieldPrefix, prefix),
		logging.String("source", source),
		logging.Int("frames", m.FrameCount),
		logging.String("path", path),
		logging.String(logging.FieldEventType, "marker_created"),
	)
}

func (s TickStats) String() string {
	return fmt.Sprintf("prefixes=%d stable=%d history=%d created=%d present=%d errors=%d",
		s.Prefixes, s.StableReady, s.HistoryMatches, s.Created, s.AlreadyPresent, s.Errors)
}
