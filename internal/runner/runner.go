package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"sceneforge/internal/config"
	"sceneforge/internal/dispatch"
	"sceneforge/internal/frames"
	"sceneforge/internal/jobstore"
	"sceneforge/internal/logging"
	"sceneforge/internal/plan"
	"sceneforge/internal/rundir"
	"sceneforge/internal/runlog"
	"sceneforge/internal/sentinel"
	"sceneforge/internal/services"
	"sceneforge/internal/telemetry"
	"sceneforge/internal/validate"
)

// Backend is everything a run needs from the rendering backend.
type Backend interface {
	dispatch.Backend
	telemetry.DeviceSampler
	sentinel.HistorySource
}

// Runner executes scene plans.
type Runner struct {
	cfg     *config.Config
	backend Backend
	store   *jobstore.Store
	clock   dispatch.Clock
	runID   string
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithStore records runs and attempts in store.
func WithStore(store *jobstore.Store) Option {
	return func(r *Runner) {
		r.store = store
	}
}

// WithClock overrides the dispatcher's clock.
func WithClock(clock dispatch.Clock) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = id
	}
}

// Outcome describes a finished run.
type Outcome struct {
	RunID      string
	Dir        string
	Artifact   *runlog.RunArtifact
	Validation validate.Report
}

// New constructs a Runner.
func New(cfg *config.Config, b Backend, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		backend: b,
		logger:  logging.NewComponentLogger(logger, "runner"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run renders every scene of p and writes the run directory. A returned
// error means the run directory could not be produced; scene failures and a
// failing validation are reported through the Outcome.
func (r *Runner) Run(ctx context.Context, p *plan.Plan) (*Outcome, error) {
	if p == nil || len(p.Scenes) == 0 {
		return nil, services.Wrap(services.ErrValidation, "runner", "run", "plan has no scenes", nil)
	}
	runID := r.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	layout := rundir.New(r.cfg.Paths.RunRoot, runID)
	if err := layout.Create(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "runner", "create run directory", layout.Root, err)
	}
	lock, err := rundir.Acquire(layout.LockPath())
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "runner", "lock run directory", layout.Root, err)
	}
	defer func() { _ = lock.Release() }()

	summary, err := runlog.CreateSummary(layout.SummaryPath())
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "runner", "open summary", layout.SummaryPath(), err)
	}
	defer func() { _ = summary.Close() }()

	ctx = services.WithRunID(ctx, runID)
	// Bookkeeping after the scenes must survive a cancelled run.
	persistCtx := context.WithoutCancel(ctx)
	logger := logging.WithContext(ctx, r.logger)

	queue := dispatch.QueueConfigFromConfig(r.cfg)
	artifact := &runlog.RunArtifact{
		RunID: runID,
		Story: runlog.StoryRef{
			ID:      p.Story.ID,
			Title:   p.DisplayTitle(),
			Logline: p.Logline(),
		},
		QueueConfig: queue,
		FrameFloor:  p.FrameFloor,
		Logs:        map[string]string{},
		StartedAt:   r.now().UTC(),
	}

	logger.Info("run started",
		logging.String("story", p.Story.ID),
		logging.Int("scenes", len(p.Scenes)),
		logging.String("dir", layout.Root),
		logging.String(logging.FieldEventType, "run_started"),
	)
	if err := summary.WriteLines(
		runlog.Line{Text: runlog.StoryReady(p.Story.ID, p.DisplayTitle(), len(p.Scenes))},
		runlog.Line{Text: runlog.Logline(p.Logline())},
		runlog.Line{Text: runlog.QueuePolicy(queue)},
	); err != nil {
		return nil, fmt.Errorf("write run header: %w", err)
	}
	r.beginRun(persistCtx, logger, jobstore.Run{
		ID:         runID,
		StoryID:    p.Story.ID,
		RunDir:     layout.Root,
		SceneCount: len(p.Scenes),
		StartedAt:  artifact.StartedAt,
	})

	watcher := r.startSentinel(ctx, layout, artifact, logger)

	matcher := frames.NewMatcher(r.cfg.Sentinel.FrameExtensions)
	collector := telemetry.NewCollector(r.backend, logger, telemetry.WithOutputDir(r.cfg.Paths.BackendOutputDir))
	copier := dispatch.NewForcedCopier(r.cfg.Paths.BackendOutputDir, matcher, logger)
	dispatcher := dispatch.New(r.backend, collector, copier, dispatch.Options{
		Queue:              queue,
		OutputRoot:         r.cfg.Paths.BackendOutputDir,
		SubmitBackoff:      r.cfg.SubmitBackoff(),
		MarkerPollInterval: r.cfg.MarkerPollInterval(),
		Clock:              r.clock,
	}, logger)

	sc := &sceneContext{
		runID:      runID,
		plan:       p,
		queue:      queue,
		requeue:    r.cfg.Queue.RequeueOnTimeout,
		outputRoot: r.cfg.Paths.BackendOutputDir,
		layout:     layout,
		dispatcher: dispatcher,
		matcher:    matcher,
		summary:    summary,
		logger:     logger,
	}
	outcomes := make([]sceneOutcome, len(p.Scenes))
	sem := make(chan struct{}, max(1, r.cfg.Queue.MaxConcurrentScenes))
	var wg sync.WaitGroup
	for i, scene := range p.Scenes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = sc.run(ctx, scene)
		}()
	}
	wg.Wait()

	copyFailures := 0
	for _, out := range outcomes {
		artifact.Scenes = append(artifact.Scenes, out.record)
		copyFailures += out.copyFailures
		r.recordAttempts(persistCtx, logger, runID, out.record)
	}

	sentinelCode := watcher.stop()
	archiveCode := r.buildArchive(layout, artifact, logger)
	copyCode := 0
	if copyFailures > 0 {
		copyCode = 1
	}
	artifact.FinishedAt = r.now().UTC()

	if err := summary.WriteLines(r.closingLines(layout, artifact, sentinelCode, copyCode, archiveCode)...); err != nil {
		return nil, fmt.Errorf("write run footer: %w", err)
	}
	if err := runlog.WriteArtifact(layout.MetadataPath(), artifact); err != nil {
		return nil, fmt.Errorf("write run metadata: %w", err)
	}
	if err := summary.Close(); err != nil {
		return nil, fmt.Errorf("close run summary: %w", err)
	}
	if err := lock.Release(); err != nil {
		return nil, fmt.Errorf("release run lock: %w", err)
	}

	report := validate.Dir(layout.Root)
	r.finishRun(persistCtx, logger, runID, artifact, report)
	logging.CleanupOldLogs(logger, r.cfg.Logging.RetentionDays, r.now(), logging.RetentionTarget{
		Dir:     r.cfg.Paths.LogDir,
		Pattern: "*.log",
		Exclude: []string{filepath.Join(r.cfg.Paths.LogDir, logging.LogFileName)},
	})

	attrs := []logging.Attr{
		logging.String("status", string(report.Status)),
		logging.Int("total_frames", artifact.TotalFrames()),
		logging.Int("errors", len(report.Errors)),
		logging.Int("warnings", len(report.Warnings)),
		logging.String("dir", layout.Root),
		logging.String(logging.FieldEventType, "run_finished"),
	}
	if report.Passed() {
		logger.Info("run finished", logging.Args(attrs...)...)
	} else {
		logging.WarnWithContext(logger, "run finished with validation errors", "run_validation_failed",
			append(attrs,
				logging.String(logging.FieldErrorHint, "run `sceneforge validate` on the run directory for details"),
				logging.String(logging.FieldImpact, "run artifacts are incomplete or inconsistent"),
			)...)
	}

	return &Outcome{RunID: runID, Dir: layout.Root, Artifact: artifact, Validation: report}, nil
}

func (r *Runner) closingLines(layout rundir.Layout, artifact *runlog.RunArtifact, sentinelCode, copyCode, archiveCode int) []runlog.Line {
	lines := []runlog.Line{
		{Text: runlog.ToolExitCode("sentinel", sentinelCode)},
		{Text: runlog.ToolExitCode("frame-copy", copyCode)},
		{Text: runlog.ToolExitCode("archive", archiveCode)},
		{Text: runlog.PrefixArtifactIndex},
		{Text: runlog.ArtifactEntry("summary", layout.Rel(layout.SummaryPath()))},
		{Text: runlog.ArtifactEntry("metadata", layout.Rel(layout.MetadataPath()))},
		{Text: runlog.ArtifactEntry("frames", layout.Rel(layout.FramesDir()))},
		{Text: runlog.ArtifactEntry("diagnostics", layout.Rel(layout.DiagnosticsDir()))},
	}
	if artifact.ArchivePath != "" {
		lines = append(lines, runlog.Line{Text: runlog.ArtifactEntry("archive", artifact.ArchivePath)})
	}
	for _, name := range sortedKeys(artifact.Logs) {
		lines = append(lines, runlog.Line{Text: runlog.ArtifactEntry("log:"+name, artifact.Logs[name])})
	}
	return append(lines, runlog.Line{Text: runlog.TotalFrames(artifact.TotalFrames())})
}

func (r *Runner) beginRun(ctx context.Context, logger *slog.Logger, run jobstore.Run) {
	if r.store == nil {
		return
	}
	if err := r.store.BeginRun(ctx, run); err != nil {
		logging.WarnWithContext(logger, "job store write failed", "jobstore_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check log_dir is writable"),
			logging.String(logging.FieldImpact, "run missing from `sceneforge jobs list`"),
		)
	}
}

func (r *Runner) recordAttempts(ctx context.Context, logger *slog.Logger, runID string, rec runlog.SceneRecord) {
	if r.store == nil || len(rec.AttemptHistory) == 0 {
		return
	}
	if err := r.store.RecordAttempts(ctx, runID, rec.SceneID, rec.AttemptHistory); err != nil {
		logging.WarnWithContext(logger, "job store write failed", "jobstore_write_failed",
			logging.String(logging.FieldSceneID, rec.SceneID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check log_dir is writable"),
			logging.String(logging.FieldImpact, "scene attempts missing from `sceneforge jobs list`"),
		)
	}
}

func (r *Runner) finishRun(ctx context.Context, logger *slog.Logger, runID string, artifact *runlog.RunArtifact, report validate.Report) {
	if r.store == nil {
		return
	}
	status := jobstore.RunFinished
	if !report.Passed() {
		status = jobstore.RunFailed
	}
	err := r.store.FinishRun(ctx, runID, status, artifact.TotalFrames(), string(report.Status), artifact.FinishedAt)
	if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		logging.WarnWithContext(logger, "job store write failed", "jobstore_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check log_dir is writable"),
			logging.String(logging.FieldImpact, "run stays marked running in `sceneforge jobs list`"),
		)
	}
}
