package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"sceneforge/internal/logging"
	"sceneforge/internal/services/backend"
)

// DeviceSampler reports the backend's device statistics.
type DeviceSampler interface {
	DeviceStats(ctx context.Context) (backend.DeviceStats, error)
}

// Phase names when a sample was taken.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Snapshot is a single device sample.
type Snapshot struct {
	Phase  Phase
	At     time.Time
	Device backend.Device
	UsedMB float64
	OK     bool
	Note   string
}

// Collector samples device state around a job.
type Collector struct {
	sampler   DeviceSampler
	outputDir string
	logger    *slog.Logger
	now       func() time.Time
	statfs    func(path string, buf *unix.Statfs_t) error
}

// Option customizes a Collector.
type Option func(*Collector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithOutputDir sets the directory whose free space is reported.
func WithOutputDir(dir string) Option {
	return func(c *Collector) {
		c.outputDir = strings.TrimSpace(dir)
	}
}

// NewCollector builds a Collector. A nil sampler yields fallback notes for
// every sample.
func NewCollector(sampler DeviceSampler, logger *slog.Logger, opts ...Option) *Collector {
	c := &Collector{
		sampler: sampler,
		logger:  logging.NewComponentLogger(logger, "telemetry"),
		now:     time.Now,
		statfs:  unix.Statfs,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the collector's clock reading.
func (c *Collector) Now() time.Time {
	return c.now()
}

// Sample takes one device reading. Failures are returned as a snapshot with
// OK=false and a note; they are never errors.
func (c *Collector) Sample(ctx context.Context, phase Phase) Snapshot {
	snap := Snapshot{Phase: phase, At: c.now().UTC()}
	if c.sampler == nil {
		snap.Note = fmt.Sprintf("GPU sample %s job unavailable: no device sampler configured", phase)
		return snap
	}
	stats, err := c.sampler.DeviceStats(ctx)
	if err != nil {
		snap.Note = fmt.Sprintf("GPU sample %s job failed: %v", phase, err)
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "device sampling failed; telemetry degraded", "telemetry_sample_failed",
			logging.String("phase", string(phase)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check backend /system_stats availability"),
			logging.String(logging.FieldImpact, "VRAM values recorded as zero for this sample"),
		)
		return snap
	}
	device, ok := stats.Primary()
	if !ok {
		snap.Note = fmt.Sprintf("GPU sample %s job returned no devices", phase)
		return snap
	}
	snap.Device = device
	snap.UsedMB = roundMB(bytesToMB(device.VRAMTotal - device.VRAMFree))
	snap.OK = true
	return snap
}

// Apply fills the GPU and System sections of t from two snapshots. The delta
// is always computed from the recorded values so the record stays consistent
// even when a sample failed.
func (c *Collector) Apply(t *Telemetry, before, after Snapshot) {
	device := before.Device
	if !before.OK && after.OK {
		device = after.Device
	}
	t.GPU = GPU{
		Name:         device.Name,
		Type:         device.Type,
		Index:        device.Index,
		VRAMTotal:    roundMB(bytesToMB(device.VRAMTotal)),
		VRAMBeforeMB: before.UsedMB,
		VRAMAfterMB:  after.UsedMB,
	}
	if t.GPU.Name == "" {
		t.GPU.Name = "unknown"
		t.GPU.Type = "unknown"
	}
	t.GPU.VRAMDeltaMB = roundMB(t.GPU.VRAMAfterMB - t.GPU.VRAMBeforeMB)
	for _, snap := range []Snapshot{before, after} {
		if snap.Note != "" {
			t.AddNote(snap.Note)
		}
	}

	if c.outputDir != "" {
		var st unix.Statfs_t
		if err := c.statfs(c.outputDir, &st); err != nil {
			t.AddNote(fmt.Sprintf("output disk stats unavailable: %v", err))
		} else {
			t.System.OutputFreeMB = roundMB(float64(st.Bavail) * float64(st.Bsize) / (1024 * 1024))
		}
	}
	t.Normalize()
}
