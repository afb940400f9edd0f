// Package telemetry defines the per-attempt Telemetry record and the
// Collector that samples device state around a backend job.
//
// Records are built once per scene attempt and never mutated after the
// dispatcher attaches them to the scene. Sampling failures become entries in
// System.FallbackNotes; they never fail the attempt.
package telemetry
