// Package sentinel detects when a prefix's output frames are complete and
// publishes a done marker beside them.
//
// Two producers feed one create-if-absent primitive: a filesystem stability
// scan over the backend output directory and an inspection of completed
// entries in the backend history. Either may create the marker first; the
// other observes it and does nothing. The stability state (prefix to count,
// latest write time and stable-since) lives in the Tracker owned by each
// Sentinel instance.
package sentinel
