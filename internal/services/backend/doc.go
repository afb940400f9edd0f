// Package backend wraps the rendering backend's HTTP API: job submission,
// history lookup by job id, recent history listing, and device statistics.
//
// The client performs single requests. Retry policy belongs to the caller
// (the dispatcher owns each scene's retry budget), so failures are returned
// classified: network failures and 408/429/5xx responses carry
// services.ErrTransient, and IsTransient reports that classification.
package backend
