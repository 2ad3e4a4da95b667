// Package coordinator schedules sync runs and reports their outcome.
//
// A run is delegated to a Runner, which owns the store handle for exactly one
// invocation. Around every run the coordinator:
//
//   - persists the "Syncing" status before the run and the outcome after it
//   - records OpenTelemetry run metrics
//   - publishes a run summary when a publisher is configured
//
// Start runs the first sync immediately, then one per interval with a random
// jitter. Runs never overlap: the loop is a single goroutine and a run that
// outlasts the interval delays the next tick.
//
// Failed runs are logged and reflected in the status; the loop keeps going
// and the next tick retries from the stored watermark.
package coordinator
