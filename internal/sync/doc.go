// Package sync implements the incremental synchronization engine that copies
// the San Francisco 311 service request dataset from Socrata into the bronze store.
//
// A run is strictly sequential:
//
//  1. ResolveWatermark reads the earliest requested_datetime and the latest
//     updated_datetime already persisted.
//  2. PlanWindow compares the operator's start date with the watermark and picks
//     a historical or incremental window.
//  3. Extractor.Extract pages through the window with $limit/$offset, retrying a
//     failed page in place until it succeeds.
//  4. Normalize coerces every attribute into a storage-ready Value.
//  5. Loader.Load collapses duplicate identifiers and upserts the batch in one
//     transaction.
//
// # Modes
//
// Historical mode is chosen when the store is empty or the requested start date
// precedes everything stored; it pulls every record requested on or after the
// start date. Incremental mode additionally restricts the pull to records whose
// updated_datetime is strictly newer than the stored maximum.
//
// The mode is a label for logs, metrics, status and notifications. It does not
// change how records are loaded.
//
// # Errors
//
// Syncer.Run returns a *Error carrying the failed phase (Op). Extraction
// failures are retried before they surface; persistence failures are not
// retried and roll back the whole batch.
//
// # Coordinator Package
//
// The sync/coordinator subpackage runs the engine periodically for the daemon
// command, persisting the status of every run.
package sync
