// Package integration provides integration tests for the sf311-sync daemon.
// These tests drive complete runs against a fake Socrata endpoint and a
// SQLite store, then check the ops endpoints the daemon serves.
package integration
