// Package recovery classifies step failures and runs the recovery chain:
// locate missing configuration, retry transient failures with backoff,
// apply a remembered fix from the pattern store, and finally escalate to a
// human with a report of everything that was tried.
package recovery
