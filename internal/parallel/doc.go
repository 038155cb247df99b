// Package parallel runs up to six independent validation checks
// concurrently, waits for all of them behind a single barrier, and applies
// a degradation policy when some of them fail.
package parallel
