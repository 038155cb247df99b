// Package human is the interaction channel between the orchestrator and a
// person. Every question is bounded by a timeout; when nobody answers the
// safe default is to abort and release resources.
package human
