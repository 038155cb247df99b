// Package patternstore is the client side of the pattern (learning)
// memory: known failure signatures mapped to fixes that worked before.
//
// Backends implement Store. Resilient wraps any backend so that the
// orchestrator never blocks on it: queries are retried three times with a
// 100ms timeout each and then answered with an empty, explicitly degraded
// result; writes that cannot be delivered go to a durable bounded queue
// that is flushed once the backend answers again.
package patternstore
