// Package quiz tracks open quiz polls and ingests answers idempotently.
//
// The registry is the in-memory source of truth for "who already answered
// which poll". Durable score counters live in storage; the registry only
// guarantees that each (poll, user) pair is counted at most once while the
// process lives. A restart may therefore let a poll be re-answered, which is
// an accepted trade-off.
package quiz
