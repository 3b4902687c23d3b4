// Package storage is the durable collaborator behind the quiz core.
//
// It owns:
//   - ScoreState: cumulative correct/wrong counters per user, plus the
//     ranked read the leaderboard cache hydrates from
//   - the broadcast recipient registry (PM users and active groups)
//   - broadcast delivery ledgers (for later retraction)
//   - the question bank and per-chat last-quiz message tracking
//
// Backed by a single SQLite file (modernc.org/sqlite, WAL mode, embedded
// migrations). All schemas live here; the in-memory core never sees SQL.
package storage
