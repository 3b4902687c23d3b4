package quiz

import (
	"context"
	"fmt"

	logx "quizbot/pkg/logx"
)

// ScoreWriter is the durable counter behind accepted answers.
type ScoreWriter interface {
	IncrementScore(ctx context.Context, userID int64, correct bool) error
}

// Invalidator is the cache hook fired after every accepted answer so rank
// changes become visible promptly rather than only at TTL boundary.
type Invalidator interface {
	Invalidate()
}

// Result is the outcome of one answer event. Duplicates and answers for
// unknown/expired polls come back with Accepted=false and are not errors.
type Result struct {
	Accepted bool
	Correct  bool
	ChatID   int64
}

// Processor consumes inbound answer events: idempotency against the
// registry, durable score update, cache invalidation.
type Processor struct {
	reg    *Registry
	scores ScoreWriter
	cache  Invalidator
	log    logx.Logger
}

func NewProcessor(reg *Registry, scores ScoreWriter, cache Invalidator, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{reg: reg, scores: scores, cache: cache, log: log}
}

// RecordAnswer ingests one answer event.
//
// The in-memory answer record is inserted under the registry lock BEFORE the
// durable write is issued; once this call is past markAnswered, any duplicate
// event for the same (poll, user) is rejected even if the store write is
// still in flight. A store failure is returned to the caller but does not
// undo the in-memory record: re-counting on retry would be worse than losing
// one increment.
func (p *Processor) RecordAnswer(ctx context.Context, pollID string, userID int64, options []int) (Result, error) {
	accepted, correct, chatID := p.reg.markAnswered(pollID, userID, options)
	if !accepted {
		if chatID == 0 {
			// Expired or never created: e.g. an answer event older than the
			// session retention window.
			p.log.Debug("answer for unknown poll dropped", logx.String("poll_id", pollID), logx.Int64("user_id", userID))
		} else {
			p.log.Debug("duplicate answer dropped", logx.String("poll_id", pollID), logx.Int64("user_id", userID))
		}
		return Result{Accepted: false, ChatID: chatID}, nil
	}

	res := Result{Accepted: true, Correct: correct, ChatID: chatID}

	err := p.scores.IncrementScore(ctx, userID, correct)
	if err != nil {
		err = fmt.Errorf("score update for user %d: %w", userID, err)
	}

	// Invalidate before returning so a caller that awaits this call and then
	// reads the leaderboard observes at least this answer's effect.
	if p.cache != nil {
		p.cache.Invalidate()
	}
	return res, err
}
