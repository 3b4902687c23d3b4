// Package leaderboard caches the ranked read of durable score state.
package leaderboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quizbot/internal/storage"
	logx "quizbot/pkg/logx"
)

const (
	DefaultTTL  = 45 * time.Second
	DefaultTopN = 1000
)

// Source is the durable ranked read the cache hydrates from.
type Source interface {
	RankedScores(ctx context.Context, limit, offset int) ([]storage.ScoreRow, int, error)
}

type snapshot struct {
	rows  []storage.ScoreRow
	total int
	at    time.Time
}

// Cache holds at most one leaderboard snapshot, valid for TTL.
//
// The mutex is deliberately held across the backing recompute: concurrent
// readers on a cold cache wait for the one in-flight recompute instead of
// stampeding the store. A slow backing read therefore stalls all leaderboard
// readers, bounded by the store's own latency.
type Cache struct {
	mu   sync.Mutex
	src  Source
	ttl  time.Duration
	topN int
	log  logx.Logger
	now  func() time.Time

	snap *snapshot
}

func New(src Source, ttl time.Duration, topN int, log logx.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		src:  src,
		ttl:  ttl,
		topN: topN,
		log:  log,
		now:  time.Now,
	}
}

// Get returns the requested window of the ranked snapshot plus the total
// number of ranked users. A fresh snapshot is served without touching the
// store; otherwise exactly one recompute runs and every waiter gets its
// result. A recompute failure leaves the previous (possibly stale) snapshot
// in place so the next call can retry.
func (c *Cache) Get(ctx context.Context, limit, offset int) ([]storage.ScoreRow, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap == nil || c.now().Sub(c.snap.at) >= c.ttl {
		if err := c.recomputeLocked(ctx); err != nil {
			return nil, 0, err
		}
	}
	return c.sliceLocked(limit, offset), c.snap.total, nil
}

// Invalidate clears the snapshot without recomputing; the next reader pays
// the recompute cost.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}

// Refresh recomputes immediately, so the next real reader finds a warm
// cache. On failure the prior snapshot stays in place. Scheduled every TTL
// interval.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recomputeLocked(ctx)
}

func (c *Cache) recomputeLocked(ctx context.Context) error {
	start := c.now()
	rows, total, err := c.src.RankedScores(ctx, c.topN, 0)
	if err != nil {
		return fmt.Errorf("leaderboard recompute: %w", err)
	}
	c.snap = &snapshot{rows: rows, total: total, at: c.now()}
	c.log.Debug("leaderboard recomputed",
		logx.Int("rows", len(rows)),
		logx.Int("total", total),
		logx.Duration("took", c.now().Sub(start)))
	return nil
}

func (c *Cache) sliceLocked(limit, offset int) []storage.ScoreRow {
	rows := c.snap.rows
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
