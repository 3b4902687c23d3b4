package leaderboard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quizbot/internal/storage"
	logx "quizbot/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	rows  []storage.ScoreRow
	total int
	err   error
	calls atomic.Int64
	delay time.Duration
}

func (f *fakeSource) RankedScores(_ context.Context, _, _ int) ([]storage.ScoreRow, int, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.rows, f.total, nil
}

func (f *fakeSource) set(rows []storage.ScoreRow, total int, err error) {
	f.mu.Lock()
	f.rows, f.total, f.err = rows, total, err
	f.mu.Unlock()
}

func TestGetServesFromCacheWithinTTL(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set([]storage.ScoreRow{{UserID: 1, Correct: 5, Total: 6}}, 1, nil)

	c := New(src, 45*time.Second, 100, logx.Nop())
	now := time.Now()
	c.now = func() time.Time { return now }

	rows, total, err := c.Get(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 1, total)

	// Underlying data changes, but the snapshot must not.
	src.set([]storage.ScoreRow{{UserID: 2, Correct: 9, Total: 9}}, 2, nil)
	now = now.Add(44 * time.Second)

	rows, total, err = c.Get(context.Background(), 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, rows[0].UserID)
	require.Equal(t, 1, total)
	require.EqualValues(t, 1, src.calls.Load())

	// Past the TTL the next read recomputes.
	now = now.Add(2 * time.Second)
	rows, total, err = c.Get(context.Background(), 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, rows[0].UserID)
	require.Equal(t, 2, total)
	require.EqualValues(t, 2, src.calls.Load())
}

func TestInvalidateForcesRecompute(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set([]storage.ScoreRow{{UserID: 1}}, 1, nil)
	c := New(src, time.Minute, 100, logx.Nop())

	_, _, err := c.Get(context.Background(), 10, 0)
	require.NoError(t, err)

	c.Invalidate()
	_, _, err = c.Get(context.Background(), 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, src.calls.Load())
}

func TestColdCacheSingleRecompute(t *testing.T) {
	t.Parallel()

	src := &fakeSource{delay: 20 * time.Millisecond}
	src.set([]storage.ScoreRow{{UserID: 1}}, 1, nil)
	c := New(src, time.Minute, 100, logx.Nop())

	const readers = 16
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, _, err := c.Get(context.Background(), 10, 0)
			require.NoError(t, err)
			require.Len(t, rows, 1)
		}()
	}
	wg.Wait()

	// Every reader waited on the one in-flight recompute.
	require.EqualValues(t, 1, src.calls.Load())
}

func TestRecomputeErrorLeavesStaleSnapshot(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set([]storage.ScoreRow{{UserID: 1}}, 1, nil)
	c := New(src, time.Minute, 100, logx.Nop())

	_, _, err := c.Get(context.Background(), 10, 0)
	require.NoError(t, err)

	src.set(nil, 0, errors.New("db locked"))
	require.Error(t, c.Refresh(context.Background()))

	// The failed refresh did not poison the cache: the prior snapshot still
	// serves reads.
	rows, _, err := c.Get(context.Background(), 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, rows[0].UserID)

	// Once the source recovers, a refresh swaps the snapshot in.
	src.set([]storage.ScoreRow{{UserID: 2}}, 1, nil)
	require.NoError(t, c.Refresh(context.Background()))
	rows, _, err = c.Get(context.Background(), 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, rows[0].UserID)
}

func TestGetWindow(t *testing.T) {
	t.Parallel()

	rows := make([]storage.ScoreRow, 25)
	for i := range rows {
		rows[i] = storage.ScoreRow{UserID: int64(i + 1)}
	}
	src := &fakeSource{}
	src.set(rows, 25, nil)
	c := New(src, time.Minute, 100, logx.Nop())

	got, total, err := c.Get(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Equal(t, 25, total)
	require.Len(t, got, 5)
	require.EqualValues(t, 21, got[0].UserID)

	got, _, err = c.Get(context.Background(), 10, 100)
	require.NoError(t, err)
	require.Empty(t, got)
}
