package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "quizbot/pkg/logx"
)

func newTestLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	l := New(60*time.Second, []string{"quiz", "leaderboard"}, logx.Nop())
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowThenDeny(t *testing.T) {
	t.Parallel()
	l, now := newTestLimiter(t)

	d := l.Check(1, "quiz", false, true)
	require.True(t, d.Allowed)

	*now = now.Add(10 * time.Second)
	d = l.Check(1, "quiz", false, true)
	require.False(t, d.Allowed)
	require.Equal(t, 50*time.Second, d.Wait)

	*now = now.Add(50 * time.Second)
	d = l.Check(1, "quiz", false, true)
	require.True(t, d.Allowed)
}

func TestDenyDoesNotResetClock(t *testing.T) {
	t.Parallel()
	l, now := newTestLimiter(t)

	require.True(t, l.Check(1, "quiz", false, true).Allowed)

	// Spam within the window: every denial reports a shrinking wait, which
	// proves the original timestamp is untouched.
	*now = now.Add(20 * time.Second)
	require.Equal(t, 40*time.Second, l.Check(1, "quiz", false, true).Wait)
	*now = now.Add(20 * time.Second)
	require.Equal(t, 20*time.Second, l.Check(1, "quiz", false, true).Wait)
	*now = now.Add(21 * time.Second)
	require.True(t, l.Check(1, "quiz", false, true).Allowed)
}

func TestBypasses(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	// Privileged actors skip the cooldown entirely.
	for i := 0; i < 3; i++ {
		require.True(t, l.Check(1, "quiz", true, true).Allowed)
	}
	// Outside groups (PM) there is no cooldown either.
	for i := 0; i < 3; i++ {
		require.True(t, l.Check(2, "quiz", false, false).Allowed)
	}
	// Bypassed checks leave no state behind.
	require.Equal(t, 0, l.Sweep(time.Nanosecond))
}

func TestIndependentKeys(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	require.True(t, l.Check(1, "quiz", false, true).Allowed)
	// Different command, same user.
	require.True(t, l.Check(1, "leaderboard", false, true).Allowed)
	// Same command, different user.
	require.True(t, l.Check(2, "quiz", false, true).Allowed)
	// Repeat is denied.
	require.False(t, l.Check(1, "quiz", false, true).Allowed)
}

func TestUnknownCommandAllowed(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	require.True(t, l.Check(1, "selfdestruct", false, true).Allowed)
	require.True(t, l.Check(1, "selfdestruct", false, true).Allowed)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	l, now := newTestLimiter(t)

	require.True(t, l.Check(1, "quiz", false, true).Allowed)
	require.True(t, l.Check(2, "quiz", false, true).Allowed)

	*now = now.Add(30 * time.Minute)
	require.True(t, l.Check(3, "quiz", false, true).Allowed)

	*now = now.Add(31 * time.Minute)
	require.Equal(t, 2, l.Sweep(time.Hour))

	// The swept user starts a fresh window.
	require.True(t, l.Check(1, "quiz", false, true).Allowed)
}
