// Package ratelimit throttles per-user command usage in group chats.
package ratelimit

import (
	"sync"
	"time"

	logx "quizbot/pkg/logx"
)

const (
	DefaultCooldown = 60 * time.Second
	// DefaultRetention is how long an idle entry survives before Sweep
	// evicts it.
	DefaultRetention = time.Hour
)

// Decision is a normal control-flow outcome, never an error. On deny, Wait is
// the remaining cooldown for the caller to present.
type Decision struct {
	Allowed bool
	Wait    time.Duration
}

// key is a typed (actor, command) pair; no string-concatenated map keys.
type key struct {
	Actor   int64
	Command string
}

// Limiter enforces a per-(actor, command) cooldown window.
//
// Denied calls do not touch state, so a user spamming a command cannot keep
// resetting their own cooldown clock.
type Limiter struct {
	mu       sync.Mutex
	cooldown time.Duration
	known    map[string]struct{}
	last     map[key]time.Time
	log      logx.Logger
	now      func() time.Time
}

// New creates a limiter for the given command set. Checks for commands
// outside the set are always allowed (with a logged anomaly) rather than
// failing.
func New(cooldown time.Duration, commands []string, log logx.Logger) *Limiter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	known := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		known[c] = struct{}{}
	}
	return &Limiter{
		cooldown: cooldown,
		known:    known,
		last:     make(map[key]time.Time),
		log:      log,
		now:      time.Now,
	}
}

// Check decides whether actor may run command now. Privileged actors and
// non-group contexts bypass the cooldown entirely.
func (l *Limiter) Check(actor int64, command string, privileged, group bool) Decision {
	if privileged || !group {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.known[command]; !ok {
		l.log.Warn("cooldown check for unknown command; allowing", logx.String("command", command), logx.Int64("user_id", actor))
		return Decision{Allowed: true}
	}

	now := l.now()
	k := key{Actor: actor, Command: command}
	if last, ok := l.last[k]; ok {
		if elapsed := now.Sub(last); elapsed < l.cooldown {
			return Decision{Allowed: false, Wait: l.cooldown - elapsed}
		}
	}
	l.last[k] = now
	return Decision{Allowed: true}
}

// Sweep evicts entries whose last invocation is older than horizon, bounding
// the state map. Returns the eviction count.
func (l *Limiter) Sweep(horizon time.Duration) int {
	if horizon <= 0 {
		horizon = DefaultRetention
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-horizon)
	evicted := 0
	for k, at := range l.last {
		if at.Before(cutoff) {
			delete(l.last, k)
			evicted++
		}
	}
	if evicted > 0 {
		l.log.Debug("rate-limit entries evicted", logx.Int("count", evicted), logx.Int("remaining", len(l.last)))
	}
	return evicted
}
