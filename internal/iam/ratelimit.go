package iam

import (
	"context"
	"strings"
	"time"
)

// RateLimiter is a fixed-window attempt counter over a shared store. It is a
// generic primitive: callers choose the key (an email, an IP, an API key)
// and the action. It never returns errors for "limited"; Allow answers with
// a boolean the caller must interpret. Store failures fail open so a
// storage blip cannot lock every principal out at once.
type RateLimiter struct {
	store RateLimitStore
	now   func() time.Time
}

// NewRateLimiter constructs a limiter over the given counter store.
func NewRateLimiter(store RateLimitStore) *RateLimiter {
	return &RateLimiter{store: store, now: time.Now}
}

// WithClock overrides the limiter's time source. Test use.
func (l *RateLimiter) WithClock(fn func() time.Time) *RateLimiter {
	if fn != nil {
		l.now = fn
	}
	return l
}

// Allow reports whether another attempt is permitted for (key, action) given
// the window parameters. It does not record the attempt.
func (l *RateLimiter) Allow(ctx context.Context, key, action string, maxAttempts int, window time.Duration) bool {
	key = normalizeKey(key)
	rec, err := l.store.Get(ctx, key, action)
	if err != nil || rec == nil {
		return true
	}
	now := l.now()
	if rec.BlockedUntil != nil && now.Before(*rec.BlockedUntil) {
		return false
	}
	if now.Sub(rec.WindowStart) > window {
		return true
	}
	return rec.Count < maxAttempts
}

// Hit records one attempt. When the bumped counter reaches maxAttempts
// within the window and block > 0, a blocking period is set so every check
// fails until it elapses.
func (l *RateLimiter) Hit(ctx context.Context, key, action string, maxAttempts int, window, block time.Duration) {
	key = normalizeKey(key)
	rec, err := l.store.Increment(ctx, key, action, l.now(), window)
	if err != nil || rec == nil {
		return
	}
	if rec.Count >= maxAttempts && block > 0 {
		until := l.now().Add(block)
		_ = l.store.Block(ctx, key, action, until)
	}
}

// Reset clears the counter for (key, action), e.g. after a successful login.
func (l *RateLimiter) Reset(ctx context.Context, key, action string) {
	_ = l.store.Reset(ctx, normalizeKey(key), action)
}

// RetryAfter returns how long until attempts are admitted again, or zero
// when not currently blocked.
func (l *RateLimiter) RetryAfter(ctx context.Context, key, action string) time.Duration {
	rec, err := l.store.Get(ctx, normalizeKey(key), action)
	if err != nil || rec == nil || rec.BlockedUntil == nil {
		return 0
	}
	d := rec.BlockedUntil.Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
