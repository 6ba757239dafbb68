package iam

import (
	"context"
	"sync"
	"time"
)

// Blacklist rejects access tokens by jti before their natural expiry. Adds
// carry a TTL equal to the token's remaining validity; entries may be
// forgotten once the TTL passes because the token is then invalid anyway.
type Blacklist interface {
	Add(ctx context.Context, jti string, ttl time.Duration) error
	Contains(ctx context.Context, jti string) (bool, error)
}

// MemoryBlacklist is a process-local Blacklist for tests and single-node
// deployments. Expired entries are pruned on access.
type MemoryBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryBlacklist constructs an empty in-process blacklist.
func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time), now: time.Now}
}

// WithClock overrides the time source. Test use.
func (b *MemoryBlacklist) WithClock(fn func() time.Time) *MemoryBlacklist {
	if fn != nil {
		b.now = fn
	}
	return b
}

func (b *MemoryBlacklist) Add(_ context.Context, jti string, ttl time.Duration) error {
	if jti == "" || ttl <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[jti] = b.now().Add(ttl)
	return nil
}

func (b *MemoryBlacklist) Contains(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for k, exp := range b.entries {
		if !exp.After(now) {
			delete(b.entries, k)
		}
	}
	_, ok := b.entries[jti]
	return ok, nil
}
