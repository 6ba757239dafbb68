package iam

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBlacklist(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	bl := NewMemoryBlacklist().WithClock(func() time.Time { return now })

	require.NoError(t, bl.Add(ctx, "jti-1", 15*time.Minute))

	found, err := bl.Contains(ctx, "jti-1")
	require.NoError(t, err)
	require.True(t, found)

	found, err = bl.Contains(ctx, "jti-2")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemoryBlacklistExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	bl := NewMemoryBlacklist().WithClock(func() time.Time { return now })

	require.NoError(t, bl.Add(ctx, "jti-1", 15*time.Minute))

	now = now.Add(16 * time.Minute)
	found, err := bl.Contains(ctx, "jti-1")
	require.NoError(t, err)
	require.False(t, found, "entries past their ttl are forgotten")
}

func TestMemoryBlacklistIgnoresEmptyAndNonPositive(t *testing.T) {
	ctx := context.Background()
	bl := NewMemoryBlacklist()

	require.NoError(t, bl.Add(ctx, "", time.Minute))
	require.NoError(t, bl.Add(ctx, "jti-1", 0))

	found, err := bl.Contains(ctx, "jti-1")
	require.NoError(t, err)
	require.False(t, found)
}
