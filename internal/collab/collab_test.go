package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAcquireAndHeld(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	lease, err := m.Acquire(ctx, "users", "7", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", lease.Holder)

	_, err = m.Acquire(ctx, "users", "7", "bob")
	held, ok := IsHeld(err)
	require.True(t, ok, "expected HeldError, got %v", err)
	assert.Equal(t, "alice", held.HeldBy)

	_, err = m.Acquire(ctx, "users", "8", "bob")
	assert.NoError(t, err, "locks are per record")

	_, err = m.Acquire(ctx, "users", "7", "alice")
	assert.NoError(t, err, "re-acquire by the holder refreshes")
}

func TestMemoryRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	lease, err := m.Acquire(ctx, "users", "7", "alice")
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, Lease{Entity: "users", ID: "7", Holder: "bob"}))
	holder, ok := m.Holder("users", "7")
	require.True(t, ok, "release by a non-holder is ignored")
	assert.Equal(t, "alice", holder)

	require.NoError(t, m.Release(ctx, lease))
	_, ok = m.Holder("users", "7")
	assert.False(t, ok)

	_, err = m.Acquire(ctx, "users", "7", "bob")
	assert.NoError(t, err)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(WithTTL(time.Minute), WithNow(func() time.Time { return now }))

	_, err := m.Acquire(ctx, "users", "7", "alice")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.Acquire(ctx, "users", "7", "bob")
	assert.NoError(t, err, "expired leases do not block")
}

func TestMemoryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory().Acquire(ctx, "users", "7", "alice")
	assert.ErrorIs(t, err, context.Canceled)
}
