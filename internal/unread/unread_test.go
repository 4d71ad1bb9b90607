package unread

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounterStore(t *testing.T) *RedisCounterStore {
	mr := miniredis.RunT(t)

	store, err := NewRedisCounterStore(mr.Addr())
	require.NoError(t, err, "expected counter store to connect to miniredis")
	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestIncrAndGet(t *testing.T) {
	store := newTestCounterStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := store.Incr(ctx, 1, "conv-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(i), n, "expected counter to increment by one per delivery")
	}

	n, err := store.Get(ctx, 1, "conv-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n, "expected three unread after three deliveries with no reads")
}

func TestResetZeroesCounter(t *testing.T) {
	store := newTestCounterStore(t)
	ctx := context.Background()

	_, err := store.Incr(ctx, 1, "conv-1")
	require.NoError(t, err)
	_, err = store.Incr(ctx, 1, "conv-1")
	require.NoError(t, err)

	err = store.Reset(ctx, 1, "conv-1")
	assert.NoError(t, err)

	n, err := store.Get(ctx, 1, "conv-1")
	assert.NoError(t, err)
	assert.Zero(t, n, "expected counter to be zero after reset")

	// incrementing again starts from zero, not the pre-reset value
	n, err = store.Incr(ctx, 1, "conv-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetMissingCounter(t *testing.T) {
	store := newTestCounterStore(t)

	n, err := store.Get(context.Background(), 42, "no-such-conv")
	assert.NoError(t, err, "missing counter should not be an error")
	assert.Zero(t, n)
}

func TestGetAll(t *testing.T) {
	store := newTestCounterStore(t)
	ctx := context.Background()

	_, err := store.Incr(ctx, 1, "conv-a")
	require.NoError(t, err)
	_, err = store.Incr(ctx, 1, "conv-a")
	require.NoError(t, err)
	_, err = store.Incr(ctx, 1, "conv-b")
	require.NoError(t, err)
	// another user's counters are not returned
	_, err = store.Incr(ctx, 2, "conv-a")
	require.NoError(t, err)

	counters, err := store.GetAll(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, map[string]int64{"conv-a": 2, "conv-b": 1}, counters)
}

func TestCountersAreIndependentPerConversation(t *testing.T) {
	store := newTestCounterStore(t)
	ctx := context.Background()

	_, err := store.Incr(ctx, 1, "conv-a")
	require.NoError(t, err)
	_, err = store.Incr(ctx, 1, "conv-b")
	require.NoError(t, err)

	err = store.Reset(ctx, 1, "conv-a")
	require.NoError(t, err)

	n, err := store.Get(ctx, 1, "conv-b")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n, "resetting one conversation must not touch another")
}

func TestNewRedisCounterStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCounterStore(addr)
	assert.Error(t, err, "expected connection error for unreachable redis")
}
