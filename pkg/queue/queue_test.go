package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupPutSkipsQueuedDuplicate(t *testing.T) {
	q := NewDedup[string](4)

	assert.True(t, q.Put("203.0.113.1"))
	assert.False(t, q.Put("203.0.113.1"), "second put of a still-queued key should be dropped")
	assert.Equal(t, 1, q.PendingCount())
}

func TestDedupPutSkipsInFlightDuplicate(t *testing.T) {
	q := NewDedup[int64](4)
	require.True(t, q.Put(42))

	key, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, int64(42), key)

	assert.False(t, q.Put(42), "key checked out but not Done should still be rejected")
	assert.Equal(t, 1, q.PendingCount())

	q.Done(42)
	assert.Equal(t, 0, q.PendingCount())
	assert.True(t, q.Put(42), "key can be requeued once Done")
}

func TestDedupPutFullQueueReturnsFalse(t *testing.T) {
	q := NewDedup[int](1)
	require.True(t, q.Put(1))
	assert.False(t, q.Put(2), "queue at capacity should reject rather than block")
}

func TestDedupPendingCountIncludesInFlight(t *testing.T) {
	q := NewDedup[string](4)
	q.Put("a")
	q.Put("b")
	assert.Equal(t, 2, q.PendingCount())

	_, _ = q.Get()
	assert.Equal(t, 2, q.PendingCount(), "checked-out item still counts as pending")
}
