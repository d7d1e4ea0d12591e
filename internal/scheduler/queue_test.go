package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/nano-go-tgi/internal/batch"
	"github.com/unixsysdev/nano-go-tgi/internal/engine"
)

func queued(ctx context.Context, id uint64, tokens int) *entry {
	return &entry{req: batch.Request{ID: id}, ctx: ctx, events: make(chan engine.Generation, 1), tokens: tokens}
}

func ids(entries []*entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.req.ID
	}
	return out
}

func TestBlockBudget(t *testing.T) {
	_, err := NewBlockBudget(8, 16)
	assert.Error(t, err)
	_, err = NewBlockBudget(64, 0)
	assert.Error(t, err)

	bb, err := NewBlockBudget(64, 16)
	require.NoError(t, err)
	assert.Equal(t, 4, bb.Total())
	assert.Equal(t, 2, bb.Blocks(17))
	assert.True(t, bb.Fits(64))
	assert.False(t, bb.Fits(65))

	require.NoError(t, bb.Reserve(1, 17))
	require.NoError(t, bb.Reserve(2, 16))
	assert.Equal(t, 3, bb.InUse())
	assert.True(t, bb.CanReserve(16))
	assert.False(t, bb.CanReserve(17))
	assert.ErrorIs(t, bb.Reserve(3, 17), ErrCapacityExceeded)
	assert.Error(t, bb.Reserve(1, 1))

	bb.Release(1)
	bb.Release(1)
	bb.Release(42)
	assert.Equal(t, 1, bb.InUse())
	require.NoError(t, bb.Reserve(3, 17))
}

func TestQueueTakesInOrderWithinBudget(t *testing.T) {
	bb, err := NewBlockBudget(32, 16)
	require.NoError(t, err)
	q := NewQueue()
	ctx := context.Background()
	for id := uint64(1); id <= 3; id++ {
		q.append(queued(ctx, id, 16))
	}

	chosen, cancelled := q.next(1, 10, bb)
	assert.Equal(t, []uint64{1, 2}, ids(chosen))
	assert.Empty(t, cancelled)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 2, bb.InUse())

	// Nothing fits until blocks come back.
	chosen, _ = q.next(1, 10, bb)
	assert.Empty(t, chosen)
	bb.Release(1)
	chosen, _ = q.next(1, 10, bb)
	assert.Equal(t, []uint64{3}, ids(chosen))
	assert.Equal(t, 0, q.Len())
}

func TestQueueHonorsSizes(t *testing.T) {
	bb, err := NewBlockBudget(1024, 16)
	require.NoError(t, err)
	q := NewQueue()
	ctx := context.Background()
	for id := uint64(1); id <= 3; id++ {
		q.append(queued(ctx, id, 4))
	}

	chosen, _ := q.next(4, 10, bb)
	assert.Empty(t, chosen)
	assert.Equal(t, 0, bb.InUse(), "a rejected cohort keeps no blocks")
	assert.Equal(t, 3, q.Len())

	chosen, _ = q.next(1, 2, bb)
	assert.Equal(t, []uint64{1, 2}, ids(chosen))
}

func TestQueueDropsCancelledEntries(t *testing.T) {
	bb, err := NewBlockBudget(1024, 16)
	require.NoError(t, err)
	q := NewQueue()
	gone, cancel := context.WithCancel(context.Background())
	cancel()
	q.append(queued(gone, 1, 4))
	q.append(queued(context.Background(), 2, 4))
	q.append(queued(gone, 3, 4))

	chosen, cancelled := q.next(1, 10, bb)
	assert.Equal(t, []uint64{2}, ids(chosen))
	assert.Equal(t, []uint64{1, 3}, ids(cancelled))
	assert.Equal(t, 1, bb.InUse())
}

func TestQueueNotifiesOnAppend(t *testing.T) {
	q := NewQueue()
	q.append(queued(context.Background(), 1, 1))
	q.append(queued(context.Background(), 2, 1))
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected a notification")
	}
	assert.Len(t, q.drain(), 2)
	assert.Equal(t, 0, q.Len())
}
