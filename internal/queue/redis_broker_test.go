package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBroker(t *testing.T) (*RedisBroker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedisBroker(context.Background(), RedisConfig{
		Addr:         mr.Addr(),
		KeyPrefix:    "test",
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	inspect := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = inspect.Close() })
	return b, inspect
}

func TestRedisBrokerPriorityOrder(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	require.NoError(t, b.Enqueue(ctx, Task{ID: "low", Queue: "q", Priority: PriorityLevel("low"), ReadyAt: base}))
	require.NoError(t, b.Enqueue(ctx, Task{ID: "normal", Queue: "q", Priority: PriorityLevel("normal"), ReadyAt: base}))
	require.NoError(t, b.Enqueue(ctx, Task{ID: "critical", Queue: "q", Priority: PriorityLevel("critical"), ReadyAt: base.Add(time.Second)}))
	require.NoError(t, b.Enqueue(ctx, Task{ID: "high", Queue: "q", Priority: PriorityLevel("high"), ReadyAt: base}))

	var got []string
	for range 4 {
		got = append(got, dequeueWithin(t, b, "q", time.Second).ID)
	}
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, got)
}

func TestRedisBrokerFIFOWithinLevel(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()
	at := time.Now().Add(-time.Second)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(ctx, Task{ID: id, Queue: "q", Priority: 2, ReadyAt: at.Add(time.Duration(i) * time.Millisecond)}))
	}
	assert.Equal(t, "a", dequeueWithin(t, b, "q", time.Second).ID)
	assert.Equal(t, "b", dequeueWithin(t, b, "q", time.Second).ID)
	assert.Equal(t, "c", dequeueWithin(t, b, "q", time.Second).ID)
}

func TestRedisBrokerScoreEncoding(t *testing.T) {
	b, inspect := newTestRedisBroker(t)
	ctx := context.Background()
	at := time.UnixMilli(time.Now().Add(-time.Second).UnixMilli())

	require.NoError(t, b.Enqueue(ctx, Task{ID: "x", Queue: "q", Priority: 3, ReadyAt: at}))

	score, err := inspect.ZScore(ctx, "test:queue:q:ready", "x").Result()
	require.NoError(t, err)
	assert.Equal(t, 3*levelSpan+float64(at.UnixMilli()), score)

	task := dequeueWithin(t, b, "q", time.Second)
	assert.Equal(t, "x", task.ID)
	assert.Equal(t, "q", task.Queue)
	assert.Equal(t, 3, task.Priority)
	assert.True(t, at.Equal(task.ReadyAt), "ready at %s, want %s", task.ReadyAt, at)

	levels, err := inspect.HLen(ctx, "test:queue:q:levels").Result()
	require.NoError(t, err)
	assert.Zero(t, levels)
}

func TestRedisBrokerDelayedTaskIsPromoted(t *testing.T) {
	b, inspect := newTestRedisBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Task{ID: "later", Queue: "q", Priority: 1, ReadyAt: time.Now().Add(50 * time.Millisecond)}))

	delayed, err := inspect.ZCard(ctx, "test:queue:q:delayed").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = b.Dequeue(short, "q")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	task := dequeueWithin(t, b, "q", time.Second)
	assert.Equal(t, "later", task.ID)
	assert.Equal(t, 1, task.Priority)

	n, err := b.Len(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisBrokerHasRemoveReplace(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Second)

	require.NoError(t, b.Enqueue(ctx, Task{ID: "a", Queue: "q", Priority: 3, ReadyAt: past}))
	require.NoError(t, b.Enqueue(ctx, Task{ID: "b", Queue: "q", Priority: 2, ReadyAt: time.Now().Add(time.Hour)}))

	for _, id := range []string{"a", "b"} {
		ok, err := b.Has(ctx, "q", id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
	ok, err := b.Has(ctx, "other", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := b.Remove(ctx, "q", "b")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = b.Remove(ctx, "q", "b")
	require.NoError(t, err)
	assert.False(t, removed)

	ok, err = b.Has(ctx, "q", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-enqueueing the same id replaces it rather than duplicating.
	require.NoError(t, b.Enqueue(ctx, Task{ID: "a", Queue: "q", Priority: 0, ReadyAt: past}))
	n, err := b.Len(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task := dequeueWithin(t, b, "q", time.Second)
	assert.Equal(t, "a", task.ID)
	assert.Equal(t, 0, task.Priority)
}

func TestRedisBrokerClose(t *testing.T) {
	b, _ := newTestRedisBroker(t)

	done := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background(), "q")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
}
