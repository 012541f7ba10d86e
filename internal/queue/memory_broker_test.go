package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dequeueWithin(t *testing.T, b Broker, queue string, d time.Duration) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	task, err := b.Dequeue(ctx, queue)
	require.NoError(t, err)
	return task
}

func TestMemoryBrokerPriorityOrder(t *testing.T) {
	b := NewMemoryBroker()
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

func TestMemoryBrokerFIFOWithinLevel(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	at := time.Now().Add(-time.Second)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(ctx, Task{ID: id, Queue: "q", Priority: 2, ReadyAt: at}))
	}
	assert.Equal(t, "a", dequeueWithin(t, b, "q", time.Second).ID)
	assert.Equal(t, "b", dequeueWithin(t, b, "q", time.Second).ID)
	assert.Equal(t, "c", dequeueWithin(t, b, "q", time.Second).ID)
}

func TestMemoryBrokerDelayedTask(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Task{ID: "later", Queue: "q", Priority: 0, ReadyAt: time.Now().Add(50 * time.Millisecond)}))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := b.Dequeue(short, "q")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	task := dequeueWithin(t, b, "q", time.Second)
	assert.Equal(t, "later", task.ID)
}

func TestMemoryBrokerWakesWaiter(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var (
		got    *Task
		gotErr error
	)
	go func() {
		defer wg.Done()
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		got, gotErr = b.Dequeue(waitCtx, "q")
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Enqueue(ctx, Task{ID: "x", Queue: "q", ReadyAt: time.Now()}))
	wg.Wait()
	require.NoError(t, gotErr)
	require.NotNil(t, got)
	assert.Equal(t, "x", got.ID)
}

func TestMemoryBrokerHasRemoveReplace(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	past := time.Now().Add(-time.Second)

	require.NoError(t, b.Enqueue(ctx, Task{ID: "a", Queue: "q", Priority: 3, ReadyAt: past}))
	require.NoError(t, b.Enqueue(ctx, Task{ID: "b", Queue: "q", Priority: 2, ReadyAt: time.Now().Add(time.Hour)}))

	ok, err := b.Has(ctx, "q", "b")
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := b.Remove(ctx, "q", "b")
	require.NoError(t, err)
	assert.True(t, removed)

	ok, err = b.Has(ctx, "q", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-enqueueing the same id replaces it rather than duplicating.
	require.NoError(t, b.Enqueue(ctx, Task{ID: "a", Queue: "q", Priority: 0, ReadyAt: past}))
	n, err := b.Len(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryBrokerClose(t *testing.T) {
	b := NewMemoryBroker()

	done := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background(), "q")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
	assert.ErrorIs(t, b.Enqueue(context.Background(), Task{ID: "x", Queue: "q"}), ErrClosed)
}
