package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryBroker keeps tasks in process memory. Ready tasks dispatch by
// priority level, then ready time, then enqueue order. Tasks whose ReadyAt
// lies in the future wait in a delay heap.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	seq    uint64
	closed bool
	done   chan struct{}
	now    func() time.Time
}

type memQueue struct {
	ready   readyHeap
	delayed delayHeap
	items   map[string]*memItem
	signal  chan struct{} // buffered, size 1
}

type memItem struct {
	task    Task
	seq     uint64
	index   int
	delayed bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: map[string]*memQueue{},
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{items: map[string]*memItem{}, signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Enqueue(_ context.Context, t Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	q := b.queue(t.Queue)
	q.remove(t.ID)

	b.seq++
	it := &memItem{task: t, seq: b.seq}
	q.items[t.ID] = it
	if t.ReadyAt.After(b.now()) {
		it.delayed = true
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}
	q.notify()
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context, name string) (*Task, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.queue(name)
		now := b.now()
		q.promote(now)

		if q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*memItem)
			delete(q.items, it.task.ID)
			if q.ready.Len() > 0 {
				q.notify()
			}
			b.mu.Unlock()
			t := it.task
			return &t, nil
		}

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if q.delayed.Len() > 0 {
			timer = time.NewTimer(q.delayed[0].task.ReadyAt.Sub(now))
			fire = timer.C
		}
		signal := q.signal
		b.mu.Unlock()

		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-b.done:
			err = ErrClosed
		case <-signal:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

func (b *MemoryBroker) Has(_ context.Context, queue, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return false, nil
	}
	_, ok = q.items[id]
	return ok, nil
}

func (b *MemoryBroker) Remove(_ context.Context, queue, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return false, nil
	}
	return q.remove(id), nil
}

func (b *MemoryBroker) Len(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0, nil
	}
	return len(q.items), nil
}

// Close wakes every waiting Dequeue. Queued tasks are dropped; the ledger
// reconciler re-enqueues them on the next start.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func (q *memQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// promote moves due tasks from the delay heap to the ready heap.
func (q *memQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].task.ReadyAt.After(now) {
		it := heap.Pop(&q.delayed).(*memItem)
		it.delayed = false
		heap.Push(&q.ready, it)
	}
}

func (q *memQueue) remove(id string) bool {
	it, ok := q.items[id]
	if !ok {
		return false
	}
	if it.delayed {
		heap.Remove(&q.delayed, it.index)
	} else {
		heap.Remove(&q.ready, it.index)
	}
	delete(q.items, id)
	return true
}

// ── heaps ────────────────────────────────────────────────────────────────────

type readyHeap []*memItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.task.ReadyAt.Equal(b.task.ReadyAt) {
		return a.task.ReadyAt.Before(b.task.ReadyAt)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*memItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type delayHeap []*memItem

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if !h[i].task.ReadyAt.Equal(h[j].task.ReadyAt) {
		return h[i].task.ReadyAt.Before(h[j].task.ReadyAt)
	}
	return h[i].seq < h[j].seq
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	it := x.(*memItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
