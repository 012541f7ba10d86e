// Package queue dispatches ledger entries to workers. A broker only carries
// ids and ordering; the job ledger stays the record of what ran.
package queue

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// ErrClosed is returned by brokers after Close.
var ErrClosed = errors.New(errors.ErrCodeRetryable, "broker is closed")

// Task is the broker's view of a ledger entry. ID is the ledger id.
type Task struct {
	ID       string
	Queue    string
	Priority int // lower dispatches first, see PriorityLevel
	ReadyAt  time.Time
}

// Broker is a priority queue per queue name.
type Broker interface {
	// Enqueue adds t, replacing any task with the same id.
	Enqueue(ctx context.Context, t Task) error
	// Dequeue blocks until a task of queue is ready, ctx ends or the broker closes.
	Dequeue(ctx context.Context, queue string) (*Task, error)
	Has(ctx context.Context, queue, id string) (bool, error)
	Remove(ctx context.Context, queue, id string) (bool, error)
	Len(ctx context.Context, queue string) (int, error)
	Close() error
}

// PriorityLevel maps a ledger priority to a broker level.
func PriorityLevel(priority string) int {
	switch priority {
	case repository.PriorityCritical:
		return 0
	case repository.PriorityHigh:
		return 1
	case repository.PriorityLow:
		return 3
	default:
		return 2
	}
}

// TaskFor builds the task dispatching job.
func TaskFor(job *repository.JobEntry) Task {
	t := Task{ID: job.ID, Queue: job.Queue, Priority: PriorityLevel(job.Priority), ReadyAt: job.CreatedAt}
	if job.ScheduledFor != nil {
		t.ReadyAt = *job.ScheduledFor
	}
	return t
}
