package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Notification event names. Publishers prefix them with a subject namespace.
const (
	EventStepAssigned      = "step_assigned"
	EventStepDelegated     = "step_delegated"
	EventRequestApproved   = "request_approved"
	EventRequestRejected   = "request_rejected"
	EventRequestCancelled  = "request_cancelled"
	EventJobFailed         = "failed"
	EventJobCompleted      = "completed"
	EventJobRetryRequested = "retry_requested"
)

// Notifier publishes domain events. Implementations must not block on or
// report delivery failures.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, event string, req *repository.ApprovalRequest, actorID string, recipients []string, payload map[string]any)
	PublishJobEvent(ctx context.Context, event string, job *repository.JobEntry, payload map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) PublishApprovalEvent(context.Context, string, *repository.ApprovalRequest, string, []string, map[string]any) {
}

func (nopNotifier) PublishJobEvent(context.Context, string, *repository.JobEntry, map[string]any) {}

// CompletionEvent describes the single terminal transition of a request.
type CompletionEvent struct {
	Request    *repository.ApprovalRequest
	Status     string
	ActorID    string
	OccurredAt time.Time
}

// CompletionHandler reacts to a request reaching a terminal state. Handlers
// run after the transition has committed; their errors are logged only.
type CompletionHandler interface {
	OnApprovalCompleted(ctx context.Context, ev CompletionEvent) error
}

// CompletionHandlerFunc adapts a function to CompletionHandler.
type CompletionHandlerFunc func(ctx context.Context, ev CompletionEvent) error

func (f CompletionHandlerFunc) OnApprovalCompleted(ctx context.Context, ev CompletionEvent) error {
	return f(ctx, ev)
}
