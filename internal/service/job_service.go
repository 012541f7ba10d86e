package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

const maxJobRetries = 25

// JobOptions tune a single AddJob call.
type JobOptions struct {
	Priority       string
	OrganizationID string
	MaxRetries     *int // nil uses the service default
	RunAt          *time.Time
	TriggerRef     string
}

// AddJobResult identifies an accepted job. The broker id is the ledger id.
type AddJobResult struct {
	BrokerJobID string
	LedgerJobID string
	Enqueued    bool
}

// JobService writes jobs to the ledger and hands them to the broker.
type JobService struct {
	store             repository.Store
	broker            queue.Broker
	notifier          Notifier
	metrics           *metrics.Metrics
	defaultMaxRetries int
	now               func() time.Time
	log               *logger.Logger
}

// NewJobService creates a new JobService. notifier and m may be nil.
func NewJobService(
	store repository.Store,
	broker queue.Broker,
	notifier Notifier,
	m *metrics.Metrics,
	defaultMaxRetries int,
	log *logger.Logger,
) *JobService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &JobService{
		store:             store,
		broker:            broker,
		notifier:          notifier,
		metrics:           m,
		defaultMaxRetries: defaultMaxRetries,
		now:               time.Now,
		log:               log,
	}
}

// AddJob records the job in the ledger and then enqueues it. When the broker
// rejects the task the ledger entry stays pending, the result is returned
// together with a retryable error and the reconciler enqueues it later.
func (s *JobService) AddJob(ctx context.Context, queueName string, payload json.RawMessage, opts JobOptions) (*AddJobResult, error) {
	job, err := s.newEntry(queueName, payload, opts)
	if err != nil {
		return nil, err
	}
	if err := s.store.Repos().Jobs.Create(ctx, job); err != nil {
		return nil, s.fail("add_job", err, "")
	}
	return s.enqueue(ctx, job)
}

func (s *JobService) newEntry(queueName string, payload json.RawMessage, opts JobOptions) (*repository.JobEntry, error) {
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return nil, errors.InvalidInput("queue", "queue name is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, errors.InvalidInput("payload", "payload must be valid JSON")
	}

	priority := opts.Priority
	switch priority {
	case "":
		priority = repository.PriorityNormal
	case repository.PriorityLow, repository.PriorityNormal, repository.PriorityHigh, repository.PriorityCritical:
	default:
		return nil, errors.InvalidInput("priority", fmt.Sprintf("unknown priority %q", priority))
	}

	maxRetries := s.defaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	if maxRetries < 0 || maxRetries > maxJobRetries {
		return nil, errors.InvalidInput("max_retries", fmt.Sprintf("max retries must be between 0 and %d", maxJobRetries))
	}

	job := &repository.JobEntry{
		Queue:      queueName,
		Type:       repository.JobTypeImmediate,
		Priority:   priority,
		Status:     repository.JobStatusPending,
		Payload:    payload,
		MaxRetries: maxRetries,
		TriggerRef: nullable(opts.TriggerRef),
	}
	if opts.OrganizationID != "" {
		job.OrganizationID = &opts.OrganizationID
	}
	if opts.RunAt != nil && opts.RunAt.After(s.now()) {
		at := *opts.RunAt
		job.Type = repository.JobTypeScheduled
		job.ScheduledFor = &at
	}
	return job, nil
}

func (s *JobService) enqueue(ctx context.Context, job *repository.JobEntry) (*AddJobResult, error) {
	res := &AddJobResult{BrokerJobID: job.ID, LedgerJobID: job.ID}

	if err := s.broker.Enqueue(ctx, queue.TaskFor(job)); err != nil {
		s.log.Warn().Err(err).
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Msg("Job recorded but not enqueued; reconciler will retry")
		return res, errors.Retryable(err, "job recorded but not yet enqueued")
	}
	if err := s.store.Repos().Jobs.MarkEnqueued(ctx, job.ID, s.now()); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to stamp enqueue time")
	}
	res.Enqueued = true

	s.metrics.JobEnqueued(job.Queue, job.Priority)
	s.log.Debug().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("priority", job.Priority).
		Msg("Job enqueued")
	return res, nil
}

// GetJob returns a ledger entry.
func (s *JobService) GetJob(ctx context.Context, id string) (*repository.JobEntry, error) {
	return s.store.Repos().Jobs.GetByID(ctx, id)
}

// ListJobs queries the ledger.
func (s *JobService) ListJobs(ctx context.Context, filter repository.JobFilter) ([]*repository.JobEntry, error) {
	return s.store.Repos().Jobs.List(ctx, filter)
}

// CancelJob cancels a pending job or asks a running one to stop.
func (s *JobService) CancelJob(ctx context.Context, id string) (*repository.JobEntry, error) {
	job, err := s.store.Repos().Jobs.Cancel(ctx, id, s.now())
	if err != nil {
		if errors.IsConflict(err) {
			return nil, errors.InvalidInput("job_id", err.Error())
		}
		return nil, s.fail("cancel_job", err, id)
	}

	if job.Status == repository.JobStatusCancelled {
		if _, err := s.broker.Remove(ctx, job.Queue, job.ID); err != nil {
			s.log.Warn().Err(err).Str("job_id", id).Msg("Failed to remove cancelled job from broker")
		}
	}
	s.log.Info().
		Str("job_id", id).
		Str("status", job.Status).
		Bool("cancel_requested", job.CancelRequested).
		Msg("Job cancellation requested")
	return job, nil
}

// RetryFailed creates a fresh ledger entry for a failed job. The failed entry
// stays untouched.
func (s *JobService) RetryFailed(ctx context.Context, id string) (*AddJobResult, error) {
	prev, err := s.store.Repos().Jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != repository.JobStatusFailed {
		return nil, errors.InvalidInput("job_id", fmt.Sprintf("only failed jobs can be retried (status: %s)", prev.Status))
	}

	job := &repository.JobEntry{
		Queue:          prev.Queue,
		OrganizationID: prev.OrganizationID,
		Type:           repository.JobTypeImmediate,
		Priority:       prev.Priority,
		Status:         repository.JobStatusPending,
		Payload:        prev.Payload,
		MaxRetries:     prev.MaxRetries,
		TriggerRef:     prev.TriggerRef,
		RetryOf:        &prev.ID,
	}
	if err := s.store.Repos().Jobs.Create(ctx, job); err != nil {
		return nil, s.fail("retry_job", err, id)
	}

	s.log.Info().Str("job_id", job.ID).Str("retry_of", prev.ID).Msg("Failed job resubmitted")
	s.notifier.PublishJobEvent(ctx, EventJobRetryRequested, job, map[string]any{"retry_of": prev.ID})
	return s.enqueue(ctx, job)
}

func (s *JobService) fail(op string, err error, jobID string) error {
	if errors.Known(err) {
		return err
	}
	s.log.Error().Err(err).Str("operation", op).Str("job_id", jobID).Msg("Job operation failed")
	return errors.OperationFailed(op, err)
}
