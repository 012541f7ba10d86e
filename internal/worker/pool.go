// Package worker runs job handlers for ledger entries dispatched by the broker.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// ErrCancelRequested is the context cause seen by a handler whose job was
// cancelled while running.
var ErrCancelRequested = errors.New(errors.ErrCodeConflict, "job cancellation requested")

// Handler processes one job attempt. A nil error completes the job with the
// returned result.
type Handler interface {
	Handle(ctx context.Context, job *repository.JobEntry) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *repository.JobEntry) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *repository.JobEntry) (json.RawMessage, error) {
	return f(ctx, job)
}

// Notifier publishes job lifecycle events.
type Notifier interface {
	PublishJobEvent(ctx context.Context, event string, job *repository.JobEntry, payload map[string]any)
}

// Config tunes a Pool.
type Config struct {
	Concurrency        int
	JobTimeout         time.Duration
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	CancelPollInterval time.Duration
}

// Pool runs Concurrency workers per registered queue.
type Pool struct {
	store    repository.Store
	broker   queue.Broker
	cfg      Config
	notifier Notifier
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time

	handlers map[string]Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPool creates a Pool. notifier and m may be nil.
func NewPool(
	store repository.Store,
	broker queue.Broker,
	cfg Config,
	notifier Notifier,
	m *metrics.Metrics,
	log *logger.Logger,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pool{
		store:    store,
		broker:   broker,
		cfg:      cfg,
		notifier: notifier,
		metrics:  m,
		log:      log,
		now:      time.Now,
		handlers: map[string]Handler{},
	}
}

// Register binds h to queue. Call before Start.
func (p *Pool) Register(queue string, h Handler) {
	p.handlers[queue] = h
}

// Start launches the workers. They stop when ctx ends or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for name := range p.handlers {
		for i := 0; i < p.cfg.Concurrency; i++ {
			p.group.Go(func() error {
				p.loop(ctx, name)
				return nil
			})
		}
	}
	p.log.Info().
		Int("queues", len(p.handlers)).
		Int("concurrency", p.cfg.Concurrency).
		Msg("Worker pool started")
}

// Stop cancels the workers and waits for in-flight attempts to wind down.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel, group := p.cancel, p.group
	p.mu.Unlock()
	if group == nil {
		return
	}
	cancel()
	_ = group.Wait()
	p.log.Info().Msg("Worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, queueName string) {
	for {
		task, err := p.broker.Dequeue(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.log.Warn().Err(err).Str("queue", queueName).Msg("Dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, task)
	}
}

// process runs one attempt of the task's ledger entry.
func (p *Pool) process(ctx context.Context, task *queue.Task) {
	jobs := p.store.Repos().Jobs
	bg := context.WithoutCancel(ctx)

	job, ok, err := jobs.MarkRunning(ctx, task.ID, p.now())
	if err != nil {
		p.log.Warn().Err(err).Str("job_id", task.ID).Msg("Failed to claim job; requeueing task")
		retry := *task
		retry.ReadyAt = p.now().Add(p.cfg.BaseBackoff)
		if err := p.broker.Enqueue(bg, retry); err != nil {
			p.log.Warn().Err(err).Str("job_id", task.ID).Msg("Failed to requeue task")
		}
		return
	}
	if !ok {
		p.log.Debug().Str("job_id", task.ID).Msg("Job not claimable; dropping task")
		return
	}

	log := p.log.With().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Int("attempt", job.Attempts).
		Logger()

	h, found := p.handlers[job.Queue]
	if !found {
		p.fail(bg, job, errors.Fatal(nil, fmt.Sprintf("no handler registered for queue %q", job.Queue)))
		return
	}

	runCtx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, p.cfg.JobTimeout)
		defer cancel()
	}
	go p.watchCancel(runCtx, job.ID, cancelCause)

	started := p.now()
	result, err := p.safeHandle(runCtx, h, job)
	took := p.now().Sub(started)

	switch {
	case err == nil:
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		if err := jobs.MarkCompleted(bg, job.ID, result, p.now()); err != nil {
			log.Error().Err(err).Msg("Failed to record job completion")
			return
		}
		p.metrics.JobProcessed(job.Queue, repository.JobStatusCompleted, took)
		log.Info().Dur("took", took).Msg("Job completed")

	case errors.Is(context.Cause(runCtx), ErrCancelRequested):
		if _, err := jobs.MarkCancelled(bg, job.ID, "cancelled while running", p.now()); err != nil {
			log.Error().Err(err).Msg("Failed to record job cancellation")
			return
		}
		p.metrics.JobProcessed(job.Queue, repository.JobStatusCancelled, took)
		log.Info().Msg("Job stopped after cancellation request")

	case ctx.Err() != nil:
		if err := jobs.ReleaseRunning(bg, job.ID, p.now()); err != nil {
			log.Warn().Err(err).Msg("Failed to release job on shutdown")
			return
		}
		log.Info().Msg("Job released on shutdown")

	default:
		p.metrics.JobProcessed(job.Queue, "error", took)
		p.fail(bg, job, err)
	}
}

// fail schedules a retry or, when the job is out of attempts or the error is
// permanent, records terminal failure.
func (p *Pool) fail(ctx context.Context, job *repository.JobEntry, cause error) {
	jobs := p.store.Repos().Jobs
	now := p.now()
	msg := cause.Error()

	if !permanent(cause) && job.Attempts <= job.MaxRetries {
		delay := Backoff(p.cfg.BaseBackoff, p.cfg.MaxBackoff, job.Attempts)
		runAt := now.Add(delay)
		if err := jobs.MarkRetry(ctx, job.ID, msg, runAt); err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to schedule job retry")
			return
		}
		task := queue.Task{ID: job.ID, Queue: job.Queue, Priority: queue.PriorityLevel(job.Priority), ReadyAt: runAt}
		if err := p.broker.Enqueue(ctx, task); err != nil {
			p.log.Warn().Err(err).Str("job_id", job.ID).Msg("Retry not enqueued; reconciler will pick it up")
		} else if err := jobs.MarkEnqueued(ctx, job.ID, now); err != nil {
			p.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to stamp enqueue time")
		}
		p.metrics.JobRetried(job.Queue)
		p.log.Warn().Err(cause).
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Int("attempt", job.Attempts).
			Int("max_retries", job.MaxRetries).
			Dur("retry_in", delay).
			Msg("Job attempt failed; retry scheduled")
		return
	}

	ok, err := jobs.MarkFailed(ctx, job.ID, msg, now)
	if err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
		return
	}
	if !ok {
		return
	}

	job.Status = repository.JobStatusFailed
	job.Error = &msg
	job.CompletedAt = &now
	p.metrics.JobProcessed(job.Queue, repository.JobStatusFailed, 0)
	p.log.Error().Err(cause).
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Int("attempts", job.Attempts).
		Msg("Job failed permanently")
	if p.notifier != nil {
		p.notifier.PublishJobEvent(ctx, "failed", job, map[string]any{
			"error":    msg,
			"attempts": job.Attempts,
		})
	}
}

// watchCancel polls the ledger and cancels ctx with ErrCancelRequested once
// an operator asks for the job to stop.
func (p *Pool) watchCancel(ctx context.Context, jobID string, cancel context.CancelCauseFunc) {
	if p.cfg.CancelPollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := p.store.Repos().Jobs.IsCancelRequested(ctx, jobID)
			if err == nil && requested {
				cancel(ErrCancelRequested)
				return
			}
		}
	}
}

// CancelRequested reports whether the running job was asked to stop.
func CancelRequested(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrCancelRequested)
}

func permanent(err error) bool {
	return errors.IsInvalidInput(err) || errors.IsFatal(err) || errors.IsForbidden(err)
}

func (p *Pool) safeHandle(ctx context.Context, h Handler, job *repository.JobEntry) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("job_id", job.ID).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("Job handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}
