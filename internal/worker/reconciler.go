package worker

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// ReconcilerConfig tunes a Reconciler.
type ReconcilerConfig struct {
	GracePeriod  time.Duration // pending entries younger than this are left alone
	StaleRunning time.Duration // running entries older than this lost their worker
	Retention    time.Duration // completed and cancelled entries older than this are purged
	BatchSize    int
}

// Reconciler repairs drift between the ledger and the broker.
type Reconciler struct {
	store   repository.Store
	broker  queue.Broker
	cfg     ReconcilerConfig
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// ReconcileReport counts the repairs of one sweep.
type ReconcileReport struct {
	Requeued  int `json:"requeued"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// NewReconciler creates a Reconciler. m may be nil.
func NewReconciler(store repository.Store, broker queue.Broker, cfg ReconcilerConfig, m *metrics.Metrics, log *logger.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{store: store, broker: broker, cfg: cfg, metrics: m, log: log, now: time.Now}
}

// Reconcile recovers running entries whose worker vanished and re-enqueues
// due pending entries that the broker no longer holds.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	jobs := r.store.Repos().Jobs
	now := r.now()
	report := &ReconcileReport{}

	if r.cfg.StaleRunning > 0 {
		stale, err := jobs.ListStaleRunning(ctx, now.Add(-r.cfg.StaleRunning), r.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		for _, job := range stale {
			if job.Attempts > job.MaxRetries {
				ok, err := jobs.MarkFailed(ctx, job.ID, "worker lost; retries exhausted", now)
				if err != nil {
					return report, err
				}
				if ok {
					report.Failed++
					r.log.Error().Str("job_id", job.ID).Str("queue", job.Queue).Msg("Stale job failed permanently")
				}
				continue
			}
			// The lost attempt counts; the entry becomes pending and due now.
			if err := jobs.MarkRetry(ctx, job.ID, "worker lost; attempt abandoned", now); err != nil {
				r.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to recover stale job")
				continue
			}
			report.Recovered++
		}
	}

	pending, err := jobs.ListStalePending(ctx, now.Add(-r.cfg.GracePeriod), now, r.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	for _, job := range pending {
		has, err := r.broker.Has(ctx, job.Queue, job.ID)
		if err != nil {
			return report, err
		}
		if has {
			continue
		}
		task := queue.TaskFor(job)
		if task.ReadyAt.After(now) {
			task.ReadyAt = now
		}
		if err := r.broker.Enqueue(ctx, task); err != nil {
			return report, err
		}
		if err := jobs.MarkEnqueued(ctx, job.ID, now); err != nil {
			r.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to stamp enqueue time")
		}
		report.Requeued++
	}

	r.metrics.JobReconciled("requeued", report.Requeued)
	r.metrics.JobReconciled("recovered", report.Recovered)
	r.metrics.JobReconciled("failed", report.Failed)
	if report.Requeued+report.Recovered+report.Failed > 0 {
		r.log.Info().
			Int("requeued", report.Requeued).
			Int("recovered", report.Recovered).
			Int("failed", report.Failed).
			Msg("Job ledger reconciled")
	}
	return report, nil
}

// Cleanup purges finished entries older than the retention window.
func (r *Reconciler) Cleanup(ctx context.Context) (int64, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := r.store.Repos().Jobs.PurgeFinished(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info().Int64("purged", n).Msg("Finished jobs purged")
	}
	return n, nil
}
