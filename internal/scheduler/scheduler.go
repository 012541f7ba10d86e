// Package scheduler runs the periodic maintenance jobs: ledger
// reconciliation, retention cleanup and recurring activity reports.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/tasks"
	"github.com/pesio-ai/be-plt-approvals/internal/worker"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// Config holds the cron specs. Empty specs disable the job.
type Config struct {
	ReconcileSchedule   string
	CleanupSchedule     string
	ReportSchedule      string
	ReportOrganizations []string
	RunTimeout          time.Duration
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *worker.Reconciler
	jobs       *service.JobService
	cfg        Config
	log        *logger.Logger
}

// New registers every configured job. It does not start the runner.
func New(cfg Config, reconciler *worker.Reconciler, jobs *service.JobService, log *logger.Logger) (*Scheduler, error) {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	cl := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		reconciler: reconciler,
		jobs:       jobs,
		cfg:        cfg,
		log:        log,
	}

	for _, job := range []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"reconcile", cfg.ReconcileSchedule, s.reconcile},
		{"cleanup", cfg.CleanupSchedule, s.cleanup},
		{"reports", cfg.ReportSchedule, s.EnqueueReports},
	} {
		if job.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, s.wrap(job.name, job.run)); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", job.name, job.schedule, err)
		}
		log.Info().Str("job", job.name).Str("schedule", job.schedule).Msg("Scheduled job registered")
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()
		if err := run(ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("Scheduled job failed")
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context) error {
	_, err := s.reconciler.Reconcile(ctx)
	return err
}

func (s *Scheduler) cleanup(ctx context.Context) error {
	n, err := s.reconciler.Cleanup(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info().Int64("purged", n).Msg("Finished jobs purged")
	}
	return nil
}

// EnqueueReports adds one activity report job per configured organization.
func (s *Scheduler) EnqueueReports(ctx context.Context) error {
	var firstErr error
	for _, org := range s.cfg.ReportOrganizations {
		payload, err := json.Marshal(tasks.ReportJobPayload{OrganizationID: org})
		if err != nil {
			return err
		}
		res, err := s.jobs.AddJob(ctx, tasks.QueueReports, payload, service.JobOptions{
			Priority:       repository.PriorityLow,
			OrganizationID: org,
		})
		if err != nil && res == nil {
			s.log.Warn().Err(err).Str("organization_id", org).Msg("Failed to add report job")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
