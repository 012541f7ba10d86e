package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/worker"
	"github.com/pesio-ai/be-plt-approvals/pkg/config"
	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// runtime is the direct store and broker access used by local commands.
type runtime struct {
	cfg    *config.Config
	db     *database.DB // nil unless the postgres driver is configured
	store  repository.Store
	broker queue.Broker
	log    *logger.Logger
	close  func()
}

type opener func(ctx context.Context) (*runtime, error)

func (r *runtime) jobs() *service.JobService {
	return service.NewJobService(r.store, r.broker, nil, nil, r.cfg.Worker.DefaultMaxRetries, r.log)
}

func (r *runtime) admin() *service.WorkflowAdminService {
	return service.NewWorkflowAdminService(r.store, r.log)
}

func (r *runtime) reconciler() *worker.Reconciler {
	return worker.NewReconciler(r.store, r.broker, worker.ReconcilerConfig{
		GracePeriod:  r.cfg.Reconciler.GracePeriod,
		StaleRunning: r.cfg.Reconciler.StaleRunning,
		Retention:    r.cfg.Reconciler.Retention,
		BatchSize:    r.cfg.Reconciler.BatchSize,
	}, nil, r.log)
}

// openRuntime connects to the configured store and broker.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: "development",
		ServiceName: "approvalsctl",
		Version:     cfg.Service.Version,
		Output:      os.Stderr,
	})

	rt := &runtime{cfg: cfg, log: log}
	var closers []func()
	rt.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Store.Driver == "memory" {
		rt.store = memory.New()
	} else {
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    4,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		closers = append(closers, db.Close)
		rt.db = db
		rt.store = repository.NewPostgresStore(db)
	}

	if cfg.Broker.Driver == "redis" {
		b, err := queue.NewRedisBroker(ctx, queue.RedisConfig{
			Addr:      cfg.Broker.RedisAddr,
			Password:  cfg.Broker.RedisPassword,
			DB:        cfg.Broker.RedisDB,
			KeyPrefix: cfg.Broker.KeyPrefix,
		})
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rt.broker = b
	} else {
		rt.broker = queue.NewMemoryBroker()
	}
	closers = append(closers, func() { _ = rt.broker.Close() })
	return rt, nil
}

func (o *RootOptions) connect(ctx context.Context) (*runtime, error) {
	return o.open(ctx)
}
