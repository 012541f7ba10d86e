package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/orchestrator"
	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/scheduler"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/tasks"
	"github.com/pesio-ai/be-plt-approvals/internal/worker"
	"github.com/pesio-ai/be-plt-approvals/pkg/config"
	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
	"github.com/pesio-ai/be-plt-approvals/pkg/nats"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Driver).
		Str("broker", cfg.Broker.Driver).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	broker, err := openBroker(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to job broker")
	}
	defer broker.Close()

	// Notifications
	var publisher client.Publisher
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(nats.Config{URL: cfg.NATS.URL, ClientName: cfg.Service.Name})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		publisher = nc
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}
	notifier := client.NewNotificationPublisher(publisher, log.Component("notifications"))

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Services
	directory := client.NewCachedMembership(service.NewRepositoryDirectory(store.Repos().Members), cfg.Worker.MembershipCacheTTL)
	engine := service.NewRulesEngine(store, directory, log.Component("rules"))
	approvals := service.NewApprovalService(store, engine, directory, notifier, m, cfg.Delegation.MaxHops, log.Component("approvals"))
	admin := service.NewWorkflowAdminService(store, log.Component("admin"))
	jobs := service.NewJobService(store, broker, notifier, m, cfg.Worker.DefaultMaxRetries, log.Component("jobs"))

	// Integrations
	orch := orchestrator.New(store, orchestrator.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		Cooldown:         cfg.Breaker.Cooldown,
		Lease:            cfg.Reconciler.IdempotencyTTL,
	}, m, log.Component("orchestrator"))

	odoo := client.NewOdooClient(client.OdooConfig{
		URL:       cfg.Odoo.URL,
		Database:  cfg.Odoo.Database,
		UserID:    cfg.Odoo.UserID,
		APIKey:    cfg.Odoo.APIKey,
		Timeout:   cfg.Odoo.Timeout,
		RateLimit: cfg.Odoo.RateLimit,
		Burst:     cfg.Odoo.Burst,
	}, log.Component("odoo"))

	// Workers
	pool := worker.NewPool(store, broker, worker.Config{
		Concurrency:        cfg.Worker.Concurrency,
		JobTimeout:         cfg.Worker.JobTimeout,
		BaseBackoff:        cfg.Worker.BaseBackoff,
		MaxBackoff:         cfg.Worker.MaxBackoff,
		CancelPollInterval: cfg.Worker.CancelPollInterval,
	}, notifier, m, log.Component("worker"))
	pool.Register(cfg.Worker.SyncQueue, tasks.NewERPSync(orch, odoo, tasks.DefaultModels, log.Component("erp-sync")))

	if odoo.Configured() {
		approvals.OnCompletion(service.NewSyncTrigger(jobs, cfg.Worker.SyncQueue, cfg.Worker.SyncOnApprovalTypes, log.Component("sync-trigger")))
	} else {
		log.Warn().Msg("ODOO_URL not set, approved entities will not be synced")
	}

	if cfg.Reports.Bucket != "" {
		reports, err := client.NewS3ReportStore(ctx, client.ReportStoreConfig{
			Bucket:   cfg.Reports.Bucket,
			Region:   cfg.Reports.Region,
			Endpoint: cfg.Reports.Endpoint,
			Prefix:   cfg.Reports.Prefix,
		}, log.Component("reports"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure report storage")
		}
		pool.Register(tasks.QueueReports, tasks.NewActivityReport(store, reports, log.Component("reports")))
	}

	pool.Start(ctx)
	defer pool.Stop()

	reconciler := worker.NewReconciler(store, broker, worker.ReconcilerConfig{
		GracePeriod:  cfg.Reconciler.GracePeriod,
		StaleRunning: cfg.Reconciler.StaleRunning,
		Retention:    cfg.Reconciler.Retention,
		BatchSize:    cfg.Reconciler.BatchSize,
	}, m, log.Component("reconciler"))

	reportSchedule := cfg.Reports.Schedule
	if cfg.Reports.Bucket == "" {
		reportSchedule = ""
	}
	sched, err := scheduler.New(scheduler.Config{
		ReconcileSchedule:   cfg.Reconciler.Schedule,
		CleanupSchedule:     cfg.Reconciler.CleanupCron,
		ReportSchedule:      reportSchedule,
		ReportOrganizations: cfg.Reports.Organizations,
	}, reconciler, jobs, log.Component("scheduler"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure scheduler")
	}
	sched.Start()
	defer sched.Stop()

	// Startup reconciliation picks up jobs lost by a previous instance.
	if report, err := reconciler.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("Startup reconciliation failed")
	} else {
		log.Info().Int("requeued", report.Requeued).Int("recovered", report.Recovered).Msg("Startup reconciliation finished")
	}

	auth := handler.NewAuthenticator(handler.AuthConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Disabled: cfg.Auth.Disabled,
	})
	if cfg.Auth.Disabled {
		log.Warn().Msg("Authentication disabled, identity headers are trusted")
	}

	// Start HTTP server
	httpHandler := handler.NewHTTPHandler(handler.Deps{
		Approvals:      approvals,
		Admin:          admin,
		Jobs:           jobs,
		Orchestrator:   orch,
		Reconciler:     reconciler,
		Health:         store,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Auth:           auth,
		MembersChanged: directory.Flush,
	}, log.Component("http"))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcHandler := handler.NewGRPCHandler(approvals, jobs, auth, log.Component("grpc"))
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcHandler.AuthInterceptor()))
	grpcHandler.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(client.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	// Workers and scheduler stop via defers, after in-flight requests drain.
	cancel()
	log.Info().Msg("Server stopped")
}

type closableStore interface {
	repository.Store
	Close()
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (closableStore, func()) {
	if cfg.Store.Driver == "memory" {
		log.Warn().Msg("Using in-memory store, data is lost on restart")
		s := memory.New()
		return s, s.Close
	}

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Msg("Database connection established")

	if err := repository.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}
	s := repository.NewPostgresStore(db)
	return s, s.Close
}

func openBroker(ctx context.Context, cfg *config.Config) (queue.Broker, error) {
	if cfg.Broker.Driver == "redis" {
		b, err := queue.NewRedisBroker(ctx, queue.RedisConfig{
			Addr:         cfg.Broker.RedisAddr,
			Password:     cfg.Broker.RedisPassword,
			DB:           cfg.Broker.RedisDB,
			KeyPrefix:    cfg.Broker.KeyPrefix,
			PollInterval: cfg.Worker.PollTimeout,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return queue.NewMemoryBroker(), nil
}
