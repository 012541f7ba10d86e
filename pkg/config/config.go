// Package config loads service configuration from the environment, after
// applying an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config is the complete service configuration.
type Config struct {
	Service    ServiceConfig
	Server     ServerConfig
	GRPC       GRPCConfig
	Database   DatabaseConfig
	Store      StoreConfig
	Broker     BrokerConfig
	Worker     WorkerConfig
	Reconciler ReconcilerConfig
	Breaker    BreakerConfig
	NATS       NATSConfig
	Auth       AuthConfig
	Odoo       OdooConfig
	Reports    ReportsConfig
	Delegation DelegationConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type GRPCConfig struct {
	Port int
	// Target is the address approvalsctl dials.
	Target string
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

type StoreConfig struct {
	Driver string // postgres | memory
}

type BrokerConfig struct {
	Driver        string // memory | redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

type WorkerConfig struct {
	Concurrency         int
	PollTimeout         time.Duration
	JobTimeout          time.Duration
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	DefaultMaxRetries   int
	CancelPollInterval  time.Duration
	MembershipCacheTTL  time.Duration
	SyncQueue           string
	SyncOnApprovalTypes []string
}

type ReconcilerConfig struct {
	Schedule       string
	GracePeriod    time.Duration
	StaleRunning   time.Duration
	CleanupCron    string
	Retention      time.Duration
	BatchSize      int
	IdempotencyTTL time.Duration
}

type BreakerConfig struct {
	FailureThreshold uint32
	Window           time.Duration
	Cooldown         time.Duration
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Disabled  bool
}

type OdooConfig struct {
	URL       string
	Database  string
	UserID    int
	APIKey    string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

type ReportsConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
	Schedule string

	// Organizations get one activity report per scheduled run.
	Organizations []string
}

type DelegationConfig struct {
	MaxHops int
}

// Load reads .env (when present) and the environment, then validates.
func Load() (*Config, error) {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-plt-approvals"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("HTTP_PORT", 8090),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		GRPC: GRPCConfig{
			Port:   getEnvInt("GRPC_PORT", 9090),
			Target: getEnv("GRPC_TARGET", "localhost:9090"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", "postgres"),
			Database:    getEnv("DB_NAME", "approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 20)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK", time.Minute),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "postgres"),
		},
		Broker: BrokerConfig{
			Driver:        getEnv("BROKER_DRIVER", "memory"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			KeyPrefix:     getEnv("BROKER_KEY_PREFIX", "approvals:jobs"),
		},
		Worker: WorkerConfig{
			Concurrency:         getEnvInt("WORKER_CONCURRENCY", 4),
			PollTimeout:         getEnvDuration("WORKER_POLL_TIMEOUT", 2*time.Second),
			JobTimeout:          getEnvDuration("WORKER_JOB_TIMEOUT", 5*time.Minute),
			BaseBackoff:         getEnvDuration("WORKER_BASE_BACKOFF", 2*time.Second),
			MaxBackoff:          getEnvDuration("WORKER_MAX_BACKOFF", 10*time.Minute),
			DefaultMaxRetries:   getEnvInt("WORKER_DEFAULT_MAX_RETRIES", 3),
			CancelPollInterval:  getEnvDuration("WORKER_CANCEL_POLL_INTERVAL", 2*time.Second),
			MembershipCacheTTL:  getEnvDuration("MEMBERSHIP_CACHE_TTL", 30*time.Second),
			SyncQueue:           getEnv("SYNC_QUEUE", "erp-sync"),
			SyncOnApprovalTypes: getEnvList("SYNC_ON_APPROVAL_ENTITY_TYPES", nil),
		},
		Reconciler: ReconcilerConfig{
			Schedule:       getEnv("RECONCILE_SCHEDULE", "@every 1m"),
			GracePeriod:    getEnvDuration("RECONCILE_GRACE_PERIOD", 2*time.Minute),
			StaleRunning:   getEnvDuration("RECONCILE_STALE_RUNNING", 30*time.Minute),
			CleanupCron:    getEnv("CLEANUP_SCHEDULE", "0 3 * * *"),
			Retention:      getEnvDuration("JOB_RETENTION", 30*24*time.Hour),
			BatchSize:      getEnvInt("RECONCILE_BATCH_SIZE", 200),
			IdempotencyTTL: getEnvDuration("IDEMPOTENCY_LEASE", 5*time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: uint32(getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)),
			Window:           getEnvDuration("BREAKER_WINDOW", time.Minute),
			Cooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Enabled: getEnvBool("NATS_ENABLED", false),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
			Disabled:  getEnvBool("AUTH_DISABLED", false),
		},
		Odoo: OdooConfig{
			URL:       getEnv("ODOO_URL", ""),
			Database:  getEnv("ODOO_DB", ""),
			UserID:    getEnvInt("ODOO_UID", 0),
			APIKey:    getEnv("ODOO_API_KEY", ""),
			Timeout:   getEnvDuration("ODOO_TIMEOUT", 30*time.Second),
			RateLimit: getEnvFloat("ODOO_RATE_LIMIT", 5),
			Burst:     getEnvInt("ODOO_RATE_BURST", 5),
		},
		Reports: ReportsConfig{
			Bucket:   getEnv("REPORTS_BUCKET", ""),
			Region:   getEnv("REPORTS_REGION", "eu-central-1"),
			Endpoint: getEnv("REPORTS_ENDPOINT", ""),
			Prefix:   getEnv("REPORTS_PREFIX", "reports"),
			Schedule: getEnv("REPORTS_SCHEDULE", ""),

			Organizations: getEnvList("REPORTS_ORGANIZATIONS", nil),
		},
		Delegation: DelegationConfig{
			MaxHops: getEnvInt("DELEGATION_MAX_HOPS", 3),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER: unsupported driver %q", c.Store.Driver)
	}
	switch c.Broker.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("BROKER_DRIVER: unsupported driver %q", c.Broker.Driver)
	}
	if c.Broker.Driver == "memory" && c.Store.Driver == "postgres" && c.Service.Environment == "production" {
		return fmt.Errorf("BROKER_DRIVER: memory broker is not allowed in production")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT: invalid port %d", c.Server.Port)
	}
	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("GRPC_PORT: invalid port %d", c.GRPC.Port)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY: must be at least 1")
	}
	if c.Worker.DefaultMaxRetries < 0 {
		return fmt.Errorf("WORKER_DEFAULT_MAX_RETRIES: must not be negative")
	}
	if c.Worker.BaseBackoff <= 0 || c.Worker.MaxBackoff < c.Worker.BaseBackoff {
		return fmt.Errorf("WORKER_MAX_BACKOFF: must be at least WORKER_BASE_BACKOFF")
	}
	if c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD: must be at least 1")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN: must be positive")
	}
	if c.Delegation.MaxHops < 1 {
		return fmt.Errorf("DELEGATION_MAX_HOPS: must be at least 1")
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET: required unless AUTH_DISABLED=true")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, expr := range map[string]string{
		"RECONCILE_SCHEDULE": c.Reconciler.Schedule,
		"CLEANUP_SCHEDULE":   c.Reconciler.CleanupCron,
		"REPORTS_SCHEDULE":   c.Reports.Schedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
