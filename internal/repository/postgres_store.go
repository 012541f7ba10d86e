package repository

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates every table the service owns. Statements are idempotent.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	db    *database.DB
	repos *Repositories
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, repos: newRepositories(db)}
}

func newRepositories(q database.Querier) *Repositories {
	return &Repositories{
		Rules:            NewApprovalRulesRepository(q),
		Workflows:        NewApprovalWorkflowRepository(q),
		Requests:         NewApprovalRequestRepository(q),
		Steps:            NewApprovalStepsRepository(q),
		Audit:            NewApprovalAuditRepository(q),
		Members:          NewOrganizationMembersRepository(q),
		Jobs:             NewJobLedgerRepository(q),
		Idempotency:      NewIdempotencyKeysRepository(q),
		IntegrationAudit: NewIntegrationAuditLogRepository(q),
	}
}

func (s *PostgresStore) Repos() *Repositories { return s.repos }

// InTransaction runs fn with repositories bound to one transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(ctx context.Context, repos *Repositories) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(ctx, newRepositories(tx))
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PostgresStore) Close() { s.db.Close() }

// ── shared helpers ───────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

var _ Store = (*PostgresStore)(nil)
