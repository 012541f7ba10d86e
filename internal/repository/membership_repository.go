package repository

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/pkg/database"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// OrganizationMembersRepository reads organization membership for authorization and
// approver resolution.
type OrganizationMembersRepository struct {
	db database.Querier
}

// NewOrganizationMembersRepository creates a new OrganizationMembersRepository.
func NewOrganizationMembersRepository(db database.Querier) *OrganizationMembersRepository {
	return &OrganizationMembersRepository{db: db}
}

// Get returns an active membership. NotFound when the user does not belong to the organization.
func (r *OrganizationMembersRepository) Get(ctx context.Context, orgID, userID string) (*Membership, error) {
	query := `
		SELECT organization_id, user_id, role, teams, is_active, created_at
		FROM organization_members
		WHERE organization_id = $1 AND user_id = $2 AND is_active = TRUE
	`

	m := &Membership{}
	err := r.db.QueryRow(ctx, query, orgID, userID).Scan(
		&m.OrganizationID,
		&m.UserID,
		&m.Role,
		&m.Teams,
		&m.IsActive,
		&m.CreatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("organization_member", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get membership")
	}
	return m, nil
}

// ListByRole returns the active members holding role.
func (r *OrganizationMembersRepository) ListByRole(ctx context.Context, orgID, role string) ([]string, error) {
	return r.listUsers(ctx, `
		SELECT user_id FROM organization_members
		WHERE organization_id = $1 AND role = $2 AND is_active = TRUE
		ORDER BY user_id
	`, orgID, role)
}

// ListByTeam returns the active members of team.
func (r *OrganizationMembersRepository) ListByTeam(ctx context.Context, orgID, team string) ([]string, error) {
	return r.listUsers(ctx, `
		SELECT user_id FROM organization_members
		WHERE organization_id = $1 AND $2 = ANY(teams) AND is_active = TRUE
		ORDER BY user_id
	`, orgID, team)
}

// Upsert creates or replaces a membership.
func (r *OrganizationMembersRepository) Upsert(ctx context.Context, m *Membership) error {
	teams := m.Teams
	if teams == nil {
		teams = []string{}
	}

	query := `
		INSERT INTO organization_members (organization_id, user_id, role, teams, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id, user_id) DO UPDATE
		SET role = EXCLUDED.role, teams = EXCLUDED.teams, is_active = EXCLUDED.is_active
		RETURNING created_at
	`

	if err := r.db.QueryRow(ctx, query, m.OrganizationID, m.UserID, m.Role, teams, m.IsActive).Scan(&m.CreatedAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert membership")
	}
	return nil
}

func (r *OrganizationMembersRepository) listUsers(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list members")
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan member")
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list members")
	}
	return users, nil
}
