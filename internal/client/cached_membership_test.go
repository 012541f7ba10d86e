package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Membership(ctx context.Context, orgID, userID string) (*repository.Membership, error) {
	args := m.Called(ctx, orgID, userID)
	if v := args.Get(0); v != nil {
		return v.(*repository.Membership), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSource) UsersWithRole(ctx context.Context, orgID, role string) ([]string, error) {
	args := m.Called(ctx, orgID, role)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockSource) UsersInTeam(ctx context.Context, orgID, team string) ([]string, error) {
	args := m.Called(ctx, orgID, team)
	return args.Get(0).([]string), args.Error(1)
}

func TestCachedMembershipMemoisesHits(t *testing.T) {
	src := &mockSource{}
	ctx := context.Background()
	src.On("Membership", ctx, "org-1", "u1").
		Return(&repository.Membership{OrganizationID: "org-1", UserID: "u1", Role: "manager", Teams: []string{"ap"}}, nil).Once()
	src.On("UsersWithRole", ctx, "org-1", "director").Return([]string{"d1", "d2"}, nil).Once()

	c := NewCachedMembership(src, time.Minute)
	for range 3 {
		m, err := c.Membership(ctx, "org-1", "u1")
		require.NoError(t, err)
		assert.Equal(t, "manager", m.Role)
		m.Teams[0] = "mutated"

		users, err := c.UsersWithRole(ctx, "org-1", "director")
		require.NoError(t, err)
		assert.Equal(t, []string{"d1", "d2"}, users)
		users[0] = "mutated"
	}
	src.AssertExpectations(t)
}

func TestCachedMembershipDoesNotCacheMisses(t *testing.T) {
	src := &mockSource{}
	ctx := context.Background()
	src.On("Membership", ctx, "org-1", "ghost").Return(nil, errors.NotFound("organization_member", "ghost")).Twice()
	src.On("UsersInTeam", ctx, "org-1", "ap").Return([]string{"u2"}, nil).Twice()

	c := NewCachedMembership(src, time.Minute)
	for range 2 {
		_, err := c.Membership(ctx, "org-1", "ghost")
		assert.True(t, errors.IsNotFound(err))
	}

	_, err := c.UsersInTeam(ctx, "org-1", "ap")
	require.NoError(t, err)
	c.Flush()
	_, err = c.UsersInTeam(ctx, "org-1", "ap")
	require.NoError(t, err)

	src.AssertExpectations(t)
}
