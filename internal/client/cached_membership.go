package client

import (
	"context"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// MembershipSource is the uncached membership lookup.
type MembershipSource interface {
	Membership(ctx context.Context, orgID, userID string) (*repository.Membership, error)
	UsersWithRole(ctx context.Context, orgID, role string) ([]string, error)
	UsersInTeam(ctx context.Context, orgID, team string) ([]string, error)
}

// CachedMembership memoises membership lookups for a short TTL. Only
// successful lookups are cached, so a user added to an organization is seen
// immediately while a removal takes up to one TTL.
type CachedMembership struct {
	source MembershipSource
	cache  *cache.Cache
}

// NewCachedMembership wraps source. A ttl <= 0 disables caching.
func NewCachedMembership(source MembershipSource, ttl time.Duration) *CachedMembership {
	if ttl <= 0 {
		ttl = time.Nanosecond
	}
	return &CachedMembership{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

func (c *CachedMembership) Membership(ctx context.Context, orgID, userID string) (*repository.Membership, error) {
	key := "member\x00" + orgID + "\x00" + userID
	if v, ok := c.cache.Get(key); ok {
		m := *v.(*repository.Membership)
		m.Teams = slices.Clone(m.Teams)
		return &m, nil
	}
	m, err := c.source.Membership(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	stored := *m
	stored.Teams = slices.Clone(m.Teams)
	c.cache.SetDefault(key, &stored)
	return m, nil
}

func (c *CachedMembership) UsersWithRole(ctx context.Context, orgID, role string) ([]string, error) {
	return c.list(ctx, "role\x00"+orgID+"\x00"+role, func() ([]string, error) {
		return c.source.UsersWithRole(ctx, orgID, role)
	})
}

func (c *CachedMembership) UsersInTeam(ctx context.Context, orgID, team string) ([]string, error) {
	return c.list(ctx, "team\x00"+orgID+"\x00"+team, func() ([]string, error) {
		return c.source.UsersInTeam(ctx, orgID, team)
	})
}

func (c *CachedMembership) list(_ context.Context, key string, load func() ([]string, error)) ([]string, error) {
	if v, ok := c.cache.Get(key); ok {
		return slices.Clone(v.([]string)), nil
	}
	users, err := load()
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, slices.Clone(users))
	return users, nil
}

// Flush drops every cached entry, e.g. after a seed import.
func (c *CachedMembership) Flush() {
	c.cache.Flush()
}
