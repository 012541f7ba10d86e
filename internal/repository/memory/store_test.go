package memory

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()

	boom := stderrors.New("boom")
	err := s.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		require.NoError(t, repos.Members.Upsert(ctx, &repository.Membership{
			OrganizationID: "org-1", UserID: "u1", Role: "manager", IsActive: true,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Repos().Members.Get(ctx, "org-1", "u1")
	assert.True(t, errors.IsNotFound(err))
}

func TestInTransactionCommits(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		return repos.Members.Upsert(ctx, &repository.Membership{
			OrganizationID: "org-1", UserID: "u1", Role: "manager", Teams: []string{"finance"}, IsActive: true,
		})
	})
	require.NoError(t, err)

	users, err := s.Repos().Members.ListByTeam(ctx, "org-1", "finance")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)
}

func TestMarkRunningClaimsOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	jobs := s.Repos().Jobs

	job := &repository.JobEntry{
		Queue: "erp-sync", Type: repository.JobTypeImmediate, Priority: repository.PriorityNormal,
		Status: repository.JobStatusPending, Payload: []byte(`{}`), MaxRetries: 2,
	}
	require.NoError(t, jobs.Create(ctx, job))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := jobs.MarkRunning(ctx, job.ID, time.Now())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestCancelPendingAndRunning(t *testing.T) {
	ctx := context.Background()
	s := New()
	jobs := s.Repos().Jobs

	pending := &repository.JobEntry{Queue: "q", Status: repository.JobStatusPending, Payload: []byte(`{}`)}
	running := &repository.JobEntry{Queue: "q", Status: repository.JobStatusPending, Payload: []byte(`{}`)}
	require.NoError(t, jobs.Create(ctx, pending))
	require.NoError(t, jobs.Create(ctx, running))
	_, ok, err := jobs.MarkRunning(ctx, running.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	got, err := jobs.Cancel(ctx, pending.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusCancelled, got.Status)

	got, err = jobs.Cancel(ctx, running.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, repository.JobStatusRunning, got.Status)
	assert.True(t, got.CancelRequested)

	_, err = jobs.Cancel(ctx, pending.ID, time.Now())
	assert.True(t, errors.IsConflict(err))
}

func TestRulesOrderedByPriorityThenCreation(t *testing.T) {
	ctx := context.Background()
	s := New()
	repos := s.Repos()

	wf := &repository.Workflow{OrganizationID: "org-1", Name: "wf", EntityType: "invoice", IsActive: true}
	require.NoError(t, repos.Workflows.Create(ctx, wf))

	for _, r := range []struct {
		name     string
		priority int
	}{{"late", 5}, {"first", 1}, {"tie-a", 3}, {"tie-b", 3}} {
		require.NoError(t, repos.Rules.Create(ctx, &repository.ApprovalRule{
			OrganizationID: "org-1", EntityType: "invoice", Name: r.name, WorkflowID: wf.ID,
			Conditions: []byte(`{"operator":"manual"}`), Priority: r.priority, IsActive: true,
		}))
	}

	rules, err := repos.Rules.ListActive(ctx, "org-1", "invoice")
	require.NoError(t, err)
	var names []string
	for _, r := range rules {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"first", "tie-a", "tie-b", "late"}, names)
}
