package tasks

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

type memoryReports struct {
	key         string
	body        []byte
	contentType string
}

func (m *memoryReports) Put(_ context.Context, key string, body []byte, contentType string) (string, error) {
	m.key, m.body, m.contentType = key, body, contentType
	return "mem://" + key, nil
}

func TestActivityReportRendersCSV(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	repos := store.Repos()
	org := "org-1"

	wf := &repository.Workflow{OrganizationID: org, Name: "wf", EntityType: "invoice", Version: 1, IsActive: true}
	require.NoError(t, repos.Workflows.Create(ctx, wf))

	require.NoError(t, repos.Requests.Create(ctx, &repository.ApprovalRequest{
		OrganizationID: org, EntityType: "invoice", EntityID: "INV-1", EntityData: map[string]any{"amount": 1},
		WorkflowID: wf.ID, RequestedBy: "alice", Status: repository.RequestStatusPending,
		CurrentStepOrder: 1, TotalSteps: 1, SubmittedAt: time.Now(),
	}))
	require.NoError(t, repos.Requests.Create(ctx, &repository.ApprovalRequest{
		OrganizationID: "org-2", EntityType: "invoice", EntityID: "INV-2", EntityData: map[string]any{"amount": 1},
		WorkflowID: wf.ID, RequestedBy: "bob", Status: repository.RequestStatusPending,
		CurrentStepOrder: 1, TotalSteps: 1, SubmittedAt: time.Now(),
	}))
	require.NoError(t, repos.Jobs.Create(ctx, &repository.JobEntry{
		Queue: QueueERPSync, OrganizationID: &org, Type: repository.JobTypeImmediate,
		Priority: repository.PriorityNormal, Status: repository.JobStatusPending, Payload: json.RawMessage(`{}`),
	}))

	reports := &memoryReports{}
	h := NewActivityReport(store, reports, logger.Nop())
	payload, _ := json.Marshal(ReportJobPayload{OrganizationID: org, To: time.Now().Add(time.Minute)})

	out, err := h.Handle(ctx, &repository.JobEntry{ID: "job-r", Queue: QueueReports, Payload: payload})
	require.NoError(t, err)

	var res ReportResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, 1, res.Approvals)
	assert.Equal(t, 1, res.Jobs)
	assert.Equal(t, "mem://"+reports.key, res.Location)
	assert.Contains(t, reports.key, "org-1/")
	assert.Equal(t, "text/csv", reports.contentType)
	assert.Equal(t, 24*time.Hour, res.To.Sub(res.From))

	rows, err := csv.NewReader(bytes.NewReader(reports.body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, reportHeader, rows[0])
	assert.Equal(t, "approval_request", rows[1][0])
	assert.Equal(t, "INV-1", rows[1][3])
	assert.Equal(t, "alice", rows[1][5])
	assert.Equal(t, "job", rows[2][0])
	assert.Equal(t, QueueERPSync, rows[2][2])
}

func TestActivityReportValidatesPayload(t *testing.T) {
	h := NewActivityReport(memory.New(), &memoryReports{}, logger.Nop())
	ctx := context.Background()

	_, err := h.Handle(ctx, &repository.JobEntry{ID: "j", Payload: json.RawMessage(`{}`)})
	assert.True(t, errors.IsInvalidInput(err))

	now := time.Now()
	payload, _ := json.Marshal(ReportJobPayload{OrganizationID: "org-1", From: now, To: now.Add(-time.Hour)})
	_, err = h.Handle(ctx, &repository.JobEntry{ID: "j", Payload: payload})
	assert.True(t, errors.IsInvalidInput(err))
}

func TestActivityReportIncludesEveryRowInWindow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	repos := store.Repos()
	org := "org-1"

	wf := &repository.Workflow{OrganizationID: org, Name: "wf", EntityType: "invoice", Version: 1, IsActive: true}
	require.NoError(t, repos.Workflows.Create(ctx, wf))
	for range 150 {
		require.NoError(t, repos.Requests.Create(ctx, &repository.ApprovalRequest{
			OrganizationID: org, EntityType: "invoice", EntityID: "INV", EntityData: map[string]any{"amount": 1},
			WorkflowID: wf.ID, RequestedBy: "alice", Status: repository.RequestStatusPending,
			CurrentStepOrder: 1, TotalSteps: 1, SubmittedAt: time.Now(),
		}))
	}
	for range 1200 {
		require.NoError(t, repos.Jobs.Create(ctx, &repository.JobEntry{
			Queue: QueueERPSync, OrganizationID: &org, Type: repository.JobTypeImmediate,
			Priority: repository.PriorityNormal, Status: repository.JobStatusPending, Payload: json.RawMessage(`{}`),
		}))
	}

	reports := &memoryReports{}
	payload, _ := json.Marshal(ReportJobPayload{OrganizationID: org, To: time.Now().Add(time.Minute)})
	out, err := NewActivityReport(store, reports, logger.Nop()).Handle(ctx, &repository.JobEntry{ID: "job-r", Queue: QueueReports, Payload: payload})
	require.NoError(t, err)

	var res ReportResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, 150, res.Approvals)
	assert.Equal(t, 1200, res.Jobs)

	rows, err := csv.NewReader(bytes.NewReader(reports.body)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 1+150+1200)

	seen := map[string]bool{}
	for _, row := range rows[1:] {
		assert.False(t, seen[row[1]], "duplicate row %s", row[1])
		seen[row[1]] = true
	}
}

func TestListAllStopsOnShortPage(t *testing.T) {
	var offsets []int
	items, err := listAll(context.Background(), func(_ context.Context, offset int) ([]int, error) {
		offsets = append(offsets, offset)
		if offset >= reportPageSize {
			return nil, nil
		}
		return make([]int, reportPageSize), nil
	})
	require.NoError(t, err)
	assert.Len(t, items, reportPageSize)
	assert.Equal(t, []int{0, reportPageSize}, offsets)
}
