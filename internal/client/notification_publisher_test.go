package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []NotificationEvent
	err      error
}

func (c *capturePublisher) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	var ev NotificationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.subjects = append(c.subjects, subject)
	c.events = append(c.events, ev)
	return nil
}

func TestPublishApprovalEvent(t *testing.T) {
	nats := &capturePublisher{}
	p := NewNotificationPublisher(nats, logger.Nop())
	req := &repository.ApprovalRequest{
		ID: "req-1", OrganizationID: "org-1", EntityType: "invoice", EntityID: "inv-7",
		Status: repository.RequestStatusPending,
	}

	p.PublishApprovalEvent(context.Background(), "step_assigned", req, "alice", []string{"u1", "u2"}, map[string]any{"step_order": 1})

	require.Len(t, nats.events, 1)
	assert.Equal(t, "notifications.approvals.step_assigned", nats.subjects[0])
	ev := nats.events[0]
	assert.Equal(t, "org-1", ev.OrganizationID)
	assert.Equal(t, []string{"u1", "u2"}, ev.Recipients)
	assert.Equal(t, "invoice", ev.ResourceType)
	assert.Equal(t, "inv-7", ev.ResourceID)
	assert.True(t, ev.IsActionable)
	assert.Equal(t, "req-1", ev.Payload["request_id"])
	assert.EqualValues(t, 1, ev.Payload["step_order"])
}

func TestPublishApprovalEventSkipsWithoutRecipients(t *testing.T) {
	nats := &capturePublisher{}
	p := NewNotificationPublisher(nats, logger.Nop())

	p.PublishApprovalEvent(context.Background(), "request_approved", &repository.ApprovalRequest{ID: "r"}, "u1", nil, nil)
	assert.Empty(t, nats.events)
}

func TestPublishJobEvent(t *testing.T) {
	nats := &capturePublisher{}
	p := NewNotificationPublisher(nats, logger.Nop())
	org, msg := "org-1", "odoo down"
	job := &repository.JobEntry{ID: "job-1", Queue: "erp-sync", OrganizationID: &org, Attempts: 4, Error: &msg}

	p.PublishJobEvent(context.Background(), "failed", job, nil)

	require.Len(t, nats.events, 1)
	assert.Equal(t, "notifications.jobs.failed", nats.subjects[0])
	ev := nats.events[0]
	assert.Equal(t, "error", ev.Severity)
	assert.Equal(t, "job-1", ev.ResourceID)
	assert.Equal(t, "erp-sync", ev.Payload["queue"])
	assert.Equal(t, "odoo down", ev.Payload["error"])
	assert.EqualValues(t, 4, ev.Payload["attempts"])
}

func TestPublishFailuresAreSwallowed(t *testing.T) {
	nats := &capturePublisher{err: fmt.Errorf("no responders")}
	p := NewNotificationPublisher(nats, logger.Nop())

	assert.NotPanics(t, func() {
		p.PublishJobEvent(context.Background(), "completed", &repository.JobEntry{ID: "j"}, nil)
	})

	disabled := NewNotificationPublisher(nil, logger.Nop())
	assert.NotPanics(t, func() {
		disabled.PublishJobEvent(context.Background(), "completed", &repository.JobEntry{ID: "j"}, nil)
	})
}
