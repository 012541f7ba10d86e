package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// Publisher is the subset of the NATS client the publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes approval and job events to NATS JetStream
// for consumption by the be-plt-notifications service.
//
// Subject convention: notifications.approvals.<event> and notifications.jobs.<event>
//
// All publish operations are non-fatal. Errors are logged but never propagated
// to the caller, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	nats Publisher
	log  *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType      string         `json:"event_type"`
	OrganizationID string         `json:"organization_id,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	Recipients     []string       `json:"recipients,omitempty"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	IsActionable   bool           `json:"is_actionable,omitempty"`
	ActionURL      string         `json:"action_url,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	Category       string         `json:"category,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil nats publisher turns
// every call into a no-op.
func NewNotificationPublisher(nats Publisher, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishApprovalEvent publishes an approval lifecycle event.
// Subject: notifications.approvals.<event>
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, event string, req *repository.ApprovalRequest, actorID string, recipients []string, payload map[string]any) {
	if len(recipients) == 0 || req == nil {
		return
	}

	p.publish(ctx, "notifications.approvals."+event, &NotificationEvent{
		EventType:      event,
		OrganizationID: req.OrganizationID,
		ActorID:        actorID,
		Recipients:     recipients,
		ResourceType:   req.EntityType,
		ResourceID:     req.EntityID,
		IsActionable:   !req.IsTerminal(),
		ActionURL:      fmt.Sprintf("/approvals/%s", req.ID),
		Severity:       "info",
		Category:       "approvals",
		Payload:        withField(payload, "request_id", req.ID),
	})
}

// PublishJobEvent publishes a job lifecycle event.
// Subject: notifications.jobs.<event>
func (p *NotificationPublisher) PublishJobEvent(ctx context.Context, event string, job *repository.JobEntry, payload map[string]any) {
	if job == nil {
		return
	}

	severity := "info"
	if event == "failed" {
		severity = "error"
	}
	var org string
	if job.OrganizationID != nil {
		org = *job.OrganizationID
	}

	payload = withField(payload, "queue", job.Queue)
	payload["attempts"] = job.Attempts
	if job.Error != nil {
		payload["error"] = *job.Error
	}

	p.publish(ctx, "notifications.jobs."+event, &NotificationEvent{
		EventType:      event,
		OrganizationID: org,
		ResourceType:   "job",
		ResourceID:     job.ID,
		Severity:       severity,
		Category:       "jobs",
		Payload:        payload,
	})
}

func (p *NotificationPublisher) publish(ctx context.Context, subject string, event *NotificationEvent) {
	if p.nats == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", event.ResourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", event.ResourceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}

func withField(payload map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[key] = value
	return out
}
