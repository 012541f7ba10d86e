package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// SyncJobPayload is the payload of jobs on the ERP sync queue.
type SyncJobPayload struct {
	RequestID      string         `json:"request_id"`
	OrganizationID string         `json:"organization_id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	EntityData     map[string]any `json:"entity_data"`
	ApprovedBy     string         `json:"approved_by"`
	ApprovedAt     time.Time      `json:"approved_at"`
}

// SyncTrigger enqueues an ERP sync job when a request is approved.
type SyncTrigger struct {
	jobs        *JobService
	queue       string
	entityTypes map[string]bool
	log         *logger.Logger
}

// NewSyncTrigger creates a SyncTrigger. An empty entityTypes list syncs every
// entity type.
func NewSyncTrigger(jobs *JobService, queue string, entityTypes []string, log *logger.Logger) *SyncTrigger {
	types := make(map[string]bool, len(entityTypes))
	for _, t := range entityTypes {
		types[t] = true
	}
	return &SyncTrigger{jobs: jobs, queue: queue, entityTypes: types, log: log}
}

func (t *SyncTrigger) OnApprovalCompleted(ctx context.Context, ev CompletionEvent) error {
	req := ev.Request
	if ev.Status != repository.RequestStatusApproved {
		return nil
	}
	if len(t.entityTypes) > 0 && !t.entityTypes[req.EntityType] {
		return nil
	}

	payload, err := json.Marshal(SyncJobPayload{
		RequestID:      req.ID,
		OrganizationID: req.OrganizationID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		EntityData:     req.EntityData,
		ApprovedBy:     ev.ActorID,
		ApprovedAt:     ev.OccurredAt,
	})
	if err != nil {
		return err
	}

	res, err := t.jobs.AddJob(ctx, t.queue, payload, JobOptions{
		Priority:       repository.PriorityNormal,
		OrganizationID: req.OrganizationID,
		TriggerRef:     SyncTriggerRef(req.ID),
	})
	if res != nil {
		t.log.Info().
			Str("request_id", req.ID).
			Str("job_id", res.LedgerJobID).
			Bool("enqueued", res.Enqueued).
			Msg("ERP sync job created for approved request")
	}
	return err
}

// SyncTriggerRef is the ledger trigger reference of a request's sync job.
// It doubles as the idempotency key of the ERP call.
func SyncTriggerRef(requestID string) string {
	return "approval_request:" + requestID
}
