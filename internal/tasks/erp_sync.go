// Package tasks holds the job handlers the worker pool runs.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/pesio-ai/be-plt-approvals/internal/orchestrator"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/worker"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

const (
	QueueERPSync = "erp-sync"
	QueueReports = "report-generation"

	IntegrationOdoo = "odoo"
)

// DefaultModels maps approved entity types to the Odoo model that receives them.
var DefaultModels = map[string]string{
	"invoice":        "account.move",
	"expense":        "hr.expense",
	"purchase_order": "purchase.order",
}

// RecordCreator creates one record in the ERP and looks records up.
type RecordCreator interface {
	Create(ctx context.Context, model string, values map[string]any) (json.RawMessage, error)
	SearchRead(ctx context.Context, model string, domain []any, fields []string, limit int) (json.RawMessage, error)
}

// ERPSync pushes approved entities to Odoo through the orchestrator, so a
// retried job never creates the same record twice.
type ERPSync struct {
	orch   *orchestrator.Orchestrator
	erp    RecordCreator
	models map[string]string
	log    *logger.Logger
}

// NewERPSync creates the erp-sync handler. A nil models map uses DefaultModels.
func NewERPSync(orch *orchestrator.Orchestrator, erp RecordCreator, models map[string]string, log *logger.Logger) *ERPSync {
	if models == nil {
		models = DefaultModels
	}
	return &ERPSync{orch: orch, erp: erp, models: models, log: log}
}

// SyncResult is stored as the job result.
type SyncResult struct {
	Integration string          `json:"integration"`
	Model       string          `json:"model"`
	RemoteID    json.RawMessage `json:"remote_id"`
	Replayed    bool            `json:"replayed"`
}

func (s *ERPSync) Handle(ctx context.Context, job *repository.JobEntry) (json.RawMessage, error) {
	var p service.SyncJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, errors.InvalidInput("payload", fmt.Sprintf("malformed sync payload: %v", err))
	}
	if p.RequestID == "" || p.EntityID == "" {
		return nil, errors.InvalidInput("payload", "request_id and entity_id are required")
	}
	model, ok := s.models[p.EntityType]
	if !ok {
		return nil, errors.InvalidInput("entity_type", fmt.Sprintf("no ERP model mapped for %q", p.EntityType))
	}

	values := map[string]any{}
	if extra, ok := p.EntityData["odoo_values"].(map[string]any); ok {
		maps.Copy(values, extra)
	}
	values["ref"] = p.EntityID

	if worker.CancelRequested(ctx) {
		return nil, context.Cause(ctx)
	}

	res, err := s.orch.Execute(ctx, orchestrator.Call{
		Integration:    IntegrationOdoo,
		IdempotencyKey: service.SyncTriggerRef(p.RequestID),
		Operation:      model + "/create",
		Request:        values,
		ParentID:       job.ID,
		Attempt:        job.Attempts,
	}, func(ctx context.Context) (json.RawMessage, error) {
		// A create whose reply was lost may have committed in Odoo.
		id, err := s.findByRef(ctx, model, p.EntityID)
		if err != nil {
			return nil, err
		}
		if id != nil {
			s.log.Warn().
				Str("job_id", job.ID).
				Str("model", model).
				Str("ref", p.EntityID).
				Msg("ERP record already exists, reusing it")
			return id, nil
		}
		return s.erp.Create(ctx, model, values)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("request_id", p.RequestID).
		Str("model", model).
		Bool("replayed", res.Replayed).
		Msg("Entity synced to ERP")

	return json.Marshal(SyncResult{
		Integration: IntegrationOdoo,
		Model:       model,
		RemoteID:    res.Response,
		Replayed:    res.Replayed,
	})
}

// findByRef returns the id of the record carrying ref, or nil.
func (s *ERPSync) findByRef(ctx context.Context, model, ref string) (json.RawMessage, error) {
	raw, err := s.erp.SearchRead(ctx, model, []any{[]any{"ref", "=", ref}}, []string{"id"}, 1)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.OperationFailed("decode_search_read", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].ID, nil
}
