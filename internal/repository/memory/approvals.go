package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// ── rules ────────────────────────────────────────────────────────────────────

type ruleRepo struct{ base }

func (r *ruleRepo) Create(_ context.Context, rule *repository.ApprovalRule) error {
	defer r.lock()()
	st := r.state()

	if _, ok := st.workflows[rule.WorkflowID]; !ok {
		return errors.Wrap(errors.NotFound("approval_workflow", rule.WorkflowID), errors.ErrCodeInternal, "failed to create approval rule")
	}
	now := r.tick()
	rule.ID = newID()
	rule.CreatedAt, rule.UpdatedAt = now, now
	st.rules[rule.ID] = copyRule(rule)
	return nil
}

func (r *ruleRepo) GetByID(_ context.Context, orgID, id string) (*repository.ApprovalRule, error) {
	defer r.lock()()
	rule, ok := r.state().rules[id]
	if !ok || rule.OrganizationID != orgID {
		return nil, errors.NotFound("approval_rule", id)
	}
	return copyRule(rule), nil
}

func (r *ruleRepo) ListActive(_ context.Context, orgID, entityType string) ([]*repository.ApprovalRule, error) {
	defer r.lock()()
	return r.filter(func(rule *repository.ApprovalRule) bool {
		return rule.OrganizationID == orgID && rule.EntityType == entityType && rule.IsActive
	}), nil
}

func (r *ruleRepo) List(_ context.Context, orgID string, activeOnly bool) ([]*repository.ApprovalRule, error) {
	defer r.lock()()
	rules := r.filter(func(rule *repository.ApprovalRule) bool {
		return rule.OrganizationID == orgID && (!activeOnly || rule.IsActive)
	})
	slices.SortStableFunc(rules, func(a, b *repository.ApprovalRule) int {
		return cmp.Compare(a.EntityType, b.EntityType)
	})
	return rules, nil
}

func (r *ruleRepo) SetActive(_ context.Context, orgID, id string, active bool) error {
	defer r.lock()()
	rule, ok := r.state().rules[id]
	if !ok || rule.OrganizationID != orgID {
		return errors.NotFound("approval_rule", id)
	}
	rule.IsActive = active
	rule.UpdatedAt = r.tick()
	return nil
}

func (r *ruleRepo) RepointWorkflow(_ context.Context, orgID, fromWorkflowID, toWorkflowID string) (int64, error) {
	defer r.lock()()
	var n int64
	for _, rule := range r.state().rules {
		if rule.OrganizationID == orgID && rule.WorkflowID == fromWorkflowID {
			rule.WorkflowID = toWorkflowID
			rule.UpdatedAt = r.tick()
			n++
		}
	}
	return n, nil
}

// filter returns copies ordered by priority, then creation time.
func (r *ruleRepo) filter(keep func(*repository.ApprovalRule) bool) []*repository.ApprovalRule {
	var out []*repository.ApprovalRule
	for _, rule := range r.state().rules {
		if keep(rule) {
			out = append(out, copyRule(rule))
		}
	}
	slices.SortFunc(out, func(a, b *repository.ApprovalRule) int {
		return cmp.Or(
			cmp.Compare(a.Priority, b.Priority),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

// ── workflows ────────────────────────────────────────────────────────────────

type workflowRepo struct{ base }

func (r *workflowRepo) Create(_ context.Context, wf *repository.Workflow) error {
	defer r.lock()()
	now := r.tick()
	wf.ID = newID()
	wf.CreatedAt, wf.UpdatedAt = now, now
	for _, step := range wf.Steps {
		step.ID = newID()
		step.WorkflowID = wf.ID
		step.CreatedAt = now
	}
	r.state().workflows[wf.ID] = copyWorkflow(wf)
	return nil
}

func (r *workflowRepo) GetByID(_ context.Context, id string) (*repository.Workflow, error) {
	defer r.lock()()
	wf, ok := r.state().workflows[id]
	if !ok {
		return nil, errors.NotFound("approval_workflow", id)
	}
	return copyWorkflow(wf), nil
}

func (r *workflowRepo) List(_ context.Context, orgID, entityType string, activeOnly bool) ([]*repository.Workflow, error) {
	defer r.lock()()
	var out []*repository.Workflow
	for _, wf := range r.state().workflows {
		if wf.OrganizationID != orgID || (entityType != "" && wf.EntityType != entityType) || (activeOnly && !wf.IsActive) {
			continue
		}
		out = append(out, copyWorkflow(wf))
	}
	slices.SortFunc(out, func(a, b *repository.Workflow) int {
		return cmp.Or(
			cmp.Compare(a.EntityType, b.EntityType),
			cmp.Compare(a.Name, b.Name),
			cmp.Compare(b.Version, a.Version),
		)
	})
	return out, nil
}

func (r *workflowRepo) Deactivate(_ context.Context, id string) error {
	defer r.lock()()
	wf, ok := r.state().workflows[id]
	if !ok {
		return errors.NotFound("approval_workflow", id)
	}
	wf.IsActive = false
	wf.UpdatedAt = r.tick()
	return nil
}

func (r *workflowRepo) IsReferenced(_ context.Context, id string) (bool, error) {
	defer r.lock()()
	for _, req := range r.state().requests {
		if req.WorkflowID == id {
			return true, nil
		}
	}
	return false, nil
}

// ── requests ─────────────────────────────────────────────────────────────────

type requestRepo struct{ base }

func (r *requestRepo) Create(_ context.Context, req *repository.ApprovalRequest) error {
	defer r.lock()()
	if _, ok := r.state().workflows[req.WorkflowID]; !ok {
		return errors.Wrap(errors.NotFound("approval_workflow", req.WorkflowID), errors.ErrCodeInternal, "failed to create approval request")
	}
	now := r.tick()
	req.ID = newID()
	req.CreatedAt, req.UpdatedAt = now, now
	r.state().requests[req.ID] = copyRequest(req)
	return nil
}

func (r *requestRepo) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	defer r.lock()()
	return r.get(id)
}

// GetForUpdate needs no row lock here: transactions already hold the store lock.
func (r *requestRepo) GetForUpdate(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	defer r.lock()()
	return r.get(id)
}

func (r *requestRepo) get(id string) (*repository.ApprovalRequest, error) {
	req, ok := r.state().requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return copyRequest(req), nil
}

func (r *requestRepo) UpdateStatus(_ context.Context, id, status string, completedBy *string, completedAt *time.Time) error {
	defer r.lock()()
	req, ok := r.state().requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	if req.Status != repository.RequestStatusPending {
		return errors.Conflict("approval request already decided")
	}
	req.Status = status
	req.CompletedBy = completedBy
	req.CompletedAt = completedAt
	req.UpdatedAt = r.tick()
	return nil
}

func (r *requestRepo) AdvanceStep(_ context.Context, id string, nextOrder int) error {
	defer r.lock()()
	req, ok := r.state().requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	if req.Status != repository.RequestStatusPending || req.CurrentStepOrder >= nextOrder {
		return errors.Conflict("approval request cannot advance")
	}
	req.CurrentStepOrder = nextOrder
	req.UpdatedAt = r.tick()
	return nil
}

func (r *requestRepo) List(_ context.Context, f repository.RequestFilter) ([]*repository.ApprovalRequest, error) {
	defer r.lock()()
	var out []*repository.ApprovalRequest
	for _, req := range r.state().requests {
		switch {
		case req.OrganizationID != f.OrganizationID,
			f.EntityType != "" && req.EntityType != f.EntityType,
			f.Status != "" && req.Status != f.Status,
			f.RequestedBy != "" && req.RequestedBy != f.RequestedBy,
			f.SubmittedAfter != nil && req.SubmittedAt.Before(*f.SubmittedAfter),
			f.SubmittedBefore != nil && !req.SubmittedAt.Before(*f.SubmittedBefore):
			continue
		}
		out = append(out, copyRequest(req))
	}
	slices.SortFunc(out, func(a, b *repository.ApprovalRequest) int {
		return cmp.Or(b.SubmittedAt.Compare(a.SubmittedAt), b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})
	return page(out, f.Offset, f.Limit), nil
}

// ── steps ────────────────────────────────────────────────────────────────────

type stepRepo struct{ base }

func (r *stepRepo) CreateBatch(_ context.Context, steps []*repository.ApprovalStep) error {
	defer r.lock()()
	st := r.state()
	for _, step := range steps {
		for _, existing := range st.steps {
			if existing.RequestID == step.RequestID && existing.StepOrder == step.StepOrder && existing.ApproverID == step.ApproverID {
				return errors.Wrap(errors.Conflict("duplicate approval step"), errors.ErrCodeInternal, "failed to create approval step")
			}
		}
		now := r.tick()
		step.ID = newID()
		step.CreatedAt, step.UpdatedAt = now, now
		cp := *step
		st.steps[step.ID] = &cp
	}
	return nil
}

func (r *stepRepo) ListByRequest(_ context.Context, requestID string) ([]*repository.ApprovalStep, error) {
	defer r.lock()()
	return r.filter(func(s *repository.ApprovalStep) bool { return s.RequestID == requestID }), nil
}

func (r *stepRepo) ListByOrder(_ context.Context, requestID string, order int) ([]*repository.ApprovalStep, error) {
	defer r.lock()()
	return r.filter(func(s *repository.ApprovalStep) bool {
		return s.RequestID == requestID && s.StepOrder == order
	}), nil
}

func (r *stepRepo) FindActionable(_ context.Context, requestID, userID string) (*repository.ApprovalStep, error) {
	defer r.lock()()
	req, ok := r.state().requests[requestID]
	if !ok {
		return nil, errors.NotFound("pending approval step for user", userID)
	}
	steps := r.filter(func(s *repository.ApprovalStep) bool {
		return s.RequestID == requestID &&
			s.Status == repository.StepStatusPending &&
			s.StepOrder == req.CurrentStepOrder &&
			s.Actor() == userID
	})
	if len(steps) == 0 {
		return nil, errors.NotFound("pending approval step for user", userID)
	}
	return steps[0], nil
}

func (r *stepRepo) UpdateAction(_ context.Context, id, status, actedBy string, comments *string, at time.Time) error {
	defer r.lock()()
	step, ok := r.state().steps[id]
	if !ok {
		return errors.NotFound("approval_step", id)
	}
	if step.Status != repository.StepStatusPending {
		return errors.Conflict("approval step already decided")
	}
	step.Status = status
	step.ActedBy = ptr(actedBy)
	if comments != nil {
		step.Comments = comments
	}
	step.ActedAt = ptr(at)
	step.UpdatedAt = r.tick()
	return nil
}

func (r *stepRepo) Delegate(_ context.Context, id, delegateTo string, hops int, at time.Time) error {
	defer r.lock()()
	step, ok := r.state().steps[id]
	if !ok {
		return errors.NotFound("approval_step", id)
	}
	if step.Status != repository.StepStatusPending {
		return errors.Conflict("approval step already decided")
	}
	step.DelegatedTo = ptr(delegateTo)
	step.DelegatedAt = ptr(at)
	step.DelegationHops = hops
	step.UpdatedAt = r.tick()
	return nil
}

func (r *stepRepo) ResolvePending(_ context.Context, requestID string, order int, status string, at time.Time) (int64, error) {
	defer r.lock()()
	var n int64
	for _, step := range r.state().steps {
		if step.RequestID == requestID && step.StepOrder == order && step.Status == repository.StepStatusPending {
			step.Status = status
			step.ActedAt = ptr(at)
			step.UpdatedAt = r.tick()
			n++
		}
	}
	return n, nil
}

func (r *stepRepo) ListPendingForUser(_ context.Context, orgID, userID string) ([]*repository.ApprovalStep, error) {
	defer r.lock()()
	requests := r.state().requests
	return r.filter(func(s *repository.ApprovalStep) bool {
		req, ok := requests[s.RequestID]
		return ok && req.Status == repository.RequestStatusPending &&
			s.OrganizationID == orgID &&
			s.Status == repository.StepStatusPending &&
			s.Actor() == userID
	}), nil
}

func (r *stepRepo) filter(keep func(*repository.ApprovalStep) bool) []*repository.ApprovalStep {
	var out []*repository.ApprovalStep
	for _, s := range r.state().steps {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *repository.ApprovalStep) int {
		return cmp.Or(
			cmp.Compare(a.StepOrder, b.StepOrder),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ApproverID, b.ApproverID),
		)
	})
	return out
}

// ── audit ────────────────────────────────────────────────────────────────────

type auditRepo struct{ base }

func (r *auditRepo) Append(_ context.Context, entry *repository.ApprovalAuditEntry) error {
	defer r.lock()()
	entry.ID = newID()
	entry.PerformedAt = r.tick()
	cp := *entry
	st := r.state()
	st.audit = append(st.audit, &cp)
	return nil
}

func (r *auditRepo) ListByRequest(_ context.Context, requestID string) ([]*repository.ApprovalAuditEntry, error) {
	defer r.lock()()
	var out []*repository.ApprovalAuditEntry
	for _, e := range r.state().audit {
		if e.RequestID == requestID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── members ──────────────────────────────────────────────────────────────────

type memberRepo struct{ base }

func (r *memberRepo) Get(_ context.Context, orgID, userID string) (*repository.Membership, error) {
	defer r.lock()()
	m, ok := r.state().members[memberKey{orgID, userID}]
	if !ok || !m.IsActive {
		return nil, errors.NotFound("organization_member", userID)
	}
	cp := *m
	cp.Teams = slices.Clone(m.Teams)
	return &cp, nil
}

func (r *memberRepo) ListByRole(_ context.Context, orgID, role string) ([]string, error) {
	defer r.lock()()
	return r.users(orgID, func(m *repository.Membership) bool { return m.Role == role }), nil
}

func (r *memberRepo) ListByTeam(_ context.Context, orgID, team string) ([]string, error) {
	defer r.lock()()
	return r.users(orgID, func(m *repository.Membership) bool { return slices.Contains(m.Teams, team) }), nil
}

func (r *memberRepo) Upsert(_ context.Context, m *repository.Membership) error {
	defer r.lock()()
	key := memberKey{m.OrganizationID, m.UserID}
	if existing, ok := r.state().members[key]; ok {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = r.tick()
	}
	cp := *m
	cp.Teams = slices.Clone(m.Teams)
	r.state().members[key] = &cp
	return nil
}

func (r *memberRepo) users(orgID string, keep func(*repository.Membership) bool) []string {
	var out []string
	for key, m := range r.state().members {
		if key.org == orgID && m.IsActive && keep(m) {
			out = append(out, m.UserID)
		}
	}
	slices.Sort(out)
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
