package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// WorkflowAdminService manages workflow definitions, rules and memberships.
type WorkflowAdminService struct {
	store repository.Store
	log   *logger.Logger
}

// NewWorkflowAdminService creates a new WorkflowAdminService.
func NewWorkflowAdminService(store repository.Store, log *logger.Logger) *WorkflowAdminService {
	return &WorkflowAdminService{store: store, log: log}
}

// WorkflowInput defines a workflow and its steps.
type WorkflowInput struct {
	OrganizationID string      `json:"organization_id"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	EntityType     string      `json:"entity_type"`
	CreatedBy      string      `json:"created_by"`
	Steps          []StepInput `json:"steps"`
}

// StepInput defines one workflow step. StepOrder 0 means "next in sequence".
type StepInput struct {
	StepOrder    int      `json:"step_order,omitempty"`
	Name         string   `json:"name"`
	StepType     string   `json:"step_type"`
	ApproverType string   `json:"approver_type"`
	ApproverRefs []string `json:"approver_refs"`
	MinApprovals int      `json:"min_approvals,omitempty"`
}

// RuleInput defines an approval rule.
type RuleInput struct {
	OrganizationID string          `json:"organization_id"`
	EntityType     string          `json:"entity_type"`
	Name           string          `json:"name"`
	WorkflowID     string          `json:"workflow_id"`
	Conditions     json.RawMessage `json:"conditions"`
	Priority       int             `json:"priority"`
}

// ── Workflows ─────────────────────────────────────────────────────────────────

// CreateWorkflow validates and stores a new workflow at version 1.
func (s *WorkflowAdminService) CreateWorkflow(ctx context.Context, in WorkflowInput) (*repository.Workflow, error) {
	wf, err := buildWorkflow(in)
	if err != nil {
		return nil, err
	}
	wf.Version = 1

	if err := s.store.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		return repos.Workflows.Create(ctx, wf)
	}); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("organization_id", wf.OrganizationID).
		Str("entity_type", wf.EntityType).
		Int("steps", len(wf.Steps)).
		Msg("Approval workflow created")
	return wf, nil
}

// ReviseWorkflow stores a new version of workflowID and retires the old one.
// Rules pointing at the old version follow the new one. Requests already in
// flight keep the version they were submitted under.
func (s *WorkflowAdminService) ReviseWorkflow(ctx context.Context, workflowID string, in WorkflowInput) (*repository.Workflow, error) {
	var next *repository.Workflow
	err := s.store.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		prev, err := repos.Workflows.GetByID(ctx, workflowID)
		if err != nil {
			return err
		}
		if prev.OrganizationID != in.OrganizationID {
			return errors.NotFound("approval_workflow", workflowID)
		}
		if !prev.IsActive {
			return errors.InvalidInput("workflow_id", "only the active version of a workflow can be revised")
		}
		if in.EntityType == "" {
			in.EntityType = prev.EntityType
		}
		if in.EntityType != prev.EntityType {
			return errors.InvalidInput("entity_type", "a revision cannot change the entity type")
		}

		if next, err = buildWorkflow(in); err != nil {
			return err
		}
		next.Version = prev.Version + 1
		next.PreviousVersionID = &prev.ID

		if err := repos.Workflows.Create(ctx, next); err != nil {
			return err
		}
		if err := repos.Workflows.Deactivate(ctx, prev.ID); err != nil {
			return err
		}
		moved, err := repos.Rules.RepointWorkflow(ctx, prev.OrganizationID, prev.ID, next.ID)
		if err != nil {
			return err
		}

		s.log.Info().
			Str("workflow_id", next.ID).
			Str("previous_version_id", prev.ID).
			Int("version", next.Version).
			Int64("rules_repointed", moved).
			Msg("Approval workflow revised")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// DeactivateWorkflow retires a workflow. Rules still pointing at it are deactivated too.
func (s *WorkflowAdminService) DeactivateWorkflow(ctx context.Context, orgID, workflowID string) error {
	return s.store.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		wf, err := repos.Workflows.GetByID(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.OrganizationID != orgID {
			return errors.NotFound("approval_workflow", workflowID)
		}
		if err := repos.Workflows.Deactivate(ctx, workflowID); err != nil {
			return err
		}
		active, err := repos.Rules.List(ctx, orgID, true)
		if err != nil {
			return err
		}
		for _, r := range active {
			if r.WorkflowID == workflowID {
				if err := repos.Rules.SetActive(ctx, orgID, r.ID, false); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetWorkflow returns a workflow of orgID.
func (s *WorkflowAdminService) GetWorkflow(ctx context.Context, orgID, workflowID string) (*repository.Workflow, error) {
	wf, err := s.store.Repos().Workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.OrganizationID != orgID {
		return nil, errors.NotFound("approval_workflow", workflowID)
	}
	return wf, nil
}

// ListWorkflows lists workflows of orgID, optionally for one entity type.
func (s *WorkflowAdminService) ListWorkflows(ctx context.Context, orgID, entityType string, activeOnly bool) ([]*repository.Workflow, error) {
	return s.store.Repos().Workflows.List(ctx, orgID, entityType, activeOnly)
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// CreateRule stores a rule after checking its condition tree and target workflow.
func (s *WorkflowAdminService) CreateRule(ctx context.Context, in RuleInput) (*repository.ApprovalRule, error) {
	switch {
	case strings.TrimSpace(in.OrganizationID) == "":
		return nil, errors.InvalidInput("organization_id", "organization is required")
	case strings.TrimSpace(in.EntityType) == "":
		return nil, errors.InvalidInput("entity_type", "entity type is required")
	case strings.TrimSpace(in.Name) == "":
		return nil, errors.InvalidInput("name", "rule name is required")
	case in.Priority < 0:
		return nil, errors.InvalidInput("priority", "priority must not be negative")
	}
	cond, err := rules.Parse(in.Conditions)
	if err != nil {
		return nil, errors.InvalidInput("conditions", err.Error())
	}
	normalized, err := rules.Marshal(cond)
	if err != nil {
		return nil, errors.InvalidInput("conditions", err.Error())
	}

	rule := &repository.ApprovalRule{
		OrganizationID: in.OrganizationID,
		EntityType:     in.EntityType,
		Name:           in.Name,
		WorkflowID:     in.WorkflowID,
		Conditions:     normalized,
		Priority:       in.Priority,
		IsActive:       true,
	}

	err = s.store.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		wf, err := repos.Workflows.GetByID(ctx, in.WorkflowID)
		if err != nil {
			if errors.IsNotFound(err) {
				return errors.InvalidInput("workflow_id", "workflow does not exist")
			}
			return err
		}
		switch {
		case wf.OrganizationID != in.OrganizationID:
			return errors.InvalidInput("workflow_id", "workflow does not exist")
		case !wf.IsActive:
			return errors.InvalidInput("workflow_id", "workflow is not active")
		case wf.EntityType != in.EntityType:
			return errors.InvalidInput("workflow_id", fmt.Sprintf("workflow handles %s, not %s", wf.EntityType, in.EntityType))
		}
		return repos.Rules.Create(ctx, rule)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("workflow_id", rule.WorkflowID).
		Int("priority", rule.Priority).
		Msg("Approval rule created")
	return rule, nil
}

// SetRuleActive enables or disables a rule.
func (s *WorkflowAdminService) SetRuleActive(ctx context.Context, orgID, ruleID string, active bool) error {
	return s.store.Repos().Rules.SetActive(ctx, orgID, ruleID, active)
}

// ListRules lists the rules of orgID.
func (s *WorkflowAdminService) ListRules(ctx context.Context, orgID string, activeOnly bool) ([]*repository.ApprovalRule, error) {
	return s.store.Repos().Rules.List(ctx, orgID, activeOnly)
}

// ── Members ───────────────────────────────────────────────────────────────────

// UpsertMember creates or replaces a membership.
func (s *WorkflowAdminService) UpsertMember(ctx context.Context, m *repository.Membership) error {
	if m.OrganizationID == "" || m.UserID == "" {
		return errors.InvalidInput("user_id", "organization and user are required")
	}
	return s.store.Repos().Members.Upsert(ctx, m)
}

// ── Validation ────────────────────────────────────────────────────────────────

func buildWorkflow(in WorkflowInput) (*repository.Workflow, error) {
	switch {
	case strings.TrimSpace(in.OrganizationID) == "":
		return nil, errors.InvalidInput("organization_id", "organization is required")
	case strings.TrimSpace(in.Name) == "":
		return nil, errors.InvalidInput("name", "workflow name is required")
	case strings.TrimSpace(in.EntityType) == "":
		return nil, errors.InvalidInput("entity_type", "entity type is required")
	case len(in.Steps) == 0:
		return nil, errors.InvalidInput("steps", "a workflow needs at least one step")
	}

	wf := &repository.Workflow{
		OrganizationID: in.OrganizationID,
		Name:           in.Name,
		Description:    nullable(in.Description),
		EntityType:     in.EntityType,
		IsActive:       true,
		CreatedBy:      in.CreatedBy,
	}

	last := 0
	for i, st := range in.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		order := st.StepOrder
		if order == 0 {
			order = last + 1
		}
		if order <= last {
			return nil, errors.InvalidInput(field+".step_order", "step orders must be strictly increasing from 1")
		}
		last = order

		if !slices.Contains([]string{repository.StepTypeSingle, repository.StepTypeParallel, repository.StepTypeAny}, st.StepType) {
			return nil, errors.InvalidInput(field+".step_type", fmt.Sprintf("unknown step type %q", st.StepType))
		}
		if !slices.Contains([]string{repository.ApproverTypeUser, repository.ApproverTypeRole, repository.ApproverTypeTeam}, st.ApproverType) {
			return nil, errors.InvalidInput(field+".approver_type", fmt.Sprintf("unknown approver type %q", st.ApproverType))
		}

		refs := make([]string, 0, len(st.ApproverRefs))
		for _, r := range st.ApproverRefs {
			if r = strings.TrimSpace(r); r != "" {
				refs = append(refs, r)
			}
		}
		slices.Sort(refs)
		refs = slices.Compact(refs)
		if len(refs) == 0 {
			return nil, errors.InvalidInput(field+".approver_refs", "at least one approver reference is required")
		}

		minApprovals := st.MinApprovals
		switch st.StepType {
		case repository.StepTypeSingle:
			if minApprovals == 0 {
				minApprovals = 1
			}
			if minApprovals != 1 {
				return nil, errors.InvalidInput(field+".min_approvals", "single steps take exactly one approval")
			}
		case repository.StepTypeParallel:
			if minApprovals == 0 && st.ApproverType == repository.ApproverTypeUser {
				minApprovals = len(refs)
			}
			minApprovals = max(minApprovals, 1)
		case repository.StepTypeAny:
			if minApprovals < 1 {
				return nil, errors.InvalidInput(field+".min_approvals", "any steps need min_approvals of at least 1")
			}
		}
		if st.ApproverType == repository.ApproverTypeUser && minApprovals > len(refs) {
			return nil, errors.InvalidInput(field+".min_approvals", fmt.Sprintf(
				"min_approvals %d exceeds the %d configured approvers", minApprovals, len(refs)))
		}

		name := st.Name
		if name == "" {
			name = fmt.Sprintf("Step %d", order)
		}
		wf.Steps = append(wf.Steps, &repository.WorkflowStep{
			StepOrder:    order,
			Name:         name,
			StepType:     st.StepType,
			ApproverType: st.ApproverType,
			ApproverRefs: refs,
			MinApprovals: minApprovals,
		})
	}
	return wf, nil
}
