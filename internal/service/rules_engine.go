package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// Directory resolves organization membership.
type Directory interface {
	// Membership returns the user's active membership, NotFound when the user
	// does not belong to the organization.
	Membership(ctx context.Context, orgID, userID string) (*repository.Membership, error)
	UsersWithRole(ctx context.Context, orgID, role string) ([]string, error)
	UsersInTeam(ctx context.Context, orgID, team string) ([]string, error)
}

// repoDirectory reads membership straight from a repository, typically one
// bound to an open transaction.
type repoDirectory struct {
	members repository.MembershipRepository
}

// NewRepositoryDirectory returns a Directory without caching.
func NewRepositoryDirectory(members repository.MembershipRepository) Directory {
	return repoDirectory{members: members}
}

func (d repoDirectory) Membership(ctx context.Context, orgID, userID string) (*repository.Membership, error) {
	return d.members.Get(ctx, orgID, userID)
}

func (d repoDirectory) UsersWithRole(ctx context.Context, orgID, role string) ([]string, error) {
	return d.members.ListByRole(ctx, orgID, role)
}

func (d repoDirectory) UsersInTeam(ctx context.Context, orgID, team string) ([]string, error) {
	return d.members.ListByTeam(ctx, orgID, team)
}

// WorkflowMatch is the outcome of rule evaluation.
type WorkflowMatch struct {
	WorkflowID string
	RuleID     string
	RuleName   string
}

// RulesEngine selects workflows and resolves approvers.
type RulesEngine struct {
	store     repository.Store
	directory Directory
	log       *logger.Logger
}

// NewRulesEngine creates a RulesEngine.
func NewRulesEngine(store repository.Store, directory Directory, log *logger.Logger) *RulesEngine {
	return &RulesEngine{store: store, directory: directory, log: log}
}

// FindMatchingWorkflow evaluates the organization's active rules for
// entityType in priority order and returns the first match, or nil.
func (e *RulesEngine) FindMatchingWorkflow(
	ctx context.Context,
	orgID, entityType string,
	data map[string]any,
) (*WorkflowMatch, error) {
	active, err := e.store.Repos().Rules.ListActive(ctx, orgID, entityType)
	if err != nil {
		return nil, err
	}

	for _, rule := range active {
		cond, err := rules.Parse(rule.Conditions)
		if err != nil {
			e.log.Warn().Err(err).
				Str("rule_id", rule.ID).
				Str("organization_id", orgID).
				Msg("Skipping approval rule with invalid conditions")
			continue
		}
		ok, err := rules.Evaluate(cond, data)
		if err != nil {
			e.log.Warn().Err(err).
				Str("rule_id", rule.ID).
				Str("organization_id", orgID).
				Msg("Skipping approval rule that failed to evaluate")
			continue
		}
		if ok {
			e.log.Debug().
				Str("rule_id", rule.ID).
				Str("workflow_id", rule.WorkflowID).
				Int("priority", rule.Priority).
				Msg("Approval rule matched")
			return &WorkflowMatch{WorkflowID: rule.WorkflowID, RuleID: rule.ID, RuleName: rule.Name}, nil
		}
	}
	return nil, nil
}

// GetWorkflowSteps returns the workflow's step definitions by ascending order.
func (e *RulesEngine) GetWorkflowSteps(ctx context.Context, workflowID string) ([]*repository.WorkflowStep, error) {
	wf, err := e.store.Repos().Workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps := slices.Clone(wf.Steps)
	slices.SortFunc(steps, func(a, b *repository.WorkflowStep) int { return a.StepOrder - b.StepOrder })
	return steps, nil
}

// GetRequiredApprovers resolves a step definition to concrete user ids.
func (e *RulesEngine) GetRequiredApprovers(ctx context.Context, step *repository.WorkflowStep, orgID string) ([]string, error) {
	return resolveApprovers(ctx, e.directory, step, orgID)
}

// resolveApprovers expands role and team references through dir. The result
// is de-duplicated, sorted and never empty.
func resolveApprovers(ctx context.Context, dir Directory, step *repository.WorkflowStep, orgID string) ([]string, error) {
	var ids []string
	for _, ref := range step.ApproverRefs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		switch step.ApproverType {
		case repository.ApproverTypeUser:
			ids = append(ids, ref)
		case repository.ApproverTypeRole:
			users, err := dir.UsersWithRole(ctx, orgID, ref)
			if err != nil {
				return nil, err
			}
			ids = append(ids, users...)
		case repository.ApproverTypeTeam:
			users, err := dir.UsersInTeam(ctx, orgID, ref)
			if err != nil {
				return nil, err
			}
			ids = append(ids, users...)
		default:
			return nil, errors.InvalidInput("approver_type", fmt.Sprintf("unknown approver type %q", step.ApproverType))
		}
	}

	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil, errors.InvalidInput("approvers", fmt.Sprintf(
			"no approvers found for step %d (%s %s)", step.StepOrder, step.ApproverType, strings.Join(step.ApproverRefs, ",")))
	}
	if step.StepType == repository.StepTypeAny && step.MinApprovals > len(ids) {
		return nil, errors.InvalidInput("min_approvals", fmt.Sprintf(
			"step %d requires %d approvals but only %d approvers resolved", step.StepOrder, step.MinApprovals, len(ids)))
	}
	return ids, nil
}
