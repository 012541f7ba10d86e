package service

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// SeedFile is the YAML document loaded by `approvalsctl seed`.
//
//	organization_id: org-1
//	members:
//	  - {user_id: u1, role: manager, teams: [ap]}
//	workflows:
//	  - key: standard
//	    name: Standard invoice approval
//	    entity_type: invoice
//	    steps:
//	      - {name: Manager, step_type: single, approver_type: role, approvers: [manager]}
//	rules:
//	  - name: catch-all
//	    entity_type: invoice
//	    workflow: standard
//	    priority: 100
//	    conditions: {operator: manual}
type SeedFile struct {
	OrganizationID string         `yaml:"organization_id"`
	Members        []SeedMember   `yaml:"members"`
	Workflows      []SeedWorkflow `yaml:"workflows"`
	Rules          []SeedRule     `yaml:"rules"`
}

type SeedMember struct {
	UserID string   `yaml:"user_id"`
	Role   string   `yaml:"role"`
	Teams  []string `yaml:"teams"`
}

type SeedWorkflow struct {
	Key         string     `yaml:"key"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	EntityType  string     `yaml:"entity_type"`
	Steps       []SeedStep `yaml:"steps"`
}

type SeedStep struct {
	Name         string   `yaml:"name"`
	StepType     string   `yaml:"step_type"`
	ApproverType string   `yaml:"approver_type"`
	Approvers    []string `yaml:"approvers"`
	MinApprovals int      `yaml:"min_approvals"`
}

type SeedRule struct {
	Name       string         `yaml:"name"`
	EntityType string         `yaml:"entity_type"`
	Workflow   string         `yaml:"workflow"`
	Priority   int            `yaml:"priority"`
	Conditions map[string]any `yaml:"conditions"`
}

// SeedResult maps seed keys to created ids.
type SeedResult struct {
	Members   int
	Workflows map[string]string
	Rules     []string
}

// ParseSeed decodes a seed document.
func ParseSeed(r io.Reader) (*SeedFile, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.InvalidInput("seed", fmt.Sprintf("invalid seed file: %v", err))
	}
	if f.OrganizationID == "" {
		return nil, errors.InvalidInput("organization_id", "seed file needs organization_id")
	}
	return &f, nil
}

// ApplySeed creates the members, workflows and rules of f in that order.
func (s *WorkflowAdminService) ApplySeed(ctx context.Context, f *SeedFile, createdBy string) (*SeedResult, error) {
	res := &SeedResult{Workflows: map[string]string{}}

	for _, m := range f.Members {
		if err := s.UpsertMember(ctx, &repository.Membership{
			OrganizationID: f.OrganizationID,
			UserID:         m.UserID,
			Role:           m.Role,
			Teams:          m.Teams,
			IsActive:       true,
		}); err != nil {
			return res, err
		}
		res.Members++
	}

	for _, w := range f.Workflows {
		in := WorkflowInput{
			OrganizationID: f.OrganizationID,
			Name:           w.Name,
			Description:    w.Description,
			EntityType:     w.EntityType,
			CreatedBy:      createdBy,
		}
		for _, st := range w.Steps {
			in.Steps = append(in.Steps, StepInput{
				Name:         st.Name,
				StepType:     st.StepType,
				ApproverType: st.ApproverType,
				ApproverRefs: st.Approvers,
				MinApprovals: st.MinApprovals,
			})
		}
		wf, err := s.CreateWorkflow(ctx, in)
		if err != nil {
			return res, fmt.Errorf("workflow %q: %w", w.Key, err)
		}
		key := w.Key
		if key == "" {
			key = w.Name
		}
		res.Workflows[key] = wf.ID
	}

	for _, r := range f.Rules {
		workflowID, ok := res.Workflows[r.Workflow]
		if !ok {
			workflowID = r.Workflow
		}
		cond, err := rules.FromMap(r.Conditions)
		if err != nil {
			return res, errors.InvalidInput("conditions", fmt.Sprintf("rule %q: %v", r.Name, err))
		}
		raw, err := rules.Marshal(cond)
		if err != nil {
			return res, err
		}
		rule, err := s.CreateRule(ctx, RuleInput{
			OrganizationID: f.OrganizationID,
			EntityType:     r.EntityType,
			Name:           r.Name,
			WorkflowID:     workflowID,
			Conditions:     raw,
			Priority:       r.Priority,
		})
		if err != nil {
			return res, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		res.Rules = append(res.Rules, rule.ID)
	}
	return res, nil
}
