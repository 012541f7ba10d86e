package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

func TestCreateWorkflowValidation(t *testing.T) {
	h := newHarness(t, 0)
	user := func(refs ...string) StepInput {
		return StepInput{Name: "s", StepType: repository.StepTypeSingle, ApproverType: repository.ApproverTypeUser, ApproverRefs: refs}
	}

	tests := []struct {
		name  string
		steps []StepInput
		field string
	}{
		{"no steps", nil, "steps"},
		{"unknown step type", []StepInput{{Name: "s", StepType: "majority", ApproverType: "user", ApproverRefs: []string{"u1"}}}, "steps[0].step_type"},
		{"unknown approver type", []StepInput{{Name: "s", StepType: "single", ApproverType: "group", ApproverRefs: []string{"u1"}}}, "steps[0].approver_type"},
		{"blank refs", []StepInput{user(" ", "")}, "steps[0].approver_refs"},
		{"orders not increasing", []StepInput{{StepOrder: 2, Name: "a", StepType: "single", ApproverType: "user", ApproverRefs: []string{"u1"}}, {StepOrder: 2, Name: "b", StepType: "single", ApproverType: "user", ApproverRefs: []string{"u2"}}}, "steps[1].step_order"},
		{"single with quorum", []StepInput{{Name: "s", StepType: "single", ApproverType: "user", ApproverRefs: []string{"u1", "u2"}, MinApprovals: 2}}, "steps[0].min_approvals"},
		{"any without quorum", []StepInput{{Name: "s", StepType: "any", ApproverType: "role", ApproverRefs: []string{"director"}}}, "steps[0].min_approvals"},
		{"quorum above users", []StepInput{{Name: "s", StepType: "any", ApproverType: "user", ApproverRefs: []string{"u1"}, MinApprovals: 2}}, "steps[0].min_approvals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.admin.CreateWorkflow(context.Background(), WorkflowInput{
				OrganizationID: testOrg, Name: "wf", EntityType: "invoice", Steps: tt.steps,
			})
			require.Error(t, err)
			var e *errors.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, errors.ErrCodeInvalidInput, e.Code)
			assert.Equal(t, tt.field, e.Field)
		})
	}
}

func TestCreateWorkflowDefaults(t *testing.T) {
	h := newHarness(t, 0)
	wf := h.workflow(t, "invoice", "Defaults",
		StepInput{Name: "one", StepType: repository.StepTypeSingle, ApproverType: repository.ApproverTypeUser, ApproverRefs: []string{"u1"}},
		StepInput{Name: "two", StepType: repository.StepTypeParallel, ApproverType: repository.ApproverTypeUser, ApproverRefs: []string{"u3", "u2", "u2"}},
	)
	assert.Equal(t, 1, wf.Version)
	assert.True(t, wf.IsActive)

	steps, err := NewRulesEngine(h.store, nil, logger.Nop()).GetWorkflowSteps(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].StepOrder)
	assert.Equal(t, 1, steps[0].MinApprovals)
	assert.Equal(t, 2, steps[1].StepOrder)
	assert.Equal(t, []string{"u2", "u3"}, steps[1].ApproverRefs)
	assert.Equal(t, 2, steps[1].MinApprovals)
}

func TestReviseWorkflowRepointsRules(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	a, _ := invoiceSetup(t, h)
	inflight := h.submit(t, "invoice", map[string]any{"amount": 5000})

	next, err := h.admin.ReviseWorkflow(ctx, a.ID, WorkflowInput{
		OrganizationID: testOrg,
		Name:           "Large invoice v2",
		Steps: []StepInput{
			{Name: "Finance", StepType: repository.StepTypeAny, ApproverType: repository.ApproverTypeTeam, ApproverRefs: []string{"ap"}, MinApprovals: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	require.NotNil(t, next.PreviousVersionID)
	assert.Equal(t, a.ID, *next.PreviousVersionID)
	assert.Equal(t, "invoice", next.EntityType)

	prev, err := h.admin.GetWorkflow(ctx, testOrg, a.ID)
	require.NoError(t, err)
	assert.False(t, prev.IsActive)

	res := h.submit(t, "invoice", map[string]any{"amount": 9000})
	assert.Equal(t, next.ID, res.WorkflowID)
	assert.Equal(t, []string{"u2", "u3"}, res.Approvers)

	// The request submitted earlier keeps its version.
	d, err := h.approvals.Approve(ctx, inflight.RequestID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, d.NextStepOrder)

	_, err = h.admin.ReviseWorkflow(ctx, a.ID, WorkflowInput{OrganizationID: testOrg, Name: "again", Steps: []StepInput{
		{Name: "x", StepType: repository.StepTypeSingle, ApproverType: repository.ApproverTypeUser, ApproverRefs: []string{"u1"}},
	}})
	assert.True(t, errors.IsInvalidInput(err))
}

func TestDeactivateWorkflowDisablesRules(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	_, b := invoiceSetup(t, h)

	require.NoError(t, h.admin.DeactivateWorkflow(ctx, testOrg, b.ID))

	active, err := h.admin.ListRules(ctx, testOrg, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "R1", active[0].Name)

	_, err = h.approvals.SubmitForApproval(ctx, SubmitInput{
		OrganizationID: testOrg, UserID: "alice", EntityType: "invoice", EntityID: "inv-9",
		EntityData: map[string]any{"amount": 10},
	})
	assert.True(t, errors.IsNotFound(err))

	assert.True(t, errors.IsNotFound(h.admin.DeactivateWorkflow(ctx, "org-2", b.ID)))
}

func TestCreateRuleChecksConditionsAndWorkflow(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	a, _ := invoiceSetup(t, h)

	_, err := h.admin.CreateRule(ctx, RuleInput{
		OrganizationID: testOrg, EntityType: "invoice", Name: "bad", WorkflowID: a.ID,
		Conditions: json.RawMessage(`{"field":"amount","operator":"between","value":1}`),
	})
	assert.True(t, errors.IsInvalidInput(err))

	_, err = h.admin.CreateRule(ctx, RuleInput{
		OrganizationID: testOrg, EntityType: "expense", Name: "wrong type", WorkflowID: a.ID,
		Conditions: json.RawMessage(`{"operator":"manual"}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow handles invoice, not expense")

	_, err = h.admin.CreateRule(ctx, RuleInput{
		OrganizationID: "org-2", EntityType: "invoice", Name: "foreign", WorkflowID: a.ID,
		Conditions: json.RawMessage(`{"operator":"manual"}`),
	})
	assert.True(t, errors.IsInvalidInput(err))
}

func TestSetRuleActiveChangesSelection(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	_, b := invoiceSetup(t, h)

	rules, err := h.admin.ListRules(ctx, testOrg, true)
	require.NoError(t, err)
	var r1 string
	for _, r := range rules {
		if r.Name == "R1" {
			r1 = r.ID
		}
	}
	require.NotEmpty(t, r1)
	require.NoError(t, h.admin.SetRuleActive(ctx, testOrg, r1, false))

	res := h.submit(t, "invoice", map[string]any{"amount": 5000})
	assert.Equal(t, b.ID, res.WorkflowID)
}

const seedYAML = `
organization_id: org-1
members:
  - {user_id: alice, role: clerk}
  - {user_id: m1, role: manager, teams: [ap]}
  - {user_id: m2, role: manager, teams: [ap]}
workflows:
  - key: standard
    name: Standard invoice approval
    entity_type: invoice
    steps:
      - {name: Manager, step_type: any, approver_type: role, approvers: [manager], min_approvals: 1}
rules:
  - name: catch-all
    entity_type: invoice
    workflow: standard
    priority: 100
    conditions: {operator: manual}
`

func TestSeedCreatesMembersWorkflowsAndRules(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	f, err := ParseSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	res, err := h.admin.ApplySeed(ctx, f, "seed")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Members)
	require.Contains(t, res.Workflows, "standard")
	require.Len(t, res.Rules, 1)

	submitted := h.submit(t, "invoice", map[string]any{"amount": 1})
	assert.Equal(t, res.Workflows["standard"], submitted.WorkflowID)
	assert.Equal(t, []string{"m1", "m2", "u1"}, submitted.Approvers)
}

func TestParseSeedRejectsUnknownFields(t *testing.T) {
	_, err := ParseSeed(strings.NewReader("organization_id: org-1\nworkflow: []\n"))
	assert.True(t, errors.IsInvalidInput(err))

	_, err = ParseSeed(strings.NewReader("members: []\n"))
	assert.True(t, errors.IsInvalidInput(err))
}
