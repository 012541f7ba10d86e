package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// DefaultMaxDelegationHops bounds delegation chains when none is configured.
const DefaultMaxDelegationHops = 3

// ApprovalService drives approval requests through their workflow steps.
// Every mutation runs in one store transaction with the request row locked.
type ApprovalService struct {
	store     repository.Store
	engine    *RulesEngine
	directory Directory
	notifier  Notifier
	metrics   *metrics.Metrics
	handlers  []CompletionHandler
	maxHops   int
	now       func() time.Time
	log       *logger.Logger
}

// NewApprovalService creates a new ApprovalService. notifier and m may be nil.
func NewApprovalService(
	store repository.Store,
	engine *RulesEngine,
	directory Directory,
	notifier Notifier,
	m *metrics.Metrics,
	maxHops int,
	log *logger.Logger,
) *ApprovalService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if maxHops <= 0 {
		maxHops = DefaultMaxDelegationHops
	}
	return &ApprovalService{
		store:     store,
		engine:    engine,
		directory: directory,
		notifier:  notifier,
		metrics:   m,
		maxHops:   maxHops,
		now:       time.Now,
		log:       log,
	}
}

// OnCompletion registers h. Call during startup only.
func (s *ApprovalService) OnCompletion(h CompletionHandler) {
	s.handlers = append(s.handlers, h)
}

// SubmitInput is the payload of SubmitForApproval.
type SubmitInput struct {
	OrganizationID string
	UserID         string
	EntityType     string
	EntityID       string
	EntityData     map[string]any
}

// SubmitResult describes a newly created request.
type SubmitResult struct {
	RequestID  string
	WorkflowID string
	RuleID     string
	Status     string
	StepOrder  int
	Approvers  []string
	Message    string
}

// Decision is the outcome of an approve, reject or cancel action.
// Completed is true exactly once per request: on the action that made it terminal.
type Decision struct {
	RequestID     string
	Status        string
	StepOrder     int
	QuorumMet     bool
	NextStepOrder int
	NextApprovers []string
	Completed     bool
	CompletedAt   *time.Time
	Message       string
}

// RequestDetail is a request with every step instance created so far.
type RequestDetail struct {
	Request *repository.ApprovalRequest
	Steps   []*repository.ApprovalStep
}

// PendingApproval is a step awaiting the user together with its request.
type PendingApproval struct {
	Request *repository.ApprovalRequest
	Step    *repository.ApprovalStep
}

// ── Submit ────────────────────────────────────────────────────────────────────

// SubmitForApproval selects a workflow for the entity and opens a request at
// the workflow's first step.
func (s *ApprovalService) SubmitForApproval(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	switch {
	case strings.TrimSpace(in.OrganizationID) == "":
		return nil, errors.InvalidInput("organization_id", "organization is required")
	case strings.TrimSpace(in.UserID) == "":
		return nil, errors.InvalidInput("user_id", "user is required")
	case strings.TrimSpace(in.EntityType) == "":
		return nil, errors.InvalidInput("entity_type", "entity type is required")
	case strings.TrimSpace(in.EntityID) == "":
		return nil, errors.InvalidInput("entity_id", "entity id is required")
	case len(in.EntityData) == 0:
		return nil, errors.InvalidInput("entity_data", "entity data is required")
	}

	if err := assertMember(ctx, s.directory, in.OrganizationID, in.UserID); err != nil {
		return nil, s.fail("submit_for_approval", err, "", in.UserID)
	}

	match, err := s.engine.FindMatchingWorkflow(ctx, in.OrganizationID, in.EntityType, in.EntityData)
	if err != nil {
		return nil, s.fail("submit_for_approval", err, "", in.UserID)
	}
	if match == nil {
		return nil, errors.New(errors.ErrCodeNotFound, fmt.Sprintf(
			"no approval workflow matches this %s; check the organization's approval rules", in.EntityType))
	}

	wf, err := s.store.Repos().Workflows.GetByID(ctx, match.WorkflowID)
	if err != nil {
		return nil, s.fail("submit_for_approval", err, "", in.UserID)
	}
	first := firstStep(wf)
	if first == nil {
		return nil, errors.InvalidInput("workflow", fmt.Sprintf("workflow %q has no steps", wf.Name))
	}
	approvers, err := s.engine.GetRequiredApprovers(ctx, first, in.OrganizationID)
	if err != nil {
		return nil, s.fail("submit_for_approval", err, "", in.UserID)
	}

	now := s.now()
	req := &repository.ApprovalRequest{
		OrganizationID:   in.OrganizationID,
		EntityType:       in.EntityType,
		EntityID:         in.EntityID,
		EntityData:       in.EntityData,
		WorkflowID:       wf.ID,
		RuleID:           &match.RuleID,
		RequestedBy:      in.UserID,
		Status:           repository.RequestStatusPending,
		CurrentStepOrder: first.StepOrder,
		TotalSteps:       len(wf.Steps),
		SubmittedAt:      now,
	}

	err = s.store.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		if err := repos.Requests.Create(ctx, req); err != nil {
			return err
		}
		if err := repos.Steps.CreateBatch(ctx, buildSteps(req, first, approvers)); err != nil {
			return err
		}
		return appendAudit(ctx, repos, req, nil, "submitted", in.UserID, "", repository.RequestStatusPending, map[string]any{
			"workflow_id":      wf.ID,
			"workflow_version": wf.Version,
			"rule_id":          match.RuleID,
			"step_order":       first.StepOrder,
			"approvers":        approvers,
		})
	})
	if err != nil {
		return nil, s.fail("submit_for_approval", err, "", in.UserID)
	}

	s.metrics.ApprovalAction("submit")
	s.log.Info().
		Str("request_id", req.ID).
		Str("workflow_id", wf.ID).
		Str("entity_type", req.EntityType).
		Str("entity_id", req.EntityID).
		Int("approvers", len(approvers)).
		Msg("Approval request submitted")

	s.notifier.PublishApprovalEvent(ctx, EventStepAssigned, req, in.UserID, approvers, map[string]any{
		"step_order": first.StepOrder,
		"step_name":  first.Name,
	})

	return &SubmitResult{
		RequestID:  req.ID,
		WorkflowID: wf.ID,
		RuleID:     match.RuleID,
		Status:     req.Status,
		StepOrder:  first.StepOrder,
		Approvers:  approvers,
		Message: fmt.Sprintf("submitted for approval via %q; step %d of %d awaits %d approver(s)",
			wf.Name, first.StepOrder, len(wf.Steps), len(approvers)),
	}, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// Approve records userID's approval and advances or completes the request when
// the current step's quorum is met.
func (s *ApprovalService) Approve(ctx context.Context, requestID, userID, comments string) (*Decision, error) {
	var (
		req      *repository.ApprovalRequest
		decision *Decision
		now      = s.now()
	)

	err := s.store.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		var (
			step *repository.ApprovalStep
			err  error
		)
		req, step, err = loadActionable(ctx, repos, requestID, userID)
		if err != nil {
			return err
		}

		if err := repos.Steps.UpdateAction(ctx, step.ID, repository.StepStatusApproved, userID, nullable(comments), now); err != nil {
			return err
		}
		if err := appendAudit(ctx, repos, req, &step.ID, "approved", userID, repository.StepStatusPending, repository.StepStatusApproved, map[string]any{
			"step_order": step.StepOrder,
			"comments":   comments,
		}); err != nil {
			return err
		}

		wf, err := repos.Workflows.GetByID(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		def := stepAt(wf, req.CurrentStepOrder)
		if def == nil {
			return errors.New(errors.ErrCodeInternal, fmt.Sprintf(
				"workflow %s has no step %d", wf.ID, req.CurrentStepOrder))
		}
		current, err := repos.Steps.ListByOrder(ctx, req.ID, req.CurrentStepOrder)
		if err != nil {
			return err
		}

		decision = &Decision{
			RequestID: req.ID,
			Status:    repository.RequestStatusPending,
			StepOrder: req.CurrentStepOrder,
		}
		if !quorumMet(def, current) {
			decision.Message = fmt.Sprintf("approval recorded; %d of %d required approvals at step %d",
				countApproved(current), requiredApprovals(def, len(current)), def.StepOrder)
			return nil
		}

		decision.QuorumMet = true
		if _, err := repos.Steps.ResolvePending(ctx, req.ID, req.CurrentStepOrder, repository.StepStatusSkipped, now); err != nil {
			return err
		}

		if next := nextStep(wf, req.CurrentStepOrder); next != nil {
			approvers, err := resolveApprovers(ctx, NewRepositoryDirectory(repos.Members), next, req.OrganizationID)
			if err != nil {
				return err
			}
			if err := repos.Steps.CreateBatch(ctx, buildSteps(req, next, approvers)); err != nil {
				return err
			}
			if err := repos.Requests.AdvanceStep(ctx, req.ID, next.StepOrder); err != nil {
				return err
			}
			if err := appendAudit(ctx, repos, req, nil, "advanced", userID, repository.RequestStatusPending, repository.RequestStatusPending, map[string]any{
				"from_step_order": req.CurrentStepOrder,
				"to_step_order":   next.StepOrder,
				"approvers":       approvers,
			}); err != nil {
				return err
			}
			req.CurrentStepOrder = next.StepOrder
			decision.NextStepOrder = next.StepOrder
			decision.NextApprovers = approvers
			decision.Message = fmt.Sprintf("step %d approved; step %d awaits %d approver(s)",
				def.StepOrder, next.StepOrder, len(approvers))
			return nil
		}

		if err := repos.Requests.UpdateStatus(ctx, req.ID, repository.RequestStatusApproved, &userID, &now); err != nil {
			return err
		}
		if err := appendAudit(ctx, repos, req, nil, "completed", userID, repository.RequestStatusPending, repository.RequestStatusApproved, nil); err != nil {
			return err
		}
		markTerminal(req, repository.RequestStatusApproved, userID, now)
		decision.Status = repository.RequestStatusApproved
		decision.Completed = true
		decision.CompletedAt = &now
		decision.Message = "request approved"
		return nil
	})
	if err != nil {
		return nil, s.fail("approve", err, requestID, userID)
	}

	s.metrics.ApprovalAction("approve")
	s.log.Info().
		Str("request_id", req.ID).
		Str("user_id", userID).
		Int("step_order", decision.StepOrder).
		Bool("quorum_met", decision.QuorumMet).
		Str("status", decision.Status).
		Msg("Approval recorded")

	if decision.NextStepOrder > 0 {
		s.notifier.PublishApprovalEvent(ctx, EventStepAssigned, req, userID, decision.NextApprovers, map[string]any{
			"step_order": decision.NextStepOrder,
		})
	}
	if decision.Completed {
		s.complete(ctx, req, userID, now)
	}
	return decision, nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

// Reject terminates the request. Earlier approvals stay on record.
func (s *ApprovalService) Reject(ctx context.Context, requestID, userID, comments string) (*Decision, error) {
	var (
		req      *repository.ApprovalRequest
		decision *Decision
		now      = s.now()
	)

	err := s.store.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		var (
			step *repository.ApprovalStep
			err  error
		)
		req, step, err = loadActionable(ctx, repos, requestID, userID)
		if err != nil {
			return err
		}

		if err := repos.Steps.UpdateAction(ctx, step.ID, repository.StepStatusRejected, userID, nullable(comments), now); err != nil {
			return err
		}
		if _, err := repos.Steps.ResolvePending(ctx, req.ID, req.CurrentStepOrder, repository.StepStatusCancelled, now); err != nil {
			return err
		}
		if err := repos.Requests.UpdateStatus(ctx, req.ID, repository.RequestStatusRejected, &userID, &now); err != nil {
			return err
		}
		if err := appendAudit(ctx, repos, req, &step.ID, "rejected", userID, repository.RequestStatusPending, repository.RequestStatusRejected, map[string]any{
			"step_order": step.StepOrder,
			"comments":   comments,
		}); err != nil {
			return err
		}

		markTerminal(req, repository.RequestStatusRejected, userID, now)
		decision = &Decision{
			RequestID:   req.ID,
			Status:      repository.RequestStatusRejected,
			StepOrder:   step.StepOrder,
			Completed:   true,
			CompletedAt: &now,
			Message:     fmt.Sprintf("request rejected at step %d", step.StepOrder),
		}
		return nil
	})
	if err != nil {
		return nil, s.fail("reject", err, requestID, userID)
	}

	s.metrics.ApprovalAction("reject")
	s.log.Info().
		Str("request_id", req.ID).
		Str("user_id", userID).
		Int("step_order", decision.StepOrder).
		Msg("Approval request rejected")

	s.complete(ctx, req, userID, now)
	return decision, nil
}

// ── Delegation ────────────────────────────────────────────────────────────────

// Delegate hands userID's pending step to delegateTo without deciding it.
// Only the delegate may act on the step afterwards.
func (s *ApprovalService) Delegate(ctx context.Context, requestID, userID, delegateTo, comments string) (*repository.ApprovalStep, error) {
	delegateTo = strings.TrimSpace(delegateTo)
	if delegateTo == "" {
		return nil, errors.InvalidInput("delegate_to", "delegate is required")
	}
	if delegateTo == userID {
		return nil, errors.InvalidInput("delegate_to", "cannot delegate to yourself")
	}

	var (
		req  *repository.ApprovalRequest
		step *repository.ApprovalStep
		now  = s.now()
	)

	err := s.store.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		var err error
		req, step, err = loadActionable(ctx, repos, requestID, userID)
		if err != nil {
			return err
		}

		if _, err := repos.Members.Get(ctx, req.OrganizationID, delegateTo); err != nil {
			if errors.IsNotFound(err) {
				return errors.InvalidInput("delegate_to", "delegate is not a member of the organization")
			}
			return err
		}

		hops := step.DelegationHops + 1
		if hops > s.maxHops {
			return errors.InvalidInput("delegate_to", fmt.Sprintf("delegation limit of %d hops reached", s.maxHops))
		}

		siblings, err := repos.Steps.ListByOrder(ctx, req.ID, step.StepOrder)
		if err != nil {
			return err
		}
		// One person counts once towards a step's quorum, so a delegate must
		// not already hold or have decided another slot at this order.
		for _, sib := range siblings {
			if sib.ID == step.ID {
				continue
			}
			if sib.Actor() == delegateTo || (sib.ActedBy != nil && *sib.ActedBy == delegateTo) {
				return errors.InvalidInput("delegate_to", "delegate already takes part in this step")
			}
		}

		if err := repos.Steps.Delegate(ctx, step.ID, delegateTo, hops, now); err != nil {
			return err
		}
		step.DelegatedTo = &delegateTo
		step.DelegatedAt = &now
		step.DelegationHops = hops

		return appendAudit(ctx, repos, req, &step.ID, "delegated", userID, "", "", map[string]any{
			"step_order":   step.StepOrder,
			"delegated_to": delegateTo,
			"hops":         hops,
			"comments":     comments,
		})
	})
	if err != nil {
		return nil, s.fail("delegate", err, requestID, userID)
	}

	s.metrics.ApprovalAction("delegate")
	s.log.Info().
		Str("request_id", req.ID).
		Str("user_id", userID).
		Str("delegated_to", delegateTo).
		Int("hops", step.DelegationHops).
		Msg("Approval step delegated")

	s.notifier.PublishApprovalEvent(ctx, EventStepDelegated, req, userID, []string{delegateTo}, map[string]any{
		"step_order": step.StepOrder,
		"comments":   comments,
	})
	return step, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel withdraws a pending request. Only the requester may cancel.
func (s *ApprovalService) Cancel(ctx context.Context, requestID, userID, reason string) (*Decision, error) {
	var (
		req      *repository.ApprovalRequest
		decision *Decision
		now      = s.now()
	)

	err := s.store.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		var err error
		req, err = repos.Requests.GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.IsTerminal() {
			return alreadyDecided(req)
		}
		if req.RequestedBy != userID {
			return errors.Forbidden("only the requester can cancel an approval request")
		}

		if _, err := repos.Steps.ResolvePending(ctx, req.ID, req.CurrentStepOrder, repository.StepStatusCancelled, now); err != nil {
			return err
		}
		if err := repos.Requests.UpdateStatus(ctx, req.ID, repository.RequestStatusCancelled, &userID, &now); err != nil {
			return err
		}
		if err := appendAudit(ctx, repos, req, nil, "cancelled", userID, repository.RequestStatusPending, repository.RequestStatusCancelled, map[string]any{
			"reason": reason,
		}); err != nil {
			return err
		}

		markTerminal(req, repository.RequestStatusCancelled, userID, now)
		decision = &Decision{
			RequestID:   req.ID,
			Status:      repository.RequestStatusCancelled,
			StepOrder:   req.CurrentStepOrder,
			Completed:   true,
			CompletedAt: &now,
			Message:     "request cancelled",
		}
		return nil
	})
	if err != nil {
		return nil, s.fail("cancel", err, requestID, userID)
	}

	s.metrics.ApprovalAction("cancel")
	s.log.Info().Str("request_id", req.ID).Str("user_id", userID).Msg("Approval request cancelled")

	s.complete(ctx, req, userID, now)
	return decision, nil
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// GetRequest returns a request of orgID with its steps.
func (s *ApprovalService) GetRequest(ctx context.Context, orgID, requestID string) (*RequestDetail, error) {
	repos := s.store.Repos()
	req, err := getOwnedRequest(ctx, repos, orgID, requestID)
	if err != nil {
		return nil, err
	}
	steps, err := repos.Steps.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &RequestDetail{Request: req, Steps: steps}, nil
}

// ListRequests returns requests matching filter, newest first.
func (s *ApprovalService) ListRequests(ctx context.Context, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error) {
	if filter.OrganizationID == "" {
		return nil, errors.InvalidInput("organization_id", "organization is required")
	}
	return s.store.Repos().Requests.List(ctx, filter)
}

// ListPending returns every step awaiting userID in orgID.
func (s *ApprovalService) ListPending(ctx context.Context, orgID, userID string) ([]*PendingApproval, error) {
	repos := s.store.Repos()
	steps, err := repos.Steps.ListPendingForUser(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}

	out := make([]*PendingApproval, 0, len(steps))
	requests := map[string]*repository.ApprovalRequest{}
	for _, st := range steps {
		req, ok := requests[st.RequestID]
		if !ok {
			if req, err = repos.Requests.GetByID(ctx, st.RequestID); err != nil {
				return nil, err
			}
			requests[st.RequestID] = req
		}
		out = append(out, &PendingApproval{Request: req, Step: st})
	}
	return out, nil
}

// History returns the audit trail of a request in the order it was written.
func (s *ApprovalService) History(ctx context.Context, orgID, requestID string) ([]*repository.ApprovalAuditEntry, error) {
	repos := s.store.Repos()
	if _, err := getOwnedRequest(ctx, repos, orgID, requestID); err != nil {
		return nil, err
	}
	return repos.Audit.ListByRequest(ctx, requestID)
}

// ── Authorization helpers ─────────────────────────────────────────────────────

// loadActionable locks the request and returns the step userID may act on.
func loadActionable(
	ctx context.Context,
	repos *repository.Repositories,
	requestID, userID string,
) (*repository.ApprovalRequest, *repository.ApprovalStep, error) {
	req, err := repos.Requests.GetForUpdate(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.IsTerminal() {
		return nil, nil, alreadyDecided(req)
	}
	step, err := repos.Steps.FindActionable(ctx, req.ID, userID)
	if err != nil {
		return nil, nil, err
	}
	if err := assertMember(ctx, NewRepositoryDirectory(repos.Members), req.OrganizationID, userID); err != nil {
		return nil, nil, err
	}
	return req, step, nil
}

// assertMember checks that userID belongs to orgID.
func assertMember(ctx context.Context, dir Directory, orgID, userID string) error {
	if _, err := dir.Membership(ctx, orgID, userID); err != nil {
		if errors.IsNotFound(err) {
			return errors.Forbidden("user is not a member of the organization")
		}
		return err
	}
	return nil
}

func getOwnedRequest(ctx context.Context, repos *repository.Repositories, orgID, requestID string) (*repository.ApprovalRequest, error) {
	req, err := repos.Requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.OrganizationID != orgID {
		return nil, errors.NotFound("approval_request", requestID)
	}
	return req, nil
}

func alreadyDecided(req *repository.ApprovalRequest) error {
	return errors.InvalidInput("request_id", fmt.Sprintf("approval request already decided (status: %s)", req.Status))
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// complete reports a terminal transition to subscribers and handlers.
func (s *ApprovalService) complete(ctx context.Context, req *repository.ApprovalRequest, actorID string, at time.Time) {
	event := EventRequestApproved
	switch req.Status {
	case repository.RequestStatusRejected:
		event = EventRequestRejected
	case repository.RequestStatusCancelled:
		event = EventRequestCancelled
	}
	s.notifier.PublishApprovalEvent(ctx, event, req, actorID, []string{req.RequestedBy}, nil)

	ev := CompletionEvent{Request: req, Status: req.Status, ActorID: actorID, OccurredAt: at}
	for _, h := range s.handlers {
		if err := h.OnApprovalCompleted(ctx, ev); err != nil {
			s.log.Error().Err(err).
				Str("request_id", req.ID).
				Str("status", req.Status).
				Msg("Completion handler failed")
		}
	}
}

// fail passes known errors through and hides everything else behind
// OPERATION_FAILED after logging it.
func (s *ApprovalService) fail(op string, err error, requestID, userID string) error {
	if errors.Known(err) {
		return err
	}
	s.log.Error().Err(err).
		Str("operation", op).
		Str("request_id", requestID).
		Str("user_id", userID).
		Msg("Approval operation failed")
	return errors.OperationFailed(op, err)
}

func appendAudit(
	ctx context.Context,
	repos *repository.Repositories,
	req *repository.ApprovalRequest,
	stepID *string,
	action, performedBy, before, after string,
	metadata map[string]any,
) error {
	return repos.Audit.Append(ctx, &repository.ApprovalAuditEntry{
		RequestID:      req.ID,
		OrganizationID: req.OrganizationID,
		StepID:         stepID,
		Action:         action,
		PerformedBy:    performedBy,
		StatusBefore:   nullable(before),
		StatusAfter:    nullable(after),
		Metadata:       metadata,
	})
}

func buildSteps(req *repository.ApprovalRequest, def *repository.WorkflowStep, approvers []string) []*repository.ApprovalStep {
	steps := make([]*repository.ApprovalStep, 0, len(approvers))
	for _, id := range approvers {
		steps = append(steps, &repository.ApprovalStep{
			RequestID:      req.ID,
			OrganizationID: req.OrganizationID,
			WorkflowStepID: def.ID,
			StepOrder:      def.StepOrder,
			StepType:       def.StepType,
			ApproverID:     id,
			Status:         repository.StepStatusPending,
		})
	}
	return steps
}

func markTerminal(req *repository.ApprovalRequest, status, actor string, at time.Time) {
	req.Status = status
	req.CompletedBy = &actor
	req.CompletedAt = &at
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
