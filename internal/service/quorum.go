package service

import "github.com/pesio-ai/be-plt-approvals/internal/repository"

// requiredApprovals is the number of approvals the definition needs when
// assigned approvers hold slots at its order.
func requiredApprovals(def *repository.WorkflowStep, assigned int) int {
	switch def.StepType {
	case repository.StepTypeParallel:
		return assigned
	case repository.StepTypeAny:
		return min(max(def.MinApprovals, 1), assigned)
	default:
		return 1
	}
}

// countApproved counts distinct people who approved at one step order.
func countApproved(steps []*repository.ApprovalStep) int {
	seen := make(map[string]struct{}, len(steps))
	for _, st := range steps {
		if st.Status != repository.StepStatusApproved {
			continue
		}
		who := st.Actor()
		if st.ActedBy != nil {
			who = *st.ActedBy
		}
		seen[who] = struct{}{}
	}
	return len(seen)
}

// quorumMet reports whether the decisions recorded at one step order satisfy
// the step definition.
func quorumMet(def *repository.WorkflowStep, steps []*repository.ApprovalStep) bool {
	if len(steps) == 0 {
		return false
	}
	return countApproved(steps) >= requiredApprovals(def, len(steps))
}

// stepAt returns the definition with the given order, or nil.
func stepAt(wf *repository.Workflow, order int) *repository.WorkflowStep {
	for _, st := range wf.Steps {
		if st.StepOrder == order {
			return st
		}
	}
	return nil
}

// nextStep returns the first definition after order, or nil for the last step.
func nextStep(wf *repository.Workflow, order int) *repository.WorkflowStep {
	var next *repository.WorkflowStep
	for _, st := range wf.Steps {
		if st.StepOrder > order && (next == nil || st.StepOrder < next.StepOrder) {
			next = st
		}
	}
	return next
}

func firstStep(wf *repository.Workflow) *repository.WorkflowStep {
	return nextStep(wf, 0)
}
