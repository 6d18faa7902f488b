package workflow

import "github.com/aventus/onboarding/model"

// statusGraph lists the direct successors of each status. activated is
// terminal.
var statusGraph = map[model.Status][]model.Status{
	model.StatusDraft:             {model.StatusPendingDocuments},
	model.StatusPendingDocuments:  {model.StatusDocumentsUploaded},
	model.StatusDocumentsUploaded: {model.StatusPendingReview},
	model.StatusPendingReview:     {model.StatusApproved},
	model.StatusApproved:          {model.StatusPendingSignature},
	model.StatusPendingSignature:  {model.StatusSigned},
	model.StatusSigned:            {model.StatusValidated},
	model.StatusValidated:         {model.StatusActivated},
	model.StatusActivated:         nil,
}

// NextStatuses returns the statuses reachable from s in one transition.
func NextStatuses(s model.Status) []model.Status {
	next := statusGraph[s]
	out := make([]model.Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether to is a direct successor of from.
func CanTransition(from, to model.Status) bool {
	for _, s := range statusGraph[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no successors.
func IsTerminal(s model.Status) bool {
	_, known := statusGraph[s]
	return known && len(statusGraph[s]) == 0
}

// Transition returns a copy of state moved to status to, or an
// ILLEGAL_TRANSITION error leaving state untouched.
func Transition(state model.ContractorWorkflow, to model.Status) (model.ContractorWorkflow, error) {
	if !CanTransition(state.Status, to) {
		return state, model.NewIllegalTransitionError(state.Status, to)
	}
	next := state.Clone()
	next.Status = to
	return next, nil
}
