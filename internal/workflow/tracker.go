package workflow

import (
	"time"

	"github.com/aventus/onboarding/model"
)

// Paths resolves business type paths. *definition.Registry satisfies it.
type Paths interface {
	WorkflowSteps(bt model.BusinessType) ([]model.WorkflowStep, error)
	IsStepApplicable(bt model.BusinessType, stepID string) bool
}

// Tracker records step completions and derives progress from a contractor's
// state. It holds no state of its own: every method takes the state value and
// never mutates it.
type Tracker struct {
	paths       Paths
	strictOrder bool
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithStrictOrder rejects completion of any step other than the current one.
// Off by default: steps may be completed in any order and CanActivate is the
// only gate.
func WithStrictOrder(strict bool) TrackerOption {
	return func(t *Tracker) { t.strictOrder = strict }
}

// NewTracker creates a Tracker over the given paths.
func NewTracker(paths Paths, opts ...TrackerOption) *Tracker {
	t := &Tracker{paths: paths}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StrictOrder reports whether sequential completion is enforced.
func (t *Tracker) StrictOrder() bool {
	return t.strictOrder
}

// MarkStepComplete returns a copy of state with stepID recorded as completed
// at the given time. changed is false when the step was already complete, in
// which case state is returned as-is. Completing the last outstanding step
// moves the status to activated.
func (t *Tracker) MarkStepComplete(state model.ContractorWorkflow, stepID, actorID string, at time.Time) (next model.ContractorWorkflow, changed bool, err error) {
	path, err := t.paths.WorkflowSteps(state.BusinessType)
	if err != nil {
		return state, false, err
	}
	if state.Status == model.StatusActivated {
		return state, false, model.NewIllegalTransitionErrorf(
			"contractor %q is activated; no further steps permitted", state.ContractorID)
	}
	if !t.paths.IsStepApplicable(state.BusinessType, stepID) {
		return state, false, model.NewInvalidStepError(state.BusinessType, stepID)
	}
	if state.IsCompleted(stepID) {
		return state, false, nil
	}
	if t.strictOrder {
		if current := firstIncomplete(path, state); current != nil && current.ID != stepID {
			return state, false, model.NewStepOutOfOrderError(stepID, current.ID)
		}
	}

	next = state.Clone()
	next.Completed[stepID] = model.StepCompletion{
		StepID:      stepID,
		CompletedAt: at,
		CompletedBy: actorID,
	}
	if firstIncomplete(path, next) == nil {
		next.Status = model.StatusActivated
		activatedAt := at
		next.ActivatedAt = &activatedAt
	}
	return next, true, nil
}

// CurrentStep returns the lowest-order step not yet completed, or nil when the
// whole path is complete.
func (t *Tracker) CurrentStep(state model.ContractorWorkflow) (*model.WorkflowStep, error) {
	path, err := t.paths.WorkflowSteps(state.BusinessType)
	if err != nil {
		return nil, err
	}
	return firstIncomplete(path, state), nil
}

// ProgressFraction returns the share of path steps completed, in [0, 1].
func (t *Tracker) ProgressFraction(state model.ContractorWorkflow) (float64, error) {
	path, err := t.paths.WorkflowSteps(state.BusinessType)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, s := range path {
		if state.IsCompleted(s.ID) {
			done++
		}
	}
	return float64(done) / float64(len(path)), nil
}

// CanActivate reports whether every step on the path is completed.
func (t *Tracker) CanActivate(state model.ContractorWorkflow) (bool, error) {
	path, err := t.paths.WorkflowSteps(state.BusinessType)
	if err != nil {
		return false, err
	}
	return firstIncomplete(path, state) == nil, nil
}

func firstIncomplete(path []model.WorkflowStep, state model.ContractorWorkflow) *model.WorkflowStep {
	for i := range path {
		if !state.IsCompleted(path[i].ID) {
			s := path[i]
			return &s
		}
	}
	return nil
}
