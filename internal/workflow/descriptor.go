package workflow

import (
	"github.com/aventus/onboarding/model"
)

// Describe builds the read model for a contractor from its state and the
// business type's path.
func (t *Tracker) Describe(state model.ContractorWorkflow) (*model.ContractorDescriptor, error) {
	path, err := t.paths.WorkflowSteps(state.BusinessType)
	if err != nil {
		return nil, err
	}

	current := firstIncomplete(path, state)
	steps := make([]model.StepView, 0, len(path))
	done := 0
	for _, step := range path {
		view := model.StepView{WorkflowStep: step}
		if c, ok := state.Completed[step.ID]; ok {
			done++
			at := c.CompletedAt
			view.Completed = true
			view.CompletedAt = &at
			view.CompletedBy = c.CompletedBy
		}
		view.Current = current != nil && current.ID == step.ID
		steps = append(steps, view)
	}

	canActivate := current == nil

	// activated is only offered once every step is complete.
	next := make([]model.Status, 0, 1)
	for _, st := range NextStatuses(state.Status) {
		if st == model.StatusActivated && !canActivate {
			continue
		}
		next = append(next, st)
	}

	return &model.ContractorDescriptor{
		ContractorID: state.ContractorID,
		BusinessType: state.BusinessType,
		Status:       state.Status,
		CurrentStep:  current,
		Steps:        steps,
		Progress:     float64(done) / float64(len(path)),
		CanActivate:  canActivate,
		NextStatuses: next,
		CreatedAt:    state.CreatedAt,
		UpdatedAt:    state.UpdatedAt,
		ActivatedAt:  state.ActivatedAt,
		Version:      state.Version,
	}, nil
}

func (s *Service) describe(state model.ContractorWorkflow) (*model.ContractorDescriptor, error) {
	return s.tracker.Describe(state)
}
