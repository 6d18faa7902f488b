package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aventus/onboarding/model"
)

// Catalog is the read side of the step catalog used by the handlers.
type Catalog interface {
	Steps() []model.WorkflowStep
	Step(stepID string) (model.WorkflowStep, bool)
	BusinessTypes() []model.BusinessType
	WorkflowSteps(bt model.BusinessType) ([]model.WorkflowStep, error)
	IsStepApplicable(bt model.BusinessType, stepID string) bool
}

func handleCatalogSteps(catalog Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": catalog.Steps()})
	}
}

func handleBusinessTypes(catalog Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bts := catalog.BusinessTypes()
		out := make([]businessTypePath, 0, len(bts))
		for _, bt := range bts {
			steps, err := catalog.WorkflowSteps(bt)
			if err != nil {
				WriteRequestError(w, r, err)
				return
			}
			ids := make([]string, len(steps))
			for i, s := range steps {
				ids[i] = s.ID
			}
			out = append(out, businessTypePath{BusinessType: bt, Steps: ids})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func handleWorkflowSteps(catalog Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bt, ok := businessTypeParam(w, r)
		if !ok {
			return
		}
		steps, err := catalog.WorkflowSteps(bt)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"business_type": bt,
			"data":          steps,
		})
	}
}

func handleStepApplicability(catalog Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bt, ok := businessTypeParam(w, r)
		if !ok {
			return
		}
		stepID := chi.URLParam(r, "stepId")
		step, found := catalog.Step(stepID)
		if !found {
			WriteRequestError(w, r, model.NewNotFoundError(fmt.Sprintf("step %q not found", stepID)))
			return
		}
		WriteJSON(w, http.StatusOK, stepApplicability{
			BusinessType: bt,
			Step:         step,
			Applicable:   catalog.IsStepApplicable(bt, stepID),
		})
	}
}

func businessTypeParam(w http.ResponseWriter, r *http.Request) (model.BusinessType, bool) {
	bt := model.BusinessType(chi.URLParam(r, "businessType"))
	if !bt.Valid() {
		WriteRequestError(w, r, model.NewNotFoundError(fmt.Sprintf("business type %q not found", bt)))
		return "", false
	}
	return bt, true
}
