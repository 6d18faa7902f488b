package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aventus/onboarding/internal/workflow"
	"github.com/aventus/onboarding/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func handleContractorCreate(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body createContractorRequest
		if err := decodeBody(r, &body, false); err != nil {
			WriteRequestError(w, r, err)
			return
		}

		desc, err := svc.Create(r.Context(), rctx, body.ContractorID, body.BusinessType)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/contractors/"+desc.ContractorID)
		WriteJSON(w, http.StatusCreated, desc)
	}
}

func handleContractorList(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		q := r.URL.Query()
		filters := model.ContractorFilters{
			BusinessType: model.BusinessType(q.Get("business_type")),
			Status:       model.Status(q.Get("status")),
			Limit:        queryInt(r, "limit", defaultPageSize),
			Offset:       queryInt(r, "offset", 0),
		}
		if filters.Limit <= 0 || filters.Limit > maxPageSize {
			filters.Limit = defaultPageSize
		}
		if filters.Offset < 0 {
			filters.Offset = 0
		}

		items, total, err := svc.List(r.Context(), rctx, filters)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse[model.ContractorSummary]{
			Data:       items,
			TotalCount: total,
			Limit:      filters.Limit,
			Offset:     filters.Offset,
		})
	}
}

func handleContractorGet(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		desc, err := svc.Get(r.Context(), rctx, chi.URLParam(r, "contractorId"))
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleContractorDelete(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		if err := svc.Delete(r.Context(), rctx, chi.URLParam(r, "contractorId")); err != nil {
			WriteRequestError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStepComplete(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body completeStepRequest
		if err := decodeBody(r, &body, true); err != nil {
			WriteRequestError(w, r, err)
			return
		}

		desc, err := svc.CompleteStep(r.Context(), rctx,
			chi.URLParam(r, "contractorId"), chi.URLParam(r, "stepId"), body.Comment)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleStatusTransition(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body transitionRequest
		if err := decodeBody(r, &body, false); err != nil {
			WriteRequestError(w, r, err)
			return
		}

		// Activation is gated separately from ordinary status moves.
		if body.To == model.StatusActivated &&
			!CapabilitiesFrom(r.Context()).HasAll(model.CapStatusTransition, model.CapContractorActivate) {
			WriteRequestError(w, r, model.NewForbiddenError("missing capability "+model.CapContractorActivate))
			return
		}

		desc, err := svc.Transition(r.Context(), rctx, chi.URLParam(r, "contractorId"), body.To, body.Comment)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleContractorDecline(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body declineRequest
		if err := decodeBody(r, &body, false); err != nil {
			WriteRequestError(w, r, err)
			return
		}

		desc, err := svc.Decline(r.Context(), rctx, chi.URLParam(r, "contractorId"), body.Reason)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleBusinessTypeChange(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body changeBusinessTypeRequest
		if err := decodeBody(r, &body, false); err != nil {
			WriteRequestError(w, r, err)
			return
		}

		desc, err := svc.ChangeBusinessType(r.Context(), rctx, chi.URLParam(r, "contractorId"), body.BusinessType)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleContractorHistory(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		events, err := svc.History(r.Context(), rctx, chi.URLParam(r, "contractorId"))
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

// queryInt reads an integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
