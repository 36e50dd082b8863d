package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/warp/procurement-engine/budget"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeValidation           = "validation_error"
	CodeNoteRequired         = "note_required"
	CodeOverrideNotPermitted = "override_not_permitted"
	CodeNotFound             = "not_found"
	CodeInvalidTransition    = "invalid_transition"
	CodeNotEditable          = "not_editable"
	CodeInsufficientBudget   = "insufficient_budget"
	CodeConflict             = "conflict"
	CodeConcurrencyTimeout   = "concurrency_timeout"
	CodeInvariantViolation   = "invariant_violation"
	CodeInternal             = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to a status, a code and, where the
// error carries structure, machine-readable details.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var (
		insufficient *budget.InsufficientBudgetError
		transition   *budget.InvalidTransitionError
		validation   *budget.ValidationError
		timeout      *budget.ConcurrencyTimeoutError
	)
	switch {
	case errors.As(err, &insufficient):
		resp.Details = map[string]any{
			"budget_item_id": insufficient.BudgetItemID,
			"budget_code":    insufficient.Code,
			"requested":      insufficient.Requested,
			"available":      insufficient.Available,
			"shortfall":      insufficient.Shortfall,
		}
	case errors.As(err, &transition):
		allowed := []string{}
		for _, s := range budget.AllowedTransitions(transition.From) {
			allowed = append(allowed, string(s))
		}
		resp.Details = map[string]any{
			"from":    transition.From,
			"to":      transition.To,
			"allowed": allowed,
		}
	case errors.As(err, &validation):
		resp.Details = map[string]any{"field": validation.Field}
	case errors.As(err, &timeout):
		w.Header().Set("Retry-After", "1")
		resp.Details = map[string]any{"lock": timeout.Key}
	}

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "Internal error"
		resp.Details = nil
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, budget.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, budget.ErrNoteRequired):
		return http.StatusBadRequest, CodeNoteRequired
	case errors.Is(err, budget.ErrOverrideNotPermitted):
		return http.StatusForbidden, CodeOverrideNotPermitted
	case budget.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, budget.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, budget.ErrNotEditable):
		return http.StatusConflict, CodeNotEditable
	case errors.Is(err, budget.ErrInsufficientBudget):
		return http.StatusConflict, CodeInsufficientBudget
	case errors.Is(err, budget.ErrDuplicateBudgetCode),
		errors.Is(err, budget.ErrBudgetItemInUse),
		errors.Is(err, budget.ErrConcurrentModification):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, budget.ErrConcurrencyTimeout):
		return http.StatusServiceUnavailable, CodeConcurrencyTimeout
	case errors.Is(err, budget.ErrInvariantViolation):
		return http.StatusInternalServerError, CodeInvariantViolation
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
