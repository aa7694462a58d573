package server

import (
	"errors"
	"net/http"

	"github.com/taiwa-eval/taiwa/internal/budget"
	"github.com/taiwa-eval/taiwa/internal/model"
)

// HandleBudgetCheck handles GET /budget/check: reports the calling
// team's remaining credits in both modes. An exhausted budget reads as
// zero remaining, not as an error.
func (h *Handlers) HandleBudgetCheck(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	out := make(map[string]model.BudgetStatus, 2)
	for mode, limit := range map[model.Mode]budget.Limit{
		model.ModeRun:   h.runLimit,
		model.ModeDebug: h.debugLimit,
	} {
		remaining, err := h.budgetSvc.Check(r.Context(), claims.TeamID, mode, limit)
		if err != nil {
			if !errors.Is(err, budget.ErrExceeded) {
				writeServiceError(w, r, h.logger, err)
				return
			}
			remaining = 0
		}
		out[string(mode)] = model.BudgetStatus{
			Remaining: remaining,
			Limit:     limit.Requests,
			Unit:      limit.Unit(),
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"remaining": out})
}

type budgetResetRequest struct {
	TeamID string     `json:"team_id"`
	Mode   model.Mode `json:"api"`
}

// HandleBudgetReset handles POST /budget/reset (admin only): grants a
// team a fresh budget in one mode by writing a reset marker.
func (h *Handlers) HandleBudgetReset(w http.ResponseWriter, r *http.Request) {
	var req budgetResetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.TeamID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "team_id is required")
		return
	}
	if req.Mode != model.ModeRun && req.Mode != model.ModeDebug {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, `api must be "run" or "debug"`)
		return
	}

	if err := h.budgetSvc.Reset(r.Context(), req.TeamID, req.Mode); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "success"})
}
