package server

import (
	"encoding/json"
	"net/http"

	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/internal/service/turns"
)

// handleStart returns the POST {mode}/start handler for one orchestrator.
func (h *Handlers) handleStart(svc *turns.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var meta model.RunMeta
		if err := decodeJSON(w, r, &meta, h.maxRequestBodyBytes); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
			return
		}

		claims := ClaimsFromContext(r.Context())
		out, err := svc.Start(r.Context(), claims.TeamID, meta)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusOK, out)
	}
}

// handleContinue returns the POST {mode}/continue handler.
func (h *Handlers) handleContinue(svc *turns.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reply model.AssistantReply
		if err := decodeJSON(w, r, &reply, h.maxRequestBodyBytes); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
			return
		}

		claims := ClaimsFromContext(r.Context())
		out, err := svc.Continue(r.Context(), claims.TeamID, reply)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusOK, out)
	}
}

// handleSession returns the GET {mode}/session handler.
func (h *Handlers) handleSession(svc *turns.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "run_id query parameter is required")
			return
		}

		claims := ClaimsFromContext(r.Context())
		out, err := svc.SessionState(r.Context(), claims.TeamID, runID)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusOK, out)
	}
}

// HandleRunStatus handles GET /run/status.
func (h *Handlers) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "run_id query parameter is required")
		return
	}

	status, err := h.runSvc.Status(r.Context(), runID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// HandleRunVerify handles GET /run/verify: returns a Merkle root over
// the run's logged turns as a tamper-evidence receipt.
func (h *Handlers) HandleRunVerify(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "run_id query parameter is required")
		return
	}

	claims := ClaimsFromContext(r.Context())
	proof, err := h.runSvc.Verify(r.Context(), claims.TeamID, runID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, proof)
}

// HandleRunDump handles GET /run/dump: streams the run's export records
// as NDJSON, one submission record per line.
func (h *Handlers) HandleRunDump(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "run_id query parameter is required")
		return
	}

	claims := ClaimsFromContext(r.Context())
	records, err := h.runSvc.Dump(r.Context(), claims.TeamID, runID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			h.logger.Error("dump stream aborted", "error", err, "run_id", runID)
			return
		}
	}
}
