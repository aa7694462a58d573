package server

import (
	"errors"
	"net/http"

	"github.com/taiwa-eval/taiwa/internal/auth"
	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/internal/storage"
)

// HandleAuthToken handles POST /auth/token: exchanges a team id and API
// key for a bearer token. Admin credentials registered at bootstrap go
// through the same exchange and yield a token with the admin claim.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.TeamID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "team_id and api_key are required")
		return
	}

	admin := false
	hash, err := h.store.GetTeamKeyHash(r.Context(), req.TeamID)
	if errors.Is(err, storage.ErrNotFound) {
		hash, err = h.store.GetAdminPasswordHash(r.Context(), req.TeamID)
		admin = err == nil
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn comparable time so unknown ids are indistinguishable
			// from wrong keys.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "credential lookup failed")
		return
	}

	ok, err := auth.VerifySecret(req.APIKey, hash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.TeamID, admin)
	if err != nil {
		h.logger.Error("token issue failed", "error", err, "team_id", req.TeamID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "token issue failed")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		TeamID:    req.TeamID,
	})
}

// HandleAuthVerify handles GET /auth/verify: echoes the authenticated
// team id.
func (h *Handlers) HandleAuthVerify(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	writeJSON(w, r, http.StatusOK, map[string]string{"team_id": claims.TeamID})
}

// HandleCreateTeam handles POST /auth/teams (admin only): registers a
// team and returns its API key. The key is shown exactly once.
func (h *Handlers) HandleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTeamRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.TeamID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "team_id is required")
		return
	}

	key, err := auth.NewAPIKey()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "key generation failed")
		return
	}
	hash, err := auth.HashSecret(key)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "key hashing failed")
		return
	}

	if err := h.store.CreateTeam(r.Context(), req.TeamID, hash); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, r, http.StatusConflict, model.ErrCodePreconditionFailed, "team already exists")
			return
		}
		h.logger.Error("team creation failed", "error", err, "team_id", req.TeamID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "team creation failed")
		return
	}

	h.logger.Info("team registered", "team_id", req.TeamID)
	writeJSON(w, r, http.StatusCreated, model.CreateTeamResponse{TeamID: req.TeamID, APIKey: key})
}
