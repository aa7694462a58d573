package model

import (
	"fmt"
	"strings"
	"time"
)

// MaxResponseTokens caps the length of an assistant response submitted to
// the continue endpoint. Tokens are whitespace-delimited words; the limit
// keeps submitted answers comparable across teams and bounds what flows
// into the simulated user's context.
const MaxResponseTokens = 250

// AssistantReply is the payload teams send to the continue endpoint.
type AssistantReply struct {
	RunID      string             `json:"run_id"`
	Response   string             `json:"response"`
	Citations  map[string]float64 `json:"citations,omitempty"`
	Provenance []string           `json:"provenance,omitempty"`
}

// Validate checks the reply against the submission limits.
func (r AssistantReply) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run_id must not be empty")
	}
	if n := len(strings.Fields(r.Response)); n > MaxResponseTokens {
		return fmt.Errorf("response is too long (%d tokens, limit %d)", n, MaxResponseTokens)
	}
	for k := range r.Citations {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("citation keys must be non-empty document identifiers")
		}
	}
	return nil
}

// Validate checks the metadata a team submits when starting a run.
func (m RunMeta) Validate() error {
	if len(m.RunID) == 0 {
		return fmt.Errorf("run name cannot be empty, please provide a meaningful name")
	}
	if len(m.Description) == 0 {
		return fmt.Errorf("run description cannot be empty, please provide a meaningful description")
	}
	return nil
}

// UserUtterance is the reply the platform sends back for every start,
// continue, and session request: the simulated user's latest utterance
// plus the full transcript and termination flags.
type UserUtterance struct {
	Timestamp             time.Time `json:"timestamp"`
	RunID                 string    `json:"run_id"`
	TopicID               string    `json:"topic_id"`
	UserID                string    `json:"user_id"`
	Utterance             string    `json:"utterance"`
	History               []Turn    `json:"history"`
	LastResponseOfSession bool      `json:"last_response_of_session"`
	LastResponseOfRun     bool      `json:"last_response_of_run"`
}

// AuthTokenRequest is the credential exchange payload for POST /auth/token.
type AuthTokenRequest struct {
	TeamID string `json:"team_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse carries the issued bearer token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	TeamID    string    `json:"team_id"`
}

// CreateTeamRequest registers a new participating team (admin only).
type CreateTeamRequest struct {
	TeamID string `json:"team_id"`
}

// CreateTeamResponse returns the team's API key. The key is shown exactly
// once; only its hash is stored.
type CreateTeamResponse struct {
	TeamID string `json:"team_id"`
	APIKey string `json:"api_key"`
}

// BudgetStatus reports remaining request credits for one mode.
type BudgetStatus struct {
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	Unit      string `json:"unit"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every response envelope.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes used in API error responses.
const (
	ErrCodeUnauthorized         = "unauthorized"
	ErrCodeForbidden            = "forbidden"
	ErrCodeBadRequest           = "bad_request"
	ErrCodeNotFound             = "not_found"
	ErrCodePreconditionFailed   = "precondition_failed"
	ErrCodePreconditionRequired = "precondition_required"
	ErrCodeBudgetExceeded       = "budget_exceeded"
	ErrCodeRateLimited          = "rate_limited"
	ErrCodeInternal             = "internal_error"
)
