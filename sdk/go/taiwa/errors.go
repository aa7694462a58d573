// Package taiwa provides a Go client for the Taiwa conversational
// evaluation API.
package taiwa

import "fmt"

// Error represents an error from the Taiwa API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("taiwa: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 401
	}
	return false
}

// IsRunConflict returns true if the error is a 412, meaning the run id
// has already been used.
func IsRunConflict(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 412
	}
	return false
}

// IsRunNotStarted returns true if the error is a 428, meaning the run
// must be started (or recovered) before continuing.
func IsRunNotStarted(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 428
	}
	return false
}

// IsBudgetExceeded returns true if the error is a 429 with the
// budget_exceeded code.
func IsBudgetExceeded(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 429 && e.Code == "budget_exceeded"
	}
	return false
}

// IsRateLimited returns true if the error is a 429 with the rate_limited
// code.
func IsRateLimited(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.StatusCode == 429 && e.Code == "rate_limited"
	}
	return false
}
