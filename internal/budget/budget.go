// Package budget enforces per-team usage budgets over the request log.
//
// A budget is a cap on the number of logged turns a team may produce in
// one API mode within a rolling window. Budgets are derived from the log
// itself rather than a separate counter, so they survive restarts for
// free. An admin reset writes a marker instead of deleting log rows; the
// request log stays append-only.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/internal/storage"
	"github.com/taiwa-eval/taiwa/internal/telemetry"
)

// ErrExceeded signals that a team has used up its request budget.
var ErrExceeded = errors.New("budget: request budget exceeded")

// Limit caps the number of turns for one API mode.
type Limit struct {
	// Requests is the maximum number of logged turns inside the window.
	// Zero disables enforcement.
	Requests int
	// Window is the rolling window size. Zero means the whole campaign.
	Window time.Duration
}

// Unit describes the window for budget reporting.
func (l Limit) Unit() string {
	if l.Window == 0 {
		return "campaign"
	}
	return l.Window.String()
}

// Service answers budget checks against the request log.
type Service struct {
	store    storage.Store
	logger   *slog.Logger
	exceeded otelmetric.Int64Counter
}

// New creates a budget service backed by the given store.
func New(store storage.Store, logger *slog.Logger) *Service {
	meter := telemetry.Meter("taiwa/budget")
	exceeded, err := meter.Int64Counter("budget.check.exceeded",
		otelmetric.WithDescription("Budget checks refused because the team is out of credits"))
	if err != nil {
		logger.Warn("budget: create exceeded counter", "error", err)
	}
	return &Service{store: store, logger: logger, exceeded: exceeded}
}

// Check returns the team's remaining credits for the mode and fails with
// ErrExceeded when the budget is used up. A disabled limit (zero
// requests) always passes.
func (s *Service) Check(ctx context.Context, teamID string, mode model.Mode, limit Limit) (int, error) {
	if limit.Requests <= 0 {
		return 0, nil
	}

	since := time.Time{}
	if limit.Window > 0 {
		since = time.Now().UTC().Add(-limit.Window)
	}

	// Requests logged before the latest admin reset never count.
	reset, err := s.store.LastBudgetReset(ctx, teamID, mode)
	if err != nil {
		return 0, fmt.Errorf("budget: load reset marker: %w", err)
	}
	if reset.After(since) {
		since = reset
	}

	used, err := s.store.CountRequestsSince(ctx, teamID, mode, since)
	if err != nil {
		return 0, fmt.Errorf("budget: count usage: %w", err)
	}

	remaining := limit.Requests - used
	if remaining <= 0 {
		if s.exceeded != nil {
			s.exceeded.Add(ctx, 1, otelmetric.WithAttributes(
				attribute.String("taiwa.team_id", teamID),
				attribute.String("taiwa.api", string(mode)),
			))
		}
		return 0, fmt.Errorf("budget: team %s has no %s credits left: %w", teamID, mode, ErrExceeded)
	}
	return remaining, nil
}

// Reset forgives all usage logged up to now for the team and mode.
func (s *Service) Reset(ctx context.Context, teamID string, mode model.Mode) error {
	if err := s.store.ResetBudget(ctx, teamID, mode, time.Now().UTC()); err != nil {
		return fmt.Errorf("budget: reset: %w", err)
	}
	s.logger.Info("budget reset", "team_id", teamID, "mode", mode)
	return nil
}
