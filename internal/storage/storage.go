// Package storage implements the durable request log for the evaluation
// platform: the append-only record of every conversation turn, the run
// records, and team/admin credentials.
//
// Two backends are provided: SQLite (modernc.org/sqlite, the default for
// single-node deployments) and PostgreSQL (jackc/pgx/v5). Open selects
// the backend from the DSN scheme. Both apply their embedded migrations
// on startup.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taiwa-eval/taiwa/internal/model"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned when inserting an entity whose
	// identifier is already taken.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// Store is the persistence contract the orchestration core depends on.
// Requests are append-only: nothing ever updates or deletes a logged turn.
type Store interface {
	// AppendRequest durably records one completed turn.
	AppendRequest(ctx context.Context, rec model.RequestRecord) error

	// InsertRun writes the run record for a newly started normal-mode run.
	InsertRun(ctx context.Context, meta model.RunMeta) error

	// GetRunMeta loads the persisted run record. ErrNotFound if absent.
	GetRunMeta(ctx context.Context, runID string) (model.RunMeta, error)

	// RunHasTurns reports whether a run record exists with at least one
	// logged normal-mode turn. A non-empty teamID additionally requires
	// ownership.
	RunHasTurns(ctx context.Context, runID, teamID string) (bool, error)

	// DistinctRunTopics returns the distinct topic ids with at least one
	// normal-mode record for the run.
	DistinctRunTopics(ctx context.Context, runID string) ([]string, error)

	// ListRunRequests returns all normal-mode records for the run in
	// append order.
	ListRunRequests(ctx context.Context, runID string) ([]model.RequestRecord, error)

	// CountRequestsSince counts a team's logged turns in one mode at or
	// after the given instant. A zero instant counts everything.
	CountRequestsSince(ctx context.Context, teamID string, mode model.Mode, since time.Time) (int, error)

	// ResetBudget records a budget reset marker; requests logged before
	// the marker no longer count toward the team's budget. The request
	// log itself is untouched.
	ResetBudget(ctx context.Context, teamID string, mode model.Mode, at time.Time) error

	// LastBudgetReset returns the most recent reset marker, or the zero
	// time when none exists.
	LastBudgetReset(ctx context.Context, teamID string, mode model.Mode) (time.Time, error)

	// CreateTeam registers a team with its hashed API key.
	// ErrAlreadyExists if the id is taken.
	CreateTeam(ctx context.Context, teamID, keyHash string) error

	// GetTeamKeyHash returns the team's API key hash. ErrNotFound if the
	// team does not exist.
	GetTeamKeyHash(ctx context.Context, teamID string) (string, error)

	// UpsertAdmin creates or replaces an admin credential.
	UpsertAdmin(ctx context.Context, name, passwordHash string) error

	// GetAdminPasswordHash returns an admin's password hash.
	// ErrNotFound if absent.
	GetAdminPasswordHash(ctx context.Context, name string) (string, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// Open connects to the backend selected by the DSN scheme and applies
// migrations. postgres:// and postgresql:// DSNs select the PostgreSQL
// backend; anything else is treated as a SQLite database path.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn, logger)
	}
	return NewSQLite(ctx, dsn, logger)
}

// encodeJSON marshals citations or provenance for a TEXT/JSONB column,
// normalizing nil to the given empty literal.
func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: encode json: %w", err)
	}
	return string(b), nil
}

// decodeRecordJSON fills a record's citation and provenance fields from
// their persisted encoded form.
func decodeRecordJSON(rec *model.RequestRecord, citations, provenance string) error {
	if citations != "" {
		if err := json.Unmarshal([]byte(citations), &rec.Citations); err != nil {
			return fmt.Errorf("storage: decode citations: %w", err)
		}
	}
	if rec.Citations == nil {
		rec.Citations = map[string]float64{}
	}
	if provenance != "" {
		if err := json.Unmarshal([]byte(provenance), &rec.Provenance); err != nil {
			return fmt.Errorf("storage: decode provenance: %w", err)
		}
	}
	if rec.Provenance == nil {
		rec.Provenance = []string{}
	}
	return nil
}
