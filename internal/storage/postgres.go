package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/migrations"
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pgUniqueViolation = "23505"

// PostgresStore is the pgx-backed Store for multi-node deployments.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres connects to PostgreSQL with a connection pool and applies
// the embedded migrations.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.runMigrations(ctx, migrations.Postgres()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("storage: collect migration versions: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			s.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		s.logger.Info("running migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

// AppendRequest durably records one completed turn.
func (s *PostgresStore) AppendRequest(ctx context.Context, rec model.RequestRecord) error {
	citations, err := encodeJSON(rec.Citations, "{}")
	if err != nil {
		return err
	}
	provenance, err := encodeJSON(rec.Provenance, "[]")
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO requests (
			timestamp, run_id, team_id, session_id, topic_id, user_id,
			api, user_utterance, response, citations, provenance, subtopic, rating
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12, $13)`,
		rec.Timestamp.UTC(), rec.RunID, rec.TeamID, rec.SessionID, rec.TopicID, rec.UserID,
		string(rec.Mode), rec.UserUtterance, rec.Response,
		citations, provenance, rec.Subtopic, rec.Rating,
	)
	if err != nil {
		return fmt.Errorf("storage: append request: %w", err)
	}
	return nil
}

// InsertRun writes the run record for a newly started normal-mode run.
func (s *PostgresStore) InsertRun(ctx context.Context, meta model.RunMeta) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, team_id, description, track_persona) VALUES ($1, $2, $3, $4)`,
		meta.RunID, meta.TeamID, meta.Description, meta.TrackPersona,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: insert run %s: %w", meta.RunID, ErrAlreadyExists)
		}
		return fmt.Errorf("storage: insert run: %w", err)
	}
	return nil
}

// GetRunMeta loads the persisted run record.
func (s *PostgresStore) GetRunMeta(ctx context.Context, runID string) (model.RunMeta, error) {
	var meta model.RunMeta
	err := s.pool.QueryRow(ctx,
		`SELECT id, team_id, description, track_persona FROM runs WHERE id = $1`, runID,
	).Scan(&meta.RunID, &meta.TeamID, &meta.Description, &meta.TrackPersona)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunMeta{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.RunMeta{}, fmt.Errorf("storage: get run meta: %w", err)
	}
	return meta, nil
}

// RunHasTurns reports whether a run record exists with at least one
// logged normal-mode turn, optionally requiring ownership.
func (s *PostgresStore) RunHasTurns(ctx context.Context, runID, teamID string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM runs
		WHERE runs.id = $1
		AND EXISTS (SELECT 1 FROM requests WHERE requests.run_id = runs.id AND requests.api = 'run')`
	args := []any{runID}
	if teamID != "" {
		query += ` AND runs.team_id = $2`
		args = append(args, teamID)
	}
	query += `)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: run has turns: %w", err)
	}
	return exists, nil
}

// DistinctRunTopics returns the distinct topic ids with at least one
// normal-mode record for the run.
func (s *PostgresStore) DistinctRunTopics(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT topic_id FROM requests WHERE run_id = $1 AND api = 'run'`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: distinct run topics: %w", err)
	}
	topics, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: collect topics: %w", err)
	}
	return topics, nil
}

// ListRunRequests returns all normal-mode records for the run in append order.
func (s *PostgresStore) ListRunRequests(ctx context.Context, runID string) ([]model.RequestRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, run_id, team_id, session_id, topic_id, user_id,
		       api, user_utterance, response, citations::text, provenance::text, subtopic, rating
		FROM requests
		WHERE run_id = $1 AND api = 'run'
		ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list run requests: %w", err)
	}
	defer rows.Close()

	var records []model.RequestRecord
	for rows.Next() {
		var rec model.RequestRecord
		var mode, citations, provenance string
		if err := rows.Scan(
			&rec.Timestamp, &rec.RunID, &rec.TeamID, &rec.SessionID, &rec.TopicID, &rec.UserID,
			&mode, &rec.UserUtterance, &rec.Response, &citations, &provenance,
			&rec.Subtopic, &rec.Rating,
		); err != nil {
			return nil, fmt.Errorf("storage: scan request: %w", err)
		}
		rec.Mode = model.Mode(mode)
		if err := decodeRecordJSON(&rec, citations, provenance); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate requests: %w", err)
	}
	return records, nil
}

// CountRequestsSince counts a team's logged turns in one mode at or after
// the given instant.
func (s *PostgresStore) CountRequestsSince(ctx context.Context, teamID string, mode model.Mode, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM requests WHERE team_id = $1 AND api = $2 AND timestamp >= $3`,
		teamID, string(mode), since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count requests: %w", err)
	}
	return count, nil
}

// ResetBudget records a budget reset marker.
func (s *PostgresStore) ResetBudget(ctx context.Context, teamID string, mode model.Mode, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_resets (team_id, api, reset_at) VALUES ($1, $2, $3)`,
		teamID, string(mode), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: reset budget: %w", err)
	}
	return nil
}

// LastBudgetReset returns the most recent reset marker, or zero time.
func (s *PostgresStore) LastBudgetReset(ctx context.Context, teamID string, mode model.Mode) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(reset_at) FROM budget_resets WHERE team_id = $1 AND api = $2`,
		teamID, string(mode),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: last budget reset: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// CreateTeam registers a team with its hashed API key.
func (s *PostgresStore) CreateTeam(ctx context.Context, teamID, keyHash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teams (id, key_hash) VALUES ($1, $2)`, teamID, keyHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: team %s: %w", teamID, ErrAlreadyExists)
		}
		return fmt.Errorf("storage: create team: %w", err)
	}
	return nil
}

// GetTeamKeyHash returns the team's API key hash.
func (s *PostgresStore) GetTeamKeyHash(ctx context.Context, teamID string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT key_hash FROM teams WHERE id = $1`, teamID,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: team %s: %w", teamID, ErrNotFound)
		}
		return "", fmt.Errorf("storage: get team key hash: %w", err)
	}
	return hash, nil
}

// UpsertAdmin creates or replaces an admin credential.
func (s *PostgresStore) UpsertAdmin(ctx context.Context, name, passwordHash string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admins (name, password_hash) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET password_hash = EXCLUDED.password_hash`,
		name, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert admin: %w", err)
	}
	return nil
}

// GetAdminPasswordHash returns an admin's password hash.
func (s *PostgresStore) GetAdminPasswordHash(ctx context.Context, name string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT password_hash FROM admins WHERE name = $1`, name,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: admin %s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("storage: get admin password hash: %w", err)
	}
	return hash, nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
