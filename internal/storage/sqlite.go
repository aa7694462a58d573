package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // database/sql driver

	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/migrations"
)

// SQLiteStore is the single-node Store backend.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (creating if necessary) a SQLite database at path and
// applies the embedded migrations. Use ":memory:" for an ephemeral store.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// modernc's driver serializes access per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.runMigrations(ctx, migrations.SQLite()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// runMigrations executes unapplied SQL migration files in order, tracking
// applied files in a schema_migrations table so each runs at most once.
func (s *SQLiteStore) runMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("storage: scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate migrations: %w", err)
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
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

// AppendRequest durably records one completed turn.
func (s *SQLiteStore) AppendRequest(ctx context.Context, rec model.RequestRecord) error {
	citations, err := encodeJSON(rec.Citations, "{}")
	if err != nil {
		return err
	}
	provenance, err := encodeJSON(rec.Provenance, "[]")
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (
			timestamp, run_id, team_id, session_id, topic_id, user_id,
			api, user_utterance, response, citations, provenance, subtopic, rating
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.RunID, rec.TeamID, rec.SessionID, rec.TopicID, rec.UserID,
		string(rec.Mode), rec.UserUtterance, rec.Response,
		citations, provenance, rec.Subtopic, rec.Rating,
	)
	if err != nil {
		return fmt.Errorf("storage: append request: %w", err)
	}
	return nil
}

// InsertRun writes the run record for a newly started normal-mode run.
func (s *SQLiteStore) InsertRun(ctx context.Context, meta model.RunMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, team_id, description, track_persona) VALUES (?, ?, ?, ?)`,
		meta.RunID, meta.TeamID, meta.Description, boolToInt(meta.TrackPersona),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("storage: insert run %s: %w", meta.RunID, ErrAlreadyExists)
		}
		return fmt.Errorf("storage: insert run: %w", err)
	}
	return nil
}

// GetRunMeta loads the persisted run record.
func (s *SQLiteStore) GetRunMeta(ctx context.Context, runID string) (model.RunMeta, error) {
	var meta model.RunMeta
	var trackPersona int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, team_id, description, track_persona FROM runs WHERE id = ?`, runID,
	).Scan(&meta.RunID, &meta.TeamID, &meta.Description, &trackPersona)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunMeta{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return model.RunMeta{}, fmt.Errorf("storage: get run meta: %w", err)
	}
	meta.TrackPersona = trackPersona != 0
	return meta, nil
}

// RunHasTurns reports whether a run record exists with at least one
// logged normal-mode turn, optionally requiring ownership.
func (s *SQLiteStore) RunHasTurns(ctx context.Context, runID, teamID string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM runs
		WHERE runs.id = ?
		AND EXISTS (SELECT 1 FROM requests WHERE requests.run_id = runs.id AND requests.api = 'run')`
	args := []any{runID}
	if teamID != "" {
		query += ` AND runs.team_id = ?`
		args = append(args, teamID)
	}
	query += `)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: run has turns: %w", err)
	}
	return exists, nil
}

// DistinctRunTopics returns the distinct topic ids with at least one
// normal-mode record for the run.
func (s *SQLiteStore) DistinctRunTopics(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT topic_id FROM requests WHERE run_id = ? AND api = 'run'`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: distinct run topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("storage: scan topic id: %w", err)
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate topics: %w", err)
	}
	return topics, nil
}

// ListRunRequests returns all normal-mode records for the run in append order.
func (s *SQLiteStore) ListRunRequests(ctx context.Context, runID string) ([]model.RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, run_id, team_id, session_id, topic_id, user_id,
		       api, user_utterance, response, citations, provenance, subtopic, rating
		FROM requests
		WHERE run_id = ? AND api = 'run'
		ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list run requests: %w", err)
	}
	defer rows.Close()

	var records []model.RequestRecord
	for rows.Next() {
		var rec model.RequestRecord
		var ts, mode, citations, provenance string
		if err := rows.Scan(
			&ts, &rec.RunID, &rec.TeamID, &rec.SessionID, &rec.TopicID, &rec.UserID,
			&mode, &rec.UserUtterance, &rec.Response, &citations, &provenance,
			&rec.Subtopic, &rec.Rating,
		); err != nil {
			return nil, fmt.Errorf("storage: scan request: %w", err)
		}
		rec.Mode = model.Mode(mode)
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("storage: parse timestamp: %w", err)
		}
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
func (s *SQLiteStore) CountRequestsSince(ctx context.Context, teamID string, mode model.Mode, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE team_id = ? AND api = ? AND timestamp >= ?`,
		teamID, string(mode), since.UTC().Format(time.RFC3339Nano),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count requests: %w", err)
	}
	return count, nil
}

// ResetBudget records a budget reset marker.
func (s *SQLiteStore) ResetBudget(ctx context.Context, teamID string, mode model.Mode, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_resets (team_id, api, reset_at) VALUES (?, ?, ?)`,
		teamID, string(mode), at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: reset budget: %w", err)
	}
	return nil
}

// LastBudgetReset returns the most recent reset marker, or zero time.
func (s *SQLiteStore) LastBudgetReset(ctx context.Context, teamID string, mode model.Mode) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(reset_at) FROM budget_resets WHERE team_id = ? AND api = ?`,
		teamID, string(mode),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: last budget reset: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse reset time: %w", err)
	}
	return t, nil
}

// CreateTeam registers a team with its hashed API key.
func (s *SQLiteStore) CreateTeam(ctx context.Context, teamID, keyHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (id, key_hash) VALUES (?, ?)`, teamID, keyHash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("storage: team %s: %w", teamID, ErrAlreadyExists)
		}
		return fmt.Errorf("storage: create team: %w", err)
	}
	return nil
}

// GetTeamKeyHash returns the team's API key hash.
func (s *SQLiteStore) GetTeamKeyHash(ctx context.Context, teamID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT key_hash FROM teams WHERE id = ?`, teamID,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("storage: team %s: %w", teamID, ErrNotFound)
		}
		return "", fmt.Errorf("storage: get team key hash: %w", err)
	}
	return hash, nil
}

// UpsertAdmin creates or replaces an admin credential.
func (s *SQLiteStore) UpsertAdmin(ctx context.Context, name, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (name, password_hash) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET password_hash = excluded.password_hash`,
		name, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert admin: %w", err)
	}
	return nil
}

// GetAdminPasswordHash returns an admin's password hash.
func (s *SQLiteStore) GetAdminPasswordHash(ctx context.Context, name string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM admins WHERE name = ?`, name,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("storage: admin %s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("storage: get admin password hash: %w", err)
	}
	return hash, nil
}

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
