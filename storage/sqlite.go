// Package storage provides SQLite settings and run storage.
//
// Information Hiding:
// - SQLite connection management hidden behind interface
// - Schema details encapsulated
// - Constraint violations surfaced as ErrConflict

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/richinex/postloop/model"
)

// SqliteStorage implements Store using SQLite.
// A single connection serializes writers so concurrent first-writes
// resolve as constraint violations rather than SQLITE_BUSY.
type SqliteStorage struct {
	db *sql.DB
}

// OpenSqlite opens or creates a SQLite database at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string) (*SqliteStorage, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("storage: create database directory: %w", err)
		}
	}
	return openSqlite(path + "?_busy_timeout=5000")
}

// NewSqliteInMemory creates an in-memory database (useful for testing).
func NewSqliteInMemory() (*SqliteStorage, error) {
	return openSqlite(":memory:")
}

func openSqlite(dsn string) (*SqliteStorage, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// :memory: databases are per-connection
	db.SetMaxOpenConns(1)

	storage := &SqliteStorage{db: db}
	if err := storage.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return storage, nil
}

// Close closes the database connection.
func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

func (s *SqliteStorage) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS settings (
			tenant TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant, key)
		);

		CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			mode TEXT NOT NULL,
			subject_label TEXT NOT NULL,
			final_score INTEGER NOT NULL DEFAULT 0,
			total_iterations INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agent_runs_tenant
		ON agent_runs(tenant, created_at DESC);

		CREATE TABLE IF NOT EXISTS agent_iterations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			iteration_number INTEGER NOT NULL,
			role TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			score INTEGER,
			critique TEXT,
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agent_iterations_run
		ON agent_iterations(run_id, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("storage: create schema: %w", err)
	}
	return nil
}

// isSqliteConflict reports whether err is a unique or primary key violation.
func isSqliteConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// GetSetting returns the stored value for key.
func (s *SqliteStorage) GetSetting(ctx context.Context, tenant, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE tenant = ? AND key = ?",
		tenant, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: get setting: %w", err)
	}
	return value, nil
}

// CreateSetting inserts a setting, failing with ErrConflict if present.
func (s *SqliteStorage) CreateSetting(ctx context.Context, tenant, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (tenant, key, value, updated_at) VALUES (?, ?, ?, ?)",
		tenant, key, value, time.Now().UTC())
	if err != nil {
		if isSqliteConflict(err) {
			return fmt.Errorf("storage: create setting %s/%s: %w", tenant, key, ErrConflict)
		}
		return fmt.Errorf("storage: create setting: %w", err)
	}
	return nil
}

// PutSetting inserts or overwrites a setting.
func (s *SqliteStorage) PutSetting(ctx context.Context, tenant, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (tenant, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		tenant, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: put setting: %w", err)
	}
	return nil
}

// ListSettings lists a tenant's settings ordered by key.
func (s *SqliteStorage) ListSettings(ctx context.Context, tenant string) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tenant, key, value, updated_at FROM settings WHERE tenant = ? ORDER BY key ASC",
		tenant)
	if err != nil {
		return nil, fmt.Errorf("storage: list settings: %w", err)
	}
	defer rows.Close()

	settings := []Setting{} // Start with empty slice, not nil
	for rows.Next() {
		var row Setting
		if err := rows.Scan(&row.Tenant, &row.Key, &row.Value, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan setting: %w", err)
		}
		settings = append(settings, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate settings: %w", err)
	}
	return settings, nil
}

// CreateRun stores a new run.
func (s *SqliteStorage) CreateRun(ctx context.Context, run model.AgentRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs
		(id, tenant, mode, subject_label, final_score, total_iterations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Tenant, string(run.Mode), run.SubjectLabel,
		run.FinalScore, run.TotalIterations, run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	if err != nil {
		if isSqliteConflict(err) {
			return fmt.Errorf("storage: create run %s: %w", run.ID, ErrConflict)
		}
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// UpdateRun rewrites the score and iteration count of a run.
func (s *SqliteStorage) UpdateRun(ctx context.Context, id uuid.UUID, finalScore, totalIterations int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE agent_runs SET final_score = ?, total_iterations = ?, updated_at = ? WHERE id = ?",
		finalScore, totalIterations, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: update run %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendIteration appends a stage record to a run's trail.
func (s *SqliteStorage) AppendIteration(ctx context.Context, it model.AgentIteration) error {
	// Convert nil pointers to NULL for optional fields
	var score, critique interface{}
	if it.Score != nil {
		score = *it.Score
	}
	if it.Critique != nil {
		critique = *it.Critique
	}

	createdAt := it.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_iterations
		(run_id, iteration_number, role, input, output, score, critique, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		it.RunID.String(), it.IterationNumber, it.Role.String(),
		it.Input, it.Output, score, critique, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: append iteration: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *SqliteStorage) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, mode, subject_label, final_score, total_iterations, created_at, updated_at
		FROM agent_runs WHERE id = ?`, id.String())

	run, err := scanSqliteRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentRun{}, fmt.Errorf("storage: get run %s: %w", id, ErrNotFound)
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first.
func (s *SqliteStorage) ListRuns(ctx context.Context, tenant string, limit int) ([]model.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, mode, subject_label, final_score, total_iterations, created_at, updated_at
		FROM agent_runs
		WHERE (? = '' OR tenant = ?)
		ORDER BY created_at DESC
		LIMIT ?`,
		tenant, tenant, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	runs := []model.AgentRun{}
	for rows.Next() {
		run, err := scanSqliteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate runs: %w", err)
	}
	return runs, nil
}

// ListIterations returns the run's trail in append order.
func (s *SqliteStorage) ListIterations(ctx context.Context, runID uuid.UUID) ([]model.AgentIteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, iteration_number, role, input, output, score, critique, created_at
		FROM agent_iterations
		WHERE run_id = ?
		ORDER BY id ASC`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list iterations: %w", err)
	}
	defer rows.Close()

	trail := []model.AgentIteration{}
	for rows.Next() {
		var (
			it       model.AgentIteration
			runIDStr string
			role     string
			score    sql.NullInt64
			critique sql.NullString
		)
		if err := rows.Scan(&runIDStr, &it.IterationNumber, &role, &it.Input, &it.Output, &score, &critique, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan iteration: %w", err)
		}
		if it.RunID, err = uuid.Parse(runIDStr); err != nil {
			return nil, fmt.Errorf("storage: parse run id: %w", err)
		}
		if it.Role, err = model.ParseRole(role); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if score.Valid {
			v := int(score.Int64)
			it.Score = &v
		}
		if critique.Valid {
			v := critique.String
			it.Critique = &v
		}
		trail = append(trail, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate iterations: %w", err)
	}
	return trail, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSqliteRun(row rowScanner) (model.AgentRun, error) {
	var (
		run   model.AgentRun
		idStr string
		mode  string
	)
	if err := row.Scan(&idStr, &run.Tenant, &mode, &run.SubjectLabel,
		&run.FinalScore, &run.TotalIterations, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return model.AgentRun{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.AgentRun{}, fmt.Errorf("parse run id: %w", err)
	}
	run.ID = id
	run.Mode = model.Mode(mode)
	return run, nil
}

// Verify SqliteStorage implements Store
var _ Store = (*SqliteStorage)(nil)
