package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/richinex/postloop/model"
)

// PostgresStorage implements Store on a pgx connection pool.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn, pings the server and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	s := &PostgresStorage{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Debug("storage: postgres ready", "host", poolCfg.ConnConfig.Host)
	return s, nil
}

// Close shuts down the connection pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS settings (
			tenant TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant, key)
		);

		CREATE TABLE IF NOT EXISTS agent_runs (
			id UUID PRIMARY KEY,
			tenant TEXT NOT NULL,
			mode TEXT NOT NULL,
			subject_label TEXT NOT NULL,
			final_score INTEGER NOT NULL DEFAULT 0,
			total_iterations INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agent_runs_tenant
		ON agent_runs(tenant, created_at DESC);

		CREATE TABLE IF NOT EXISTS agent_iterations (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL,
			iteration_number INTEGER NOT NULL,
			role TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			score INTEGER,
			critique TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_agent_iterations_run
		ON agent_iterations(run_id, id);
	`)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetSetting returns the stored value for key.
func (s *PostgresStorage) GetSetting(ctx context.Context, tenant, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE tenant = $1 AND key = $2`, tenant, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: get setting: %w", err)
	}
	return value, nil
}

// CreateSetting inserts a setting, failing with ErrConflict if present.
func (s *PostgresStorage) CreateSetting(ctx context.Context, tenant, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (tenant, key, value) VALUES ($1, $2, $3)`,
		tenant, key, value)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: create setting %s/%s: %w", tenant, key, ErrConflict)
		}
		return fmt.Errorf("storage: create setting: %w", err)
	}
	return nil
}

// PutSetting inserts or overwrites a setting.
func (s *PostgresStorage) PutSetting(ctx context.Context, tenant, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (tenant, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		tenant, key, value)
	if err != nil {
		return fmt.Errorf("storage: put setting: %w", err)
	}
	return nil
}

// ListSettings lists a tenant's settings ordered by key.
func (s *PostgresStorage) ListSettings(ctx context.Context, tenant string) ([]Setting, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant, key, value, updated_at FROM settings WHERE tenant = $1 ORDER BY key`,
		tenant)
	if err != nil {
		return nil, fmt.Errorf("storage: list settings: %w", err)
	}
	defer rows.Close()

	settings := []Setting{}
	for rows.Next() {
		var row Setting
		if err := rows.Scan(&row.Tenant, &row.Key, &row.Value, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan setting: %w", err)
		}
		settings = append(settings, row)
	}
	return settings, rows.Err()
}

// CreateRun stores a new run.
func (s *PostgresStorage) CreateRun(ctx context.Context, run model.AgentRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, tenant, mode, subject_label, final_score, total_iterations, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Tenant, string(run.Mode), run.SubjectLabel,
		run.FinalScore, run.TotalIterations, run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: create run %s: %w", run.ID, ErrConflict)
		}
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// UpdateRun rewrites the score and iteration count of a run.
func (s *PostgresStorage) UpdateRun(ctx context.Context, id uuid.UUID, finalScore, totalIterations int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs SET final_score = $1, total_iterations = $2, updated_at = now() WHERE id = $3`,
		finalScore, totalIterations, id)
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update run %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendIteration appends a stage record to a run's trail.
func (s *PostgresStorage) AppendIteration(ctx context.Context, it model.AgentIteration) error {
	createdAt := it.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_iterations (run_id, iteration_number, role, input, output, score, critique, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		it.RunID, it.IterationNumber, it.Role.String(), it.Input, it.Output,
		it.Score, it.Critique, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: append iteration: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *PostgresStorage) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	var run model.AgentRun
	var mode string
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant, mode, subject_label, final_score, total_iterations, created_at, updated_at
		 FROM agent_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.Tenant, &mode, &run.SubjectLabel,
		&run.FinalScore, &run.TotalIterations, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, fmt.Errorf("storage: get run %s: %w", id, ErrNotFound)
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	run.Mode = model.Mode(mode)
	return run, nil
}

// ListRuns returns the newest runs first.
func (s *PostgresStorage) ListRuns(ctx context.Context, tenant string, limit int) ([]model.AgentRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant, mode, subject_label, final_score, total_iterations, created_at, updated_at
		 FROM agent_runs
		 WHERE ($1 = '' OR tenant = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`,
		tenant, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	runs := []model.AgentRun{}
	for rows.Next() {
		var run model.AgentRun
		var mode string
		if err := rows.Scan(&run.ID, &run.Tenant, &mode, &run.SubjectLabel,
			&run.FinalScore, &run.TotalIterations, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		run.Mode = model.Mode(mode)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListIterations returns the run's trail in append order.
func (s *PostgresStorage) ListIterations(ctx context.Context, runID uuid.UUID) ([]model.AgentIteration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, iteration_number, role, input, output, score, critique, created_at
		 FROM agent_iterations WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list iterations: %w", err)
	}
	defer rows.Close()

	trail := []model.AgentIteration{}
	for rows.Next() {
		var it model.AgentIteration
		var role string
		if err := rows.Scan(&it.RunID, &it.IterationNumber, &role, &it.Input, &it.Output,
			&it.Score, &it.Critique, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan iteration: %w", err)
		}
		if it.Role, err = model.ParseRole(role); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		trail = append(trail, it)
	}
	return trail, rows.Err()
}

// Verify PostgresStorage implements Store
var _ Store = (*PostgresStorage)(nil)
