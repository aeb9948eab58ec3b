// Package storage persists tenant settings and the refinement audit trail.
//
// Information Hiding:
// - Backend choice (in-memory, SQLite, Postgres) hidden behind Store
// - Schema and driver-specific conflict codes mapped to ErrConflict
// - Row ordering guarantees for iterations live in each backend's queries

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/richinex/postloop/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a create collides with an existing row.
var ErrConflict = errors.New("storage: conflict")

// Setting is one tenant-scoped key/value row.
type Setting struct {
	Tenant    string    `json:"tenant"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingsStore is the key/value collaborator behind the config resolver.
type SettingsStore interface {
	// GetSetting returns ErrNotFound when the key is absent.
	GetSetting(ctx context.Context, tenant, key string) (string, error)

	// CreateSetting inserts a new row. Returns ErrConflict if one already exists.
	CreateSetting(ctx context.Context, tenant, key, value string) error

	// PutSetting inserts or overwrites a row.
	PutSetting(ctx context.Context, tenant, key, value string) error

	// ListSettings returns every setting of a tenant ordered by key.
	ListSettings(ctx context.Context, tenant string) ([]Setting, error)
}

// RunStore records runs and their stage iterations.
type RunStore interface {
	CreateRun(ctx context.Context, run model.AgentRun) error

	// UpdateRun rewrites the latest score and iteration count.
	// Returns ErrNotFound if the run does not exist.
	UpdateRun(ctx context.Context, id uuid.UUID, finalScore, totalIterations int) error

	AppendIteration(ctx context.Context, it model.AgentIteration) error

	GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error)

	// ListRuns returns the newest runs first. An empty tenant lists all tenants.
	ListRuns(ctx context.Context, tenant string, limit int) ([]model.AgentRun, error)

	// ListIterations returns iterations in the order they were appended.
	ListIterations(ctx context.Context, runID uuid.UUID) ([]model.AgentIteration, error)
}

// Store combines both collaborators over one backend.
type Store interface {
	SettingsStore
	RunStore
	Close() error
}

const defaultListLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
