// Package storage provides in-memory settings and run storage.
//
// Information Hiding:
// - Map storage structure hidden from users
// - Thread-safe access via RWMutex hidden behind interface
// - Suitable for testing and ephemeral runs

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/richinex/postloop/model"
)

// InMemoryStorage implements Store using maps.
// Data is lost when process terminates.
type InMemoryStorage struct {
	mu         sync.RWMutex
	settings   map[string]map[string]Setting
	runs       map[uuid.UUID]model.AgentRun
	iterations map[uuid.UUID][]model.AgentIteration
}

// NewInMemoryStorage creates a new in-memory storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		settings:   make(map[string]map[string]Setting),
		runs:       make(map[uuid.UUID]model.AgentRun),
		iterations: make(map[uuid.UUID][]model.AgentIteration),
	}
}

// Close is a no-op.
func (s *InMemoryStorage) Close() error {
	return nil
}

// GetSetting returns the stored value for key.
func (s *InMemoryStorage) GetSetting(ctx context.Context, tenant, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.settings[tenant][key]
	if !ok {
		return "", ErrNotFound
	}
	return row.Value, nil
}

// CreateSetting inserts a setting, failing with ErrConflict if present.
func (s *InMemoryStorage) CreateSetting(ctx context.Context, tenant, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settings[tenant][key]; ok {
		return fmt.Errorf("storage: create setting %s/%s: %w", tenant, key, ErrConflict)
	}
	s.putLocked(tenant, key, value)
	return nil
}

// PutSetting inserts or overwrites a setting.
func (s *InMemoryStorage) PutSetting(ctx context.Context, tenant, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(tenant, key, value)
	return nil
}

func (s *InMemoryStorage) putLocked(tenant, key, value string) {
	rows, ok := s.settings[tenant]
	if !ok {
		rows = make(map[string]Setting)
		s.settings[tenant] = rows
	}
	rows[key] = Setting{Tenant: tenant, Key: key, Value: value, UpdatedAt: time.Now().UTC()}
}

// ListSettings lists a tenant's settings ordered by key.
func (s *InMemoryStorage) ListSettings(ctx context.Context, tenant string) ([]Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Setting, 0, len(s.settings[tenant]))
	for _, row := range s.settings[tenant] {
		result = append(result, row)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// CreateRun stores a new run.
func (s *InMemoryStorage) CreateRun(ctx context.Context, run model.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("storage: create run %s: %w", run.ID, ErrConflict)
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRun rewrites the score and iteration count of a run.
func (s *InMemoryStorage) UpdateRun(ctx context.Context, id uuid.UUID, finalScore, totalIterations int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("storage: update run %s: %w", id, ErrNotFound)
	}
	run.FinalScore = finalScore
	run.TotalIterations = totalIterations
	run.UpdatedAt = time.Now().UTC()
	s.runs[id] = run
	return nil
}

// AppendIteration appends a stage record to a run's trail.
func (s *InMemoryStorage) AppendIteration(ctx context.Context, it model.AgentIteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy pointer fields to avoid external mutations
	if it.Score != nil {
		v := *it.Score
		it.Score = &v
	}
	if it.Critique != nil {
		v := *it.Critique
		it.Critique = &v
	}
	s.iterations[it.RunID] = append(s.iterations[it.RunID], it)
	return nil
}

// GetRun returns a run by ID.
func (s *InMemoryStorage) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.AgentRun{}, fmt.Errorf("storage: get run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

// ListRuns returns the newest runs first.
func (s *InMemoryStorage) ListRuns(ctx context.Context, tenant string, limit int) ([]model.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := []model.AgentRun{}
	for _, run := range s.runs {
		if tenant == "" || run.Tenant == tenant {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	if limit = normalizeLimit(limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListIterations returns a copy of the run's trail in append order.
func (s *InMemoryStorage) ListIterations(ctx context.Context, runID uuid.UUID) ([]model.AgentIteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trail := s.iterations[runID]
	copied := make([]model.AgentIteration, len(trail))
	copy(copied, trail)
	return copied, nil
}

// Verify InMemoryStorage implements Store
var _ Store = (*InMemoryStorage)(nil)
