package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richinex/postloop/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract shared by every backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SettingRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetSetting(ctx, "acme", "agent.post_creator.prompt")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.CreateSetting(ctx, "acme", "agent.post_creator.prompt", "write well"))
		got, err := s.GetSetting(ctx, "acme", "agent.post_creator.prompt")
		require.NoError(t, err)
		assert.Equal(t, "write well", got)

		// Other tenants are isolated
		_, err = s.GetSetting(ctx, "globex", "agent.post_creator.prompt")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateSettingConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateSetting(ctx, "acme", "k", "first"))
		err := s.CreateSetting(ctx, "acme", "k", "second")
		require.ErrorIs(t, err, ErrConflict)

		got, err := s.GetSetting(ctx, "acme", "k")
		require.NoError(t, err)
		assert.Equal(t, "first", got)
	})

	t.Run("ConcurrentCreateSettingOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.CreateSetting(ctx, "acme", "race", fmt.Sprintf("v%d", i))
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			assert.ErrorIs(t, err, ErrConflict)
		}
		assert.Equal(t, 1, winners)

		rows, err := s.ListSettings(ctx, "acme")
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("PutAndListSettings", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.PutSetting(ctx, "acme", "b", "1"))
		require.NoError(t, s.PutSetting(ctx, "acme", "a", "2"))
		require.NoError(t, s.PutSetting(ctx, "acme", "b", "3"))

		rows, err := s.ListSettings(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "a", rows[0].Key)
		assert.Equal(t, "b", rows[1].Key)
		assert.Equal(t, "3", rows[1].Value)

		empty, err := s.ListSettings(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("RunLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		now := time.Now().UTC().Truncate(time.Millisecond)
		run := model.AgentRun{
			ID:           uuid.New(),
			Tenant:       "acme",
			Mode:         model.ModeDocument,
			SubjectLabel: "Go generics",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		require.NoError(t, s.CreateRun(ctx, run))
		require.ErrorIs(t, s.CreateRun(ctx, run), ErrConflict)

		require.NoError(t, s.UpdateRun(ctx, run.ID, 72, 2))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, model.ModeDocument, got.Mode)
		assert.Equal(t, "Go generics", got.SubjectLabel)
		assert.Equal(t, 72, got.FinalScore)
		assert.Equal(t, 2, got.TotalIterations)

		_, err = s.GetRun(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateRun(ctx, uuid.New(), 1, 1), ErrNotFound)
	})

	t.Run("IterationsKeepAppendOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		runID := uuid.New()

		score := 40
		critique := "too long"
		trail := []model.AgentIteration{
			{RunID: runID, IterationNumber: 0, Role: model.RoleCreator, Input: "topic", Output: "draft"},
			{RunID: runID, IterationNumber: 1, Role: model.RoleCritic, Input: "draft", Output: "{}", Score: &score, Critique: &critique},
			{RunID: runID, IterationNumber: 1, Role: model.RoleFixer, Input: "draft", Output: "fixed"},
		}
		for _, it := range trail {
			require.NoError(t, s.AppendIteration(ctx, it))
		}

		got, err := s.ListIterations(ctx, runID)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, model.RoleCreator, got[0].Role)
		assert.Equal(t, model.RoleCritic, got[1].Role)
		assert.Equal(t, model.RoleFixer, got[2].Role)
		require.NotNil(t, got[1].Score)
		assert.Equal(t, 40, *got[1].Score)
		require.NotNil(t, got[1].Critique)
		assert.Equal(t, "too long", *got[1].Critique)
		assert.Nil(t, got[0].Score)
		assert.Nil(t, got[2].Critique)

		none, err := s.ListIterations(ctx, uuid.New())
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ListRunsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		base := time.Now().UTC().Add(-time.Hour)
		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			run := model.AgentRun{
				ID:           uuid.New(),
				Tenant:       "acme",
				Mode:         model.ModeList,
				SubjectLabel: fmt.Sprintf("theme %d", i),
				CreatedAt:    base.Add(time.Duration(i) * time.Minute),
				UpdatedAt:    base.Add(time.Duration(i) * time.Minute),
			}
			ids = append(ids, run.ID)
			require.NoError(t, s.CreateRun(ctx, run))
		}
		require.NoError(t, s.CreateRun(ctx, model.AgentRun{
			ID: uuid.New(), Tenant: "globex", Mode: model.ModeDocument,
			SubjectLabel: "other", CreatedAt: base, UpdatedAt: base,
		}))

		runs, err := s.ListRuns(ctx, "acme", 2)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, ids[2], runs[0].ID)
		assert.Equal(t, ids[1], runs[1].ID)

		all, err := s.ListRuns(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewInMemoryStorage()
	})
}

func TestSqliteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSqliteInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestIsSqliteConflictIgnoresOtherErrors(t *testing.T) {
	assert.False(t, isSqliteConflict(errors.New("boom")))
	assert.False(t, isSqliteConflict(nil))
}
