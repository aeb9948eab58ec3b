package orchestration

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/richinex/postloop/model"
	"github.com/richinex/postloop/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// Ignore known background goroutines from dependencies
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func newTestOrchestrator(s *script, store storage.RunStore, policy Policy) *Orchestrator {
	return NewOrchestrator(&stubConfigs{}, NewRunLogger(store, nil), s.factory(), policy, nil)
}

func TestRefinePostStopsWhenTargetMet(t *testing.T) {
	s := &script{
		creator: []string{"T0"},
		critic:  []string{critiqueJSON(40, "too vague"), critiqueJSON(90, "good")},
		fixer:   []string{"T1"},
	}
	store := storage.NewInMemoryStorage()
	o := newTestOrchestrator(s, store, DefaultPolicy())

	res, err := o.RefinePost(context.Background(), DocumentRequest{Tenant: "acme", Theme: "go", Topic: "errors"})
	require.NoError(t, err)

	assert.Equal(t, "T1", res.Artifact)
	assert.Equal(t, 90, res.Score)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, []model.HistoryEntry{
		{Iteration: 1, Score: 40, Critique: "too vague"},
		{Iteration: 2, Score: 90, Critique: "good"},
	}, res.History)
	assert.True(t, res.Audit.Complete())
	assert.Nil(t, res.Validation)

	assert.Equal(t, 1, s.count(model.RoleCreator))
	assert.Equal(t, 2, s.count(model.RoleCritic))
	assert.Equal(t, 1, s.count(model.RoleFixer))

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "acme", run.Tenant)
	assert.Equal(t, model.ModeDocument, run.Mode)
	assert.Equal(t, "errors", run.SubjectLabel)
	assert.Equal(t, 90, run.FinalScore)
	assert.Equal(t, 2, run.TotalIterations)

	its, err := store.ListIterations(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, its, 4)

	type step struct {
		n    int
		role model.Role
	}
	var got []step
	for _, it := range its {
		got = append(got, step{it.IterationNumber, it.Role})
	}
	assert.Equal(t, []step{
		{0, model.RoleCreator},
		{1, model.RoleCritic},
		{1, model.RoleFixer},
		{2, model.RoleCritic},
	}, got)

	assert.Equal(t, "T0", its[0].Output)
	assert.Nil(t, its[0].Score)
	require.NotNil(t, its[1].Score)
	assert.Equal(t, 40, *its[1].Score)
	require.NotNil(t, its[1].Critique)
	assert.Equal(t, "too vague", *its[1].Critique)
	assert.Equal(t, "T1", its[2].Output)
}

func TestRefinePostExhaustsBudget(t *testing.T) {
	s := &script{
		creator: []string{"T0"},
		critic:  []string{critiqueJSON(30, "weak")},
		fixer:   []string{"F1", "F2", "F3"},
	}
	o := newTestOrchestrator(s, storage.NewInMemoryStorage(), DefaultPolicy())

	res, err := o.RefinePost(context.Background(), DocumentRequest{Topic: "errors"})
	require.NoError(t, err)

	assert.Equal(t, 3, s.count(model.RoleCritic))
	assert.Equal(t, 2, s.count(model.RoleFixer))
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 30, res.Score)
	assert.Equal(t, "F2", res.Artifact)
}

func TestRefinePostFirstScoreMeetsTarget(t *testing.T) {
	s := &script{
		creator: []string{"  T0\n"},
		critic:  []string{critiqueJSON(80, "fine")},
	}
	o := newTestOrchestrator(s, nil, DefaultPolicy())

	res, err := o.RefinePost(context.Background(), DocumentRequest{Topic: "errors"})
	require.NoError(t, err)

	assert.Equal(t, "T0", res.Artifact)
	assert.Equal(t, 1, res.Iterations)
	assert.Zero(t, s.count(model.RoleFixer))
}

func TestRefinePostFallbackCritiqueKeepsLooping(t *testing.T) {
	s := &script{
		creator: []string{"T0"},
		critic:  []string{"I cannot score this.", critiqueJSON(95, "great")},
		fixer:   []string{"T1"},
	}
	o := newTestOrchestrator(s, nil, DefaultPolicy())

	res, err := o.RefinePost(context.Background(), DocumentRequest{Topic: "errors"})
	require.NoError(t, err)

	require.Len(t, res.History, 2)
	assert.Equal(t, FallbackCritique.Score, res.History[0].Score)
	assert.Equal(t, FallbackCritique.Critique, res.History[0].Critique)
	assert.Equal(t, 95, res.Score)
}

func TestRefinePostUsesFormats(t *testing.T) {
	s := &script{
		creator: []string{"T0"},
		critic:  []string{critiqueJSON(30, "weak"), critiqueJSON(90, "ok")},
		fixer:   []string{"T1"},
	}
	o := newTestOrchestrator(s, nil, DefaultPolicy())

	_, err := o.RefinePost(context.Background(), DocumentRequest{Topic: "errors"})
	require.NoError(t, err)

	assert.Nil(t, s.callsFor(model.RoleCreator)[0].format)
	assert.Nil(t, s.callsFor(model.RoleFixer)[0].format)
	crit := s.callsFor(model.RoleCritic)[0].format
	require.NotNil(t, crit)
	require.True(t, crit.HasSchema())
	assert.Equal(t, "critique", crit.JSONSchema.Name)

	fixInput := s.callsFor(model.RoleFixer)[0].user
	assert.Contains(t, fixInput, "weak")
	assert.Contains(t, fixInput, "T0")
}

func TestRefinePostOverrides(t *testing.T) {
	s := &script{
		creator: []string{"T0"},
		critic:  []string{critiqueJSON(10, "bad"), critiqueJSON(90, "ok")},
		fixer:   []string{"T1"},
	}
	o := newTestOrchestrator(s, nil, DefaultPolicy())

	_, err := o.RefinePost(context.Background(), DocumentRequest{
		Topic:          "errors",
		PromptOverride: "custom creator prompt",
		ModelOverride:  "gpt-override",
	})
	require.NoError(t, err)

	assert.Equal(t, "custom creator prompt", s.callsFor(model.RoleCreator)[0].cfg.Prompt)
	assert.Equal(t, "system:post_critic", s.callsFor(model.RoleCritic)[0].cfg.Prompt)
	assert.Equal(t, "system:post_fixer", s.callsFor(model.RoleFixer)[0].cfg.Prompt)
	for _, role := range []model.Role{model.RoleCreator, model.RoleCritic, model.RoleFixer} {
		for _, c := range s.callsFor(role) {
			assert.Equal(t, "gpt-override", c.cfg.Model, role.String())
		}
	}
}

func TestRefinePostProviderFailureAbortsRun(t *testing.T) {
	s := &script{
		creator: []string{"T0"},
		failWhen: func(role model.Role, _ string) error {
			if role == model.RoleCritic {
				return errProviderDown
			}
			return nil
		},
	}
	o := newTestOrchestrator(s, nil, DefaultPolicy())

	_, err := o.RefinePost(context.Background(), DocumentRequest{Topic: "errors"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errProviderDown)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, model.RoleCritic, stageErr.Role)
	assert.Equal(t, 1, stageErr.Iteration)
	assert.Zero(t, s.count(model.RoleFixer))
}

func TestRefinePostConfigFailureAbortsRun(t *testing.T) {
	s := &script{creator: []string{"T0"}}
	errConfig := errors.New("bad provider")
	o := NewOrchestrator(&stubConfigs{err: errConfig}, nil, s.factory(), DefaultPolicy(), nil)

	_, err := o.RefinePost(context.Background(), DocumentRequest{Topic: "errors"})
	require.ErrorIs(t, err, errConfig)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, model.RoleCreator, stageErr.Role)
	assert.Zero(t, stageErr.Iteration)
	assert.Zero(t, s.count(model.RoleCreator))
}

func TestRefinePostSurvivesRunLogFailures(t *testing.T) {
	s := &script{
		creator: []string{"T0"},
		critic:  []string{critiqueJSON(90, "ok")},
	}
	o := newTestOrchestrator(s, failingRunStore{}, DefaultPolicy())

	res, err := o.RefinePost(context.Background(), DocumentRequest{Topic: "errors"})
	require.NoError(t, err)

	assert.Equal(t, "T0", res.Artifact)
	assert.False(t, res.Audit.Complete())
	// create run, creator iteration, critic iteration, update run
	require.Len(t, res.Audit.Failures, 4)
	assert.Equal(t, "create run", res.Audit.Failures[0].Op)
	assert.Equal(t, model.RoleCritic, res.Audit.Failures[2].Role)
	assert.ErrorIs(t, res.Audit.Err(), errStoreDown)
}

func TestRefineTopicsNormalizesBareArray(t *testing.T) {
	bare := "Here you go:\n```json\n[" + strings.Join([]string{
		`{"topic": "A", "category": "c", "tags": ["x"]}`,
		`{"topic": "B", "category": "c", "tags": []}`,
		`{"topic": "C", "category": "c"}`,
		`{"topic": "D", "category": "c", "tags": ["y"]}`,
		`{"topic": "E", "category": "c", "tags": ["z"]}`,
	}, ",") + "]\n```"
	s := &script{
		creator: []string{bare},
		critic:  []string{critiqueJSON(95, "balanced")},
	}
	store := storage.NewInMemoryStorage()
	o := newTestOrchestrator(s, store, DefaultPolicy())

	res, err := o.RefineTopics(context.Background(), ListRequest{Tenant: "acme", Theme: "Go", Count: 5})
	require.NoError(t, err)

	require.Len(t, res.Artifact, 5)
	assert.Equal(t, "A", res.Artifact[0].Topic)
	assert.Equal(t, []string{}, res.Artifact[2].Tags)
	require.NotNil(t, res.Validation)
	assert.True(t, res.Validation.Valid)
	assert.Empty(t, res.Validation.Warnings)

	creator := s.callsFor(model.RoleCreator)[0]
	require.True(t, creator.format.HasSchema())
	assert.Equal(t, "topic_list", creator.format.JSONSchema.Name)
	assert.Contains(t, s.callsFor(model.RoleCritic)[0].user, `{"topics":[`)

	its, err := store.ListIterations(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(its[0].Output, `{"topics":`))

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeList, run.Mode)
	assert.Equal(t, "Go", run.SubjectLabel)
}

func TestRefineTopicsUsesListTarget(t *testing.T) {
	list := `{"topics": [{"topic": "A", "category": "c", "tags": []}]}`
	s := &script{
		creator: []string{list},
		critic:  []string{critiqueJSON(85, "almost"), critiqueJSON(90, "ok")},
		fixer:   []string{list},
	}
	o := newTestOrchestrator(s, nil, DefaultPolicy())

	res, err := o.RefineTopics(context.Background(), ListRequest{Theme: "Go", Count: 1})
	require.NoError(t, err)

	// 85 meets the document target but not the list target.
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, s.count(model.RoleFixer))
	assert.True(t, s.callsFor(model.RoleFixer)[0].format.HasSchema())
}

func TestRefineTopicsUnparseableFinalArtifact(t *testing.T) {
	s := &script{
		creator: []string{"no topics today"},
		critic:  []string{critiqueJSON(0, "nothing here")},
		fixer:   []string{"still nothing"},
	}
	o := newTestOrchestrator(s, nil, Policy{MaxIterations: 2})

	res, err := o.RefineTopics(context.Background(), ListRequest{Theme: "Go", Count: 3})
	require.NoError(t, err)

	assert.NotNil(t, res.Artifact)
	assert.Empty(t, res.Artifact)
	require.NotNil(t, res.Validation)
	assert.False(t, res.Validation.Valid)
}

func TestRefineTopicsRejectsZeroCount(t *testing.T) {
	s := &script{}
	o := newTestOrchestrator(s, nil, DefaultPolicy())

	_, err := o.RefineTopics(context.Background(), ListRequest{Theme: "Go"})
	require.Error(t, err)
	assert.Zero(t, s.count(model.RoleCreator))
}

func TestRefineTopicsPassesExistingTopics(t *testing.T) {
	list := `{"topics": [{"topic": "Generics", "category": "lang", "tags": []}]}`
	s := &script{
		creator: []string{list},
		critic:  []string{critiqueJSON(99, "ok")},
	}
	o := newTestOrchestrator(s, nil, DefaultPolicy())

	res, err := o.RefineTopics(context.Background(), ListRequest{
		Theme:          "Go",
		Count:          1,
		ExistingTopics: []string{"generics"},
	})
	require.NoError(t, err)

	assert.Contains(t, s.callsFor(model.RoleCreator)[0].user, "- generics")
	require.NotNil(t, res.Validation)
	assert.True(t, res.Validation.Valid)
	require.Len(t, res.Validation.Warnings, 1)
	assert.Contains(t, res.Validation.Warnings[0], "already covered")
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{MaxIterations: 5, ListTarget: 70}.normalized()
	assert.Equal(t, Policy{MaxIterations: 5, DocumentTarget: 80, ListTarget: 70, Concurrency: 4}, p)
}

func TestStageErrorMessage(t *testing.T) {
	err := &StageError{Role: model.RoleFixer, Iteration: 2, Err: errProviderDown}
	assert.Equal(t, "fixer stage (iteration 2): provider down", err.Error())
}

func TestExcerptTruncatesRunes(t *testing.T) {
	long := strings.Repeat("é", inputExcerptRunes+10)
	assert.Len(t, []rune(excerpt(long, inputExcerptRunes)), inputExcerptRunes)
	assert.Equal(t, "short", excerpt("short", inputExcerptRunes))
}
