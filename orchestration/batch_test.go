package orchestration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/richinex/postloop/model"
	"github.com/richinex/postloop/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefinePostsKeepsOrderAndIsolatesFailures(t *testing.T) {
	s := &script{
		creator: []string{"draft"},
		critic:  []string{critiqueJSON(90, "ok")},
		delay:   5 * time.Millisecond,
		failWhen: func(role model.Role, user string) error {
			if role == model.RoleCreator && strings.Contains(user, "Topic: broken") {
				return errProviderDown
			}
			return nil
		},
	}
	store := storage.NewInMemoryStorage()
	o := newTestOrchestrator(s, store, Policy{Concurrency: 2})

	topics := []string{"one", "two", "broken", "four", "five", "six"}
	reqs := make([]DocumentRequest, len(topics))
	for i, topic := range topics {
		reqs[i] = DocumentRequest{Tenant: "acme", Topic: topic}
	}

	items := o.RefinePosts(context.Background(), reqs)
	require.Len(t, items, len(topics))

	for i, item := range items {
		assert.Equal(t, topics[i], item.Request.Topic)
		if topics[i] == "broken" {
			assert.ErrorIs(t, item.Err, errProviderDown)
			continue
		}
		require.NoError(t, item.Err, topics[i])
		assert.Equal(t, "draft", item.Result.Artifact)
		assert.Equal(t, 90, item.Result.Score)
	}

	assert.LessOrEqual(t, int(s.maxInflight.Load()), 2)

	runs, err := store.ListRuns(context.Background(), "acme", 0)
	require.NoError(t, err)
	assert.Len(t, runs, len(topics))
}

func TestRefinePostsCancelledContext(t *testing.T) {
	s := &script{
		creator: []string{"draft"},
		critic:  []string{critiqueJSON(90, "ok")},
	}
	o := newTestOrchestrator(s, nil, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := o.RefinePosts(ctx, []DocumentRequest{{Topic: "a"}, {Topic: "b"}})
	for _, item := range items {
		assert.ErrorIs(t, item.Err, context.Canceled)
	}
	assert.Zero(t, s.count(model.RoleCreator))
}

func TestRefinePostsEmpty(t *testing.T) {
	o := newTestOrchestrator(&script{}, nil, DefaultPolicy())
	assert.Empty(t, o.RefinePosts(context.Background(), nil))
}
