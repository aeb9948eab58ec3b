package orchestration

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/richinex/postloop/config"
	"github.com/richinex/postloop/llm"
	"github.com/richinex/postloop/model"
)

var errProviderDown = errors.New("provider down")

// stubConfigs resolves every slot to a fixed OpenAI configuration.
type stubConfigs struct {
	err error
}

func (s *stubConfigs) AgentConfig(_ context.Context, _ string, key config.AgentKey) (config.AgentConfig, error) {
	if s.err != nil {
		return config.AgentConfig{}, s.err
	}
	return config.AgentConfig{
		Key:      key,
		Role:     key.Role(),
		Provider: llm.ProviderOpenAI,
		Prompt:   "system:" + string(key),
		Model:    "default-model",
	}, nil
}

type recordedCall struct {
	cfg    config.AgentConfig
	user   string
	format *llm.ResponseFormat
}

// script answers each role from its own queue. The last entry repeats once
// a queue is exhausted.
type script struct {
	creator []string
	critic  []string
	fixer   []string

	// failWhen returns a non-nil error to fail a call.
	failWhen func(role model.Role, user string) error
	delay    time.Duration

	mu    sync.Mutex
	calls []recordedCall

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (s *script) factory() GeneratorFactory {
	return func(cfg config.AgentConfig) (Generator, error) {
		return &scriptedGenerator{s: s, cfg: cfg}, nil
	}
}

func (s *script) next(cfg config.AgentConfig, user string, format *llm.ResponseFormat) (string, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		cur := s.maxInflight.Load()
		if n <= cur || s.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recordedCall{cfg: cfg, user: user, format: format})

	if s.failWhen != nil {
		if err := s.failWhen(cfg.Role, user); err != nil {
			return "", err
		}
	}

	var queue []string
	switch cfg.Role {
	case model.RoleCreator:
		queue = s.creator
	case model.RoleCritic:
		queue = s.critic
	case model.RoleFixer:
		queue = s.fixer
	}
	if len(queue) == 0 {
		return "", errors.New("no scripted output for " + cfg.Role.String())
	}
	idx := s.countLocked(cfg.Role) - 1
	if idx >= len(queue) {
		idx = len(queue) - 1
	}
	return queue[idx], nil
}

func (s *script) countLocked(role model.Role) int {
	n := 0
	for _, c := range s.calls {
		if c.cfg.Role == role {
			n++
		}
	}
	return n
}

func (s *script) count(role model.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(role)
}

func (s *script) callsFor(role model.Role) []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedCall
	for _, c := range s.calls {
		if c.cfg.Role == role {
			out = append(out, c)
		}
	}
	return out
}

type scriptedGenerator struct {
	s   *script
	cfg config.AgentConfig
}

func (g *scriptedGenerator) GenerateText(_ context.Context, _, user string) (string, error) {
	return g.s.next(g.cfg, user, nil)
}

func (g *scriptedGenerator) GenerateStructured(_ context.Context, _, user string, format *llm.ResponseFormat) (string, error) {
	return g.s.next(g.cfg, user, format)
}

// failingRunStore rejects every write.
type failingRunStore struct{}

var errStoreDown = errors.New("store down")

func (failingRunStore) CreateRun(context.Context, model.AgentRun) error { return errStoreDown }
func (failingRunStore) UpdateRun(context.Context, uuid.UUID, int, int) error {
	return errStoreDown
}
func (failingRunStore) AppendIteration(context.Context, model.AgentIteration) error {
	return errStoreDown
}
func (failingRunStore) GetRun(context.Context, uuid.UUID) (model.AgentRun, error) {
	return model.AgentRun{}, errStoreDown
}
func (failingRunStore) ListRuns(context.Context, string, int) ([]model.AgentRun, error) {
	return nil, errStoreDown
}
func (failingRunStore) ListIterations(context.Context, uuid.UUID) ([]model.AgentIteration, error) {
	return nil, errStoreDown
}

func critiqueJSON(score int, text string) string {
	return `{"score": ` + strconv.Itoa(score) + `, "critique": "` + text + `"}`
}
