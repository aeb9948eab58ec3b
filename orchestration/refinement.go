// Refinement orchestrator: create, then critique and fix until the score
// reaches the target or the iteration budget runs out.
//
// Information Hiding:
// - Per-stage config resolution and generator construction hidden
// - Payload differences between document and list mode behind payload
// - Run logging, spans and metrics hidden from callers

package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/richinex/postloop/config"
	"github.com/richinex/postloop/llm"
	"github.com/richinex/postloop/model"
	"github.com/richinex/postloop/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "github.com/richinex/postloop/orchestration"

// Orchestrator runs refinement loops. Safe for concurrent use; each call
// owns its own loop state.
type Orchestrator struct {
	configs ConfigSource
	runs    *RunLogger
	factory GeneratorFactory
	policy  Policy
	logger  *slog.Logger

	tracer     trace.Tracer
	iterations metric.Int64Histogram
	scores     metric.Int64Histogram
}

// NewOrchestrator wires the collaborators. A nil runs logger disables the
// audit trail.
func NewOrchestrator(configs ConfigSource, runs *RunLogger, factory GeneratorFactory, policy Policy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if runs == nil {
		runs = NewRunLogger(nil, logger)
	}

	meter := telemetry.Meter(instrumentationScope)
	iterations, err := meter.Int64Histogram("postloop.refinement.iterations",
		metric.WithDescription("Critic passes per run"))
	if err != nil {
		logger.Warn("orchestration: create iterations histogram", "error", err)
	}
	scores, err := meter.Int64Histogram("postloop.refinement.score",
		metric.WithDescription("Final critic score per run"))
	if err != nil {
		logger.Warn("orchestration: create score histogram", "error", err)
	}

	return &Orchestrator{
		configs:    configs,
		runs:       runs,
		factory:    factory,
		policy:     policy.normalized(),
		logger:     logger,
		tracer:     telemetry.Tracer(instrumentationScope),
		iterations: iterations,
		scores:     scores,
	}
}

// Policy returns the effective loop constants.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// RefinePost refines one post body.
func (o *Orchestrator) RefinePost(ctx context.Context, req DocumentRequest) (Result[string], error) {
	p := &documentPayload{theme: req.Theme, topic: req.Topic}
	out, err := o.run(ctx, runOptions{
		tenant:         req.Tenant,
		promptOverride: req.PromptOverride,
		modelOverride:  req.ModelOverride,
	}, p)
	if err != nil {
		return Result[string]{}, err
	}
	return Result[string]{
		RunID:      out.runID,
		Artifact:   out.artifact,
		Score:      out.score,
		Iterations: len(out.history),
		History:    out.history,
		Audit:      out.audit,
	}, nil
}

// RefineTopics refines a batch of req.Count topic records as one list.
func (o *Orchestrator) RefineTopics(ctx context.Context, req ListRequest) (Result[[]model.TopicRecord], error) {
	if req.Count < 1 {
		return Result[[]model.TopicRecord]{}, fmt.Errorf("topic count must be at least 1, got %d", req.Count)
	}
	p := &listPayload{
		theme:    req.Theme,
		contract: TopicContract{Count: req.Count, ExistingTopics: req.ExistingTopics},
		logger:   o.logger,
	}
	out, err := o.run(ctx, runOptions{
		tenant:         req.Tenant,
		promptOverride: req.PromptOverride,
		modelOverride:  req.ModelOverride,
	}, p)
	if err != nil {
		return Result[[]model.TopicRecord]{}, err
	}

	validation := p.contract.Validate(out.artifact)
	return Result[[]model.TopicRecord]{
		RunID:      out.runID,
		Artifact:   ParseTopicList(out.artifact),
		Score:      out.score,
		Iterations: len(out.history),
		History:    out.history,
		Audit:      out.audit,
		Validation: &validation,
	}, nil
}

type runOptions struct {
	tenant         string
	promptOverride string
	modelOverride  string
}

type loopOutcome struct {
	runID    uuid.UUID
	artifact string
	score    int
	history  []model.HistoryEntry
	audit    AuditReport
}

// payload is what differs between document and list mode.
type payload interface {
	mode() model.Mode
	subject() string
	target(p Policy) int
	creatorInput() string
	critiqueInput(artifact string) string
	fixInput(artifact, critique string) string
	// artifactFormat is the creator and fixer output format; nil means free text.
	artifactFormat() *llm.ResponseFormat
	normalize(raw string) string
	check(iteration int, artifact string)
}

func (o *Orchestrator) run(ctx context.Context, opts runOptions, p payload) (loopOutcome, error) {
	mode := p.mode()
	ctx, span := o.tracer.Start(ctx, "refinement.run", trace.WithAttributes(
		attribute.String("postloop.mode", string(mode)),
		attribute.String("postloop.tenant", opts.tenant),
	))
	defer span.End()

	rec := o.runs.Begin(ctx, opts.tenant, mode, p.subject())
	span.SetAttributes(attribute.String("postloop.run_id", rec.ID().String()))
	logger := o.logger.With("run_id", rec.ID(), "mode", string(mode))

	input := p.creatorInput()
	raw, err := o.callStage(ctx, opts, mode, model.RoleCreator, 0, input, p.artifactFormat())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "creator failed")
		return loopOutcome{}, err
	}
	artifact := p.normalize(raw)
	rec.Iteration(ctx, 0, model.RoleCreator, input, artifact, nil)
	p.check(0, artifact)

	target := p.target(o.policy)
	var history []model.HistoryEntry
	score := 0

	for i := 1; i <= o.policy.MaxIterations; i++ {
		input := p.critiqueInput(artifact)
		raw, err := o.callStage(ctx, opts, mode, model.RoleCritic, i, input, critiqueFormat())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "critic failed")
			return loopOutcome{}, err
		}
		verdict, ok := ParseCritique(raw)
		if !ok {
			logger.Warn("orchestration: critic output unparseable, using fallback", "iteration", i)
		}
		rec.Iteration(ctx, i, model.RoleCritic, input, raw, &verdict)

		history = append(history, model.HistoryEntry{Iteration: i, Score: verdict.Score, Critique: verdict.Critique})
		score = verdict.Score
		rec.Update(ctx, score, i)
		logger.Debug("orchestration: critique", "iteration", i, "score", score, "target", target)

		if score >= target || i == o.policy.MaxIterations {
			break
		}

		input = p.fixInput(artifact, verdict.Critique)
		raw, err = o.callStage(ctx, opts, mode, model.RoleFixer, i, input, p.artifactFormat())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fixer failed")
			return loopOutcome{}, err
		}
		artifact = p.normalize(raw)
		rec.Iteration(ctx, i, model.RoleFixer, input, artifact, nil)
		p.check(i, artifact)
	}

	modeAttr := metric.WithAttributes(attribute.String("mode", string(mode)))
	if o.iterations != nil {
		o.iterations.Record(ctx, int64(len(history)), modeAttr)
	}
	if o.scores != nil {
		o.scores.Record(ctx, int64(score), modeAttr)
	}
	span.SetAttributes(
		attribute.Int("postloop.score", score),
		attribute.Int("postloop.iterations", len(history)),
	)

	audit := rec.Audit()
	if !audit.Complete() {
		logger.Warn("orchestration: run finished with incomplete audit log", "failures", len(audit.Failures))
	}
	logger.Info("orchestration: run finished", "score", score, "iterations", len(history), "target_met", score >= target)

	return loopOutcome{
		runID:    rec.ID(),
		artifact: artifact,
		score:    score,
		history:  history,
		audit:    audit,
	}, nil
}

// callStage resolves the role's configuration and performs one generation.
// Any failure aborts the run as a *StageError.
func (o *Orchestrator) callStage(ctx context.Context, opts runOptions, mode model.Mode, role model.Role, iteration int, userPrompt string, format *llm.ResponseFormat) (string, error) {
	ctx, span := o.tracer.Start(ctx, "refinement."+role.String(), trace.WithAttributes(
		attribute.Int("postloop.iteration", iteration),
	))
	defer span.End()

	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", &StageError{Role: role, Iteration: iteration, Err: err}
	}

	cfg, err := o.configs.AgentConfig(ctx, opts.tenant, config.KeyFor(mode, role))
	if err != nil {
		return fail(err)
	}
	if role == model.RoleCreator && opts.promptOverride != "" {
		cfg.Prompt = opts.promptOverride
	}
	if opts.modelOverride != "" {
		cfg.Model = opts.modelOverride
	}
	span.SetAttributes(
		attribute.String("postloop.provider", cfg.Provider.String()),
		attribute.String("postloop.model", cfg.Model),
	)

	gen, err := o.factory(cfg)
	if err != nil {
		return fail(err)
	}

	var out string
	if format != nil {
		out, err = gen.GenerateStructured(ctx, cfg.Prompt, userPrompt, format)
	} else {
		out, err = gen.GenerateText(ctx, cfg.Prompt, userPrompt)
	}
	if err != nil {
		return fail(err)
	}
	return out, nil
}

// documentPayload refines one free-text post.
type documentPayload struct {
	theme string
	topic string
}

func (d *documentPayload) mode() model.Mode                    { return model.ModeDocument }
func (d *documentPayload) subject() string                     { return d.topic }
func (d *documentPayload) target(p Policy) int                 { return p.DocumentTarget }
func (d *documentPayload) artifactFormat() *llm.ResponseFormat { return nil }
func (d *documentPayload) normalize(raw string) string         { return strings.TrimSpace(raw) }
func (d *documentPayload) check(int, string)                   {}

func (d *documentPayload) creatorInput() string {
	var b strings.Builder
	if d.theme != "" {
		fmt.Fprintf(&b, "Weekly theme: %s\n", d.theme)
	}
	fmt.Fprintf(&b, "Topic: %s\n\nWrite the post.", d.topic)
	return b.String()
}

func (d *documentPayload) critiqueInput(artifact string) string {
	return fmt.Sprintf("Topic: %s\n\nPost:\n%s", d.topic, artifact)
}

func (d *documentPayload) fixInput(artifact, critique string) string {
	return fmt.Sprintf("Topic: %s\n\nCritique:\n%s\n\nPost to revise:\n%s", d.topic, critique, artifact)
}

// listPayload refines a batch of topics as one JSON list.
type listPayload struct {
	theme    string
	contract TopicContract
	logger   *slog.Logger
}

func (l *listPayload) mode() model.Mode                    { return model.ModeList }
func (l *listPayload) subject() string                     { return l.theme }
func (l *listPayload) target(p Policy) int                 { return p.ListTarget }
func (l *listPayload) artifactFormat() *llm.ResponseFormat { return topicListFormat() }
func (l *listPayload) normalize(raw string) string         { return NormalizeTopicList(raw) }

func (l *listPayload) creatorInput() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Weekly theme: %s\nGenerate exactly %d topics.", l.theme, l.contract.Count)
	if len(l.contract.ExistingTopics) > 0 {
		b.WriteString("\n\nAlready covered, do not repeat:")
		for _, t := range l.contract.ExistingTopics {
			b.WriteString("\n- " + t)
		}
	}
	return b.String()
}

func (l *listPayload) critiqueInput(artifact string) string {
	return fmt.Sprintf("Weekly theme: %s\nRequested topics: %d\n\nTopic list:\n%s", l.theme, l.contract.Count, artifact)
}

func (l *listPayload) fixInput(artifact, critique string) string {
	return fmt.Sprintf("Weekly theme: %s\nKeep exactly %d topics.\n\nCritique:\n%s\n\nTopic list to revise:\n%s",
		l.theme, l.contract.Count, critique, artifact)
}

func (l *listPayload) check(iteration int, artifact string) {
	v := l.contract.Validate(artifact)
	for _, w := range v.Warnings {
		l.logger.Warn("orchestration: topic contract", "iteration", iteration, "warning", w)
	}
	for _, e := range v.Errors {
		l.logger.Warn("orchestration: topic contract", "iteration", iteration, "field", e.Field, "error", e.Message)
	}
}
