package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/richinex/postloop/model"
	"github.com/richinex/postloop/storage"
	"github.com/richinex/postloop/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// inputExcerptRunes bounds the stored copy of each stage's input.
const inputExcerptRunes = 1000

// AuditFailure is one run-log write that did not persist.
type AuditFailure struct {
	Op        string
	Role      model.Role
	Iteration int
	Err       error
}

// AuditReport lists the run-log writes of a run that failed.
type AuditReport struct {
	Failures []AuditFailure
}

// Complete reports whether every write persisted.
func (a AuditReport) Complete() bool {
	return len(a.Failures) == 0
}

// Err joins the failures, or returns nil when the log is complete.
func (a AuditReport) Err() error {
	if a.Complete() {
		return nil
	}
	errs := make([]error, 0, len(a.Failures))
	for _, f := range a.Failures {
		if f.Role != "" {
			errs = append(errs, fmt.Errorf("%s %s[%d]: %w", f.Op, f.Role, f.Iteration, f.Err))
		} else {
			errs = append(errs, fmt.Errorf("%s: %w", f.Op, f.Err))
		}
	}
	return errors.Join(errs...)
}

// RunLogger writes runs and iterations to a RunStore. Writes never fail
// the caller; failures are logged and collected on the RunRecord.
type RunLogger struct {
	store    storage.RunStore
	logger   *slog.Logger
	failures metric.Int64Counter
	now      func() time.Time
}

// NewRunLogger creates a logger over store. A nil store disables persistence.
func NewRunLogger(store storage.RunStore, logger *slog.Logger) *RunLogger {
	if logger == nil {
		logger = slog.Default()
	}
	failures, err := telemetry.Meter("github.com/richinex/postloop/orchestration").Int64Counter(
		"postloop.audit.failures",
		metric.WithDescription("Run-log writes that failed"),
	)
	if err != nil {
		logger.Warn("orchestration: create audit counter", "error", err)
	}
	return &RunLogger{
		store:    store,
		logger:   logger,
		failures: failures,
		now:      time.Now,
	}
}

// RunRecord is the per-run handle returned by Begin.
type RunRecord struct {
	l   *RunLogger
	run model.AgentRun

	mu    sync.Mutex
	audit AuditReport
}

// Begin creates the run row. The ID is assigned locally so later writes can
// reference it even if this insert fails.
func (l *RunLogger) Begin(ctx context.Context, tenant string, mode model.Mode, subject string) *RunRecord {
	now := l.now().UTC()
	rec := &RunRecord{
		l: l,
		run: model.AgentRun{
			ID:           uuid.New(),
			Tenant:       tenant,
			Mode:         mode,
			SubjectLabel: subject,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
	if l.store != nil {
		if err := l.store.CreateRun(ctx, rec.run); err != nil {
			rec.fail(ctx, "create run", "", 0, err)
		}
	}
	return rec
}

// ID returns the run identifier.
func (r *RunRecord) ID() uuid.UUID {
	return r.run.ID
}

// Iteration appends one stage record. critique is set for critic stages only.
func (r *RunRecord) Iteration(ctx context.Context, n int, role model.Role, input, output string, critique *model.CritiqueResult) {
	if r.l.store == nil {
		return
	}
	it := model.AgentIteration{
		RunID:           r.run.ID,
		IterationNumber: n,
		Role:            role,
		Input:           excerpt(input, inputExcerptRunes),
		Output:          output,
		CreatedAt:       r.l.now().UTC(),
	}
	if critique != nil {
		score := critique.Score
		text := critique.Critique
		it.Score = &score
		it.Critique = &text
	}
	if err := r.l.store.AppendIteration(ctx, it); err != nil {
		r.fail(ctx, "append iteration", role, n, err)
	}
}

// Update records the latest score and iteration count.
func (r *RunRecord) Update(ctx context.Context, score, iterations int) {
	if r.l.store == nil {
		return
	}
	if err := r.l.store.UpdateRun(ctx, r.run.ID, score, iterations); err != nil {
		r.fail(ctx, "update run", "", iterations, err)
	}
}

// Audit returns a copy of the failures collected so far.
func (r *RunRecord) Audit() AuditReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	failures := make([]AuditFailure, len(r.audit.Failures))
	copy(failures, r.audit.Failures)
	return AuditReport{Failures: failures}
}

func (r *RunRecord) fail(ctx context.Context, op string, role model.Role, iteration int, err error) {
	r.l.logger.Warn("orchestration: run log write failed",
		"op", op, "run_id", r.run.ID, "role", string(role), "iteration", iteration, "error", err)
	if r.l.failures != nil {
		r.l.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit.Failures = append(r.audit.Failures, AuditFailure{Op: op, Role: role, Iteration: iteration, Err: err})
}

// excerpt truncates s to at most n runes.
func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
