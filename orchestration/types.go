// Package orchestration drives the create, critique and fix refinement loop.
//
// Types shared by the orchestrator, stages and validation.
package orchestration

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/richinex/postloop/config"
	"github.com/richinex/postloop/llm"
	"github.com/richinex/postloop/model"
)

// Generator is the text generation contract each stage calls.
// *llm.Client implements it.
type Generator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateStructured(ctx context.Context, systemPrompt, userPrompt string, format *llm.ResponseFormat) (string, error)
}

// GeneratorFactory builds a Generator for a resolved role configuration.
type GeneratorFactory func(cfg config.AgentConfig) (Generator, error)

// ConfigSource resolves role configuration. *config.Resolver implements it.
type ConfigSource interface {
	AgentConfig(ctx context.Context, tenant string, key config.AgentKey) (config.AgentConfig, error)
}

// Policy holds the loop constants.
type Policy struct {
	MaxIterations int
	// DocumentTarget and ListTarget are independent thresholds for the two modes.
	DocumentTarget int
	ListTarget     int
	// Concurrency bounds RefinePosts.
	Concurrency int
}

// DefaultPolicy returns the standard loop constants.
func DefaultPolicy() Policy {
	return Policy{
		MaxIterations:  3,
		DocumentTarget: 80,
		ListTarget:     90,
		Concurrency:    4,
	}
}

// PolicyFromConfig maps validated settings onto a Policy.
func PolicyFromConfig(cfg config.RefinementConfig) Policy {
	return Policy{
		MaxIterations:  cfg.MaxIterations,
		DocumentTarget: cfg.DocumentTarget,
		ListTarget:     cfg.ListTarget,
		Concurrency:    cfg.Concurrency,
	}
}

// normalized fills non-positive knobs from DefaultPolicy.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxIterations < 1 {
		p.MaxIterations = d.MaxIterations
	}
	if p.Concurrency < 1 {
		p.Concurrency = d.Concurrency
	}
	if p.DocumentTarget <= 0 {
		p.DocumentTarget = d.DocumentTarget
	}
	if p.ListTarget <= 0 {
		p.ListTarget = d.ListTarget
	}
	return p
}

// DocumentRequest asks for one refined post.
type DocumentRequest struct {
	Tenant string
	Theme  string
	Topic  string
	// PromptOverride replaces the creator's system prompt for this run.
	PromptOverride string
	// ModelOverride replaces the model of every stage for this run.
	ModelOverride string
}

// ListRequest asks for a refined batch of Count topics.
type ListRequest struct {
	Tenant         string
	Theme          string
	Count          int
	ExistingTopics []string
	PromptOverride string
	ModelOverride  string
}

// Result is the outcome of one run.
type Result[T any] struct {
	RunID      uuid.UUID            `json:"run_id"`
	Artifact   T                    `json:"artifact"`
	Score      int                  `json:"score"`
	Iterations int                  `json:"iterations"`
	History    []model.HistoryEntry `json:"history"`
	// Audit lists run-log writes that failed. The run itself is unaffected.
	Audit AuditReport `json:"-"`
	// Validation is the topic contract check of the final list (list mode only).
	Validation *ValidationResult `json:"validation,omitempty"`
}

// StageError reports a stage whose provider call failed and aborted the run.
type StageError struct {
	Role      model.Role
	Iteration int
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage (iteration %d): %v", e.Role, e.Iteration, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ValidationResult contains the result of validation with detailed feedback.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []string          `json:"warnings"`
}

// ValidationError contains validation error details.
type ValidationError struct {
	Field     string  `json:"field"`
	ErrorType string  `json:"error_type"`
	Message   string  `json:"message"`
	Expected  *string `json:"expected,omitempty"`
	Actual    *string `json:"actual,omitempty"`
}

// NewValidationSuccess creates a successful validation result.
func NewValidationSuccess() ValidationResult {
	return ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []string{},
	}
}

// NewValidationFailure creates a failed validation result.
func NewValidationFailure(errors []ValidationError) ValidationResult {
	return ValidationResult{
		Valid:    false,
		Errors:   errors,
		Warnings: []string{},
	}
}

// WithWarnings adds warnings to the validation result.
func (v ValidationResult) WithWarnings(warnings []string) ValidationResult {
	if warnings == nil {
		warnings = []string{}
	}
	v.Warnings = warnings
	return v
}
