// Command execution for CLI commands.
//
// Information Hiding:
// - Request construction from flags hidden
// - Output formatting delegated to render.go

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/richinex/postloop/config"
	"github.com/richinex/postloop/llm"
	"github.com/richinex/postloop/orchestration"
	"github.com/richinex/postloop/storage"
)

// DraftOptions are the inputs of the draft command.
type DraftOptions struct {
	Theme  string
	Topic  string
	Prompt string
	Model  string
}

// Draft refines one post and prints it.
func Draft(ctx context.Context, app *App, opts DraftOptions) error {
	if strings.TrimSpace(opts.Topic) == "" {
		return errors.New("topic is required")
	}
	res, err := app.Orchestrator.RefinePost(ctx, orchestration.DocumentRequest{
		Tenant:         app.tenant,
		Theme:          opts.Theme,
		Topic:          opts.Topic,
		PromptOverride: opts.Prompt,
		ModelOverride:  opts.Model,
	})
	if err != nil {
		return err
	}
	if app.json {
		return writeJSON(app.out, res)
	}
	printDocumentResult(app.out, res, app.Orchestrator.Policy().DocumentTarget)
	return nil
}

// TopicsOptions are the inputs of the topics command.
type TopicsOptions struct {
	Theme    string
	Count    int
	Existing []string
	Prompt   string
	Model    string
}

// Topics refines a topic list and prints it.
func Topics(ctx context.Context, app *App, opts TopicsOptions) error {
	res, err := app.Orchestrator.RefineTopics(ctx, orchestration.ListRequest{
		Tenant:         app.tenant,
		Theme:          opts.Theme,
		Count:          opts.Count,
		ExistingTopics: opts.Existing,
		PromptOverride: opts.Prompt,
		ModelOverride:  opts.Model,
	})
	if err != nil {
		return err
	}
	if app.json {
		return writeJSON(app.out, res)
	}
	printListResult(app.out, res, app.Orchestrator.Policy().ListTarget)
	return nil
}

// BatchOptions are the inputs of the batch command. Topics from File are
// appended to Topics, one per non-empty line; "-" reads stdin.
type BatchOptions struct {
	Theme  string
	Topics []string
	File   string
	Model  string
}

// Batch refines several posts concurrently. It fails if any item failed.
func Batch(ctx context.Context, app *App, opts BatchOptions) error {
	topics := append([]string(nil), opts.Topics...)
	if opts.File != "" {
		fromFile, err := readTopics(opts.File)
		if err != nil {
			return err
		}
		topics = append(topics, fromFile...)
	}
	if len(topics) == 0 {
		return errors.New("no topics given")
	}

	reqs := make([]orchestration.DocumentRequest, len(topics))
	for i, topic := range topics {
		reqs[i] = orchestration.DocumentRequest{
			Tenant:        app.tenant,
			Theme:         opts.Theme,
			Topic:         topic,
			ModelOverride: opts.Model,
		}
	}

	items := app.Orchestrator.RefinePosts(ctx, reqs)
	if app.json {
		if err := writeJSON(app.out, batchJSON(items)); err != nil {
			return err
		}
	} else {
		printBatch(app.out, items, app.Orchestrator.Policy().DocumentTarget)
	}

	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d topics failed", failed, len(items))
	}
	return nil
}

func readTopics(path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open topics file: %w", err)
		}
		defer f.Close()
		r = f
	}
	return scanTopics(r)
}

func scanTopics(r io.Reader) ([]string, error) {
	var topics []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		topics = append(topics, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read topics: %w", err)
	}
	return topics, nil
}

// ListRuns prints the newest runs for the app's tenant, or all tenants.
func ListRuns(ctx context.Context, app *App, allTenants bool, limit int) error {
	tenant := app.tenant
	if allTenants {
		tenant = ""
	}
	runs, err := app.Store.ListRuns(ctx, tenant, limit)
	if err != nil {
		return err
	}
	if app.json {
		return writeJSON(app.out, runs)
	}
	printRuns(app.out, runs)
	return nil
}

// ShowRun prints a run and its iterations.
func ShowRun(ctx context.Context, app *App, id string) error {
	runID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", id, err)
	}
	run, err := app.Store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("run %s not found", runID)
		}
		return err
	}
	its, err := app.Store.ListIterations(ctx, runID)
	if err != nil {
		return err
	}
	if app.json {
		return writeJSON(app.out, runDetail{Run: run, Iterations: its})
	}
	printRunDetail(app.out, run, its)
	return nil
}

// GetSetting prints one resolved setting. Agent fields fall back to and
// persist the default, as the orchestrator would.
func GetSetting(ctx context.Context, app *App, key string) error {
	value, err := app.Store.GetSetting(ctx, app.tenant, key)
	if errors.Is(err, storage.ErrNotFound) {
		def, ok := settingDefault(ctx, app, key)
		if !ok {
			return fmt.Errorf("setting %q not set", key)
		}
		value = app.Resolver.Get(ctx, app.tenant, key, def)
	} else if err != nil {
		return err
	}
	if strings.HasSuffix(key, "."+config.FieldAPIKey) {
		value = maskSecret(value)
	}
	fmt.Fprintln(app.out, value)
	return nil
}

// SetSetting stores a setting, overwriting any existing value.
func SetSetting(ctx context.Context, app *App, key, value string) error {
	if err := validateSetting(key, value); err != nil {
		return err
	}
	if err := app.Store.PutSetting(ctx, app.tenant, key, value); err != nil {
		return err
	}
	fmt.Fprintf(app.out, "%s updated for tenant %s\n", key, app.tenant)
	return nil
}

// ListSettings prints every stored setting of the tenant.
func ListSettings(ctx context.Context, app *App) error {
	settings, err := app.Store.ListSettings(ctx, app.tenant)
	if err != nil {
		return err
	}
	for i := range settings {
		if strings.HasSuffix(settings[i].Key, "."+config.FieldAPIKey) {
			settings[i].Value = maskSecret(settings[i].Value)
		}
	}
	if app.json {
		return writeJSON(app.out, settings)
	}
	printSettings(app.out, settings)
	return nil
}

// settingDefault returns the built-in default of an agent.<key>.<field> setting.
func settingDefault(ctx context.Context, app *App, key string) (string, bool) {
	agentKey, field, ok := splitSettingKey(key)
	if !ok || field == config.FieldAPIKey {
		return "", false
	}
	cfg, err := app.Resolver.AgentConfig(ctx, app.tenant, agentKey)
	if err != nil {
		return "", false
	}
	switch field {
	case config.FieldPrompt:
		return cfg.Prompt, true
	case config.FieldProvider:
		return cfg.Provider.String(), true
	case config.FieldModel:
		return cfg.Model, true
	}
	return "", false
}

func splitSettingKey(key string) (config.AgentKey, string, bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "agent" {
		return "", "", false
	}
	for _, k := range config.AgentKeys() {
		if string(k) == parts[1] {
			return k, parts[2], true
		}
	}
	return "", "", false
}

func validateSetting(key, value string) error {
	agentKey, field, ok := splitSettingKey(key)
	if !ok {
		return fmt.Errorf("unknown setting %q (expected agent.<key>.<prompt|provider|model|api_key>)", key)
	}
	switch field {
	case config.FieldPrompt, config.FieldModel:
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	case config.FieldProvider:
		supported := config.SupportedProviders()
		p, err := llm.ParseProviderType(value)
		if err != nil || !slices.Contains(supported, p.String()) {
			return fmt.Errorf("%s: unknown provider %q (supported: %s)", key, value, strings.Join(supported, ", "))
		}
	case config.FieldAPIKey:
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	default:
		return fmt.Errorf("unknown field %q for %s", field, agentKey)
	}
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
