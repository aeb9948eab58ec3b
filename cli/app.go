// Application wiring for CLI commands.
//
// Information Hiding:
// - Settings, storage, resolver and orchestrator construction hidden
// - Flag overrides applied in one place

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/richinex/postloop/config"
	"github.com/richinex/postloop/orchestration"
	"github.com/richinex/postloop/storage"
)

// Options holds global CLI options. Zero values keep the environment's setting.
type Options struct {
	Provider      string
	DBPath        string
	PromptsFile   string
	Tenant        string
	MaxIterations int
	Concurrency   int
	JSON          bool
}

// DefaultTenant is used when no --tenant flag is given.
const DefaultTenant = "default"

// App is the wired application shared by every command.
type App struct {
	Settings     config.Settings
	Store        storage.Store
	Resolver     *config.Resolver
	Orchestrator *orchestration.Orchestrator
	Logger       *slog.Logger

	tenant string
	json   bool
	out    io.Writer
}

// LoadSettings reads the environment and applies flag overrides.
func LoadSettings(opts Options) (config.Settings, error) {
	settings, err := config.New(opts.Provider)
	if err != nil {
		return config.Settings{}, err
	}
	applyOverrides(&settings, opts)
	if err := settings.Validate(); err != nil {
		return config.Settings{}, err
	}
	return settings, nil
}

// OpenWithSettings wires the application from already loaded settings.
func OpenWithSettings(ctx context.Context, settings config.Settings, opts Options, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defaults, err := config.LoadDefaults(settings.PromptsFile)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, settings.Storage.DSN, logger)
	if err != nil {
		return nil, err
	}

	resolver := config.NewResolver(store, defaults, settings.LLM, logger)
	runs := orchestration.NewRunLogger(store, logger)
	factory := orchestration.LLMGeneratorFactory(settings.LLM.MaxTokens, float32(settings.LLM.Temperature))
	policy := orchestration.PolicyFromConfig(settings.Refinement)

	tenant := opts.Tenant
	if tenant == "" {
		tenant = DefaultTenant
	}

	return &App{
		Settings:     settings,
		Store:        store,
		Resolver:     resolver,
		Orchestrator: orchestration.NewOrchestrator(resolver, runs, factory, policy, logger),
		Logger:       logger,
		tenant:       tenant,
		json:         opts.JSON,
		out:          os.Stdout,
	}, nil
}

// Tenant returns the tenant commands act on.
func (a *App) Tenant() string {
	return a.tenant
}

// Close releases the store.
func (a *App) Close() error {
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func applyOverrides(s *config.Settings, opts Options) {
	if opts.DBPath != "" {
		s.Storage.DSN = opts.DBPath
	}
	if opts.PromptsFile != "" {
		s.PromptsFile = opts.PromptsFile
	}
	if opts.MaxIterations > 0 {
		s.Refinement.MaxIterations = opts.MaxIterations
	}
	if opts.Concurrency > 0 {
		s.Refinement.Concurrency = opts.Concurrency
	}
}
