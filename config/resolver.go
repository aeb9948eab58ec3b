package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/richinex/postloop/llm"
	"github.com/richinex/postloop/model"
	"github.com/richinex/postloop/storage"
)

// AgentConfig is the resolved configuration of one role slot for a tenant.
type AgentConfig struct {
	Key        AgentKey
	Role       model.Role
	Provider   llm.ProviderType
	Prompt     string
	Model      string
	Credential string
	BaseURL    string
}

// SettingKey returns the store key of one field of a role slot,
// e.g. "agent.post_critic.model".
func SettingKey(key AgentKey, field string) string {
	return "agent." + string(key) + "." + field
}

// Fields of a role slot.
const (
	FieldPrompt   = "prompt"
	FieldProvider = "provider"
	FieldModel    = "model"
	FieldAPIKey   = "api_key"
)

// CredentialSource returns the fallback credential for a provider family.
type CredentialSource func(llm.ProviderType) string

// EnvCredentials reads credentials from the provider's API key variable.
func EnvCredentials(p llm.ProviderType) string {
	key, err := APIKeyFor(p.String())
	if err != nil {
		return ""
	}
	return key
}

// Resolver reads per-tenant settings and lazily initializes them from defaults.
type Resolver struct {
	store       storage.SettingsStore
	defaults    Defaults
	llm         LLMConfig
	credentials CredentialSource
	logger      *slog.Logger
}

// NewResolver creates a resolver over store. llmCfg supplies the provider and
// model used when neither the store nor defaults name one.
func NewResolver(store storage.SettingsStore, defaults Defaults, llmCfg LLMConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:       store,
		defaults:    defaults,
		llm:         llmCfg,
		credentials: EnvCredentials,
		logger:      logger,
	}
}

// WithCredentials replaces the fallback credential source.
func (r *Resolver) WithCredentials(src CredentialSource) *Resolver {
	r.credentials = src
	return r
}

// Get returns the stored value of key. On a miss it persists def and returns
// it; a concurrent writer winning the insert is ignored. Store failures
// degrade to def without persisting. Empty defaults are never persisted.
func (r *Resolver) Get(ctx context.Context, tenant, key, def string) string {
	value, err := r.store.GetSetting(ctx, tenant, key)
	if err == nil {
		return value
	}
	if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("config: read setting failed, using default", "tenant", tenant, "key", key, "error", err)
		return def
	}
	if def == "" {
		return def
	}

	if err := r.store.CreateSetting(ctx, tenant, key, def); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			r.logger.Debug("config: setting created concurrently", "tenant", tenant, "key", key)
			return def
		}
		r.logger.Warn("config: persist default failed", "tenant", tenant, "key", key, "error", err)
	}
	return def
}

// AgentConfig resolves every field of a role slot for tenant. Credentials
// are read from the store when an operator has set one, otherwise from the
// credential source, and are never written back.
func (r *Resolver) AgentConfig(ctx context.Context, tenant string, key AgentKey) (AgentConfig, error) {
	def := r.defaults.For(key)

	providerDefault := def.Provider
	if providerDefault == "" {
		providerDefault = r.llm.Provider
	}
	providerName := r.Get(ctx, tenant, SettingKey(key, FieldProvider), providerDefault)
	provider, err := llm.ParseProviderType(providerName)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("config: agent %s: %w", key, err)
	}

	modelDefault := def.Model
	if modelDefault == "" {
		if normalizeProvider(r.llm.Provider) == provider.String() && r.llm.Model != "" {
			modelDefault = r.llm.Model
		} else if m, err := ModelFor(provider.String()); err == nil {
			modelDefault = m
		} else {
			modelDefault = provider.DefaultModel()
		}
	}

	cfg := AgentConfig{
		Key:      key,
		Role:     key.Role(),
		Provider: provider,
		Prompt:   r.Get(ctx, tenant, SettingKey(key, FieldPrompt), def.Prompt),
		Model:    r.Get(ctx, tenant, SettingKey(key, FieldModel), modelDefault),
	}

	cfg.Credential = r.Get(ctx, tenant, SettingKey(key, FieldAPIKey), "")
	if cfg.Credential == "" && r.credentials != nil {
		cfg.Credential = r.credentials(provider)
	}
	if provider == llm.ProviderOpenAI {
		cfg.BaseURL = r.llm.BaseURL
	}
	return cfg, nil
}
