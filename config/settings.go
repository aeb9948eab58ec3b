// Package config provides application settings loaded from environment
// variables and the per-tenant agent configuration resolver.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific configuration lookup

package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
)

// Settings holds all application configuration.
type Settings struct {
	LLM         LLMConfig
	Refinement  RefinementConfig
	Storage     StorageConfig
	Telemetry   TelemetryConfig
	LogLevel    slog.Level
	PromptsFile string
}

// LLMConfig holds the default LLM provider configuration.
type LLMConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	MaxTokens   uint32
	Temperature float64
}

// RefinementConfig holds the loop policy knobs.
type RefinementConfig struct {
	MaxIterations  int
	DocumentTarget int
	ListTarget     int
	Concurrency    int
}

// StorageConfig selects the settings and run-log backend.
type StorageConfig struct {
	// DSN is a postgres:// URL or a SQLite file path.
	DSN string
}

// TelemetryConfig configures OTLP export. An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string
	ServiceName string
}

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// DefaultProvider is used when neither a flag nor POSTLOOP_PROVIDER names one.
const DefaultProvider = "openai"

// New creates settings for the specified provider, loading values from environment variables.
// An empty provider falls back to POSTLOOP_PROVIDER, then DefaultProvider.
// Returns an error if the provider is unknown or environment variables contain invalid values.
func New(provider string) (Settings, error) {
	if provider == "" {
		provider = os.Getenv("POSTLOOP_PROVIDER")
	}
	if provider == "" {
		provider = DefaultProvider
	}
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return Settings{}, err
	}

	maxTokens, err := getEnvUint32("LLM_MAX_TOKENS", 4096)
	if err != nil {
		return Settings{}, err
	}

	temperature, err := getEnvFloat64("LLM_TEMPERATURE", 0.7)
	if err != nil {
		return Settings{}, err
	}

	maxIterations, err := getEnvInt("REFINE_MAX_ITERATIONS", 3)
	if err != nil {
		return Settings{}, err
	}

	documentTarget, err := getEnvInt("REFINE_DOCUMENT_TARGET", 80)
	if err != nil {
		return Settings{}, err
	}

	listTarget, err := getEnvInt("REFINE_LIST_TARGET", 90)
	if err != nil {
		return Settings{}, err
	}

	concurrency, err := getEnvInt("REFINE_CONCURRENCY", 4)
	if err != nil {
		return Settings{}, err
	}

	logLevel, err := parseLogLevel(os.Getenv("POSTLOOP_LOG_LEVEL"))
	if err != nil {
		return Settings{}, err
	}

	// Get model from environment or use default
	model := os.Getenv(info.modelEnv)
	if model == "" {
		model = info.defaultModel
	}

	var baseURL string
	if provider == "openai" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}

	settings := Settings{
		LLM: LLMConfig{
			Provider:    provider,
			Model:       model,
			BaseURL:     baseURL,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		},
		Refinement: RefinementConfig{
			MaxIterations:  maxIterations,
			DocumentTarget: documentTarget,
			ListTarget:     listTarget,
			Concurrency:    concurrency,
		},
		Storage: StorageConfig{
			DSN: getEnvString("POSTLOOP_DB", ".postloop/postloop.db"),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName: getEnvString("OTEL_SERVICE_NAME", "postloop"),
		},
		LogLevel:    logLevel,
		PromptsFile: os.Getenv("POSTLOOP_PROMPTS"),
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate checks the ranges of the refinement policy.
func (s Settings) Validate() error {
	r := s.Refinement
	if r.MaxIterations < 1 {
		return fmt.Errorf("REFINE_MAX_ITERATIONS must be at least 1, got %d", r.MaxIterations)
	}
	if r.DocumentTarget < 1 || r.DocumentTarget > 100 {
		return fmt.Errorf("REFINE_DOCUMENT_TARGET must be within 1..100, got %d", r.DocumentTarget)
	}
	if r.ListTarget < 1 || r.ListTarget > 100 {
		return fmt.Errorf("REFINE_LIST_TARGET must be within 1..100, got %d", r.ListTarget)
	}
	if r.Concurrency < 1 {
		return fmt.Errorf("REFINE_CONCURRENCY must be at least 1, got %d", r.Concurrency)
	}
	if s.LLM.Temperature < 0 || s.LLM.Temperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be within 0..2, got %g", s.LLM.Temperature)
	}
	return nil
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	if val := os.Getenv(info.modelEnv); val != "" {
		return val, nil
	}
	return info.defaultModel, nil
}

// SupportedProviders returns the canonical provider names, sorted.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

func parseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid value for POSTLOOP_LOG_LEVEL: %q: %w", s, err)
	}
	return level, nil
}

// Environment variable helpers with proper error handling

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}
