package orchestration

import (
	"github.com/richinex/postloop/config"
	"github.com/richinex/postloop/llm"
)

// LLMGeneratorFactory builds provider-backed generators. The credential is
// validated against the provider family before any client is created.
func LLMGeneratorFactory(maxTokens uint32, temperature float32) GeneratorFactory {
	return func(cfg config.AgentConfig) (Generator, error) {
		provider, err := llm.NewProviderBuilder(cfg.Provider).
			Model(cfg.Model).
			BaseURL(cfg.BaseURL).
			MaxTokens(maxTokens).
			Temperature(temperature).
			APIKey(cfg.Credential)
		if err != nil {
			return nil, err
		}
		return llm.NewClient(provider), nil
	}
}
