package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProviderType(t *testing.T) {
	tests := []struct {
		in      string
		want    ProviderType
		wantErr bool
	}{
		{"openai", ProviderOpenAI, false},
		{" OpenAI ", ProviderOpenAI, false},
		{"claude", ProviderAnthropic, false},
		{"Anthropic", ProviderAnthropic, false},
		{"google", ProviderGemini, false},
		{"gemini", ProviderGemini, false},
		{"deepseek", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProviderType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProviderTypeMetadata(t *testing.T) {
	assert.Equal(t, "OPENAI_API_KEY", ProviderOpenAI.EnvVar())
	assert.Equal(t, "ANTHROPIC_API_KEY", ProviderAnthropic.EnvVar())
	assert.Equal(t, "GEMINI_API_KEY", ProviderGemini.EnvVar())

	assert.Equal(t, ModelOpenAIGPT4o, ProviderOpenAI.DefaultModel())
	assert.Equal(t, ModelAnthropicClaudeSonnet4, ProviderAnthropic.DefaultModel())
	assert.Equal(t, ModelGeminiFlash25, ProviderGemini.DefaultModel())

	assert.Equal(t, "unknown", ProviderType(99).String())
}

func TestValidateCredential(t *testing.T) {
	tests := []struct {
		name     string
		provider ProviderType
		key      string
		ok       bool
	}{
		{"openai key", ProviderOpenAI, "sk-proj-abc", true},
		{"openai gateway key", ProviderOpenAI, "gw_123", true},
		{"openai given anthropic key", ProviderOpenAI, "sk-ant-api03-x", false},
		{"openai given gemini key", ProviderOpenAI, "AIzaSyX", false},
		{"anthropic key", ProviderAnthropic, "sk-ant-api03-x", true},
		{"anthropic given openai key", ProviderAnthropic, "sk-proj-abc", false},
		{"gemini key", ProviderGemini, "AIzaSyX", true},
		{"gemini given openai key", ProviderGemini, "sk-proj-abc", false},
		{"empty", ProviderOpenAI, "   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCredential(tt.provider, tt.key)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCredential), "want ErrInvalidCredential, got %v", err)
		})
	}
}

func TestBuilderRejectsMismatchedCredential(t *testing.T) {
	_, err := NewProviderBuilder(ProviderAnthropic).Model(ModelAnthropicClaudeOpus45).APIKey("sk-proj-abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestBuilderDefaults(t *testing.T) {
	p, err := NewProviderBuilder(ProviderOpenAI).APIKey("sk-proj-abc")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, ModelOpenAIGPT4o, p.Model())

	p, err = NewProviderBuilder(ProviderAnthropic).Model(ModelAnthropicClaudeOpus45).MaxTokens(2048).Temperature(0.1).APIKey("sk-ant-x")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, ModelAnthropicClaudeOpus45, p.Model())

	p, err = NewProviderBuilder(ProviderOpenAI).Model("deepseek-chat").BaseURL("https://api.deepseek.com/v1").APIKey("sk-ds")
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", p.Model())
}
