// LLMClient - Simple wrapper around providers.

package llm

import (
	"context"
)

// Client wraps a Provider with a prompt-pair interface.
type Client struct {
	provider Provider
}

// NewClient creates a new LLM client from a provider.
func NewClient(provider Provider) *Client {
	return &Client{provider: provider}
}

// GenerateText sends a system/user prompt pair and returns just the content.
func (c *Client) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	response, err := c.provider.Chat(ctx, promptPair(systemPrompt, userPrompt))
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

// GenerateStructured sends a system/user prompt pair asking for output in
// the given format and returns the raw content. A nil format requests a
// plain JSON object.
func (c *Client) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string, format *ResponseFormat) (string, error) {
	if format == nil {
		format = NewJSONObjectFormat()
	}
	response, err := c.provider.ChatWithFormat(ctx, promptPair(systemPrompt, userPrompt), format)
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

func promptPair(systemPrompt, userPrompt string) []ChatMessage {
	messages := make([]ChatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, SystemMessage(systemPrompt))
	}
	return append(messages, UserMessage(userPrompt))
}
