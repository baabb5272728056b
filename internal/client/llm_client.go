package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/researchdesk/api/internal/config"
	"github.com/researchdesk/api/internal/metrics"
)

// ChatClient talks to any OpenAI-compatible chat completion endpoint
type ChatClient struct {
	client *openai.Client
	apiKey string
	model  string
}

// NewChatClient creates a new chat completion client. BaseURL selects the
// provider; it must include the API version path, e.g. https://api.openai.com/v1.
func NewChatClient(cfg *config.LLMConfig) *ChatClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &ChatClient{
		client: openai.NewClientWithConfig(clientCfg),
		apiKey: cfg.APIKey,
		model:  cfg.Model,
	}
}

// Complete sends a chat completion request and returns the first choice
func (c *ChatClient) Complete(ctx context.Context, in CompletionRequest) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if in.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: in.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: in.User})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32(in.Temperature),
		MaxTokens:   in.MaxTokens,
	})
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("llm", "complete").Inc()
		return "", fmt.Errorf("llm API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.ProviderErrors.WithLabelValues("llm", "complete").Inc()
		return "", fmt.Errorf("no choices in response")
	}

	return resp.Choices[0].Message.Content, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ChatClient) IsConfigured() bool {
	return c.apiKey != ""
}
