// Package llm wraps the chat-completion client so every model call
// reports its lifecycle: start, token usage, completion or failure.
// The agent never talks to the provider directly.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/noamsalit/Log-analysis-agent/internal/config"
	"github.com/noamsalit/Log-analysis-agent/internal/dispatch"
	"github.com/noamsalit/Log-analysis-agent/internal/observability"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// Client is an instrumented chat-completion client.
type Client struct {
	api        *openai.Client
	model      string
	dispatcher *dispatch.Dispatcher
}

// NewClient builds the provider client with the API key taken from the
// configured environment variable and the transport wrapped for
// tracing.
func NewClient(cfg config.LLMConfig, runtime *observability.Runtime, dispatcher *dispatch.Dispatcher) (*Client, error) {
	keyEnv := strings.TrimSpace(cfg.APIKeyEnv)
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := strings.TrimSpace(os.Getenv(keyEnv))
	if apiKey == "" {
		return nil, fmt.Errorf("llm api key environment variable %s is not set", keyEnv)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Transport: runtime.WrapHTTPTransport(nil),
		Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}

	return &Client{
		api:        openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dispatcher: dispatcher,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete runs one chat completion and returns the first choice's
// content. Usage is reported for billing reconciliation whether or not
// the call produced a usable answer.
func (c *Client) Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	invocationID := uuid.NewString()
	c.dispatcher.LLMStarted(ctx, invocationID, c.model, "", promptBytes(messages))

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		c.dispatcher.LLMFailed(ctx, invocationID, classifyError(err), err.Error())
		return "", fmt.Errorf("chat completion: %w", err)
	}

	// Usage from a response with no choices is billable but not
	// successful.
	succeeded := len(resp.Choices) > 0
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 {
		c.dispatcher.LLMUsage(ctx, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens, succeeded)
	}

	if !succeeded {
		c.dispatcher.LLMFailed(ctx, invocationID, "empty_response", "completion returned no choices")
		return "", errors.New("chat completion returned no choices")
	}

	c.dispatcher.LLMEnded(ctx, invocationID)
	return resp.Choices[0].Message.Content, nil
}

func promptBytes(messages []openai.ChatCompletionMessage) int {
	total := 0
	for _, message := range messages {
		total += len(message.Content)
	}
	return total
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return "rate_limited"
		}
		return fmt.Sprintf("api_error_%d", apiErr.HTTPStatusCode)
	}
	return "transport"
}
