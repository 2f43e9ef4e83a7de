package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/noamsalit/Log-analysis-agent/internal/config"
	"github.com/noamsalit/Log-analysis-agent/internal/correlation"
	"github.com/noamsalit/Log-analysis-agent/internal/dispatch"
	"github.com/noamsalit/Log-analysis-agent/internal/ledger"
	"github.com/noamsalit/Log-analysis-agent/internal/metrics"
	"github.com/noamsalit/Log-analysis-agent/internal/policy"

	openai "github.com/sashabaranov/go-openai"
)

// newRecordedClient points the client at a stub completion endpoint and
// returns the ledger the dispatcher records usage into.
func newRecordedClient(t *testing.T, body string) (*Client, *ledger.Ledger) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokenLedger := ledger.New()
	emitter := metrics.NewEmitter(logger, nil, nil)
	dispatcher := dispatch.New(emitter, tokenLedger, policy.New(nil), nil, logger, policy.VerbosityMid)

	t.Setenv("LLM_TEST_KEY", "sk-test")
	cfg := config.Default().LLM
	cfg.APIKeyEnv = "LLM_TEST_KEY"
	cfg.BaseURL = server.URL

	client, err := NewClient(cfg, nil, dispatcher)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client, tokenLedger
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("LLM_TEST_KEY", "")

	cfg := config.Default().LLM
	cfg.APIKeyEnv = "LLM_TEST_KEY"
	if _, err := NewClient(cfg, nil, nil); err == nil {
		t.Fatal("NewClient must fail without an api key")
	}

	t.Setenv("LLM_TEST_KEY", "sk-test")
	client, err := NewClient(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	if client.Model() != cfg.Model {
		t.Fatalf("Model() = %q, want %q", client.Model(), cfg.Model)
	}
}

func TestCompleteEmptyChoicesBillableOnly(t *testing.T) {
	client, tokenLedger := newRecordedClient(t, `{
		"id": "cmpl-1",
		"object": "chat.completion",
		"choices": [],
		"usage": {"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150}
	}`)

	runID := "run-llm-empty-choices"
	ctx := correlation.WithRun(context.Background(), runID)
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "hello"},
	}

	if _, err := client.Complete(ctx, messages); err == nil {
		t.Fatal("Complete with no choices must fail")
	}

	summary := tokenLedger.Summarize(runID)
	if summary.TokensSuccessful != 0 {
		t.Fatalf("TokensSuccessful = %d, want 0 for a failed call", summary.TokensSuccessful)
	}
	if summary.TokensBillable != 150 {
		t.Fatalf("TokensBillable = %d, want 150", summary.TokensBillable)
	}
}

func TestCompleteRecordsSuccessfulUsage(t *testing.T) {
	client, tokenLedger := newRecordedClient(t, `{
		"id": "cmpl-2",
		"object": "chat.completion",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "{}"}}],
		"usage": {"prompt_tokens": 60, "completion_tokens": 20, "total_tokens": 80}
	}`)

	runID := "run-llm-success"
	ctx := correlation.WithRun(context.Background(), runID)
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "hello"},
	}

	content, err := client.Complete(ctx, messages)
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if content != "{}" {
		t.Fatalf("Complete content = %q, want {}", content)
	}

	summary := tokenLedger.Summarize(runID)
	if summary.TokensSuccessful != 80 || summary.TokensBillable != 80 {
		t.Fatalf("summary = %+v, want 80 successful and billable", summary)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), "timeout"},
		{"cancelled", context.Canceled, "cancelled"},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, "rate_limited"},
		{"server error", &openai.APIError{HTTPStatusCode: 500}, "api_error_500"},
		{"plain", errors.New("connection refused"), "transport"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyError(tt.err); got != tt.want {
				t.Fatalf("classifyError = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPromptBytes(t *testing.T) {
	t.Parallel()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "abc"},
		{Role: openai.ChatMessageRoleUser, Content: "defgh"},
	}
	if got := promptBytes(messages); got != 8 {
		t.Fatalf("promptBytes = %d, want 8", got)
	}
}
