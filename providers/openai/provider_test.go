package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkostanimirovic/draftkit/internal/retry"
	"github.com/darkostanimirovic/draftkit/providers"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithConfig(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "test-model", StrictTools: true})
}

func TestComplete_ToolCalls(t *testing.T) {
	var captured goopenai.ChatCompletionRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "test-model",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "calendar_lookup", "arguments": "{\"time_window\":\"next week\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
		}`)
	})

	resp, err := p.Complete(context.Background(), providers.CompletionRequest{
		SystemPrompt: "You help draft replies.",
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "reply that I'm in"},
			{Role: providers.RoleAssistant, ToolCalls: []providers.ToolCall{{ID: "call_0", Name: "search_related_mail", Arguments: map[string]any{"query": "offsite"}}}},
			{Role: providers.RoleTool, ToolCallID: "call_0", Content: "no results", Name: "search_related_mail"},
		},
		Tools: []providers.ToolDefinition{{
			Name:        "calendar_lookup",
			Description: "Look up availability",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		}},
		ParallelToolCalls: true,
	})
	require.NoError(t, err)

	assert.Equal(t, providers.FinishReasonToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "calendar_lookup", resp.ToolCalls[0].Name)
	assert.Equal(t, "next week", resp.ToolCalls[0].Arguments["time_window"])
	assert.Equal(t, 12, resp.Usage.TotalTokens)

	assert.Equal(t, "test-model", captured.Model)
	require.Len(t, captured.Messages, 4)
	assert.Equal(t, goopenai.ChatMessageRoleSystem, captured.Messages[0].Role)
	assert.Equal(t, goopenai.ChatMessageRoleUser, captured.Messages[1].Role)
	assert.Equal(t, goopenai.ChatMessageRoleAssistant, captured.Messages[2].Role)
	require.Len(t, captured.Messages[2].ToolCalls, 1)
	assert.JSONEq(t, `{"query":"offsite"}`, captured.Messages[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, goopenai.ChatMessageRoleTool, captured.Messages[3].Role)
	assert.Equal(t, "call_0", captured.Messages[3].ToolCallID)
	require.Len(t, captured.Tools, 1)
	assert.True(t, captured.Tools[0].Function.Strict)
}

func TestComplete_Text(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Sounds good, I'm in!"},"finish_reason":"stop"}]}`)
	})

	resp, err := p.Complete(context.Background(), providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Sounds good, I'm in!", resp.Content)
	assert.Equal(t, providers.FinishReasonStop, resp.FinishReason)
	assert.Empty(t, resp.ToolCalls)
}

func TestComplete_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, retry.ErrRateLimited},
		{http.StatusBadGateway, retry.ErrServerError},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"try later","type":"server_error","code":"busy"}}`)
			})

			_, err := p.Complete(context.Background(), providers.CompletionRequest{
				Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("bad request is not retryable", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"bad","type":"invalid_request_error"}}`)
		})
		_, err := p.Complete(context.Background(), providers.CompletionRequest{
			Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
		})
		require.Error(t, err)
		assert.False(t, retry.DefaultConfig().IsRetryable(err))
	})
}

func TestStream_TextFragments(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req goopenai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"id":"s","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"id":"s","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"Sounds good, "}}]}`,
			`{"id":"s","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"I'm in!"}}]}`,
			`{"id":"s","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		}
		for _, f := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", f)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	reader, err := p.Stream(context.Background(), providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer reader.Close()

	var (
		text     strings.Builder
		complete bool
	)
	for {
		chunk, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		text.WriteString(chunk.Content)
		complete = complete || chunk.IsComplete
	}

	assert.Equal(t, "Sounds good, I'm in!", text.String())
	assert.True(t, complete)
}

func TestToChatMessage_RejectsUnknownRole(t *testing.T) {
	_, err := toChatMessage(providers.Message{Role: "narrator", Content: "x"})
	assert.Error(t, err)
}

func TestProvider_Name(t *testing.T) {
	assert.Equal(t, "openai", New("k", nil).Name())
}
