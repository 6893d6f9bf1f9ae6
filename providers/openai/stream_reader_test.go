package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkostanimirovic/draftkit/internal/retry"
	"github.com/darkostanimirovic/draftkit/providers"
)

func streamFrames(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", f)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}
}

func readAll(t *testing.T, reader providers.StreamReader) []*providers.StreamChunk {
	t.Helper()
	var chunks []*providers.StreamChunk
	for {
		chunk, err := reader.Next()
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func TestStreamReader_FinishAndUsage(t *testing.T) {
	p := newTestProvider(t, streamFrames(
		`{"id":"s","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"id":"s","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"Tuesday works"}}]}`,
		`{"id":"s","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
		`{"id":"s","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":11,"completion_tokens":3,"total_tokens":14}}`,
	))

	reader, err := p.Stream(context.Background(), providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "draft it"}},
	})
	require.NoError(t, err)
	defer reader.Close()

	chunks := readAll(t, reader)
	require.Len(t, chunks, 3, "role-only delta is skipped")

	assert.Equal(t, "Tuesday works", chunks[0].Content)
	assert.False(t, chunks[0].IsComplete)

	assert.True(t, chunks[1].IsComplete)
	assert.Equal(t, providers.FinishReasonLength, chunks[1].FinishReason)

	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 11, chunks[2].Usage.PromptTokens)
	assert.Equal(t, 14, chunks[2].Usage.TotalTokens)

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF, "reader stays drained")
}

func TestStreamReader_OpenFailureIsClassified(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	})

	_, err := p.Stream(context.Background(), providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "draft it"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrServerError)
	assert.True(t, retry.DefaultConfig().IsRetryable(err))
}
