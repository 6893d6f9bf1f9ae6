package mock

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/darkostanimirovic/draftkit/providers"
)

func drain(t *testing.T, reader providers.StreamReader) (string, []providers.StreamChunk) {
	t.Helper()
	var text strings.Builder
	var chunks []providers.StreamChunk
	for {
		chunk, err := reader.Next()
		if err == io.EOF {
			return text.String(), chunks
		}
		if err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		text.WriteString(chunk.Content)
		chunks = append(chunks, *chunk)
	}
}

func TestProvider_CompleteQueue(t *testing.T) {
	calendar := []providers.ToolCall{{ID: "c1", Name: "check_calendar", Arguments: map[string]any{"start": "2026-10-20"}}}
	p := New().
		WithResponse("", calendar).
		WithResponse("Happy to join.", nil)

	tests := []struct {
		content string
		tools   int
		finish  providers.FinishReason
	}{
		{"", 1, providers.FinishReasonToolCalls},
		{"Happy to join.", 0, providers.FinishReasonStop},
	}
	for i, tt := range tests {
		resp, err := p.Complete(context.Background(), providers.CompletionRequest{})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.Content != tt.content || len(resp.ToolCalls) != tt.tools || resp.FinishReason != tt.finish {
			t.Errorf("call %d: got content=%q tools=%d finish=%s", i, resp.Content, len(resp.ToolCalls), resp.FinishReason)
		}
		if resp.Usage.TotalTokens != 30 {
			t.Errorf("call %d: expected canned usage, got %+v", i, resp.Usage)
		}
	}

	if _, err := p.Complete(context.Background(), providers.CompletionRequest{}); !errors.Is(err, ErrNoResponse) {
		t.Errorf("expected ErrNoResponse once the queue is empty, got %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("unexpected name %q", p.Name())
	}
}

func TestProvider_QueuesAreIndependent(t *testing.T) {
	p := New().
		WithTextStream("Count ", "me in.").
		WithResponse("", nil)

	resp, err := p.Complete(context.Background(), providers.CompletionRequest{})
	if err != nil || resp.Content != "" {
		t.Fatalf("expected the queued completion, got %+v, %v", resp, err)
	}

	reader, err := p.Stream(context.Background(), providers.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer reader.Close()

	text, chunks := drain(t, reader)
	if text != "Count me in." {
		t.Errorf("unexpected draft %q", text)
	}
	last := chunks[len(chunks)-1]
	if !last.IsComplete || last.FinishReason != providers.FinishReasonStop || chunks[0].IsComplete {
		t.Errorf("only the last fragment should finish the stream: %+v", chunks)
	}
	if p.CallCount() != 2 {
		t.Errorf("expected 2 served calls, got %d", p.CallCount())
	}

	if _, err := p.Stream(context.Background(), providers.CompletionRequest{}); !errors.Is(err, ErrNoStream) {
		t.Errorf("expected ErrNoStream, got %v", err)
	}
}

func TestProvider_WithStreamKeepsUsageChunks(t *testing.T) {
	p := New().WithStream([]providers.StreamChunk{
		{Content: "Done.", IsComplete: true},
		{Usage: &providers.TokenUsage{TotalTokens: 9}},
	})

	reader, err := p.Stream(context.Background(), providers.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, chunks := drain(t, reader)
	if len(chunks) != 2 || chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 9 {
		t.Errorf("expected trailing usage chunk, got %+v", chunks)
	}

	if err := reader.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := reader.Next(); !errors.Is(err, ErrNoStream) {
		t.Errorf("expected ErrNoStream after close, got %v", err)
	}
}

func TestProvider_ErrorsAndRequests(t *testing.T) {
	boom := errors.New("model unavailable")
	down := errors.New("stream down")
	p := New().
		WithError(boom).
		WithStreamError(down).
		WithTextStream("x")

	_, err := p.Complete(context.Background(), providers.CompletionRequest{SystemPrompt: "gather"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if _, err := p.Stream(context.Background(), providers.CompletionRequest{SystemPrompt: "compose"}); !errors.Is(err, down) {
		t.Fatalf("expected %v, got %v", down, err)
	}
	if _, err := p.Stream(context.Background(), providers.CompletionRequest{}); err != nil {
		t.Fatalf("expected the queued stream after the error, got %v", err)
	}

	reqs := p.Requests()
	if len(reqs) != 3 || reqs[0].SystemPrompt != "gather" || reqs[1].SystemPrompt != "compose" {
		t.Errorf("unexpected recorded requests %+v", reqs)
	}
}

func TestProvider_CompleteHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New().WithResponse("never", nil)
	if _, err := p.Complete(ctx, providers.CompletionRequest{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStreamReader_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New().WithTextStream("a", "b")

	reader, err := p.Stream(ctx, providers.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reader.Next(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	if _, err := reader.Next(); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
