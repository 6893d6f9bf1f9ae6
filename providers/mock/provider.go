// Package mock implements a scripted Provider for tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/darkostanimirovic/draftkit/providers"
)

var (
	ErrNoResponse = errors.New("mock: no response configured")
	ErrNoStream   = errors.New("mock: no stream configured")
)

// ResponseFunc computes a response from the request.
type ResponseFunc func(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error)

// Provider implements providers.Provider with queued responses and streams.
type Provider struct {
	mu        sync.Mutex
	responses []ResponseFunc
	streams   [][]providers.StreamChunk
	streamErr error
	requests  []providers.CompletionRequest
	callCount int
}

// New creates a new mock provider.
func New() *Provider {
	return &Provider{}
}

// WithResponse queues a completion response.
func (m *Provider) WithResponse(content string, toolCalls []providers.ToolCall) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := &providers.CompletionResponse{
		ID:           fmt.Sprintf("mock-resp-%d", len(m.responses)+1),
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: providers.FinishReasonStop,
		Model:        "mock-model",
		Created:      time.Now(),
		Usage: providers.TokenUsage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	if len(toolCalls) > 0 {
		resp.FinishReason = providers.FinishReasonToolCalls
	}

	m.responses = append(m.responses, func(context.Context, providers.CompletionRequest) (*providers.CompletionResponse, error) {
		return resp, nil
	})
	return m
}

// WithError queues a failing completion.
func (m *Provider) WithError(err error) *Provider {
	return m.WithResponseFunc(func(context.Context, providers.CompletionRequest) (*providers.CompletionResponse, error) {
		return nil, err
	})
}

// WithResponseFunc queues a computed completion.
func (m *Provider) WithResponseFunc(fn ResponseFunc) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, fn)
	return m
}

// WithStream queues a stream of chunks.
func (m *Provider) WithStream(chunks []providers.StreamChunk) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := make([]providers.StreamChunk, len(chunks))
	copy(stream, chunks)
	m.streams = append(m.streams, stream)
	return m
}

// WithTextStream queues a stream made of plain text fragments.
func (m *Provider) WithTextStream(fragments ...string) *Provider {
	chunks := make([]providers.StreamChunk, len(fragments))
	for i, f := range fragments {
		chunks[i] = providers.StreamChunk{Content: f}
	}
	if len(chunks) > 0 {
		chunks[len(chunks)-1].IsComplete = true
		chunks[len(chunks)-1].FinishReason = providers.FinishReasonStop
	}
	return m.WithStream(chunks)
}

// WithStreamError makes the next Stream call fail.
func (m *Provider) WithStreamError(err error) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErr = err
	return m
}

// Name returns the provider name.
func (m *Provider) Name() string {
	return "mock"
}

// Complete returns the next queued response.
func (m *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return nil, ErrNoResponse
	}
	fn := m.responses[0]
	m.responses = m.responses[1:]
	m.callCount++
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(ctx, req)
}

// Stream returns the next queued stream. The reader stops with the context
// error once ctx is done.
func (m *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (providers.StreamReader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.streamErr != nil {
		err := m.streamErr
		m.streamErr = nil
		return nil, err
	}
	if len(m.streams) == 0 {
		return nil, ErrNoStream
	}

	stream := &streamReader{ctx: ctx, chunks: m.streams[0]}
	m.streams = m.streams[1:]
	m.callCount++
	return stream, nil
}

// CallCount returns the number of served Complete and Stream calls.
func (m *Provider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Requests returns every request received, in order.
func (m *Provider) Requests() []providers.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]providers.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

type streamReader struct {
	ctx    context.Context
	mu     sync.Mutex
	chunks []providers.StreamChunk
	idx    int
	closed bool
}

func (s *streamReader) Next() (*providers.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrNoStream
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.idx >= len(s.chunks) {
		return nil, io.EOF
	}

	chunk := s.chunks[s.idx]
	s.idx++
	return &chunk, nil
}

func (s *streamReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
