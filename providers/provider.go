// Package providers defines the model capability consumed by the agent steps
// and the provider-agnostic message model.
package providers

import (
	"context"
	"time"
)

// Provider is a language model backend.
type Provider interface {
	// Complete runs one blocking invocation. The response may request tool calls.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream runs an incremental invocation that yields text fragments.
	Stream(ctx context.Context, req CompletionRequest) (StreamReader, error)

	// Name returns the provider name (e.g., "openai", "mock").
	Name() string
}

// StreamReader yields chunks of a streaming invocation.
type StreamReader interface {
	// Next returns the next chunk or io.EOF when complete.
	Next() (*StreamChunk, error)

	Close() error
}

// CompletionRequest is a provider-agnostic invocation.
type CompletionRequest struct {
	Model             string
	SystemPrompt      string
	Messages          []Message
	Tools             []ToolDefinition
	Temperature       float32
	MaxTokens         int
	ToolChoice        string
	ParallelToolCalls bool
	Metadata          map[string]string
}

// CompletionResponse is the result of a blocking invocation.
type CompletionResponse struct {
	ID           string
	Content      string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        TokenUsage
	Model        string
	Created      time.Time
}

// Message is one role-tagged entry of a conversation.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is a model request to invoke a named capability.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolDefinition advertises a capability to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// FinishReason indicates why the model stopped generating.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonLength    FinishReason = "length"
	FinishReasonError     FinishReason = "error"
)

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add returns the sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// StreamChunk is one fragment of a streaming invocation.
type StreamChunk struct {
	Content      string
	IsComplete   bool
	FinishReason FinishReason
	Usage        *TokenUsage
}
