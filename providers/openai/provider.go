// Package openai implements providers.Provider on the OpenAI Chat Completions
// API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/darkostanimirovic/draftkit/internal/retry"
	"github.com/darkostanimirovic/draftkit/providers"
)

// DefaultModel is used when neither the config nor the request names one.
const DefaultModel = "gpt-4o-mini"

// Config configures the provider.
type Config struct {
	APIKey     string
	BaseURL    string // empty = api.openai.com
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// StrictTools enables strict schema adherence for tool arguments.
	StrictTools bool
}

// Provider implements providers.Provider for OpenAI-compatible endpoints.
type Provider struct {
	client *goopenai.Client
	model  string
	strict bool
	logger *slog.Logger
}

// New creates a provider for api.openai.com.
func New(apiKey string, logger *slog.Logger) *Provider {
	return NewWithConfig(Config{APIKey: apiKey, Logger: logger, StrictTools: true})
}

// NewWithConfig creates a provider from cfg.
func NewWithConfig(cfg Config) *Provider {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  model,
		strict: cfg.StrictTools,
		logger: logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// Complete runs a blocking chat completion.
func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	chatReq, err := p.toChatRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	return fromChatResponse(resp)
}

// Stream runs a streaming chat completion. Only text deltas are surfaced.
func (p *Provider) Stream(ctx context.Context, req providers.CompletionRequest) (providers.StreamReader, error) {
	chatReq, err := p.toChatRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyError(err)
	}
	return &streamReader{stream: stream, logger: p.logger}, nil
}

func (p *Provider) toChatRequest(req providers.CompletionRequest) (goopenai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model:               model,
		Temperature:         req.Temperature,
		MaxCompletionTokens: req.MaxTokens,
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		converted, err := toChatMessage(msg)
		if err != nil {
			return goopenai.ChatCompletionRequest{}, err
		}
		messages = append(messages, converted)
	}
	chatReq.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]goopenai.Tool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = goopenai.Tool{
				Type: goopenai.ToolTypeFunction,
				Function: &goopenai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
					Strict:      p.strict,
				},
			}
		}
		chatReq.Tools = tools
		chatReq.ParallelToolCalls = req.ParallelToolCalls
		if req.ToolChoice != "" {
			chatReq.ToolChoice = req.ToolChoice
		}
	}

	return chatReq, nil
}

func toChatMessage(msg providers.Message) (goopenai.ChatCompletionMessage, error) {
	out := goopenai.ChatCompletionMessage{
		Content: msg.Content,
		Name:    msg.Name,
	}

	switch msg.Role {
	case providers.RoleSystem:
		out.Role = goopenai.ChatMessageRoleSystem
	case providers.RoleUser:
		out.Role = goopenai.ChatMessageRoleUser
	case providers.RoleAssistant:
		out.Role = goopenai.ChatMessageRoleAssistant
		for _, call := range msg.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil {
				return goopenai.ChatCompletionMessage{}, fmt.Errorf("openai: encode arguments for %s: %w", call.Name, err)
			}
			if call.Arguments == nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, goopenai.ToolCall{
				ID:   call.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
	case providers.RoleTool:
		out.Role = goopenai.ChatMessageRoleTool
		out.ToolCallID = msg.ToolCallID
		out.Name = ""
	default:
		return goopenai.ChatCompletionMessage{}, fmt.Errorf("openai: unsupported message role %q", msg.Role)
	}
	return out, nil
}

func fromChatResponse(resp goopenai.ChatCompletionResponse) (*providers.CompletionResponse, error) {
	choice := resp.Choices[0]
	out := &providers.CompletionResponse{
		ID:      resp.ID,
		Content: choice.Message.Content,
		Model:   resp.Model,
		Created: time.Unix(resp.Created, 0),
		Usage: providers.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: fromFinishReason(choice.FinishReason),
	}

	for _, call := range choice.Message.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("openai: tool %s returned malformed arguments: %w", call.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = providers.FinishReasonToolCalls
	}
	return out, nil
}

func fromFinishReason(reason goopenai.FinishReason) providers.FinishReason {
	switch reason {
	case goopenai.FinishReasonToolCalls, goopenai.FinishReasonFunctionCall:
		return providers.FinishReasonToolCalls
	case goopenai.FinishReasonLength:
		return providers.FinishReasonLength
	case goopenai.FinishReasonStop, "":
		return providers.FinishReasonStop
	default:
		return providers.FinishReason(reason)
	}
}

// classifyError wraps transport errors in the retry classes.
func classifyError(err error) error {
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("openai: %w: %w", retry.ErrRateLimited, err)
	case status == http.StatusRequestTimeout:
		return fmt.Errorf("openai: %w: %w", retry.ErrTimeout, err)
	case status >= 500:
		return fmt.Errorf("openai: %w: %w", retry.ErrServerError, err)
	default:
		return fmt.Errorf("openai: %w", err)
	}
}

type streamReader struct {
	stream *goopenai.ChatCompletionStream
	logger *slog.Logger
	done   bool
}

func (s *streamReader) Next() (*providers.StreamChunk, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, classifyError(err)
		}

		chunk := &providers.StreamChunk{}
		if resp.Usage != nil {
			chunk.Usage = &providers.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			chunk.Content = choice.Delta.Content
			if choice.FinishReason != "" {
				chunk.IsComplete = true
				chunk.FinishReason = fromFinishReason(choice.FinishReason)
			}
		}

		// Role-only and empty keep-alive deltas carry nothing for the caller.
		if chunk.Content == "" && !chunk.IsComplete && chunk.Usage == nil {
			continue
		}
		return chunk, nil
	}
}

func (s *streamReader) Close() error {
	s.logger.Debug("closing openai stream")
	return s.stream.Close()
}
