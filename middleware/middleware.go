// Package middleware provides lifecycle hooks around runs, steps, capability
// calls and model calls.
package middleware

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/darkostanimirovic/draftkit/graph"
	"github.com/darkostanimirovic/draftkit/providers"
)

// Middleware provides hooks into a run for observability and instrumentation.
// Every Start hook may return a derived context that is passed to the
// matching Complete hook.
type Middleware interface {
	OnRunStart(ctx context.Context, conversationID string) context.Context
	OnRunComplete(ctx context.Context, conversationID string, err error)
	OnStepStart(ctx context.Context, info graph.StepInfo) context.Context
	OnStepComplete(ctx context.Context, info graph.StepInfo, err error)
	OnToolStart(ctx context.Context, tool string, args any) context.Context
	OnToolComplete(ctx context.Context, tool string, result any, err error)
	OnModelCall(ctx context.Context, req any) context.Context
	OnModelResponse(ctx context.Context, resp any, err error)
}

// BaseMiddleware provides no-op implementations for Middleware.
// Embed this in custom middleware to implement only the hooks you need.
type BaseMiddleware struct{}

func (BaseMiddleware) OnRunStart(ctx context.Context, _ string) context.Context { return ctx }
func (BaseMiddleware) OnRunComplete(context.Context, string, error)             {}
func (BaseMiddleware) OnStepStart(ctx context.Context, _ graph.StepInfo) context.Context {
	return ctx
}
func (BaseMiddleware) OnStepComplete(context.Context, graph.StepInfo, error) {}
func (BaseMiddleware) OnToolStart(ctx context.Context, _ string, _ any) context.Context {
	return ctx
}
func (BaseMiddleware) OnToolComplete(context.Context, string, any, error)     {}
func (BaseMiddleware) OnModelCall(ctx context.Context, _ any) context.Context { return ctx }
func (BaseMiddleware) OnModelResponse(context.Context, any, error)            {}

// Chain fans hooks out to several middlewares. Start hooks run in order;
// Complete hooks run in reverse order.
type Chain []Middleware

func (c Chain) OnRunStart(ctx context.Context, conversationID string) context.Context {
	for _, m := range c {
		ctx = m.OnRunStart(ctx, conversationID)
	}
	return ctx
}

func (c Chain) OnRunComplete(ctx context.Context, conversationID string, err error) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].OnRunComplete(ctx, conversationID, err)
	}
}

func (c Chain) OnStepStart(ctx context.Context, info graph.StepInfo) context.Context {
	for _, m := range c {
		ctx = m.OnStepStart(ctx, info)
	}
	return ctx
}

func (c Chain) OnStepComplete(ctx context.Context, info graph.StepInfo, err error) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].OnStepComplete(ctx, info, err)
	}
}

func (c Chain) OnToolStart(ctx context.Context, tool string, args any) context.Context {
	for _, m := range c {
		ctx = m.OnToolStart(ctx, tool, args)
	}
	return ctx
}

func (c Chain) OnToolComplete(ctx context.Context, tool string, result any, err error) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].OnToolComplete(ctx, tool, result, err)
	}
}

func (c Chain) OnModelCall(ctx context.Context, req any) context.Context {
	for _, m := range c {
		ctx = m.OnModelCall(ctx, req)
	}
	return ctx
}

func (c Chain) OnModelResponse(ctx context.Context, resp any, err error) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].OnModelResponse(ctx, resp, err)
	}
}

type startKey struct{ name string }

// Logging logs step and tool durations at debug level and the token usage
// of each run.
type Logging struct {
	BaseMiddleware
	Logger *slog.Logger
}

type usageKey struct{}

type runUsage struct {
	mu    sync.Mutex
	calls int
	total providers.TokenUsage
}

// RunUsage returns the token usage summed over the model calls made so far
// in the run carried by ctx.
func RunUsage(ctx context.Context) (providers.TokenUsage, bool) {
	u, ok := ctx.Value(usageKey{}).(*runUsage)
	if !ok {
		return providers.TokenUsage{}, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total, true
}

// NewLogging creates a logging middleware. A nil logger uses slog.Default().
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{Logger: logger}
}

func (l *Logging) OnRunStart(ctx context.Context, _ string) context.Context {
	return context.WithValue(ctx, usageKey{}, &runUsage{})
}

func (l *Logging) OnRunComplete(ctx context.Context, conversationID string, err error) {
	u, ok := ctx.Value(usageKey{}).(*runUsage)
	if !ok {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	l.Logger.Debug("run usage",
		"conversation_id", conversationID,
		"model_calls", u.calls,
		"prompt_tokens", u.total.PromptTokens,
		"completion_tokens", u.total.CompletionTokens,
		"total_tokens", u.total.TotalTokens,
		"failed", err != nil,
	)
}

func (l *Logging) OnModelResponse(ctx context.Context, resp any, err error) {
	res, ok := resp.(*providers.CompletionResponse)
	if err != nil || !ok || res == nil {
		return
	}
	if u, ok := ctx.Value(usageKey{}).(*runUsage); ok {
		u.mu.Lock()
		u.calls++
		u.total = u.total.Add(res.Usage)
		u.mu.Unlock()
	}
}

func (l *Logging) OnStepStart(ctx context.Context, info graph.StepInfo) context.Context {
	return context.WithValue(ctx, startKey{"step:" + info.Step}, time.Now())
}

func (l *Logging) OnStepComplete(ctx context.Context, info graph.StepInfo, err error) {
	attrs := []any{
		"conversation_id", info.ConversationID,
		"step", info.Step,
		"sequence", info.Sequence,
		"duration", since(ctx, "step:"+info.Step),
	}
	if err != nil {
		l.Logger.Debug("step failed", append(attrs, "error", err)...)
		return
	}
	l.Logger.Debug("step finished", attrs...)
}

func (l *Logging) OnToolStart(ctx context.Context, tool string, _ any) context.Context {
	return context.WithValue(ctx, startKey{"tool:" + tool}, time.Now())
}

func (l *Logging) OnToolComplete(ctx context.Context, tool string, _ any, err error) {
	attrs := []any{"tool", tool, "duration", since(ctx, "tool:"+tool)}
	if err != nil {
		l.Logger.Debug("capability failed", append(attrs, "error", err)...)
		return
	}
	l.Logger.Debug("capability finished", attrs...)
}

func since(ctx context.Context, name string) time.Duration {
	started, ok := ctx.Value(startKey{name}).(time.Time)
	if !ok {
		return 0
	}
	return time.Since(started)
}
