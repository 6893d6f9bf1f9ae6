package draftkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/darkostanimirovic/draftkit/graph"
	"github.com/darkostanimirovic/draftkit/internal/logging"
	"github.com/darkostanimirovic/draftkit/internal/parallel"
	"github.com/darkostanimirovic/draftkit/internal/retry"
	"github.com/darkostanimirovic/draftkit/internal/timeout"
	"github.com/darkostanimirovic/draftkit/middleware"
	"github.com/darkostanimirovic/draftkit/providers"
	"github.com/darkostanimirovic/draftkit/stream"
)

const (
	activityDraftComposed = "Draft composed"
	graphName             = "draft_composition"
)

// agent holds the collaborators the four steps run against.
type agent struct {
	provider            providers.Provider
	model               string
	temperature         float32
	registry            *Registry
	threads             ThreadProvider
	summarizeThread     ThreadSummarizer
	summarizeRecipients RecipientSummarizer
	maxToolRounds       int
	retry               RetryConfig
	timeouts            TimeoutConfig
	parallel            ParallelConfig
	logging             LoggingConfig
	logger              *slog.Logger
	hooks               middleware.Chain
}

// buildGraph wires load_context -> reason_or_route -> (run_tools ->
// reason_or_route)* -> compose_draft.
func (a *agent) buildGraph() (*graph.Graph[AgentState, AgentUpdate], error) {
	return graph.New[AgentState, AgentUpdate](graphName, Reducers).
		AddStep(StepLoadContext, a.loadContext).
		AddStep(StepReasonOrRoute, a.reasonOrRoute).
		AddStep(StepRunTools, a.runTools).
		AddStep(StepComposeDraft, a.composeDraft).
		SetEntry(StepLoadContext).
		AddEdge(StepLoadContext, StepReasonOrRoute).
		AddConditionalEdge(StepReasonOrRoute, routeAfterReasoning, StepRunTools, StepComposeDraft).
		AddEdge(StepRunTools, StepReasonOrRoute).
		AddEdge(StepComposeDraft, graph.End).
		ValidateInput(validateStartInput).
		Build()
}

func validateStartInput(in AgentUpdate) error {
	if in.UserID == nil || *in.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if in.ThreadID == nil || *in.ThreadID == "" {
		return fmt.Errorf("%w: threadId is required", ErrInvalidRequest)
	}
	return nil
}

func routeAfterReasoning(s AgentState) string {
	if len(s.PendingToolCalls()) > 0 {
		return StepRunTools
	}
	return StepComposeDraft
}

func (a *agent) loadContext(ctx context.Context, state AgentState, events *stream.Emitter) (AgentUpdate, error) {
	if state.UserID == "" || state.ThreadID == "" {
		return AgentUpdate{}, fmt.Errorf("%w: userId and threadId are required", ErrInvalidRequest)
	}

	thread, err := retry.Do(ctx, a.retry, func(ctx context.Context) (*ThreadData, error) {
		callCtx, cancel := timeout.With(ctx, a.timeouts.ContextLoad)
		defer cancel()
		t, err := a.threads.GetThread(callCtx, state.UserID, state.ThreadID)
		return t, classifyDeadline(ctx, callCtx, err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return AgentUpdate{}, ctx.Err()
		}
		return AgentUpdate{}, fmt.Errorf("%w: %w", ErrContextUnavailable, err)
	}
	if thread == nil {
		return AgentUpdate{}, fmt.Errorf("%w: provider returned no thread", ErrContextUnavailable)
	}

	threadSummary := a.summarizeThread(*thread)
	recipientSummary := a.summarizeRecipients(*thread)
	line := fmt.Sprintf("Context loaded: %d messages in thread", len(thread.Messages))
	events.Emit(stream.Activity(line))

	update := AgentUpdate{
		ThreadSummary:    &threadSummary,
		RecipientSummary: &recipientSummary,
		ActivityLog:      []string{line},
	}
	if state.AccountID == "" && thread.AccountID != "" {
		update.AccountID = &thread.AccountID
	}
	return update, nil
}

func (a *agent) reasonOrRoute(ctx context.Context, state AgentState, _ *stream.Emitter) (AgentUpdate, error) {
	var update AgentUpdate
	messages := state.Messages
	if prompt := state.PendingUserPrompt; prompt != "" {
		msg := providers.Message{Role: providers.RoleUser, Content: prompt}
		messages = append(slices.Clone(messages), msg)
		update.Messages = append(update.Messages, msg)
		update.PendingUserPrompt = ptr("")
	}

	req := providers.CompletionRequest{
		Model:        a.model,
		SystemPrompt: reasoningPrompt(state),
		Messages:     requestMessages(messages),
		Temperature:  a.temperature,
	}
	if defs := a.registry.Definitions(); len(defs) > 0 {
		req.Tools = defs
		req.ToolChoice = "auto"
		req.ParallelToolCalls = true
	}

	resp, err := a.complete(ctx, req)
	if err != nil {
		return AgentUpdate{}, fmt.Errorf("reasoning: %w", err)
	}

	calls := make([]providers.ToolCall, len(resp.ToolCalls))
	for i, call := range resp.ToolCalls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%d", len(messages), i)
		}
		calls[i] = call
	}
	if len(calls) > 0 && state.ToolRounds >= a.maxToolRounds {
		return AgentUpdate{}, fmt.Errorf("%w: model requested tools after %d rounds", ErrAgentLoopExceeded, state.ToolRounds)
	}

	update.Messages = append(update.Messages, providers.Message{
		Role:      providers.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: calls,
	})
	return update, nil
}

type toolOutcome struct {
	message providers.Message
	update  AgentUpdate
}

func (a *agent) runTools(ctx context.Context, state AgentState, events *stream.Emitter) (AgentUpdate, error) {
	calls := state.PendingToolCalls()

	var (
		mu       sync.Mutex
		activity []string
	)
	record := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		activity = append(activity, line)
		events.Emit(stream.Activity(line))
	}

	outcomes := parallel.Map(a.parallel, len(calls), func(i int) toolOutcome {
		return a.runTool(ctx, calls[i], state, events, record)
	})

	var update AgentUpdate
	for _, out := range outcomes {
		update.Messages = append(update.Messages, out.message)
		update = update.Combine(out.update)
	}
	update.ActivityLog = append(activity, update.ActivityLog...)
	update.ToolRounds = ptr(state.ToolRounds + 1)
	return update, nil
}

// runTool executes one capability call. Failures become the tool result
// instead of an error.
func (a *agent) runTool(ctx context.Context, call providers.ToolCall, state AgentState, events *stream.Emitter, record func(string)) toolOutcome {
	label := call.Name
	if c, ok := a.registry.Lookup(call.Name); ok {
		label = c.Label()
	}

	args := call.Arguments
	if a.logging.RedactSensitive {
		if redacted, ok := logging.Redact(args).(map[string]any); ok {
			args = redacted
		}
	}
	events.Emit(stream.ToolStart(call.Name, call.ID, args))
	if a.logging.LogToolCalls {
		a.logger.Debug("capability call", "capability", call.Name, "call_id", call.ID, "arguments", args)
	}

	toolCtx := a.hooks.OnToolStart(ctx, call.Name, call.Arguments)
	result, err := retry.Do(toolCtx, a.retry, func(ctx context.Context) (CapabilityResult, error) {
		callCtx, cancel := timeout.With(ctx, a.timeouts.ToolCall)
		defer cancel()
		res, err := a.registry.Call(callCtx, call.Name, call.Arguments, state)
		return res, classifyDeadline(ctx, callCtx, err)
	})
	a.hooks.OnToolComplete(toolCtx, call.Name, result.Text, err)

	msg := providers.Message{Role: providers.RoleTool, ToolCallID: call.ID, Name: call.Name}
	if err != nil {
		if errors.Is(err, ErrUnknownCapability) {
			msg.Content = fmt.Sprintf("Error: %q is not an available capability. Available: %v", call.Name, a.registry.Names())
		} else {
			msg.Content = fmt.Sprintf("Error: %s failed: %v", label, err)
		}
		events.Emit(stream.ToolError(call.Name, call.ID, err))
		record(fmt.Sprintf("%s failed: %v", label, err))
		a.logger.Warn("capability failed", "capability", call.Name, "call_id", call.ID, "error", err)
		return toolOutcome{message: msg}
	}

	msg.Content = result.Text
	if msg.Content == "" {
		msg.Content = "(no result)"
	}
	events.Emit(stream.ToolEnd(call.Name, call.ID, result.Text))
	record(label + " completed")
	if a.logging.LogToolCalls {
		a.logger.Debug("capability result", "capability", call.Name, "call_id", call.ID, "result", result.Text)
	}
	return toolOutcome{message: msg, update: result.Update}
}

func (a *agent) composeDraft(ctx context.Context, state AgentState, events *stream.Emitter) (AgentUpdate, error) {
	if state.ThreadSummary == "" {
		return AgentUpdate{}, fmt.Errorf("%w: %s ran without thread context", ErrPreconditionFailed, StepComposeDraft)
	}

	system, messages := draftMessages(state)
	req := providers.CompletionRequest{
		Model:        a.model,
		SystemPrompt: system,
		Messages:     messages,
		Temperature:  a.temperature,
	}

	var draft string
	// A streamed draft is announced by the draft stream events; the activity
	// line still goes into the log but is not emitted as its own event.
	if state.StreamingEnabled && events.Active() {
		text, err := a.streamDraft(ctx, req, events)
		if err != nil {
			return AgentUpdate{}, err
		}
		draft = text
	} else {
		resp, err := a.complete(ctx, req)
		if err != nil {
			return AgentUpdate{}, fmt.Errorf("draft: %w", err)
		}
		draft = resp.Content
		events.Emit(stream.Activity(activityDraftComposed))
	}

	update := AgentUpdate{
		Draft:       &draft,
		ActivityLog: []string{activityDraftComposed},
	}
	if state.LatestUserPrompt != "" {
		update.DialogueHistory = append(update.DialogueHistory, DialogueEntry{
			Role: providers.RoleUser, Content: state.LatestUserPrompt, Kind: KindPrompt,
		})
	}
	update.DialogueHistory = append(update.DialogueHistory, DialogueEntry{
		Role: providers.RoleAssistant, Content: draft, Kind: KindDraft,
	})
	return update, nil
}

// streamDraft forwards every fragment as a draft_chunk and returns the
// accumulated text. It stops reading as soon as ctx is cancelled.
func (a *agent) streamDraft(ctx context.Context, req providers.CompletionRequest, events *stream.Emitter) (string, error) {
	a.writePrompt(req)
	ctx = a.hooks.OnModelCall(ctx, req)
	callCtx, cancel := timeout.With(ctx, a.timeouts.ModelCall)
	defer cancel()

	reader, err := retry.Do(callCtx, a.retry, func(ctx context.Context) (providers.StreamReader, error) {
		return a.provider.Stream(ctx, req)
	})
	if err != nil {
		a.hooks.OnModelResponse(ctx, nil, err)
		return "", fmt.Errorf("draft stream: %w", err)
	}
	defer func() { _ = reader.Close() }()

	events.Emit(stream.DraftStreamStarted())
	var text []byte
	var finish providers.FinishReason
	var usage providers.TokenUsage
	for {
		if err := ctx.Err(); err != nil {
			a.hooks.OnModelResponse(ctx, nil, err)
			return "", err
		}
		chunk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			err = classifyDeadline(ctx, callCtx, err)
			a.hooks.OnModelResponse(ctx, nil, err)
			return "", fmt.Errorf("draft stream: %w", err)
		}
		if chunk.Content != "" {
			text = append(text, chunk.Content...)
			events.Emit(stream.DraftChunk(chunk.Content))
		}
		if chunk.Usage != nil {
			usage = usage.Add(*chunk.Usage)
		}
		// Usage may follow the finishing chunk, so read through to EOF.
		if chunk.IsComplete {
			finish = chunk.FinishReason
		}
	}

	draft := string(text)
	events.Emit(stream.DraftStreamFinished(draft))
	a.hooks.OnModelResponse(ctx, &providers.CompletionResponse{Content: draft, FinishReason: finish, Usage: usage}, nil)
	return draft, nil
}

// complete runs one blocking model call with retries and the model-call
// deadline applied per attempt.
func (a *agent) complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	a.writePrompt(req)
	ctx = a.hooks.OnModelCall(ctx, req)
	resp, err := retry.Do(ctx, a.retry, func(ctx context.Context) (*providers.CompletionResponse, error) {
		callCtx, cancel := timeout.With(ctx, a.timeouts.ModelCall)
		defer cancel()
		resp, err := a.provider.Complete(callCtx, req)
		return resp, classifyDeadline(ctx, callCtx, err)
	})
	if err == nil && resp == nil {
		err = errors.New("provider returned no response")
	}
	a.hooks.OnModelResponse(ctx, resp, err)
	return resp, err
}

func (a *agent) writePrompt(req providers.CompletionRequest) {
	if err := logging.WritePrompt(a.logging, req); err != nil {
		a.logger.Warn("failed to write prompt log", "error", err)
	}
}

// classifyDeadline marks an error caused by the per-call deadline as a
// retryable timeout. Cancellation of the parent is left untouched.
func classifyDeadline(parent, call context.Context, err error) error {
	if err == nil || parent.Err() != nil {
		return err
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", retry.ErrTimeout, err)
	}
	return err
}
