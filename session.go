// Package draftkit composes email reply drafts with a resumable agent:
// load the thread, let the model gather context through capabilities, and
// stream the generated draft, checkpointing after every step.
package draftkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/darkostanimirovic/draftkit/checkpoint"
	"github.com/darkostanimirovic/draftkit/graph"
	"github.com/darkostanimirovic/draftkit/internal/logging"
	"github.com/darkostanimirovic/draftkit/middleware"
	"github.com/darkostanimirovic/draftkit/providers/openai"
	"github.com/darkostanimirovic/draftkit/stream"
)

const defaultEventBuffer = 16

var errAborted = errors.New("draftkit: aborted by caller")

// StartRequest starts a composition.
type StartRequest struct {
	UserID    string
	ThreadID  string
	AccountID string
	Prompt    string
	// ConversationID continues an existing conversation when set. When
	// empty a fresh id is derived from the user, the thread and a random
	// suffix.
	ConversationID string
}

// Result is the outcome of a completed run.
type Result struct {
	ConversationID  string
	Draft           string
	ActivityLog     []string
	DialogueHistory []DialogueEntry
}

// StateMessage is one dialogue entry projected for replay.
type StateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

// ConversationState is the read-only view returned by GetState.
type ConversationState struct {
	ConversationID string         `json:"conversation_id"`
	Exists         bool           `json:"exists"`
	Messages       []StateMessage `json:"messages"`
}

// Checkpoint is one persisted step of a conversation.
type Checkpoint struct {
	Step      string
	Sequence  int64
	Next      string
	RunID     string
	Mode      graph.Mode
	State     AgentState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is the entry point for starting, resuming and inspecting
// conversations. It is safe for concurrent use; runs of different
// conversations proceed independently.
type Session struct {
	agent    *agent
	executor *graph.Executor[AgentState, AgentUpdate]
	logger   *slog.Logger
	hooks    middleware.Chain
	newID    func(userID, threadID string) string

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New wires a session from cfg.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	cfg = cfg.withDefaults()

	loggingConfig := DefaultLoggingConfig()
	if cfg.Logging != nil {
		loggingConfig = *cfg.Logging
	}
	logger := logging.ResolveLogger(loggingConfig)

	retryConfig := DefaultRetryConfig()
	if cfg.Retry != nil {
		retryConfig = *cfg.Retry
	}
	if retryConfig.Logger == nil {
		retryConfig.Logger = logger
	}

	timeoutConfig := DefaultTimeoutConfig()
	if cfg.Timeout != nil {
		timeoutConfig = *cfg.Timeout
	}

	parallelConfig := DefaultParallelConfig()
	if cfg.Parallel != nil {
		parallelConfig = *cfg.Parallel
	}

	provider := cfg.Provider
	if provider == nil {
		provider = openai.NewWithConfig(openai.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Logger:      logger,
			StrictTools: true,
		})
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	hooks := middleware.Chain{middleware.NewLogging(logger)}
	if cfg.Tracer != nil {
		hooks = append(hooks, tracing{tracer: cfg.Tracer})
	}
	hooks = append(hooks, cfg.Middlewares...)

	a := &agent{
		provider:            provider,
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		registry:            registry,
		threads:             cfg.Threads,
		summarizeThread:     cfg.ThreadSummarizer,
		summarizeRecipients: cfg.RecipientSummarizer,
		maxToolRounds:       cfg.MaxToolRounds,
		retry:               retryConfig,
		timeouts:            timeoutConfig,
		parallel:            parallelConfig,
		logging:             loggingConfig,
		logger:              logger,
		hooks:               hooks,
	}
	g, err := a.buildGraph()
	if err != nil {
		return nil, err
	}

	store := cfg.Store
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	opts := []graph.Option{
		graph.WithLogger(logger),
		graph.WithMaxSteps(cfg.MaxSteps),
		graph.WithObservers(hooks),
	}
	if cfg.Codec != nil {
		opts = append(opts, graph.WithCodec(cfg.Codec))
	}
	executor, err := graph.NewExecutor(g, store, opts...)
	if err != nil {
		return nil, err
	}

	newID := cfg.NewConversationID
	if newID == nil {
		newID = NewConversationID
	}

	return &Session{
		agent:    a,
		executor: executor,
		logger:   logger,
		hooks:    hooks,
		newID:    newID,
		running:  make(map[string]context.CancelCauseFunc),
	}, nil
}

func buildRegistry(cfg Config) (*Registry, error) {
	var caps []*Capability
	if cfg.Search != nil {
		c, err := SearchMailCapability(cfg.Search)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	if cfg.Calendar != nil {
		c, err := CalendarCapability(cfg.Calendar)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	if cfg.Knowledge != nil {
		c, err := KnowledgeCapability(cfg.Knowledge)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return NewRegistry(append(caps, cfg.Capabilities...)...)
}

// NewConversationID derives a conversation id from the user, the thread and
// a random suffix, so repeated starts for one thread never collide.
func NewConversationID(userID, threadID string) string {
	return userID + ":" + threadID + ":" + uuid.NewString()
}

// Capabilities lists the registered capability names.
func (s *Session) Capabilities() []string {
	return s.agent.registry.Names()
}

// Start runs a composition to completion. Events go to sink when it is
// non-nil; with a sink attached the draft is streamed chunk by chunk.
//
// Missing identifiers fail with ErrInvalidRequest before any event is sent.
// A run failure is sent as the error event and returned. A cancelled run
// returns an error matching ErrCancelled and sends no terminal event.
func (s *Session) Start(ctx context.Context, req StartRequest, sink stream.Sink) (*Result, error) {
	convID, input, err := s.startInput(req)
	if err != nil {
		return nil, err
	}
	runCtx, done, err := s.begin(ctx, convID)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.execute(runCtx, convID, graph.ModeStart, req.ThreadID, input, sink)
}

// Resume continues a conversation with a follow-up instruction.
func (s *Session) Resume(ctx context.Context, conversationID, userResponse string, sink stream.Sink) (*Result, error) {
	snap, input, err := s.resumeInput(ctx, conversationID, userResponse)
	if err != nil {
		return nil, err
	}
	runCtx, done, err := s.begin(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.execute(runCtx, conversationID, graph.ModeResume, snap.State.ThreadID, input, sink)
}

// Recover continues a run that was interrupted between steps, starting at
// the step recorded as next in the latest checkpoint.
func (s *Session) Recover(ctx context.Context, conversationID string, sink stream.Sink) (*Result, error) {
	snap, err := s.latest(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if snap.Metadata.Done() {
		return nil, fmt.Errorf("%w: %s", ErrNothingToRecover, conversationID)
	}
	runCtx, done, err := s.begin(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.execute(runCtx, conversationID, graph.ModeRecover, snap.State.ThreadID, AgentUpdate{}, sink)
}

// StartStream is Start with the events delivered on a channel, closed after
// the last event. Request errors are returned synchronously.
func (s *Session) StartStream(ctx context.Context, req StartRequest) (<-chan stream.Event, error) {
	convID, input, err := s.startInput(req)
	if err != nil {
		return nil, err
	}
	return s.streamRun(ctx, convID, graph.ModeStart, req.ThreadID, input)
}

// ResumeStream is Resume with the events delivered on a channel.
func (s *Session) ResumeStream(ctx context.Context, conversationID, userResponse string) (<-chan stream.Event, error) {
	snap, input, err := s.resumeInput(ctx, conversationID, userResponse)
	if err != nil {
		return nil, err
	}
	return s.streamRun(ctx, conversationID, graph.ModeResume, snap.State.ThreadID, input)
}

func (s *Session) streamRun(ctx context.Context, convID string, mode graph.Mode, threadID string, input AgentUpdate) (<-chan stream.Event, error) {
	runCtx, done, err := s.begin(ctx, convID)
	if err != nil {
		return nil, err
	}
	ch := make(chan stream.Event, defaultEventBuffer)
	go func() {
		defer close(ch)
		defer done()
		_, _ = s.execute(runCtx, convID, mode, threadID, input, stream.ChannelSink(runCtx, ch))
	}()
	return ch, nil
}

// Abort cancels the in-flight run of a conversation. It reports whether a
// run was found.
func (s *Session) Abort(conversationID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[conversationID]
	s.mu.Unlock()
	if ok {
		cancel(errAborted)
	}
	return ok
}

// Running reports whether a conversation has a run in flight.
func (s *Session) Running(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[conversationID]
	return ok
}

// GetState projects the dialogue history of a conversation. A conversation
// without checkpoints yields Exists=false rather than an error.
func (s *Session) GetState(ctx context.Context, conversationID string) (*ConversationState, error) {
	out := &ConversationState{ConversationID: conversationID, Messages: []StateMessage{}}
	snap, err := s.executor.Latest(ctx, conversationID)
	if errors.Is(err, graph.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.Exists = true
	for _, e := range snap.State.DialogueHistory {
		out.Messages = append(out.Messages, StateMessage{Role: string(e.Role), Content: e.Content, Kind: e.Kind})
	}
	return out, nil
}

// Snapshot returns the latest full state of a conversation.
func (s *Session) Snapshot(ctx context.Context, conversationID string) (AgentState, error) {
	snap, err := s.latest(ctx, conversationID)
	if err != nil {
		return AgentState{}, err
	}
	return snap.State, nil
}

// History returns every checkpoint of a conversation in step order.
func (s *Session) History(ctx context.Context, conversationID string) ([]Checkpoint, error) {
	snaps, err := s.executor.History(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	out := make([]Checkpoint, len(snaps))
	for i, snap := range snaps {
		out[i] = Checkpoint{
			Step:      snap.Metadata.Step,
			Sequence:  snap.Metadata.Sequence,
			Next:      snap.Metadata.Next,
			RunID:     snap.Metadata.RunID,
			Mode:      snap.Metadata.Mode,
			State:     snap.State,
			CreatedAt: snap.CreatedAt,
			UpdatedAt: snap.UpdatedAt,
		}
	}
	return out, nil
}

func (s *Session) startInput(req StartRequest) (string, AgentUpdate, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return "", AgentUpdate{}, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		return "", AgentUpdate{}, fmt.Errorf("%w: threadId is required", ErrInvalidRequest)
	}
	convID := req.ConversationID
	if convID == "" {
		convID = s.newID(req.UserID, req.ThreadID)
	}
	input := AgentUpdate{
		UserID:            ptr(req.UserID),
		ThreadID:          ptr(req.ThreadID),
		PendingUserPrompt: ptr(req.Prompt),
		LatestUserPrompt:  ptr(req.Prompt),
		ToolRounds:        ptr(0),
	}
	if req.AccountID != "" {
		input.AccountID = ptr(req.AccountID)
	}
	return convID, input, nil
}

func (s *Session) resumeInput(ctx context.Context, conversationID, userResponse string) (graph.Snapshot[AgentState], AgentUpdate, error) {
	if conversationID == "" {
		return graph.Snapshot[AgentState]{}, AgentUpdate{}, fmt.Errorf("%w: conversationId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(userResponse) == "" {
		return graph.Snapshot[AgentState]{}, AgentUpdate{}, fmt.Errorf("%w: a follow-up instruction is required", ErrInvalidRequest)
	}
	snap, err := s.latest(ctx, conversationID)
	if err != nil {
		return graph.Snapshot[AgentState]{}, AgentUpdate{}, err
	}
	return snap, AgentUpdate{
		PendingUserPrompt: ptr(userResponse),
		LatestUserPrompt:  ptr(userResponse),
		ToolRounds:        ptr(0),
	}, nil
}

func (s *Session) latest(ctx context.Context, conversationID string) (graph.Snapshot[AgentState], error) {
	snap, err := s.executor.Latest(ctx, conversationID)
	if errors.Is(err, graph.ErrNotFound) {
		return snap, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return snap, err
}

// begin registers the run so Abort can reach it. One conversation runs at
// most one run at a time.
func (s *Session) begin(ctx context.Context, convID string) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[convID]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunInProgress, convID)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	s.running[convID] = cancel
	return runCtx, func() {
		s.mu.Lock()
		delete(s.running, convID)
		s.mu.Unlock()
		cancel(nil)
	}, nil
}

func (s *Session) execute(ctx context.Context, convID string, mode graph.Mode, threadID string, input AgentUpdate, sink stream.Sink) (*Result, error) {
	events := stream.NewEmitter(ctx, sink)
	streaming := events.Active()
	input.StreamingEnabled = &streaming

	runCtx := s.hooks.OnRunStart(ctx, convID)
	if sc := trace.SpanContextFromContext(runCtx); sc.IsValid() {
		traceID, spanID := sc.TraceID().String(), sc.SpanID().String()
		events.WithDecorator(func(ev *stream.Event) {
			ev.TraceID = traceID
			ev.SpanID = spanID
		})
	}
	logger := s.logger.With("conversation_id", convID, "mode", mode)
	logger.Debug("run starting", "streaming", streaming)
	events.Emit(stream.Start(convID, threadID))

	state, err := s.executor.Run(runCtx, graph.Request[AgentUpdate]{
		ConversationID: convID,
		Mode:           mode,
		Input:          input,
		Events:         events,
	})
	err = translate(convID, err)
	s.hooks.OnRunComplete(runCtx, convID, err)

	switch {
	case err == nil:
		events.Emit(stream.Final(convID, state.Draft, state.ActivityLog))
		logger.Info("draft composed", "tool_rounds", state.ToolRounds, "draft_length", len(state.Draft))
		return &Result{
			ConversationID:  convID,
			Draft:           state.Draft,
			ActivityLog:     state.ActivityLog,
			DialogueHistory: state.DialogueHistory,
		}, nil
	case IsCancelled(err):
		logger.Info("run cancelled", "cause", context.Cause(ctx))
		return nil, err
	default:
		logger.Error("run failed", "error", err, "code", ErrorCode(err))
		events.Emit(stream.Error(err, ErrorCode(err)))
		return nil, err
	}
}

func translate(convID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, graph.ErrCancelled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, graph.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrConversationNotFound, convID)
	case errors.Is(err, graph.ErrNothingToRecover):
		return fmt.Errorf("%w: %s", ErrNothingToRecover, convID)
	default:
		return err
	}
}
