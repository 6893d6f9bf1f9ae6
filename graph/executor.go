package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/darkostanimirovic/draftkit/checkpoint"
	"github.com/darkostanimirovic/draftkit/stream"
)

var (
	// ErrNotFound is returned when resuming a conversation with no checkpoint.
	ErrNotFound = errors.New("graph: no checkpoint for conversation")
	// ErrCancelled is returned when a run stops because its context was
	// cancelled. It is not a failure of the run.
	ErrCancelled = errors.New("graph: run cancelled")
	// ErrMaxSteps is returned when a run exceeds the configured step budget.
	ErrMaxSteps = errors.New("graph: step budget exceeded")
	// ErrNothingToRecover is returned by a recover run when the last
	// checkpoint already reached End.
	ErrNothingToRecover = errors.New("graph: last run already completed")
	// ErrUnknownRoute is returned when a router names a step outside its targets.
	ErrUnknownRoute = errors.New("graph: router returned an undeclared target")
)

// Mode selects how a run obtains its initial state.
type Mode string

const (
	// ModeStart loads the conversation if it exists, otherwise starts from
	// the zero state, then runs from the entry step.
	ModeStart Mode = "start"
	// ModeResume requires an existing checkpoint and runs from the entry step.
	ModeResume Mode = "resume"
	// ModeRecover requires an existing checkpoint and continues from the
	// step recorded as next, for runs interrupted by a crash.
	ModeRecover Mode = "recover"
)

// Metadata is persisted next to every state snapshot.
type Metadata struct {
	Step     string `json:"step"`
	Sequence int64  `json:"sequence"`
	Next     string `json:"next"`
	RunID    string `json:"run_id"`
	Mode     Mode   `json:"mode"`
}

// Done reports whether the run that wrote this checkpoint reached End.
func (m Metadata) Done() bool { return m.Next == End }

// StepInfo identifies one step execution.
type StepInfo struct {
	ConversationID string
	RunID          string
	Step           string
	Sequence       int64
}

// StepID is the checkpoint key for this execution. It sorts by sequence.
func (i StepInfo) StepID() string {
	return fmt.Sprintf("%08d-%s", i.Sequence, i.Step)
}

// Observer is notified around each step.
type Observer interface {
	OnStepStart(ctx context.Context, info StepInfo) context.Context
	OnStepComplete(ctx context.Context, info StepInfo, err error)
}

// StepError wraps an error returned by a step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Codec serializes state and metadata for the checkpoint store.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Snapshot is a decoded checkpoint.
type Snapshot[S any] struct {
	State     S
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Request describes one run.
type Request[U any] struct {
	ConversationID string
	Mode           Mode
	Input          U
	// Events receives step events. nil discards them.
	Events *stream.Emitter
}

// Executor runs a Graph against a checkpoint store.
type Executor[S, U any] struct {
	graph     *Graph[S, U]
	store     checkpoint.Store
	codec     Codec
	maxSteps  int
	logger    *slog.Logger
	observers []Observer
	newRunID  func() string
}

// Option configures an Executor.
type Option func(*options)

type options struct {
	codec     Codec
	maxSteps  int
	logger    *slog.Logger
	observers []Observer
	newRunID  func() string
}

// WithCodec overrides the default CBOR codec.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithMaxSteps bounds the number of steps one run may execute. 0 disables the bound.
func WithMaxSteps(n int) Option {
	return func(o *options) { o.maxSteps = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObservers registers step observers, notified in order.
func WithObservers(obs ...Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs...) }
}

// WithRunIDs overrides run id generation.
func WithRunIDs(fn func() string) Option {
	return func(o *options) { o.newRunID = fn }
}

// NewExecutor binds g to store.
func NewExecutor[S, U any](g *Graph[S, U], store checkpoint.Store, opts ...Option) (*Executor[S, U], error) {
	if g == nil {
		return nil, errors.New("graph: nil graph")
	}
	if store == nil {
		return nil, errors.New("graph: nil checkpoint store")
	}

	o := options{
		maxSteps: 50,
		logger:   slog.Default(),
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codec == nil {
		codec, err := checkpoint.NewCodec()
		if err != nil {
			return nil, err
		}
		o.codec = codec
	}

	return &Executor[S, U]{
		graph:     g,
		store:     store,
		codec:     o.codec,
		maxSteps:  o.maxSteps,
		logger:    o.logger,
		observers: o.observers,
		newRunID:  o.newRunID,
	}, nil
}

// Graph returns the executed graph.
func (e *Executor[S, U]) Graph() *Graph[S, U] { return e.graph }

// Run executes the graph for one conversation and returns the final state.
//
// After every successful step the update is merged, the merged state is
// checkpointed, and only then does the run advance. A failing step leaves
// no checkpoint. Cancellation is checked before each step and after each
// step returns; a step that finishes after cancellation has its update
// discarded.
func (e *Executor[S, U]) Run(ctx context.Context, req Request[U]) (S, error) {
	var state S

	if req.ConversationID == "" {
		return state, errors.New("graph: conversation id is required")
	}
	events := req.Events
	if events == nil {
		events = stream.Discard()
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeStart
	}

	if mode == ModeStart && e.graph.validateInput != nil {
		if err := e.graph.validateInput(req.Input); err != nil {
			return state, err
		}
	}

	current := e.graph.entry
	var seq int64

	snap, err := e.Latest(ctx, req.ConversationID)
	switch {
	case err == nil:
		state = snap.State
		seq = snap.Metadata.Sequence
		if mode == ModeRecover {
			if snap.Metadata.Done() {
				return state, ErrNothingToRecover
			}
			current = snap.Metadata.Next
			if _, ok := e.graph.steps[current]; !ok {
				return state, fmt.Errorf("graph: checkpoint names unknown next step %q", current)
			}
		}
	case errors.Is(err, ErrNotFound):
		if mode != ModeStart {
			return state, err
		}
	default:
		return state, err
	}

	state = e.graph.reducers.Merge(state, req.Input)
	runID := e.newRunID()
	logger := e.logger.With("conversation_id", req.ConversationID, "run_id", runID, "graph", e.graph.name)
	logger.Debug("run started", "mode", mode, "entry", current, "sequence", seq)

	for executed := 0; current != End; executed++ {
		if err := ctx.Err(); err != nil {
			logger.Debug("run cancelled before step", "step", current)
			return state, cancelled(ctx)
		}
		if e.maxSteps > 0 && executed >= e.maxSteps {
			return state, fmt.Errorf("%w (%d)", ErrMaxSteps, e.maxSteps)
		}

		seq++
		info := StepInfo{ConversationID: req.ConversationID, RunID: runID, Step: current, Sequence: seq}
		update, err := e.runStep(ctx, info, state, events)
		if ctx.Err() != nil {
			logger.Debug("run cancelled during step", "step", current, "discarded", err == nil)
			return state, cancelled(ctx)
		}
		if err != nil {
			logger.Debug("step failed", "step", current, "sequence", seq, "error", err)
			return state, &StepError{Step: current, Err: err}
		}

		state = e.graph.reducers.Merge(state, update)
		next, err := e.graph.next(current, state)
		if err != nil {
			return state, err
		}

		meta := Metadata{Step: current, Sequence: seq, Next: next, RunID: runID, Mode: mode}
		if err := e.persist(context.WithoutCancel(ctx), info, state, meta); err != nil {
			return state, err
		}
		logger.Debug("step checkpointed", "step", current, "sequence", seq, "next", next)
		current = next
	}

	logger.Debug("run completed", "sequence", seq)
	return state, nil
}

func (e *Executor[S, U]) runStep(ctx context.Context, info StepInfo, state S, events *stream.Emitter) (update U, err error) {
	stepCtx := ctx
	for _, obs := range e.observers {
		stepCtx = obs.OnStepStart(stepCtx, info)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step %s: %v", info.Step, r)
		}
		for i := len(e.observers) - 1; i >= 0; i-- {
			e.observers[i].OnStepComplete(stepCtx, info, err)
		}
	}()
	return e.graph.steps[info.Step](stepCtx, state, events)
}

func (e *Executor[S, U]) persist(ctx context.Context, info StepInfo, state S, meta Metadata) error {
	stateBytes, err := e.codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("graph: encode state after %s: %w", info.Step, err)
	}
	metaBytes, err := e.codec.Marshal(meta)
	if err != nil {
		return fmt.Errorf("graph: encode metadata after %s: %w", info.Step, err)
	}
	return e.store.Put(ctx, checkpoint.Record{
		ConversationID: info.ConversationID,
		StepID:         info.StepID(),
		Sequence:       info.Sequence,
		State:          stateBytes,
		Metadata:       metaBytes,
	})
}

// Latest loads the most recent checkpoint of a conversation.
func (e *Executor[S, U]) Latest(ctx context.Context, conversationID string) (Snapshot[S], error) {
	rec, err := e.store.GetLatest(ctx, conversationID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return Snapshot[S]{}, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return Snapshot[S]{}, err
	}
	return e.decode(rec)
}

// History returns every checkpoint of a conversation in step order.
func (e *Executor[S, U]) History(ctx context.Context, conversationID string) ([]Snapshot[S], error) {
	recs, err := e.store.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot[S], 0, len(recs))
	for _, rec := range recs {
		snap, err := e.decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (e *Executor[S, U]) decode(rec checkpoint.Record) (Snapshot[S], error) {
	snap := Snapshot[S]{CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}
	if err := e.codec.Unmarshal(rec.State, &snap.State); err != nil {
		return Snapshot[S]{}, fmt.Errorf("graph: decode state %s/%s: %w", rec.ConversationID, rec.StepID, err)
	}
	if err := e.codec.Unmarshal(rec.Metadata, &snap.Metadata); err != nil {
		return Snapshot[S]{}, fmt.Errorf("graph: decode metadata %s/%s: %w", rec.ConversationID, rec.StepID, err)
	}
	return snap, nil
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
