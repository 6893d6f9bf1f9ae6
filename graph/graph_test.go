package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkostanimirovic/draftkit/checkpoint"
	"github.com/darkostanimirovic/draftkit/stream"
)

type testState struct {
	Trail []string `json:"trail"`
	Count int      `json:"count"`
	Note  string   `json:"note"`
}

type testUpdate struct {
	Trail []string
	Count *int
	Note  *string
}

func ptr[T any](v T) *T { return &v }

func testReducers() Reducers[testState, testUpdate] {
	return Reducers[testState, testUpdate]{
		Append("trail", func(s *testState) *[]string { return &s.Trail }, func(u testUpdate) []string { return u.Trail }),
		LastWrite("count", func(s *testState) *int { return &s.Count }, func(u testUpdate) *int { return u.Count }),
		LastWrite("note", func(s *testState) *string { return &s.Note }, func(u testUpdate) *string { return u.Note }),
	}
}

func visit(name string) StepFunc[testState, testUpdate] {
	return func(_ context.Context, s testState, _ *stream.Emitter) (testUpdate, error) {
		return testUpdate{Trail: []string{name}}, nil
	}
}

func TestReducers_Merge(t *testing.T) {
	r := testReducers()
	s := testState{Trail: []string{"a"}, Count: 1, Note: "keep"}

	merged := r.Merge(s, testUpdate{Trail: []string{"b", "c"}, Count: ptr(0)})
	assert.Equal(t, []string{"a", "b", "c"}, merged.Trail)
	assert.Equal(t, 0, merged.Count, "explicit zero overwrites")
	assert.Equal(t, "keep", merged.Note, "nil pointer leaves field untouched")
	assert.Equal(t, []string{"trail", "count", "note"}, r.Names())
}

func TestReducers_AppendDoesNotAlias(t *testing.T) {
	r := testReducers()
	base := testState{Trail: make([]string, 1, 10)}
	base.Trail[0] = "a"

	left := r.Merge(base, testUpdate{Trail: []string{"left"}})
	right := r.Merge(base, testUpdate{Trail: []string{"right"}})

	assert.Equal(t, []string{"a", "left"}, left.Trail)
	assert.Equal(t, []string{"a", "right"}, right.Trail)
	assert.Equal(t, []string{"a"}, base.Trail)
}

func TestBuilder_Validation(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Graph[testState, testUpdate], error)
	}{
		{"missing entry", func() (*Graph[testState, testUpdate], error) {
			return New("g", testReducers()).AddStep("a", visit("a")).AddEdge("a", End).Build()
		}},
		{"dangling edge", func() (*Graph[testState, testUpdate], error) {
			return New("g", testReducers()).AddStep("a", visit("a")).AddEdge("a", "nope").SetEntry("a").Build()
		}},
		{"no outgoing edge", func() (*Graph[testState, testUpdate], error) {
			return New("g", testReducers()).AddStep("a", visit("a")).AddStep("b", visit("b")).AddEdge("a", End).SetEntry("a").Build()
		}},
		{"never ends", func() (*Graph[testState, testUpdate], error) {
			return New("g", testReducers()).AddStep("a", visit("a")).AddEdge("a", "a").SetEntry("a").Build()
		}},
		{"duplicate step", func() (*Graph[testState, testUpdate], error) {
			return New("g", testReducers()).AddStep("a", visit("a")).AddStep("a", visit("a")).AddEdge("a", End).SetEntry("a").Build()
		}},
		{"static and conditional", func() (*Graph[testState, testUpdate], error) {
			return New("g", testReducers()).AddStep("a", visit("a")).AddEdge("a", End).
				AddConditionalEdge("a", func(testState) string { return End }, End).SetEntry("a").Build()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			assert.Error(t, err)
		})
	}
}

// loopGraph: prepare -> think -(count<rounds)-> act -> think ... -> finish
func loopGraph(t *testing.T, rounds int) *Graph[testState, testUpdate] {
	t.Helper()
	g, err := New("loop", testReducers()).
		AddStep("prepare", visit("prepare")).
		AddStep("think", visit("think")).
		AddStep("act", func(_ context.Context, s testState, _ *stream.Emitter) (testUpdate, error) {
			return testUpdate{Trail: []string{"act"}, Count: ptr(s.Count + 1)}, nil
		}).
		AddStep("finish", visit("finish")).
		SetEntry("prepare").
		AddEdge("prepare", "think").
		AddConditionalEdge("think", func(s testState) string {
			if s.Count < rounds {
				return "act"
			}
			return "finish"
		}, "act", "finish").
		AddEdge("act", "think").
		AddEdge("finish", End).
		Build()
	require.NoError(t, err)
	return g
}

func newExecutor(t *testing.T, g *Graph[testState, testUpdate], store checkpoint.Store, opts ...Option) *Executor[testState, testUpdate] {
	t.Helper()
	ex, err := NewExecutor(g, store, opts...)
	require.NoError(t, err)
	return ex
}

func TestExecutor_RunFollowsConditionalEdges(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ex := newExecutor(t, loopGraph(t, 2), store)

	final, err := ex.Run(context.Background(), Request[testUpdate]{ConversationID: "c1", Input: testUpdate{Note: ptr("hi")}})
	require.NoError(t, err)

	assert.Equal(t, []string{"prepare", "think", "act", "think", "act", "think", "finish"}, final.Trail)
	assert.Equal(t, 2, final.Count)
	assert.Equal(t, "hi", final.Note)
}

func TestExecutor_CheckpointsEveryStep(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ex := newExecutor(t, loopGraph(t, 1), store)

	_, err := ex.Run(context.Background(), Request[testUpdate]{ConversationID: "c1"})
	require.NoError(t, err)

	history, err := ex.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 5)

	wantSteps := []string{"prepare", "think", "act", "think", "finish"}
	for i, snap := range history {
		assert.Equal(t, wantSteps[i], snap.Metadata.Step)
		assert.Equal(t, int64(i+1), snap.Metadata.Sequence)
		assert.Len(t, snap.State.Trail, i+1, "checkpoint %d holds state as of that step", i)
	}
	assert.Equal(t, "act", history[1].Metadata.Next)
	assert.True(t, history[4].Metadata.Done())
}

func TestExecutor_FailingStepLeavesPreviousCheckpoint(t *testing.T) {
	boom := errors.New("boom")
	g, err := New("fail", testReducers()).
		AddStep("a", visit("a")).
		AddStep("b", func(context.Context, testState, *stream.Emitter) (testUpdate, error) {
			return testUpdate{Trail: []string{"b"}}, boom
		}).
		SetEntry("a").AddEdge("a", "b").AddEdge("b", End).
		Build()
	require.NoError(t, err)

	store := checkpoint.NewMemoryStore()
	ex := newExecutor(t, g, store)

	_, err = ex.Run(context.Background(), Request[testUpdate]{ConversationID: "c1"})
	require.ErrorIs(t, err, boom)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "b", stepErr.Step)

	snap, err := ex.Latest(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "a", snap.Metadata.Step)
	assert.Equal(t, []string{"a"}, snap.State.Trail)
	assert.Equal(t, 1, store.Len("c1"))
}

func TestExecutor_PanicBecomesStepError(t *testing.T) {
	g, err := New("panic", testReducers()).
		AddStep("a", func(context.Context, testState, *stream.Emitter) (testUpdate, error) { panic("kaboom") }).
		SetEntry("a").AddEdge("a", End).Build()
	require.NoError(t, err)

	_, err = newExecutor(t, g, checkpoint.NewMemoryStore()).Run(context.Background(), Request[testUpdate]{ConversationID: "c"})
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestExecutor_CancelDuringStepDiscardsUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, err := New("cancel", testReducers()).
		AddStep("a", visit("a")).
		AddStep("b", func(context.Context, testState, *stream.Emitter) (testUpdate, error) {
			cancel()
			return testUpdate{Trail: []string{"b"}}, nil
		}).
		AddStep("c", visit("c")).
		SetEntry("a").AddEdge("a", "b").AddEdge("b", "c").AddEdge("c", End).
		Build()
	require.NoError(t, err)

	ex := newExecutor(t, g, checkpoint.NewMemoryStore())
	_, err = ex.Run(ctx, Request[testUpdate]{ConversationID: "c1"})
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)

	snap, err := ex.Latest(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "a", snap.Metadata.Step)
	assert.Equal(t, []string{"a"}, snap.State.Trail)
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := checkpoint.NewMemoryStore()
	_, err := newExecutor(t, loopGraph(t, 0), store).Run(ctx, Request[testUpdate]{ConversationID: "c1"})
	require.Error(t, err)
	assert.Zero(t, store.Len("c1"))
}

func TestExecutor_ResumeRequiresCheckpoint(t *testing.T) {
	ex := newExecutor(t, loopGraph(t, 0), checkpoint.NewMemoryStore())

	_, err := ex.Run(context.Background(), Request[testUpdate]{ConversationID: "nope", Mode: ModeResume})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ex.Run(context.Background(), Request[testUpdate]{ConversationID: "nope", Mode: ModeRecover})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutor_ResumeContinuesStateAndSequence(t *testing.T) {
	ex := newExecutor(t, loopGraph(t, 0), checkpoint.NewMemoryStore())
	ctx := context.Background()

	_, err := ex.Run(ctx, Request[testUpdate]{ConversationID: "c1"})
	require.NoError(t, err)

	final, err := ex.Run(ctx, Request[testUpdate]{ConversationID: "c1", Mode: ModeResume, Input: testUpdate{Note: ptr("again")}})
	require.NoError(t, err)
	assert.Equal(t, []string{"prepare", "think", "finish", "prepare", "think", "finish"}, final.Trail)
	assert.Equal(t, "again", final.Note)

	snap, err := ex.Latest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.Metadata.Sequence)
	assert.Equal(t, ModeResume, snap.Metadata.Mode)
}

func TestExecutor_RecoverContinuesFromNext(t *testing.T) {
	fail := true
	g, err := New("recover", testReducers()).
		AddStep("a", visit("a")).
		AddStep("b", func(context.Context, testState, *stream.Emitter) (testUpdate, error) {
			if fail {
				return testUpdate{}, errors.New("crash")
			}
			return testUpdate{Trail: []string{"b"}}, nil
		}).
		SetEntry("a").AddEdge("a", "b").AddEdge("b", End).
		Build()
	require.NoError(t, err)

	ex := newExecutor(t, g, checkpoint.NewMemoryStore())
	ctx := context.Background()

	_, err = ex.Run(ctx, Request[testUpdate]{ConversationID: "c1"})
	require.Error(t, err)

	fail = false
	final, err := ex.Run(ctx, Request[testUpdate]{ConversationID: "c1", Mode: ModeRecover})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, final.Trail)

	_, err = ex.Run(ctx, Request[testUpdate]{ConversationID: "c1", Mode: ModeRecover})
	assert.ErrorIs(t, err, ErrNothingToRecover)
}

func TestExecutor_MaxSteps(t *testing.T) {
	ex := newExecutor(t, loopGraph(t, 100), checkpoint.NewMemoryStore(), WithMaxSteps(5))
	_, err := ex.Run(context.Background(), Request[testUpdate]{ConversationID: "c1"})
	assert.ErrorIs(t, err, ErrMaxSteps)
}

func TestExecutor_UnknownRoute(t *testing.T) {
	g, err := New("route", testReducers()).
		AddStep("a", visit("a")).
		SetEntry("a").
		AddConditionalEdge("a", func(testState) string { return "elsewhere" }, End).
		Build()
	require.NoError(t, err)

	_, err = newExecutor(t, g, checkpoint.NewMemoryStore()).Run(context.Background(), Request[testUpdate]{ConversationID: "c"})
	assert.ErrorIs(t, err, ErrUnknownRoute)
}

func TestExecutor_ValidatesStartInput(t *testing.T) {
	invalid := errors.New("note required")
	g, err := New("validate", testReducers()).
		AddStep("a", visit("a")).SetEntry("a").AddEdge("a", End).
		ValidateInput(func(u testUpdate) error {
			if u.Note == nil {
				return invalid
			}
			return nil
		}).
		Build()
	require.NoError(t, err)

	store := checkpoint.NewMemoryStore()
	ex := newExecutor(t, g, store)

	_, err = ex.Run(context.Background(), Request[testUpdate]{ConversationID: "c"})
	assert.ErrorIs(t, err, invalid)
	assert.Zero(t, store.Len("c"))

	_, err = ex.Run(context.Background(), Request[testUpdate]{ConversationID: "c", Input: testUpdate{Note: ptr("x")}})
	assert.NoError(t, err)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) OnStepStart(ctx context.Context, info StepInfo) context.Context {
	o.mu.Lock()
	o.events = append(o.events, "start:"+info.StepID())
	o.mu.Unlock()
	return ctx
}

func (o *recordingObserver) OnStepComplete(_ context.Context, info StepInfo, err error) {
	o.mu.Lock()
	o.events = append(o.events, "done:"+info.Step)
	o.mu.Unlock()
}

func TestExecutor_Observers(t *testing.T) {
	obs := &recordingObserver{}
	ex := newExecutor(t, loopGraph(t, 0), checkpoint.NewMemoryStore(), WithObservers(obs), WithRunIDs(func() string { return "run-1" }))

	_, err := ex.Run(context.Background(), Request[testUpdate]{ConversationID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"start:00000001-prepare", "done:prepare",
		"start:00000002-think", "done:think",
		"start:00000003-finish", "done:finish",
	}, obs.events)

	snap, err := ex.Latest(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.Metadata.RunID)
}

func TestExecutor_WithSQLiteStore(t *testing.T) {
	store, err := checkpoint.OpenSQLite(t.TempDir() + "/graph.db")
	require.NoError(t, err)
	defer store.Close()

	ex := newExecutor(t, loopGraph(t, 1), store)
	final, err := ex.Run(context.Background(), Request[testUpdate]{ConversationID: "c1"})
	require.NoError(t, err)

	snap, err := ex.Latest(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, final, snap.State)
}
