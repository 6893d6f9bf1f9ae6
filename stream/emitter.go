package stream

import (
	"context"
	"sync"
)

// Sink receives events. Send is called from one goroutine at a time.
type Sink interface {
	Send(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Send(ev Event) { f(ev) }

// Emitter forwards events to a sink for the duration of one run.
//
// Events reach the sink in Emit order, even when Emit is called from
// several goroutines. Once a terminal event has been delivered, or once ctx
// is cancelled, every later event is dropped.
type Emitter struct {
	ctx        context.Context
	sink       Sink
	mu         sync.Mutex
	terminated bool
	dropped    int
	decorate   func(*Event)
}

// NewEmitter creates an emitter bound to ctx. A nil sink drops everything but
// still tracks terminal state.
func NewEmitter(ctx context.Context, sink Sink) *Emitter {
	return &Emitter{ctx: ctx, sink: sink}
}

// Discard returns an emitter with no sink.
func Discard() *Emitter {
	return NewEmitter(context.Background(), nil)
}

// WithDecorator sets a hook applied to every event before delivery, such as
// stamping trace ids.
func (e *Emitter) WithDecorator(fn func(*Event)) *Emitter {
	e.mu.Lock()
	e.decorate = fn
	e.mu.Unlock()
	return e
}

// Emit delivers ev and reports whether it reached the sink.
func (e *Emitter) Emit(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated || e.ctx.Err() != nil {
		e.dropped++
		return false
	}
	if ev.Type.Terminal() {
		e.terminated = true
	}
	if e.sink == nil {
		return false
	}
	if e.decorate != nil {
		e.decorate(&ev)
	}
	e.sink.Send(ev)
	return true
}

// Active reports whether a sink is attached. Steps use it to decide whether
// to stream incrementally.
func (e *Emitter) Active() bool {
	return e != nil && e.sink != nil
}

// Terminated reports whether a terminal event has been emitted.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// Dropped returns how many events were discarded after termination or
// cancellation.
func (e *Emitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}
