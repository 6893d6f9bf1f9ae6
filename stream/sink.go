package stream

import (
	"context"
	"sync"
)

// ChannelSink sends events on ch. A send blocks until the reader accepts it
// or ctx is done, in which case the event is discarded.
func ChannelSink(ctx context.Context, ch chan<- Event) Sink {
	return SinkFunc(func(ev Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	})
}

// Filter forwards only events of the given types to next. With no types it
// forwards everything.
func Filter(next Sink, types ...Type) Sink {
	if len(types) == 0 {
		return next
	}
	allowed := make(map[Type]struct{}, len(types))
	for _, typ := range types {
		allowed[typ] = struct{}{}
	}
	return SinkFunc(func(ev Event) {
		if _, ok := allowed[ev.Type]; ok {
			next.Send(ev)
		}
	})
}

// Recorder captures events for inspection.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	onSend func(Event)
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// OnSend registers a hook invoked after each recorded event. Tests use it to
// trigger cancellation at a precise point in the sequence.
func (r *Recorder) OnSend(fn func(Event)) *Recorder {
	r.onSend = fn
	return r
}

func (r *Recorder) Send(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.onSend
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	events := r.Events()
	out := make([]Type, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Type == t {
			n++
		}
	}
	return n
}
