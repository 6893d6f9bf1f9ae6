// Package checkpoint persists per-step snapshots of a conversation's state.
//
// A Record is keyed by (ConversationID, StepID). Writes are idempotent
// upserts: writing the same key twice keeps the original CreatedAt and
// advances UpdatedAt. "Latest" always means highest Sequence, never the most
// recent wall-clock write.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a conversation has no checkpoints.
var ErrNotFound = errors.New("checkpoint: not found")

// Record is one persisted step snapshot.
type Record struct {
	ConversationID string
	StepID         string
	Sequence       int64
	State          []byte
	Metadata       []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is implemented by every checkpoint backend.
type Store interface {
	// Put upserts rec. CreatedAt and UpdatedAt are assigned by the store.
	Put(ctx context.Context, rec Record) error
	// GetLatest returns the record with the highest Sequence, or ErrNotFound.
	GetLatest(ctx context.Context, conversationID string) (Record, error)
	// List returns every record of a conversation in Sequence order.
	List(ctx context.Context, conversationID string) ([]Record, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validate(rec Record) error {
	if rec.ConversationID == "" {
		return errors.New("checkpoint: conversation id is required")
	}
	if rec.StepID == "" {
		return errors.New("checkpoint: step id is required")
	}
	if rec.Sequence < 0 {
		return fmt.Errorf("checkpoint: negative sequence %d", rec.Sequence)
	}
	return nil
}
