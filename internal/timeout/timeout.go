// Package timeout holds per-boundary deadlines applied around external calls.
package timeout

import (
	"context"
	"time"
)

// Config configures deadlines for each external call boundary. A zero
// duration disables the deadline for that boundary.
type Config struct {
	ContextLoad time.Duration // thread fetch + summarization
	ModelCall   time.Duration // one model invocation, streaming included
	ToolCall    time.Duration // one capability call
}

// DefaultConfig returns the deadlines used when none are configured.
func DefaultConfig() Config {
	return Config{
		ContextLoad: 15 * time.Second,
		ModelCall:   60 * time.Second,
		ToolCall:    10 * time.Second,
	}
}

// None disables every deadline.
func None() Config {
	return Config{}
}

// With derives a context bounded by d, or returns ctx unchanged with a no-op
// cancel when d is zero.
func With(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
