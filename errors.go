package draftkit

import (
	"context"
	"errors"

	"github.com/darkostanimirovic/draftkit/graph"
)

// Run errors. Capability failures never abort a run; they are folded into
// tool-result messages and the activity log.
var (
	ErrInvalidRequest       = errors.New("draftkit: invalid request")
	ErrConversationNotFound = errors.New("draftkit: conversation not found")
	ErrContextUnavailable   = errors.New("draftkit: thread context unavailable")
	ErrCapabilityFailure    = errors.New("draftkit: capability failed")
	ErrUnknownCapability    = errors.New("draftkit: unknown capability")
	ErrAgentLoopExceeded    = errors.New("draftkit: reasoning loop exceeded")
	ErrPreconditionFailed   = errors.New("draftkit: precondition failed")
	ErrCancelled            = errors.New("draftkit: run cancelled")
	ErrNothingToRecover     = errors.New("draftkit: nothing to recover")
	ErrRunInProgress        = errors.New("draftkit: conversation already has a run in progress")
)

// Error codes carried in the payload of an error event.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeConversationNotFound = "conversation_not_found"
	CodeContextUnavailable   = "context_unavailable"
	CodeAgentLoopExceeded    = "agent_loop_exceeded"
	CodePreconditionFailed   = "precondition_failed"
	CodeStepBudgetExceeded   = "step_budget_exceeded"
	CodeCancelled            = "cancelled"
	CodeInternal             = "internal"
)

// ErrorCode maps an error returned by a run to a stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, graph.ErrNotFound):
		return CodeConversationNotFound
	case errors.Is(err, ErrContextUnavailable):
		return CodeContextUnavailable
	case errors.Is(err, ErrAgentLoopExceeded):
		return CodeAgentLoopExceeded
	case errors.Is(err, ErrPreconditionFailed):
		return CodePreconditionFailed
	case errors.Is(err, graph.ErrMaxSteps):
		return CodeStepBudgetExceeded
	case IsCancelled(err):
		return CodeCancelled
	default:
		return CodeInternal
	}
}

// IsCancelled reports whether err means the run was stopped by its caller
// rather than failing.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, graph.ErrCancelled) || errors.Is(err, context.Canceled)
}
