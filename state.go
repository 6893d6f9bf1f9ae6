package draftkit

import (
	"github.com/darkostanimirovic/draftkit/graph"
	"github.com/darkostanimirovic/draftkit/providers"
)

// Step names of the composition graph.
const (
	StepLoadContext   = "load_context"
	StepReasonOrRoute = "reason_or_route"
	StepRunTools      = "run_tools"
	StepComposeDraft  = "compose_draft"
)

// Dialogue entry kinds.
const (
	KindPrompt = "prompt"
	KindDraft  = "draft"
)

// DialogueEntry is one side of a (user prompt, draft) pair.
type DialogueEntry struct {
	Role    providers.MessageRole `json:"role"`
	Content string                `json:"content"`
	Kind    string                `json:"kind"`
}

// AgentState is the value threaded through every step of a conversation.
// List fields only grow; scalar fields are overwritten by the last writer.
type AgentState struct {
	Messages        []providers.Message `json:"messages"`
	ActivityLog     []string            `json:"activity_log"`
	DialogueHistory []DialogueEntry     `json:"dialogue_history"`

	ThreadSummary    string `json:"thread_summary"`
	RecipientSummary string `json:"recipient_summary"`
	SearchSummary    string `json:"search_summary"`
	CalendarSummary  string `json:"calendar_summary"`
	KnowledgeSummary string `json:"knowledge_summary"`

	UserID    string `json:"user_id"`
	ThreadID  string `json:"thread_id"`
	AccountID string `json:"account_id"`

	PendingUserPrompt string `json:"pending_user_prompt"`
	LatestUserPrompt  string `json:"latest_user_prompt"`
	StreamingEnabled  bool   `json:"streaming_enabled"`

	// ToolRounds counts run_tools executions in the current run.
	ToolRounds int    `json:"tool_rounds"`
	Draft      string `json:"draft"`
}

// PendingToolCalls returns the capability calls requested by the latest
// reasoning turn, or nil when the model declined further calls.
func (s AgentState) PendingToolCalls() []providers.ToolCall {
	if len(s.Messages) == 0 {
		return nil
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != providers.RoleAssistant {
		return nil
	}
	return last.ToolCalls
}

// AgentUpdate is the partial state returned by a step. A nil scalar leaves
// the field untouched; list entries are appended.
type AgentUpdate struct {
	Messages        []providers.Message
	ActivityLog     []string
	DialogueHistory []DialogueEntry

	ThreadSummary    *string
	RecipientSummary *string
	SearchSummary    *string
	CalendarSummary  *string
	KnowledgeSummary *string

	UserID    *string
	ThreadID  *string
	AccountID *string

	PendingUserPrompt *string
	LatestUserPrompt  *string
	StreamingEnabled  *bool

	ToolRounds *int
	Draft      *string
}

// Combine folds next into u with the same semantics the reducers apply to
// state, so several capability deltas can be merged into one step update.
func (u AgentUpdate) Combine(next AgentUpdate) AgentUpdate {
	return updateReducers.Merge(u, next)
}

// Reducers is the merge table applied by the executor after every step.
var Reducers = graph.Reducers[AgentState, AgentUpdate]{
	graph.Append("messages", func(s *AgentState) *[]providers.Message { return &s.Messages }, func(u AgentUpdate) []providers.Message { return u.Messages }),
	graph.Append("activity_log", func(s *AgentState) *[]string { return &s.ActivityLog }, func(u AgentUpdate) []string { return u.ActivityLog }),
	graph.Append("dialogue_history", func(s *AgentState) *[]DialogueEntry { return &s.DialogueHistory }, func(u AgentUpdate) []DialogueEntry { return u.DialogueHistory }),

	lastWrite("thread_summary", func(s *AgentState) *string { return &s.ThreadSummary }, func(u AgentUpdate) *string { return u.ThreadSummary }),
	lastWrite("recipient_summary", func(s *AgentState) *string { return &s.RecipientSummary }, func(u AgentUpdate) *string { return u.RecipientSummary }),
	lastWrite("search_summary", func(s *AgentState) *string { return &s.SearchSummary }, func(u AgentUpdate) *string { return u.SearchSummary }),
	lastWrite("calendar_summary", func(s *AgentState) *string { return &s.CalendarSummary }, func(u AgentUpdate) *string { return u.CalendarSummary }),
	lastWrite("knowledge_summary", func(s *AgentState) *string { return &s.KnowledgeSummary }, func(u AgentUpdate) *string { return u.KnowledgeSummary }),

	lastWrite("user_id", func(s *AgentState) *string { return &s.UserID }, func(u AgentUpdate) *string { return u.UserID }),
	lastWrite("thread_id", func(s *AgentState) *string { return &s.ThreadID }, func(u AgentUpdate) *string { return u.ThreadID }),
	lastWrite("account_id", func(s *AgentState) *string { return &s.AccountID }, func(u AgentUpdate) *string { return u.AccountID }),

	lastWrite("pending_user_prompt", func(s *AgentState) *string { return &s.PendingUserPrompt }, func(u AgentUpdate) *string { return u.PendingUserPrompt }),
	lastWrite("latest_user_prompt", func(s *AgentState) *string { return &s.LatestUserPrompt }, func(u AgentUpdate) *string { return u.LatestUserPrompt }),
	graph.LastWrite("streaming_enabled", func(s *AgentState) *bool { return &s.StreamingEnabled }, func(u AgentUpdate) *bool { return u.StreamingEnabled }),

	graph.LastWrite("tool_rounds", func(s *AgentState) *int { return &s.ToolRounds }, func(u AgentUpdate) *int { return u.ToolRounds }),
	lastWrite("draft", func(s *AgentState) *string { return &s.Draft }, func(u AgentUpdate) *string { return u.Draft }),
}

func lastWrite(name string, dst func(*AgentState) *string, src func(AgentUpdate) *string) graph.Field[AgentState, AgentUpdate] {
	return graph.LastWrite(name, dst, src)
}

// updateReducers folds one update into another: lists append, and a non-nil
// scalar pointer replaces the earlier one.
var updateReducers = graph.Reducers[AgentUpdate, AgentUpdate]{
	graph.Append("messages", func(s *AgentUpdate) *[]providers.Message { return &s.Messages }, func(u AgentUpdate) []providers.Message { return u.Messages }),
	graph.Append("activity_log", func(s *AgentUpdate) *[]string { return &s.ActivityLog }, func(u AgentUpdate) []string { return u.ActivityLog }),
	graph.Append("dialogue_history", func(s *AgentUpdate) *[]DialogueEntry { return &s.DialogueHistory }, func(u AgentUpdate) []DialogueEntry { return u.DialogueHistory }),
	pointerWrite("thread_summary", func(u *AgentUpdate) **string { return &u.ThreadSummary }),
	pointerWrite("recipient_summary", func(u *AgentUpdate) **string { return &u.RecipientSummary }),
	pointerWrite("search_summary", func(u *AgentUpdate) **string { return &u.SearchSummary }),
	pointerWrite("calendar_summary", func(u *AgentUpdate) **string { return &u.CalendarSummary }),
	pointerWrite("knowledge_summary", func(u *AgentUpdate) **string { return &u.KnowledgeSummary }),
	pointerWrite("user_id", func(u *AgentUpdate) **string { return &u.UserID }),
	pointerWrite("thread_id", func(u *AgentUpdate) **string { return &u.ThreadID }),
	pointerWrite("account_id", func(u *AgentUpdate) **string { return &u.AccountID }),
	pointerWrite("pending_user_prompt", func(u *AgentUpdate) **string { return &u.PendingUserPrompt }),
	pointerWrite("latest_user_prompt", func(u *AgentUpdate) **string { return &u.LatestUserPrompt }),
	pointerWrite("streaming_enabled", func(u *AgentUpdate) **bool { return &u.StreamingEnabled }),
	pointerWrite("tool_rounds", func(u *AgentUpdate) **int { return &u.ToolRounds }),
	pointerWrite("draft", func(u *AgentUpdate) **string { return &u.Draft }),
}

func pointerWrite[V any](name string, field func(*AgentUpdate) **V) graph.Field[AgentUpdate, AgentUpdate] {
	return graph.Field[AgentUpdate, AgentUpdate]{
		Name: name,
		Apply: func(dst *AgentUpdate, next AgentUpdate) {
			if v := *field(&next); v != nil {
				*field(dst) = v
			}
		},
	}
}

func ptr[T any](v T) *T { return &v }
