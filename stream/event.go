// Package stream delivers a run's events to a caller-supplied sink in order,
// with at most one terminal event and nothing after cancellation.
package stream

import "time"

// Type identifies an event.
type Type string

const (
	TypeStart               Type = "start"
	TypeActivity            Type = "activity"
	TypeToolStart           Type = "tool_start"
	TypeToolEnd             Type = "tool_end"
	TypeToolError           Type = "tool_error"
	TypeDraftStreamStarted  Type = "draft_stream_started"
	TypeDraftChunk          Type = "draft_chunk"
	TypeDraftStreamFinished Type = "draft_stream_finished"
	TypeFinal               Type = "final"
	TypeError               Type = "error"
)

// Terminal reports whether t ends a run's event sequence.
func (t Type) Terminal() bool {
	return t == TypeFinal || t == TypeError
}

// Event is one item of a run's outward event sequence.
type Event struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(typ Type, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Start announces a run.
func Start(conversationID, threadID string) Event {
	return NewEvent(TypeStart, map[string]any{
		"conversation_id": conversationID,
		"thread_id":       threadID,
	})
}

// Activity carries one human-readable progress line.
func Activity(message string) Event {
	return NewEvent(TypeActivity, map[string]any{
		"message": message,
	})
}

// ToolStart is emitted before a capability call.
func ToolStart(name, callID string, args map[string]any) Event {
	return NewEvent(TypeToolStart, map[string]any{
		"name":      name,
		"call_id":   callID,
		"arguments": args,
	})
}

// ToolEnd is emitted when a capability call succeeds.
func ToolEnd(name, callID, result string) Event {
	return NewEvent(TypeToolEnd, map[string]any{
		"name":    name,
		"call_id": callID,
		"result":  result,
	})
}

// ToolError is emitted when a capability call fails or is unknown.
func ToolError(name, callID string, err error) Event {
	return NewEvent(TypeToolError, map[string]any{
		"name":    name,
		"call_id": callID,
		"error":   err.Error(),
	})
}

func DraftStreamStarted() Event {
	return NewEvent(TypeDraftStreamStarted, nil)
}

func DraftChunk(text string) Event {
	return NewEvent(TypeDraftChunk, map[string]any{
		"text": text,
	})
}

// DraftStreamFinished carries the full accumulated draft.
func DraftStreamFinished(text string) Event {
	return NewEvent(TypeDraftStreamFinished, map[string]any{
		"text": text,
	})
}

// Final is the terminal success event.
func Final(conversationID, draft string, activityLog []string) Event {
	return NewEvent(TypeFinal, map[string]any{
		"conversation_id": conversationID,
		"draft":           draft,
		"activity_log":    activityLog,
	})
}

// Error is the terminal failure event. code is a stable machine-readable
// classification of err.
func Error(err error, code string) Event {
	return NewEvent(TypeError, map[string]any{
		"message": err.Error(),
		"code":    code,
	})
}

// Text returns the string stored under key, or "".
func (e Event) Text(key string) string {
	s, _ := e.Data[key].(string)
	return s
}
