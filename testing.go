package draftkit

import (
	"context"
	"fmt"
	"strings"
)

// In-memory collaborators for tests and local runs.

// ThreadFunc adapts a function to ThreadProvider.
type ThreadFunc func(ctx context.Context, userID, threadID string) (*ThreadData, error)

func (f ThreadFunc) GetThread(ctx context.Context, userID, threadID string) (*ThreadData, error) {
	return f(ctx, userID, threadID)
}

// StaticThreads serves threads keyed by thread id.
type StaticThreads map[string]ThreadData

func (s StaticThreads) GetThread(ctx context.Context, _ string, threadID string) (*ThreadData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := s[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if t.ID == "" {
		t.ID = threadID
	}
	return &t, nil
}

// CalendarFunc adapts a function to CalendarBackend.
type CalendarFunc func(ctx context.Context, userID string, window TimeWindow) (string, error)

func (f CalendarFunc) Availability(ctx context.Context, userID string, window TimeWindow) (string, error) {
	return f(ctx, userID, window)
}

// KnowledgeFunc adapts a function to KnowledgeBase.
type KnowledgeFunc func(ctx context.Context, accountID, query string) (string, error)

func (f KnowledgeFunc) Lookup(ctx context.Context, accountID, query string) (string, error) {
	return f(ctx, accountID, query)
}

// StaticMailbox is a MailSearcher over a fixed set of messages. A message
// matches when every query term appears in its sender, subject or body.
type StaticMailbox []ThreadMessage

func (m StaticMailbox) ListMessages(ctx context.Context, _ string, query string, max int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	var ids []string
	for _, msg := range m {
		if max > 0 && len(ids) >= max {
			break
		}
		haystack := strings.ToLower(msg.From + " " + msg.Subject + " " + msg.Body)
		matched := true
		for _, term := range terms {
			matched = matched && strings.Contains(haystack, term)
		}
		if matched {
			ids = append(ids, msg.ID)
		}
	}
	return ids, nil
}

func (m StaticMailbox) GetMessagesBulk(ctx context.Context, _ string, ids []string) ([]ThreadMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	byID := make(map[string]ThreadMessage, len(m))
	for _, msg := range m {
		byID[msg.ID] = msg
	}
	out := make([]ThreadMessage, 0, len(ids))
	for _, id := range ids {
		if msg, ok := byID[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}
