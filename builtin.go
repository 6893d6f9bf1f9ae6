package draftkit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Built-in capability names.
const (
	CapabilitySearchMail = "search_related_mail"
	CapabilityCalendar   = "calendar_lookup"
	CapabilityKnowledge  = "knowledge_lookup"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 20
)

// SearchMailCapability searches the user's mailbox for messages related to
// the thread and records a searchSummary.
func SearchMailCapability(searcher MailSearcher) (*Capability, error) {
	return NewCapability(CapabilitySearchMail).
		WithLabel("Mail search").
		WithDescription("Search the user's mailbox for earlier messages relevant to this reply.").
		WithParameter("query", String().Required().WithDescription("Mail search query, e.g. sender, subject keywords or topic.")).
		WithParameter("max_results", Integer().WithDescription("How many messages to return (1-20, default 5).")).
		WithHandler(func(ctx context.Context, args map[string]any, state AgentState) (CapabilityResult, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return CapabilityResult{}, fmt.Errorf("query is empty")
			}
			limit := defaultSearchResults
			if n, ok := args["max_results"].(float64); ok && n > 0 {
				limit = min(int(n), maxSearchResults)
			}

			ids, err := searcher.ListMessages(ctx, state.UserID, query, limit)
			if err != nil {
				return CapabilityResult{}, fmt.Errorf("list messages: %w", err)
			}
			if len(ids) == 0 {
				text := fmt.Sprintf("No related messages found for %q.", query)
				return CapabilityResult{Text: text, Update: AgentUpdate{SearchSummary: &text}}, nil
			}
			msgs, err := searcher.GetMessagesBulk(ctx, state.UserID, ids)
			if err != nil {
				return CapabilityResult{}, fmt.Errorf("fetch messages: %w", err)
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Found %d related messages for %q:", len(msgs), query)
			for _, m := range msgs {
				fmt.Fprintf(&b, "\n- %s", m.From)
				if !m.Date.IsZero() {
					fmt.Fprintf(&b, " on %s", m.Date.UTC().Format("2006-01-02"))
				}
				if m.Subject != "" {
					fmt.Fprintf(&b, " [%s]", m.Subject)
				}
				fmt.Fprintf(&b, ": %s", snippet(m.Body))
			}
			text := b.String()
			return CapabilityResult{Text: text, Update: AgentUpdate{SearchSummary: &text}}, nil
		}).
		Build()
}

type calendarArgs struct {
	Start string `json:"start" required:"true" desc:"Start of the window, RFC 3339 or YYYY-MM-DD."`
	End   string `json:"end" desc:"End of the window, RFC 3339 or YYYY-MM-DD. Defaults to one day after start."`
}

// CalendarCapability looks up the user's availability and records a
// calendarSummary.
func CalendarCapability(backend CalendarBackend) (*Capability, error) {
	builder, err := NewStructCapability(CapabilityCalendar, func(ctx context.Context, args calendarArgs, state AgentState) (CapabilityResult, error) {
		window, err := parseWindow(args.Start, args.End)
		if err != nil {
			return CapabilityResult{}, err
		}
		summary, err := backend.Availability(ctx, state.UserID, window)
		if err != nil {
			return CapabilityResult{}, fmt.Errorf("availability: %w", err)
		}
		return CapabilityResult{Text: summary, Update: AgentUpdate{CalendarSummary: &summary}}, nil
	})
	if err != nil {
		return nil, err
	}
	return builder.
		WithLabel("Calendar lookup").
		WithDescription("Look up the user's calendar availability in a time window, for proposing or confirming meeting times.").
		Build()
}

func parseWindow(start, end string) (TimeWindow, error) {
	from, err := parseTime(start)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("start: %w", err)
	}
	to := from.Add(24 * time.Hour)
	if end != "" {
		if to, err = parseTime(end); err != nil {
			return TimeWindow{}, fmt.Errorf("end: %w", err)
		}
	}
	if !to.After(from) {
		return TimeWindow{}, fmt.Errorf("end %s is not after start %s", end, start)
	}
	return TimeWindow{Start: from, End: to}, nil
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, value)
}

// KnowledgeCapability queries the account's internal knowledge base and
// records a knowledgeSummary.
func KnowledgeCapability(kb KnowledgeBase) (*Capability, error) {
	return NewCapability(CapabilityKnowledge).
		WithLabel("Knowledge lookup").
		WithDescription("Look up internal knowledge (policies, product facts, pricing) relevant to the reply.").
		WithParameter("query", String().Required().WithDescription("What to look up.")).
		WithHandler(func(ctx context.Context, args map[string]any, state AgentState) (CapabilityResult, error) {
			query, _ := args["query"].(string)
			answer, err := kb.Lookup(ctx, state.AccountID, query)
			if err != nil {
				return CapabilityResult{}, fmt.Errorf("lookup: %w", err)
			}
			return CapabilityResult{Text: answer, Update: AgentUpdate{KnowledgeSummary: &answer}}, nil
		}).
		Build()
}
