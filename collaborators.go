package draftkit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Thread provider failures. Either one aborts a run with ErrContextUnavailable.
var (
	ErrThreadNotFound = errors.New("draftkit: thread not found")
	ErrAuthExpired    = errors.New("draftkit: mail account authorization expired")
)

// ThreadMessage is one message of a mail thread.
type ThreadMessage struct {
	ID      string    `json:"id" yaml:"id"`
	From    string    `json:"from" yaml:"from"`
	To      []string  `json:"to" yaml:"to"`
	Cc      []string  `json:"cc,omitempty" yaml:"cc"`
	Subject string    `json:"subject" yaml:"subject"`
	Date    time.Time `json:"date" yaml:"date"`
	Body    string    `json:"body" yaml:"body"`
}

// ThreadData is the thread a draft replies to.
type ThreadData struct {
	ID        string          `json:"id" yaml:"id"`
	AccountID string          `json:"account_id" yaml:"account_id"`
	Subject   string          `json:"subject" yaml:"subject"`
	Messages  []ThreadMessage `json:"messages" yaml:"messages"`
}

// ThreadProvider fetches mail threads.
type ThreadProvider interface {
	GetThread(ctx context.Context, userID, threadID string) (*ThreadData, error)
}

// ThreadSummarizer condenses a thread into the context the model sees.
type ThreadSummarizer func(ThreadData) string

// RecipientSummarizer describes who the draft is addressed to.
type RecipientSummarizer func(ThreadData) string

// MailSearcher backs the search_related_mail capability.
type MailSearcher interface {
	ListMessages(ctx context.Context, userID, query string, max int) ([]string, error)
	GetMessagesBulk(ctx context.Context, userID string, ids []string) ([]ThreadMessage, error)
}

// TimeWindow bounds a calendar lookup.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// CalendarBackend backs the calendar_lookup capability.
type CalendarBackend interface {
	Availability(ctx context.Context, userID string, window TimeWindow) (string, error)
}

// KnowledgeBase backs the knowledge_lookup capability.
type KnowledgeBase interface {
	Lookup(ctx context.Context, accountID, query string) (string, error)
}

const snippetLength = 280

// SummarizeThread is the default ThreadSummarizer: subject plus one line per
// message, oldest first.
func SummarizeThread(t ThreadData) string {
	var b strings.Builder
	if t.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", t.Subject)
	}
	for _, m := range t.Messages {
		fmt.Fprintf(&b, "- %s", m.From)
		if !m.Date.IsZero() {
			fmt.Fprintf(&b, " (%s)", m.Date.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(&b, ": %s\n", snippet(m.Body))
	}
	return strings.TrimSpace(b.String())
}

// BuildRecipientSummary is the default RecipientSummarizer. The draft
// replies to the sender of the latest message and copies everyone else who
// took part.
func BuildRecipientSummary(t ThreadData) string {
	if len(t.Messages) == 0 {
		return ""
	}
	last := t.Messages[len(t.Messages)-1]
	others := map[string]struct{}{}
	for _, m := range t.Messages {
		for _, addr := range append(append([]string{m.From}, m.To...), m.Cc...) {
			if addr != "" && addr != last.From {
				others[addr] = struct{}{}
			}
		}
	}
	cc := make([]string, 0, len(others))
	for addr := range others {
		cc = append(cc, addr)
	}
	sort.Strings(cc)

	summary := "Reply to: " + last.From
	if len(cc) > 0 {
		summary += "\nOthers on thread: " + strings.Join(cc, ", ")
	}
	return summary
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if len(body) <= snippetLength {
		return body
	}
	cut := snippetLength
	for cut > 0 && !isRuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
