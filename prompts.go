package draftkit

import (
	"fmt"
	"strings"

	"github.com/darkostanimirovic/draftkit/providers"
)

const reasoningInstructions = `You help the user write a reply to an email thread.
Decide whether you need more context before the reply can be drafted. You can
search the user's mail, check their calendar, or look up internal knowledge.
Request only the lookups that are needed, all at once when they are
independent. When you have enough context, answer without calling any tool.`

const draftInstructions = `You write email replies on behalf of the user.
Write only the body of the reply, in the user's voice, matching the tone of the
thread. Use the gathered context where it is relevant and never invent facts,
dates or commitments that are not supported by it.`

// contextSections renders the summaries gathered so far, skipping empty ones.
func contextSections(s AgentState) string {
	sections := []struct{ title, body string }{
		{"Thread", s.ThreadSummary},
		{"Recipients", s.RecipientSummary},
		{"Related mail", s.SearchSummary},
		{"Calendar", s.CalendarSummary},
		{"Internal knowledge", s.KnowledgeSummary},
	}
	var b strings.Builder
	for _, sec := range sections {
		if strings.TrimSpace(sec.body) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n## %s\n%s", sec.title, sec.body)
	}
	return b.String()
}

func dialogueSection(history []DialogueEntry) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n## Earlier in this conversation")
	for _, e := range history {
		switch e.Kind {
		case KindPrompt:
			fmt.Fprintf(&b, "\nUser asked: %s", e.Content)
		case KindDraft:
			fmt.Fprintf(&b, "\nYou drafted:\n%s", e.Content)
		}
	}
	return b.String()
}

func reasoningPrompt(s AgentState) string {
	return reasoningInstructions + contextSections(s) + dialogueSection(s.DialogueHistory)
}

// draftMessages builds the generation input: the earlier (prompt, draft)
// pairs as turns, followed by the latest instruction.
func draftMessages(s AgentState) (string, []providers.Message) {
	system := draftInstructions + contextSections(s)
	msgs := make([]providers.Message, 0, len(s.DialogueHistory)+1)
	for _, e := range s.DialogueHistory {
		msgs = append(msgs, providers.Message{Role: e.Role, Content: e.Content})
	}
	instruction := s.LatestUserPrompt
	if strings.TrimSpace(instruction) == "" {
		instruction = "Draft a reply to the latest message in the thread."
	}
	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: instruction})
	return system, msgs
}

// requestMessages drops tool calls that did not receive every result,
// together with their partial results. This happens when a run was
// interrupted between reasoning and tool execution and then resumed.
func requestMessages(msgs []providers.Message) []providers.Message {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == providers.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	dropped := make(map[string]bool)
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == providers.RoleTool && dropped[m.ToolCallID]:
			continue
		case m.Role == providers.RoleAssistant && len(m.ToolCalls) > 0:
			complete := true
			for _, c := range m.ToolCalls {
				complete = complete && answered[c.ID]
			}
			if !complete {
				for _, c := range m.ToolCalls {
					dropped[c.ID] = true
				}
				m.ToolCalls = nil
				if m.Content == "" {
					continue
				}
			}
		}
		out = append(out, m)
	}
	return out
}
