package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/darkostanimirovic/draftkit/stream"
)

// printer renders run events for a terminal. Draft chunks are written as
// they arrive; everything else gets its own line.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	inDraft bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) Send(ev stream.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case stream.TypeStart:
		fmt.Fprintf(p.w, "conversation %s\n", ev.Text("conversation_id"))
	case stream.TypeActivity:
		fmt.Fprintf(p.w, "  · %s\n", ev.Text("message"))
	case stream.TypeToolStart:
		fmt.Fprintf(p.w, "  → %s%s\n", ev.Text("name"), formatArgs(ev.Data["arguments"]))
	case stream.TypeToolEnd:
		fmt.Fprintf(p.w, "  ✓ %s\n", ev.Text("name"))
	case stream.TypeToolError:
		fmt.Fprintf(p.w, "  ✗ %s: %s\n", ev.Text("name"), ev.Text("error"))
	case stream.TypeDraftStreamStarted:
		p.inDraft = true
		fmt.Fprintln(p.w)
	case stream.TypeDraftChunk:
		fmt.Fprint(p.w, ev.Text("text"))
	case stream.TypeDraftStreamFinished:
		p.inDraft = false
		fmt.Fprint(p.w, "\n\n")
	case stream.TypeFinal:
		fmt.Fprintln(p.w, "done")
	case stream.TypeError:
		if p.inDraft {
			fmt.Fprintln(p.w)
			p.inDraft = false
		}
		fmt.Fprintf(p.w, "failed [%s]: %s\n", ev.Text("code"), ev.Text("message"))
	}
}

func formatArgs(v any) string {
	args, ok := v.(map[string]any)
	if !ok || len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if args[k] == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
