package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/darkostanimirovic/draftkit/stream"
)

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	for _, ev := range []stream.Event{
		stream.Start("me:thread-1", "thread-1"),
		stream.Activity("Context loaded: 2 messages in thread"),
		stream.ToolStart("calendar_lookup", "call_1", map[string]any{"start": "2026-10-20", "end": nil}),
		stream.ToolEnd("calendar_lookup", "call_1", "Free"),
		stream.ToolError("knowledge_lookup", "call_2", errors.New("offline")),
		stream.DraftStreamStarted(),
		stream.DraftChunk("Sounds "),
		stream.DraftChunk("good."),
		stream.DraftStreamFinished("Sounds good."),
		stream.Final("me:thread-1", "Sounds good.", nil),
	} {
		p.Send(ev)
	}

	assert.Equal(t, "conversation me:thread-1\n"+
		"  · Context loaded: 2 messages in thread\n"+
		"  → calendar_lookup (start=2026-10-20)\n"+
		"  ✓ calendar_lookup\n"+
		"  ✗ knowledge_lookup: offline\n"+
		"\n"+
		"Sounds good.\n\n"+
		"done\n", buf.String())
}

func TestPrinter_ErrorMidDraft(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.Send(stream.DraftStreamStarted())
	p.Send(stream.DraftChunk("Half"))
	p.Send(stream.Error(errors.New("model unavailable"), "internal"))

	assert.Equal(t, "\nHalf\nfailed [internal]: model unavailable\n", buf.String())
}

func TestFormatArgs(t *testing.T) {
	assert.Empty(t, formatArgs(nil))
	assert.Empty(t, formatArgs(map[string]any{"a": nil}))
	assert.Equal(t, " (a=1, b=x)", formatArgs(map[string]any{"b": "x", "a": 1}))
}
