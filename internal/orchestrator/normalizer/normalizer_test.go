// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assistantEntry(index int, text string) *Entry {
	return &Entry{Kind: KindAssistantMessage, Index: index, Timestamp: time.Now(), Text: text}
}

func toolEntry(index int, name, status string, args string) *Entry {
	return &Entry{
		Kind:  KindToolUse,
		Index: index,
		Tool:  &ToolInfo{Name: name, Status: status, Args: json.RawMessage(args), Result: "done"},
	}
}

func TestParserReassemblesSplitLines(t *testing.T) {
	p := NewParser()

	entries := p.Write([]byte(`{"type":"assistant_message","index":0,"te`))
	assert.Empty(t, entries)

	entries = p.Write([]byte("xt\":\"hello\"}\n{\"type\":\"thinking\",\"index\":1,\"reasoning\":\"hmm\"}\n"))
	require.Len(t, entries, 2)
	assert.Equal(t, KindAssistantMessage, entries[0].Kind)
	assert.Equal(t, "hello", entries[0].Text)
	assert.Equal(t, KindThinking, entries[1].Kind)
	assert.Equal(t, "hmm", entries[1].Reasoning)
}

func TestParserDropsMalformedLines(t *testing.T) {
	p := NewParser()
	entries := p.Write([]byte("not json at all\n{\"type\":\"user_message\",\"index\":0,\"text\":\"hi\"}\n{\"type\":\"mystery\"}\n"))
	require.Len(t, entries, 1)
	assert.Equal(t, KindUserMessage, entries[0].Kind)
}

func TestParserFlushParsesTrailingLine(t *testing.T) {
	p := NewParser()
	require.Empty(t, p.Write([]byte(`{"type":"assistant_message","index":0,"text":"tail"}`)))
	entries := p.Flush()
	require.Len(t, entries, 1)
	assert.Equal(t, "tail", entries[0].Text)
}

func TestExactRepeatsAreDropped(t *testing.T) {
	n := New()
	first := n.Process(assistantEntry(0, "hello world"))
	require.Len(t, first, 1)

	repeat := n.Process(assistantEntry(0, "hello world"))
	assert.Empty(t, repeat)
}

func TestSmallPrefixAdditionsAreHeldBack(t *testing.T) {
	n := New()
	base := strings.Repeat("a", 100)
	require.Len(t, n.Process(assistantEntry(0, base)), 1)

	// 10 added chars on a 100-char message: below the 50-char threshold.
	assert.Empty(t, n.Process(assistantEntry(0, base+strings.Repeat("b", 10))))

	// 60 added chars crosses it.
	updates := n.Process(assistantEntry(0, base+strings.Repeat("b", 60)))
	require.Len(t, updates, 1)
	assert.Equal(t, base+strings.Repeat("b", 60), updates[0].Content)
}

func TestPrefixThresholdGrowsForLongMessages(t *testing.T) {
	n := New()
	long := strings.Repeat("x", 300)
	require.Len(t, n.Process(assistantEntry(0, long)), 1)

	// 60 additional chars is enough for short messages but not once the
	// emitted content passes 200 chars.
	assert.Empty(t, n.Process(assistantEntry(0, long+strings.Repeat("y", 60))))

	updates := n.Process(assistantEntry(0, long+strings.Repeat("y", 120)))
	require.Len(t, updates, 1)
}

func TestCumulativeUpdatesKeepMessageID(t *testing.T) {
	n := New()
	first := n.Process(assistantEntry(0, strings.Repeat("a", 80)))
	require.Len(t, first, 1)

	grown := n.Process(assistantEntry(0, strings.Repeat("a", 80)+strings.Repeat("b", 80)))
	require.Len(t, grown, 1)
	assert.Equal(t, first[0].MessageID, grown[0].MessageID)

	// Divergent content starts a fresh logical message.
	diverged := n.Process(assistantEntry(0, "completely different text"))
	require.Len(t, diverged, 1)
	assert.NotEqual(t, first[0].MessageID, diverged[0].MessageID)
}

func TestFlushEmitsFinalWithheldContent(t *testing.T) {
	n := New()
	base := strings.Repeat("a", 100)
	require.Len(t, n.Process(assistantEntry(0, base)), 1)
	require.Empty(t, n.Process(assistantEntry(0, base+" fin.")))

	final := n.Flush()
	require.Len(t, final, 1)
	assert.Equal(t, base+" fin.", final[0].Content)
	assert.Equal(t, UpdateAgentMessageComplete, final[0].Type)

	// Nothing left to flush on the second call.
	assert.Empty(t, n.Flush())
}

func TestToolCallsOnlyEmitOnTerminalStatus(t *testing.T) {
	n := New()
	assert.Empty(t, n.Process(toolEntry(0, "bash", "pending", `{"cmd":"ls"}`)))
	assert.Empty(t, n.Process(toolEntry(1, "bash", "running", `{"cmd":"ls"}`)))

	updates := n.Process(toolEntry(2, "bash", "success", `{"cmd":"ls"}`))
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateToolCallComplete, updates[0].Type)
	assert.Equal(t, ToolStatusCompleted, updates[0].Status)
	assert.NotEmpty(t, updates[0].ToolCallID)
}

func TestNoDuplicateToolCallCompletePerTuple(t *testing.T) {
	n := New()
	first := n.Process(toolEntry(0, "edit", "success", `{"file":"a.go"}`))
	require.Len(t, first, 1)

	// Same (toolName, args) tuple again, even at a different index and with
	// different whitespace in the args.
	again := n.Process(toolEntry(5, "edit", "success", `{ "file" : "a.go" }`))
	assert.Empty(t, again)

	// Different args is a different logical call.
	other := n.Process(toolEntry(6, "edit", "success", `{"file":"b.go"}`))
	require.Len(t, other, 1)
	assert.NotEqual(t, first[0].ToolCallID, other[0].ToolCallID)
}

func TestKindMapping(t *testing.T) {
	n := New()

	sys := n.Process(&Entry{Kind: KindSystemMessage, Index: 0, Text: "booted"})
	require.Len(t, sys, 1)
	assert.Equal(t, UpdateAgentMessageComplete, sys[0].Type)
	assert.Equal(t, "[System] booted", sys[0].Content)

	usr := n.Process(&Entry{Kind: KindUserMessage, Index: 1, Text: "do the thing"})
	require.Len(t, usr, 1)
	assert.Equal(t, UpdateUserMessageComplete, usr[0].Type)

	errUpd := n.Process(&Entry{Kind: KindError, Index: 2, Error: &ErrorInfo{Code: "E42", Message: "exploded"}})
	require.Len(t, errUpd, 1)
	assert.Equal(t, UpdateToolCallComplete, errUpd[0].Type)
	assert.Equal(t, ToolStatusFailed, errUpd[0].Status)
	assert.NotEmpty(t, errUpd[0].ToolCallID)
	assert.Equal(t, "exploded", errUpd[0].Content)

	thought := n.Process(&Entry{Kind: KindThinking, Index: 3, Reasoning: "pondering"})
	require.Len(t, thought, 1)
	assert.Equal(t, UpdateAgentThoughtComplete, thought[0].Type)
}

func TestConvergedTranscriptEndsWithFullText(t *testing.T) {
	// Simulate keystroke-level cumulative replaces and verify the final
	// emitted content equals the final assistant text.
	n := New()
	final := "The quick brown fox jumps over the lazy dog, then writes a detailed report about it."

	var lastContent string
	for i := 1; i <= len(final); i += 3 {
		for _, u := range n.Process(assistantEntry(0, final[:i])) {
			lastContent = u.Content
		}
	}
	for _, u := range n.Process(assistantEntry(0, final)) {
		lastContent = u.Content
	}
	for _, u := range n.Flush() {
		lastContent = u.Content
	}
	assert.Equal(t, final, lastContent)
}

func TestParserHandlesManyEntriesAcrossChunks(t *testing.T) {
	p := NewParser()
	var stream strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&stream, "{\"type\":\"assistant_message\",\"index\":%d,\"text\":\"msg %d\"}\n", i, i)
	}
	raw := stream.String()

	var got []*Entry
	for start := 0; start < len(raw); start += 7 {
		end := start + 7
		if end > len(raw) {
			end = len(raw)
		}
		got = append(got, p.Write([]byte(raw[start:end]))...)
	}
	got = append(got, p.Flush()...)
	require.Len(t, got, 20)
	assert.Equal(t, "msg 19", got[19].Text)
}
