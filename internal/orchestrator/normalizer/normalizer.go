// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package normalizer

import (
	"encoding/json"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UpdateType tags the session-update union delivered to subscribers.
type UpdateType string

const (
	UpdateAgentMessageComplete UpdateType = "agent_message_complete"
	UpdateAgentThoughtComplete UpdateType = "agent_thought_complete"
	UpdateToolCallComplete     UpdateType = "tool_call_complete"
	UpdateUserMessageComplete  UpdateType = "user_message_complete"
)

// Tool call statuses surfaced on tool_call_complete updates.
const (
	ToolStatusWorking    = "working"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
	ToolStatusIncomplete = "incomplete"
)

// SessionUpdate is one completion-style event fed to subscribers.
type SessionUpdate struct {
	Type       UpdateType `json:"type"`
	MessageID  string     `json:"message_id,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Status     string     `json:"status,omitempty"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
}

type entryKey struct {
	index int
	kind  EntryKind
}

// messageState tracks one streaming message so cumulative replaces reuse a
// stable message id.
type messageState struct {
	messageID   string
	lastEmitted string // content of the last update actually sent
	pending     string // newest content seen, possibly withheld by the threshold
}

// Normalizer reduces a stream of entries into session updates, deduplicating
// cumulative "replace" patches along the way. Not safe for concurrent use;
// each execution gets its own instance.
type Normalizer struct {
	emittedHash map[entryKey]uint64
	messages    map[entryKey]*messageState
	toolCallIDs map[string]string // (toolName, stringified args) -> id
	emittedTool map[string]bool   // toolCallId -> terminal update already sent
}

// New creates a normalizer with empty state.
func New() *Normalizer {
	return &Normalizer{
		emittedHash: make(map[entryKey]uint64),
		messages:    make(map[entryKey]*messageState),
		toolCallIDs: make(map[string]string),
		emittedTool: make(map[string]bool),
	}
}

func contentHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// prefixSkipThreshold returns how many added characters a cumulative update
// must carry before it is worth re-emitting.
func prefixSkipThreshold(lastLen int) int {
	if lastLen < 200 {
		return 50
	}
	return 100
}

// Process consumes one entry and returns zero or more session updates.
func (n *Normalizer) Process(e *Entry) []SessionUpdate {
	key := entryKey{index: e.Index, kind: e.Kind}
	content := e.Content()

	// Rule 1: exact repeats per (index, kind) are dropped.
	h := contentHash(content)
	if prev, ok := n.emittedHash[key]; ok && prev == h {
		return nil
	}

	switch e.Kind {
	case KindAssistantMessage:
		return n.processCumulative(key, h, content, e.Timestamp, UpdateAgentMessageComplete, "")
	case KindThinking:
		return n.processCumulative(key, h, content, e.Timestamp, UpdateAgentThoughtComplete, "")
	case KindSystemMessage:
		return n.processCumulative(key, h, content, e.Timestamp, UpdateAgentMessageComplete, "[System] ")
	case KindUserMessage:
		n.emittedHash[key] = h
		return []SessionUpdate{{
			Type:      UpdateUserMessageComplete,
			Content:   content,
			Timestamp: e.Timestamp,
		}}
	case KindToolUse:
		return n.processToolUse(key, h, e)
	case KindError:
		n.emittedHash[key] = h
		return []SessionUpdate{{
			Type:       UpdateToolCallComplete,
			ToolCallID: uuid.NewString(),
			Status:     ToolStatusFailed,
			Content:    content,
			Timestamp:  e.Timestamp,
		}}
	}
	return nil
}

// processCumulative handles streaming text kinds: prefix-extension skipping
// and stable message ids across cumulative replaces.
func (n *Normalizer) processCumulative(key entryKey, h uint64, content string, ts time.Time, ut UpdateType, prefix string) []SessionUpdate {
	state, ok := n.messages[key]
	if !ok {
		state = &messageState{messageID: uuid.NewString()}
		n.messages[key] = state
	}

	switch {
	case strings.HasPrefix(content, state.pending) || strings.HasPrefix(state.pending, content):
		// Same streaming message, possibly grown.
	default:
		// Diverged: a fresh logical message starts under a new id.
		state.messageID = uuid.NewString()
		state.lastEmitted = ""
	}
	state.pending = content

	// Rule 2: small additions on top of the last emitted content are held
	// back until they cross the threshold.
	if strings.HasPrefix(content, state.lastEmitted) {
		added := len(content) - len(state.lastEmitted)
		if added < prefixSkipThreshold(len(state.lastEmitted)) && state.lastEmitted != "" {
			return nil
		}
	}

	state.lastEmitted = content
	n.emittedHash[key] = h
	return []SessionUpdate{{
		Type:      ut,
		MessageID: state.messageID,
		Content:   prefix + content,
		Timestamp: ts,
	}}
}

// processToolUse emits tool_call_complete only on terminal statuses, with a
// stable id per (toolName, args) tuple.
func (n *Normalizer) processToolUse(key entryKey, h uint64, e *Entry) []SessionUpdate {
	n.emittedHash[key] = h
	if e.Tool == nil {
		return nil
	}

	callKey := e.Tool.Name + "\x00" + stringifyArgs(e.Tool.Args)
	callID, ok := n.toolCallIDs[callKey]
	if !ok {
		callID = uuid.NewString()
		n.toolCallIDs[callKey] = callID
	}

	var status string
	switch e.Tool.Status {
	case "success":
		status = ToolStatusCompleted
	case "failed":
		status = ToolStatusFailed
	default:
		// Non-terminal; nothing to emit yet.
		return nil
	}

	if n.emittedTool[callID] {
		return nil
	}
	n.emittedTool[callID] = true

	return []SessionUpdate{{
		Type:       UpdateToolCallComplete,
		ToolCallID: callID,
		ToolName:   e.Tool.Name,
		Status:     status,
		Content:    e.Tool.Result,
		Timestamp:  e.Timestamp,
	}}
}

// Flush emits the final content of any streaming message whose last addition
// was withheld by the prefix threshold, so converged transcripts always end
// with the complete text.
func (n *Normalizer) Flush() []SessionUpdate {
	var updates []SessionUpdate
	for key, state := range n.messages {
		if state.pending == "" || state.pending == state.lastEmitted {
			continue
		}
		ut := UpdateAgentMessageComplete
		prefix := ""
		switch key.kind {
		case KindThinking:
			ut = UpdateAgentThoughtComplete
		case KindSystemMessage:
			prefix = "[System] "
		}
		state.lastEmitted = state.pending
		n.emittedHash[key] = contentHash(state.pending)
		updates = append(updates, SessionUpdate{
			Type:      ut,
			MessageID: state.messageID,
			Content:   prefix + state.pending,
			Timestamp: time.Now(),
		})
	}
	return updates
}

// stringifyArgs renders tool args compactly so equal argument objects map to
// the same key regardless of whitespace.
func stringifyArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return string(args)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(args)
	}
	return string(out)
}
