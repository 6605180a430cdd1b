// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package normalizer turns an agent's raw stdout stream into deduplicated
// session-update events. Plain-text agents emit cumulative "replace" updates
// where each chunk repeats the prior text plus additions; the normalizer
// collapses those into stable, in-place-updatable events.
package normalizer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/orchestrator/oerr"
)

// EntryKind tags the normalized entry union.
type EntryKind string

const (
	KindAssistantMessage EntryKind = "assistant_message"
	KindThinking         EntryKind = "thinking"
	KindToolUse          EntryKind = "tool_use"
	KindError            EntryKind = "error"
	KindSystemMessage    EntryKind = "system_message"
	KindUserMessage      EntryKind = "user_message"
)

// ToolInfo describes one tool invocation reported by the agent.
type ToolInfo struct {
	Name   string          `json:"name"`
	Action string          `json:"action,omitempty"`
	Status string          `json:"status"` // pending, running, success, failed
	Args   json.RawMessage `json:"args,omitempty"`
	Result string          `json:"result,omitempty"`
}

// ErrorInfo carries an agent-reported error.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Entry is one typed item of agent output.
type Entry struct {
	Kind      EntryKind  `json:"type"`
	Index     int        `json:"index"`
	Timestamp time.Time  `json:"timestamp"`
	Text      string     `json:"text,omitempty"`      // assistant, system, user
	Reasoning string     `json:"reasoning,omitempty"` // thinking
	Tool      *ToolInfo  `json:"tool,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// Content returns the textual payload the dedupe rules operate on.
func (e *Entry) Content() string {
	switch e.Kind {
	case KindThinking:
		return e.Reasoning
	case KindToolUse:
		if e.Tool != nil {
			return e.Tool.Result
		}
		return ""
	case KindError:
		if e.Error != nil {
			return e.Error.Message
		}
		return ""
	default:
		return e.Text
	}
}

// ParseEntry decodes a single JSONL line into an entry.
func ParseEntry(line []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("malformed entry line: %v: %w", err, oerr.ErrParse)
	}
	switch e.Kind {
	case KindAssistantMessage, KindThinking, KindToolUse, KindError, KindSystemMessage, KindUserMessage:
	default:
		return nil, fmt.Errorf("unknown entry type %q: %w", e.Kind, oerr.ErrParse)
	}
	return &e, nil
}
