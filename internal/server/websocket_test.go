// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/orchestrator/normalizer"
	"github.com/loomhq/loom/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepEvent(workflowID, executionID, issueID string) protocol.StepLifecycleEvent {
	return protocol.StepLifecycleEvent{
		Metadata:    protocol.Metadata{WorkflowID: workflowID, Version: protocol.CurrentProtocolVersion},
		Type:        protocol.StepStarted,
		ProjectID:   "proj-1",
		StepID:      "step-1",
		IssueID:     issueID,
		ExecutionID: executionID,
	}
}

func sessionEvent(executionID string) protocol.SessionUpdateEvent {
	return protocol.SessionUpdateEvent{
		Metadata:    protocol.Metadata{Version: protocol.CurrentProtocolVersion},
		ProjectID:   "proj-1",
		ExecutionID: executionID,
		Update:      &normalizer.SessionUpdate{Type: normalizer.UpdateAgentMessageComplete, Content: "done"},
	}
}

func clientWith(channels ...Channel) *wsClient {
	return &wsClient{channels: channels}
}

func TestFirehoseClientSkipsSessionUpdates(t *testing.T) {
	c := clientWith()

	assert.True(t, c.matchesAny(stepEvent("wf-1", "exec-1", "i-1")))
	assert.False(t, c.matchesAny(sessionEvent("exec-1")))
}

func TestExecutionChannelReceivesSessionUpdates(t *testing.T) {
	c := clientWith(Channel{Scope: ScopeExecution, ID: "exec-1"})

	assert.True(t, c.matchesAny(sessionEvent("exec-1")))
	assert.False(t, c.matchesAny(sessionEvent("exec-2")))
	assert.True(t, c.matchesAny(stepEvent("wf-1", "exec-1", "i-1")))
}

func TestWorkflowChannelExcludesSessionUpdates(t *testing.T) {
	c := clientWith(Channel{Scope: ScopeWorkflow, ID: "wf-1"})

	assert.True(t, c.matchesAny(stepEvent("wf-1", "exec-1", "i-1")))
	assert.False(t, c.matchesAny(stepEvent("wf-2", "exec-9", "i-9")))
	// Session updates ride the execution channel only.
	assert.False(t, c.matchesAny(sessionEvent("exec-1")))
}

func TestIssueChannelRouting(t *testing.T) {
	c := clientWith(Channel{Scope: ScopeIssue, ID: "i-1"})

	assert.True(t, c.matchesAny(stepEvent("wf-1", "exec-1", "i-1")))
	assert.False(t, c.matchesAny(stepEvent("wf-1", "exec-1", "i-2")))
}

func TestProjectIDMismatchExcludes(t *testing.T) {
	c := clientWith(Channel{ProjectID: "other", Scope: ScopeWorkflow, ID: "wf-1"})

	assert.False(t, c.matchesAny(stepEvent("wf-1", "exec-1", "i-1")))
}

func TestMultipleChannelsDeliverSingleCopy(t *testing.T) {
	registry := NewClientRegistry()
	c := clientWith(
		Channel{Scope: ScopeWorkflow, ID: "wf-1"},
		Channel{Scope: ScopeExecution, ID: "exec-1"},
	)
	c.send = make(chan []byte, 8)
	require.True(t, registry.add(c))

	registry.Broadcast(stepEvent("wf-1", "exec-1", "i-1"))
	assert.Len(t, c.send, 1)
}

func TestSlowClientIsDisconnected(t *testing.T) {
	registry := NewClientRegistry()
	c := clientWith()
	c.send = make(chan []byte, 1)
	require.True(t, registry.add(c))

	registry.Broadcast(stepEvent("wf-1", "exec-1", "i-1"))
	registry.Broadcast(stepEvent("wf-1", "exec-2", "i-2"))

	// The second broadcast found the buffer full and dropped the client.
	registry.mu.RLock()
	_, present := registry.clients[c]
	registry.mu.RUnlock()
	assert.False(t, present)
	assert.Len(t, c.send, 1)
}

func TestRemoveChannel(t *testing.T) {
	channels := []Channel{
		{Scope: ScopeWorkflow, ID: "wf-1"},
		{Scope: ScopeExecution, ID: "exec-1"},
	}
	out := removeChannel(channels, Channel{Scope: ScopeWorkflow, ID: "wf-1"})
	require.Len(t, out, 1)
	assert.Equal(t, ScopeExecution, out[0].Scope)
}

func TestMarshalEventEnvelope(t *testing.T) {
	data, err := marshalEvent(sessionEvent("exec-1"))
	require.NoError(t, err)

	var envelope struct {
		Type string `json:"type"`
		Data struct {
			ExecutionID string                    `json:"execution_id"`
			Update      *normalizer.SessionUpdate `json:"update"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "session_update", envelope.Type)
	assert.Equal(t, "exec-1", envelope.Data.ExecutionID)
	require.NotNil(t, envelope.Data.Update)
	assert.Equal(t, "done", envelope.Data.Update.Content)
}

func TestWebSocketSubscribeRoundTrip(t *testing.T) {
	registry := NewClientRegistry()
	srv := httptest.NewServer(HandleWebSocket(registry, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	sub := wsMessage{Type: "subscribe", Channel: Channel{Scope: ScopeExecution, ID: "exec-1"}}
	require.NoError(t, conn.WriteJSON(sub))

	// Subscription is applied by the read pump; give it a moment.
	require.Eventually(t, func() bool {
		registry.mu.RLock()
		defer registry.mu.RUnlock()
		for c := range registry.clients {
			c.mu.RLock()
			n := len(c.channels)
			c.mu.RUnlock()
			if n == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	registry.Broadcast(sessionEvent("exec-1"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope wsOutMessage
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, "session_update", envelope.Type)
}

func TestUpgraderOriginCheck(t *testing.T) {
	open := newUpgrader(nil)
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "http://anywhere.test")
	assert.True(t, open.CheckOrigin(req))

	restricted := newUpgrader([]string{"http://app.local"})
	assert.False(t, restricted.CheckOrigin(req))
	req.Header.Set("Origin", "http://app.local")
	assert.True(t, restricted.CheckOrigin(req))
}
