// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"testing"
	"time"

	"github.com/loomhq/loom/internal/orchestrator/engine"
	"github.com/loomhq/loom/internal/orchestrator/procmgr"
	"github.com/loomhq/loom/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainOne(t *testing.T, ch <-chan protocol.Event) protocol.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func TestBridgeWorkflowLifecycleMapping(t *testing.T) {
	b := NewEventBridge("proj-1")

	b.HandleEngineEvent(engine.Event{Type: engine.WorkflowFailed, WorkflowID: "wf-1", Error: "boom"})

	ev := drainOne(t, b.Events())
	wle, ok := ev.(protocol.WorkflowLifecycleEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.WorkflowFailed, wle.Type)
	assert.Equal(t, "wf-1", wle.GetWorkflowID())
	assert.Equal(t, "proj-1", wle.ProjectID)
	assert.Equal(t, "boom", wle.Error)
}

func TestBridgeStepLifecycleMapping(t *testing.T) {
	b := NewEventBridge("proj-1")

	b.HandleEngineEvent(engine.Event{
		Type:        engine.StepStarted,
		WorkflowID:  "wf-1",
		StepID:      "step-2",
		IssueID:     "i-7",
		ExecutionID: "exec-1",
	})

	ev := drainOne(t, b.Events())
	sle, ok := ev.(protocol.StepLifecycleEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.StepStarted, sle.Type)
	assert.Equal(t, "step-2", sle.StepID)
	assert.Equal(t, "i-7", sle.IssueID)
	assert.Equal(t, "exec-1", sle.ExecutionID)
}

func TestBridgeNormalizesChunksIntoSessionUpdates(t *testing.T) {
	b := NewEventBridge("proj-1")

	line := []byte(`{"type":"assistant_message","index":0,"text":"Fixing the parser now."}` + "\n")
	b.HandleChunk("exec-1", procmgr.Chunk{Stream: procmgr.StreamStdout, Data: line})
	b.FinishExecution("exec-1")

	ev := drainOne(t, b.Events())
	su, ok := ev.(protocol.SessionUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, "exec-1", su.ExecutionID)
	require.NotNil(t, su.Update)
	assert.Equal(t, "Fixing the parser now.", su.Update.Content)
}

func TestBridgeIgnoresStderr(t *testing.T) {
	b := NewEventBridge("proj-1")

	b.HandleChunk("exec-1", procmgr.Chunk{Stream: procmgr.StreamStderr, Data: []byte("warning: noise\n")})
	b.FinishExecution("exec-1")

	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBridgeStepCompletionFlushesPipeline(t *testing.T) {
	b := NewEventBridge("proj-1")

	// Entry without trailing newline stays buffered until the flush.
	partial := []byte(`{"type":"assistant_message","index":0,"text":"All tests pass."}`)
	b.HandleChunk("exec-1", procmgr.Chunk{Stream: procmgr.StreamStdout, Data: partial})

	b.HandleEngineEvent(engine.Event{
		Type:        engine.StepCompleted,
		WorkflowID:  "wf-1",
		StepID:      "step-1",
		ExecutionID: "exec-1",
	})

	first := drainOne(t, b.Events())
	su, ok := first.(protocol.SessionUpdateEvent)
	require.True(t, ok, "session update must precede the lifecycle event, got %T", first)
	assert.Equal(t, "All tests pass.", su.Update.Content)

	second := drainOne(t, b.Events())
	_, ok = second.(protocol.StepLifecycleEvent)
	assert.True(t, ok)
}

func TestBridgeFinishExecutionIdempotent(t *testing.T) {
	b := NewEventBridge("proj-1")

	line := []byte(`{"type":"assistant_message","index":0,"text":"once"}` + "\n")
	b.HandleChunk("exec-1", procmgr.Chunk{Stream: procmgr.StreamStdout, Data: line})
	b.FinishExecution("exec-1")
	b.FinishExecution("exec-1")

	drainOne(t, b.Events())
	select {
	case ev := <-b.Events():
		t.Fatalf("duplicate event %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBridgeCloseFlushesAndCloses(t *testing.T) {
	b := NewEventBridge("proj-1")

	line := []byte(`{"type":"assistant_message","index":0,"text":"closing"}` + "\n")
	b.HandleChunk("exec-1", procmgr.Chunk{Stream: procmgr.StreamStdout, Data: line})
	b.Close()

	ev := drainOne(t, b.Events())
	_, ok := ev.(protocol.SessionUpdateEvent)
	assert.True(t, ok)

	_, open := <-b.Events()
	assert.False(t, open)

	// Publishing after close is a no-op.
	b.HandleEngineEvent(engine.Event{Type: engine.WorkflowStarted, WorkflowID: "wf-1"})
	b.Close()
}
