// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"sync"

	"github.com/loomhq/loom/internal/orchestrator/engine"
	"github.com/loomhq/loom/internal/orchestrator/normalizer"
	"github.com/loomhq/loom/internal/orchestrator/procmgr"
	"github.com/loomhq/loom/internal/protocol"
)

// sessionPipeline normalizes one execution's raw agent output into session
// updates. Parser and normalizer are single-stream; the mutex serializes
// chunks arriving from the process manager's reader goroutines.
type sessionPipeline struct {
	mu     sync.Mutex
	parser *normalizer.Parser
	norm   *normalizer.Normalizer
}

// EventBridge adapts the engine's lifecycle notifications and the executor's
// raw output chunks into protocol events on a single channel consumed by the
// broadcaster. Wire HandleEngineEvent to engine.OnWorkflowEvent and
// HandleChunk to executor.Sink.
type EventBridge struct {
	projectID string
	ch        chan protocol.Event

	mu       sync.Mutex
	sessions map[string]*sessionPipeline
	closed   bool
}

// NewEventBridge creates a bridge tagging every event with projectID.
func NewEventBridge(projectID string) *EventBridge {
	return &EventBridge{
		projectID: projectID,
		ch:        make(chan protocol.Event, 256),
		sessions:  make(map[string]*sessionPipeline),
	}
}

// Events is the channel the broadcaster consumes.
func (b *EventBridge) Events() <-chan protocol.Event {
	return b.ch
}

var workflowTypes = map[engine.EventType]protocol.WorkflowLifecycleType{
	engine.WorkflowStarted:   protocol.WorkflowStarted,
	engine.WorkflowCompleted: protocol.WorkflowCompleted,
	engine.WorkflowFailed:    protocol.WorkflowFailed,
	engine.WorkflowPaused:    protocol.WorkflowPaused,
	engine.WorkflowResumed:   protocol.WorkflowResumed,
	engine.WorkflowCancelled: protocol.WorkflowCancelled,
}

var stepTypes = map[engine.EventType]protocol.StepLifecycleType{
	engine.StepStarted:   protocol.StepStarted,
	engine.StepCompleted: protocol.StepCompleted,
	engine.StepFailed:    protocol.StepFailed,
	engine.StepSkipped:   protocol.StepSkipped,
}

// HandleEngineEvent converts one engine notification into a protocol event.
// Must not block; a full channel drops the event.
func (b *EventBridge) HandleEngineEvent(ev engine.Event) {
	if t, ok := workflowTypes[ev.Type]; ok {
		b.publish(protocol.WorkflowLifecycleEvent{
			Metadata:  protocol.Metadata{WorkflowID: ev.WorkflowID, Version: protocol.CurrentProtocolVersion},
			Type:      t,
			ProjectID: b.projectID,
			Error:     ev.Error,
		})
		return
	}
	if t, ok := stepTypes[ev.Type]; ok {
		// The execution's output stream ends with its step. Flush the
		// pipeline first so trailing updates precede the lifecycle event.
		if ev.ExecutionID != "" && (t == protocol.StepCompleted || t == protocol.StepFailed) {
			b.FinishExecution(ev.ExecutionID)
		}
		b.publish(protocol.StepLifecycleEvent{
			Metadata:    protocol.Metadata{WorkflowID: ev.WorkflowID, Version: protocol.CurrentProtocolVersion},
			Type:        t,
			ProjectID:   b.projectID,
			StepID:      ev.StepID,
			IssueID:     ev.IssueID,
			ExecutionID: ev.ExecutionID,
			Error:       ev.Error,
		})
		return
	}
	getLog().Warn().Str("type", string(ev.Type)).Msg("Unmapped engine event type")
}

// HandleChunk feeds one raw output chunk through the execution's normalizer
// pipeline and publishes the resulting session updates. Satisfies
// executor.ChunkSink.
func (b *EventBridge) HandleChunk(executionID string, chunk procmgr.Chunk) {
	if chunk.Stream != procmgr.StreamStdout {
		return
	}

	p := b.pipeline(executionID)
	if p == nil {
		return
	}

	p.mu.Lock()
	var updates []normalizer.SessionUpdate
	for _, entry := range p.parser.Write(chunk.Data) {
		updates = append(updates, p.norm.Process(entry)...)
	}
	p.mu.Unlock()

	b.publishUpdates(executionID, updates)
}

// FinishExecution flushes and drops the execution's pipeline. Idempotent.
func (b *EventBridge) FinishExecution(executionID string) {
	b.mu.Lock()
	p := b.sessions[executionID]
	delete(b.sessions, executionID)
	b.mu.Unlock()
	if p == nil {
		return
	}

	p.mu.Lock()
	var updates []normalizer.SessionUpdate
	for _, entry := range p.parser.Flush() {
		updates = append(updates, p.norm.Process(entry)...)
	}
	updates = append(updates, p.norm.Flush()...)
	p.mu.Unlock()

	b.publishUpdates(executionID, updates)
}

// Close flushes every live pipeline and closes the event channel.
func (b *EventBridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.FinishExecution(id)
	}

	b.mu.Lock()
	b.closed = true
	close(b.ch)
	b.mu.Unlock()
}

func (b *EventBridge) pipeline(executionID string) *sessionPipeline {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	p := b.sessions[executionID]
	if p == nil {
		p = &sessionPipeline{
			parser: normalizer.NewParser(),
			norm:   normalizer.New(),
		}
		b.sessions[executionID] = p
	}
	return p
}

func (b *EventBridge) publishUpdates(executionID string, updates []normalizer.SessionUpdate) {
	for i := range updates {
		update := updates[i]
		b.publish(protocol.SessionUpdateEvent{
			Metadata:    protocol.Metadata{Version: protocol.CurrentProtocolVersion},
			ProjectID:   b.projectID,
			ExecutionID: executionID,
			Update:      &update,
		})
	}
}

// publish sends under the bridge mutex so a concurrent Close cannot close
// the channel mid-send.
func (b *EventBridge) publish(event protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- event:
	default:
		getLog().Warn().Msg("Event bridge channel full, dropping event")
	}
}
