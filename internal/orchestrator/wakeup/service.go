// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wakeup turns workflow events into orchestrator follow-up runs.
//
// Events recorded for a workflow are debounced within a batch window so a
// burst of step completions produces a single wakeup. A pending await
// (registered by the orchestrator before it goes to sleep) short-circuits
// the debounce: a matching event wakes the workflow immediately. The
// service also arms per-execution timeout watchdogs that cancel runaway
// executions through the task executor.
package wakeup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/logger"
	"github.com/loomhq/loom/internal/orchestrator/database"
	"github.com/loomhq/loom/internal/orchestrator/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetWakeupLogger()
		log = &l
	})
	return log
}

// Launcher starts a follow-up orchestrator execution for a workflow. The
// engine implements this; the returned execution carries the new execution
// and session ids that get written back onto the workflow.
type Launcher interface {
	LaunchOrchestrator(ctx context.Context, workflow *models.Workflow, prompt string) (*models.Execution, error)
}

// Canceller terminates a running execution. Satisfied by the task executor.
type Canceller interface {
	Cancel(executionID string) error
}

// resolvedAwait is a fulfilled await carried into the next wakeup prompt.
type resolvedAwait struct {
	await      *models.PendingAwait
	resolvedBy string // "event" or "timeout"
	eventType  models.WorkflowEventType
}

// Service records workflow events and schedules debounced orchestrator
// wakeups. All public methods are safe for concurrent use.
type Service struct {
	db       *database.GormDB
	launcher Launcher
	cancel   Canceller

	batchWindow time.Duration

	mu        sync.Mutex
	pending   map[string]*time.Timer          // workflowID -> debounce timer
	awaits    map[string]*models.PendingAwait // workflowID -> active await
	awaitTmrs map[string]*time.Timer          // workflowID -> await timeout timer
	resolved  map[string]*resolvedAwait       // workflowID -> resolved, unconsumed await
	watchdogs map[string]*time.Timer          // executionID -> execution timeout
	closed    bool
}

// NewService creates a wakeup service. batchWindow <= 0 falls back to 5s.
func NewService(db *database.GormDB, launcher Launcher, cancel Canceller, batchWindow time.Duration) *Service {
	if batchWindow <= 0 {
		batchWindow = 5 * time.Second
	}
	return &Service{
		db:          db,
		launcher:    launcher,
		cancel:      cancel,
		batchWindow: batchWindow,
		pending:     make(map[string]*time.Timer),
		awaits:      make(map[string]*models.PendingAwait),
		awaitTmrs:   make(map[string]*time.Timer),
		resolved:    make(map[string]*resolvedAwait),
		watchdogs:   make(map[string]*time.Timer),
	}
}

// RecordEvent appends a durable workflow event. A matching pending await
// triggers an immediate wakeup; otherwise the wakeup is debounced so events
// landing within the batch window coalesce into one.
func (s *Service) RecordEvent(ctx context.Context, workflowID string, eventType models.WorkflowEventType, executionID, stepID string, payload map[string]any) error {
	event := &models.WorkflowEvent{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Type:        eventType,
		ExecutionID: executionID,
		StepID:      stepID,
		Payload:     payload,
	}
	if err := s.db.CreateWorkflowEvent(ctx, event); err != nil {
		return fmt.Errorf("record %s event: %w", eventType, err)
	}

	getLog().Debug().
		Str("workflowId", workflowID).
		Str("type", string(eventType)).
		Str("executionId", executionID).
		Msg("Workflow event recorded")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if await, ok := s.awaits[workflowID]; ok && await.Matches(eventType, executionID) {
		s.resolveAwaitLocked(workflowID, "event", eventType)
		s.mu.Unlock()
		go s.wake(workflowID)
		return nil
	}
	s.scheduleLocked(workflowID)
	s.mu.Unlock()
	return nil
}

// RegisterAwait parks the workflow's orchestrator until one of the event
// types arrives (optionally narrowed to specific executions) or the timeout
// elapses. A new registration replaces any prior await for the workflow.
func (s *Service) RegisterAwait(workflowID string, eventTypes []models.WorkflowEventType, executionIDs []string, timeout time.Duration, message string) string {
	await := &models.PendingAwait{
		ID:           uuid.NewString(),
		WorkflowID:   workflowID,
		EventTypes:   eventTypes,
		ExecutionIDs: executionIDs,
		Message:      message,
		CreatedAt:    time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}

	s.dropAwaitLocked(workflowID)
	s.awaits[workflowID] = await

	if timeout > 0 {
		await.Deadline = time.Now().Add(timeout)
		s.awaitTmrs[workflowID] = time.AfterFunc(timeout, func() {
			s.awaitTimedOut(workflowID, await.ID)
		})
	}

	getLog().Debug().
		Str("workflowId", workflowID).
		Str("awaitId", await.ID).
		Dur("timeout", timeout).
		Msg("Await registered")
	return await.ID
}

func (s *Service) awaitTimedOut(workflowID, awaitID string) {
	s.mu.Lock()
	await, ok := s.awaits[workflowID]
	if !ok || await.ID != awaitID || s.closed {
		s.mu.Unlock()
		return
	}
	s.resolveAwaitLocked(workflowID, "timeout", "")
	s.mu.Unlock()

	getLog().Info().Str("workflowId", workflowID).Msg("Await timed out, waking orchestrator")
	s.wake(workflowID)
}

// resolveAwaitLocked moves the active await into the resolved set so the
// next wakeup can fold its context into the prompt. Caller holds s.mu.
func (s *Service) resolveAwaitLocked(workflowID, resolvedBy string, eventType models.WorkflowEventType) {
	await := s.awaits[workflowID]
	if await == nil {
		return
	}
	s.resolved[workflowID] = &resolvedAwait{await: await, resolvedBy: resolvedBy, eventType: eventType}
	s.dropAwaitLocked(workflowID)
}

func (s *Service) dropAwaitLocked(workflowID string) {
	delete(s.awaits, workflowID)
	if t, ok := s.awaitTmrs[workflowID]; ok {
		t.Stop()
		delete(s.awaitTmrs, workflowID)
	}
}

// StartExecutionTimeout arms a watchdog that cancels the execution and
// records a step_failed event when it fires.
func (s *Service) StartExecutionTimeout(executionID, workflowID, stepID string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.watchdogs[executionID]; ok {
		t.Stop()
	}
	s.watchdogs[executionID] = time.AfterFunc(timeout, func() {
		s.executionTimedOut(executionID, workflowID, stepID)
	})
}

// CancelExecutionTimeout disarms the watchdog, normally because the
// execution finished on its own.
func (s *Service) CancelExecutionTimeout(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.watchdogs[executionID]; ok {
		t.Stop()
		delete(s.watchdogs, executionID)
	}
}

func (s *Service) executionTimedOut(executionID, workflowID, stepID string) {
	s.mu.Lock()
	delete(s.watchdogs, executionID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	getLog().Warn().
		Str("executionId", executionID).
		Str("workflowId", workflowID).
		Str("stepId", stepID).
		Msg("Execution timed out, cancelling")

	if err := s.cancel.Cancel(executionID); err != nil {
		getLog().Warn().Err(err).Str("executionId", executionID).Msg("Timeout cancel failed")
	}
	if err := s.RecordEvent(context.Background(), workflowID, models.EventStepFailed, executionID, stepID,
		map[string]any{"reason": "timeout"}); err != nil {
		getLog().Error().Err(err).Str("workflowId", workflowID).Msg("Failed to record timeout event")
	}
}

// ClearWorkflow drops every timer and await held for the workflow. Called
// when a workflow is cancelled or its state is reset.
func (s *Service) ClearWorkflow(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[workflowID]; ok {
		t.Stop()
		delete(s.pending, workflowID)
	}
	s.dropAwaitLocked(workflowID)
	delete(s.resolved, workflowID)
}

// Shutdown stops all timers. Events already persisted stay in the database
// and are picked up by the next wakeup after restart.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
	for id, t := range s.awaitTmrs {
		t.Stop()
		delete(s.awaitTmrs, id)
	}
	for id, t := range s.watchdogs {
		t.Stop()
		delete(s.watchdogs, id)
	}
}

// scheduleLocked arms (or re-arms) the debounce timer. Caller holds s.mu.
func (s *Service) scheduleLocked(workflowID string) {
	if t, ok := s.pending[workflowID]; ok {
		t.Stop()
	}
	s.pending[workflowID] = time.AfterFunc(s.batchWindow, func() {
		s.mu.Lock()
		delete(s.pending, workflowID)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.wake(workflowID)
		}
	})
}

// wake runs one wakeup pass: gather unprocessed events, summarize them into
// a prompt, launch a follow-up orchestrator execution and mark the events
// processed.
func (s *Service) wake(workflowID string) {
	ctx := context.Background()

	s.mu.Lock()
	resolved := s.resolved[workflowID]
	delete(s.resolved, workflowID)
	s.mu.Unlock()

	workflow, err := s.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		getLog().Error().Err(err).Str("workflowId", workflowID).Msg("Wakeup: workflow lookup failed")
		return
	}
	if workflow.Status == models.WorkflowPaused || workflow.Status.Terminal() {
		getLog().Debug().
			Str("workflowId", workflowID).
			Str("status", string(workflow.Status)).
			Msg("Wakeup skipped: workflow not active")
		return
	}

	events, err := s.db.GetUnprocessedEvents(ctx, workflowID)
	if err != nil {
		getLog().Error().Err(err).Str("workflowId", workflowID).Msg("Wakeup: event query failed")
		return
	}
	if len(events) == 0 && resolved == nil {
		getLog().Debug().Str("workflowId", workflowID).Msg("Wakeup skipped: nothing to report")
		return
	}

	prompt := buildPrompt(workflow, events, s.loadExecutions(ctx, events), resolved)

	execution, err := s.launcher.LaunchOrchestrator(ctx, workflow, prompt)
	if err != nil {
		getLog().Error().Err(err).Str("workflowId", workflowID).Msg("Wakeup: orchestrator launch failed")
		return
	}

	workflow.OrchestratorExecutionID = execution.ID
	if execution.SessionID != "" {
		workflow.OrchestratorSessionID = execution.SessionID
	}
	if err := s.db.SaveWorkflow(ctx, workflow); err != nil {
		getLog().Error().Err(err).Str("workflowId", workflowID).Msg("Wakeup: workflow save failed")
	}

	if len(events) > 0 {
		ids := make([]string, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		if err := s.db.MarkEventsProcessed(ctx, ids, time.Now()); err != nil {
			getLog().Error().Err(err).Str("workflowId", workflowID).Msg("Wakeup: marking events failed")
		}
	}

	// The wakeup marker is born processed so it never feeds a later wakeup.
	now := time.Now()
	marker := &models.WorkflowEvent{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Type:        models.EventOrchestratorWakeup,
		ExecutionID: execution.ID,
		Payload:     models.JSONMap{"event_count": len(events)},
		ProcessedAt: &now,
	}
	if err := s.db.CreateWorkflowEvent(ctx, marker); err != nil {
		getLog().Error().Err(err).Str("workflowId", workflowID).Msg("Wakeup: marker event failed")
	}

	getLog().Info().
		Str("workflowId", workflowID).
		Str("executionId", execution.ID).
		Int("events", len(events)).
		Msg("Orchestrator woken")
}

// loadExecutions fetches the execution rows the events reference so the
// prompt can report how each one actually ended. A lookup failure drops that
// execution's detail, never the wakeup.
func (s *Service) loadExecutions(ctx context.Context, events []*models.WorkflowEvent) map[string]*models.Execution {
	executions := make(map[string]*models.Execution)
	for _, e := range events {
		if e.ExecutionID == "" {
			continue
		}
		if _, ok := executions[e.ExecutionID]; ok {
			continue
		}
		execution, err := s.db.GetExecution(ctx, e.ExecutionID)
		if err != nil {
			getLog().Debug().Err(err).Str("executionId", e.ExecutionID).Msg("Wakeup: execution lookup failed")
			continue
		}
		executions[e.ExecutionID] = execution
	}
	return executions
}

// buildPrompt summarizes pending events (in recorded order), the state of
// the executions they reference, and any resolved await into the text handed
// to the follow-up orchestrator run.
func buildPrompt(workflow *models.Workflow, events []*models.WorkflowEvent, executions map[string]*models.Execution, resolved *resolvedAwait) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %q (%s) has updates:\n", workflow.Title, workflow.ID)

	for _, e := range events {
		fmt.Fprintf(&b, "- [%s] %s", e.CreatedAt.Format(time.RFC3339), e.Type)
		if e.StepID != "" {
			fmt.Fprintf(&b, " step=%s", e.StepID)
		}
		if e.ExecutionID != "" {
			fmt.Fprintf(&b, " execution=%s", e.ExecutionID)
			if execution, ok := executions[e.ExecutionID]; ok {
				fmt.Fprintf(&b, " status=%s", execution.Status)
				if execution.ExitCode != nil {
					fmt.Fprintf(&b, " exit=%d", *execution.ExitCode)
				}
				if execution.ErrorMessage != "" {
					fmt.Fprintf(&b, " error=%q", execution.ErrorMessage)
				}
			}
		}
		if reason, ok := e.Payload["reason"]; ok {
			fmt.Fprintf(&b, " reason=%v", reason)
		}
		b.WriteString("\n")
	}

	if resolved != nil {
		switch resolved.resolvedBy {
		case "timeout":
			b.WriteString("\nThe condition you were waiting for timed out.\n")
		default:
			fmt.Fprintf(&b, "\nThe condition you were waiting for was resolved by a %s event.\n", resolved.eventType)
		}
		if resolved.await.Message != "" {
			fmt.Fprintf(&b, "Await context: %s\n", resolved.await.Message)
		}
	}

	b.WriteString("\nReview the results and decide the next action for this workflow.")
	return b.String()
}
