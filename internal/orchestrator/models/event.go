// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"
)

// WorkflowEventType classifies events routed to the orchestrator wakeup loop.
type WorkflowEventType string

const (
	EventStepStarted         WorkflowEventType = "step_started"
	EventStepCompleted       WorkflowEventType = "step_completed"
	EventStepFailed          WorkflowEventType = "step_failed"
	EventEscalationRequested WorkflowEventType = "escalation_requested"
	EventEscalationResolved  WorkflowEventType = "escalation_resolved"
	EventUserResponse        WorkflowEventType = "user_response"
	EventOrchestratorWakeup  WorkflowEventType = "orchestrator_wakeup"
)

// WorkflowEvent is a durable record of something that happened to a workflow.
// Events accumulate until a wakeup consumes them and stamps ProcessedAt.
type WorkflowEvent struct {
	ID          string            `gorm:"primaryKey;type:text" json:"id"`
	WorkflowID  string            `gorm:"not null;type:text;index" json:"workflow_id"`
	Type        WorkflowEventType `gorm:"not null;type:text" json:"type"`
	ExecutionID string            `gorm:"type:text" json:"execution_id,omitempty"`
	StepID      string            `gorm:"type:text" json:"step_id,omitempty"`
	Payload     JSONMap           `gorm:"type:text" json:"payload,omitempty"`
	CreatedAt   time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

// TableName returns the table name for WorkflowEvent
func (WorkflowEvent) TableName() string {
	return "workflow_events"
}

// Processed reports whether a wakeup has already consumed this event.
func (e *WorkflowEvent) Processed() bool {
	return e.ProcessedAt != nil
}

// PendingAwait is an in-memory registration: the orchestrator is waiting for
// one of the listed event types on a workflow, with a deadline. At most one
// await exists per workflow; registering again replaces the previous one.
type PendingAwait struct {
	ID           string
	WorkflowID   string
	EventTypes   []WorkflowEventType
	ExecutionIDs []string
	Deadline     time.Time
	Message      string
	CreatedAt    time.Time
}

// Matches reports whether an event of the given type and execution is one
// the await is waiting on. An empty type list matches every type; an empty
// execution list matches every execution.
func (a *PendingAwait) Matches(t WorkflowEventType, executionID string) bool {
	if !matchesType(a.EventTypes, t) {
		return false
	}
	if len(a.ExecutionIDs) == 0 {
		return true
	}
	for _, id := range a.ExecutionIDs {
		if id == executionID {
			return true
		}
	}
	return false
}

func matchesType(types []WorkflowEventType, t WorkflowEventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, et := range types {
		if et == t {
			return true
		}
	}
	return false
}
