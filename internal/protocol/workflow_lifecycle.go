// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"github.com/loomhq/loom/internal/orchestrator/models"
)

// WorkflowLifecycleType defines the type of workflow lifecycle event.
type WorkflowLifecycleType string

const (
	// WorkflowCreated - workflow has been created and its steps planned
	WorkflowCreated WorkflowLifecycleType = "created"
	// WorkflowStarted - worktree allocated, scheduling has begun
	WorkflowStarted WorkflowLifecycleType = "started"
	// WorkflowPaused - scheduling stopped, checkpoint written
	WorkflowPaused WorkflowLifecycleType = "paused"
	// WorkflowResumed - scheduling continues from checkpoint
	WorkflowResumed WorkflowLifecycleType = "resumed"
	// WorkflowCompleted - every step completed or was skipped
	WorkflowCompleted WorkflowLifecycleType = "completed"
	// WorkflowFailed - a step failed fatally or no runnable steps remain
	WorkflowFailed WorkflowLifecycleType = "failed"
	// WorkflowCancelled - cancelled by the operator
	WorkflowCancelled WorkflowLifecycleType = "cancelled"
)

// WorkflowLifecycleEvent represents any workflow-level state change.
type WorkflowLifecycleEvent struct {
	Metadata
	Type      WorkflowLifecycleType `json:"type"`
	ProjectID string                `json:"project_id,omitempty"`
	// Workflow is populated for WorkflowCreated and terminal transitions
	Workflow *models.Workflow `json:"workflow,omitempty"`
	// Error is populated for WorkflowFailed
	Error string `json:"error,omitempty"`
}

func (e WorkflowLifecycleEvent) GetMetadata() Metadata {
	return e.Metadata
}

// NewWorkflowLifecycleEvent creates a lifecycle event with correlation set.
func NewWorkflowLifecycleEvent(t WorkflowLifecycleType, projectID, workflowID string) WorkflowLifecycleEvent {
	return WorkflowLifecycleEvent{
		Metadata:  Metadata{WorkflowID: workflowID, Version: CurrentProtocolVersion},
		Type:      t,
		ProjectID: projectID,
	}
}
