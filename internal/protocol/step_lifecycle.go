// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// StepLifecycleType defines the type of step lifecycle event.
type StepLifecycleType string

const (
	// StepStarted - a step's execution has been handed to the executor
	StepStarted StepLifecycleType = "step_started"
	// StepCompleted - the step's execution succeeded
	StepCompleted StepLifecycleType = "step_completed"
	// StepFailed - the step's execution failed after all retries
	StepFailed StepLifecycleType = "step_failed"
	// StepSkipped - the step was skipped by the operator
	StepSkipped StepLifecycleType = "step_skipped"
)

// StepLifecycleEvent represents a state change of one workflow step.
type StepLifecycleEvent struct {
	Metadata
	Type        StepLifecycleType `json:"type"`
	ProjectID   string            `json:"project_id,omitempty"`
	StepID      string            `json:"step_id"`
	IssueID     string            `json:"issue_id,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	// Error is populated for StepFailed and holds the skip reason for
	// StepSkipped.
	Error string `json:"error,omitempty"`
}

func (e StepLifecycleEvent) GetMetadata() Metadata {
	return e.Metadata
}
