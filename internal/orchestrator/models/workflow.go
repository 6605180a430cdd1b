// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models defines the persisted domain types of the orchestrator:
// workflows, steps, executions, workflow events and checkpoints. The structs
// double as GORM models; nested collections are stored as JSON text columns.
package models

import (
	"time"
)

// WorkflowStatus represents the lifecycle status of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status permits no further scheduling without
// an explicit resume/retry.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle status of a single workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Satisfied reports whether the step counts as done for dependency checks.
// Skipped steps satisfy their dependents.
func (s StepStatus) Satisfied() bool {
	return s == StepCompleted || s == StepSkipped
}

// SourceType identifies how a workflow's issue set is derived.
type SourceType string

const (
	SourceSpec      SourceType = "spec"
	SourceIssues    SourceType = "issues"
	SourceRootIssue SourceType = "root_issue"
	SourceGoal      SourceType = "goal"
)

// WorkflowSource is the sum type a workflow is created from.
type WorkflowSource struct {
	Type        SourceType `json:"type"`
	SpecID      string     `json:"spec_id,omitempty"`
	IssueIDs    []string   `json:"issue_ids,omitempty"`
	RootIssueID string     `json:"root_issue_id,omitempty"`
	Goal        string     `json:"goal,omitempty"`
}

// WorkflowRunConfig holds per-workflow execution settings. Zero values are
// overlaid with server defaults at creation time.
type WorkflowRunConfig struct {
	CheckpointInterval    int           `json:"checkpoint_interval"`
	ContinueOnStepFailure bool          `json:"continue_on_step_failure"`
	StepTimeout           time.Duration `json:"step_timeout"`
	ReuseWorktreePath     string        `json:"reuse_worktree_path,omitempty"`
	AgentProfile          string        `json:"agent_profile,omitempty"`
}

// WorkflowStep is one node of a workflow, backed by a single execution.
type WorkflowStep struct {
	ID           string     `json:"id"`
	IssueID      string     `json:"issue_id"`
	Index        int        `json:"index"`
	Dependencies []string   `json:"dependencies"`
	Status       StepStatus `json:"status"`
	ExecutionID  string     `json:"execution_id,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Workflow represents an ordered execution of steps toward a development goal.
type Workflow struct {
	ID                      string            `gorm:"primaryKey;type:text" json:"id"`
	Title                   string            `gorm:"not null;type:text" json:"title"`
	Source                  WorkflowSource    `gorm:"type:text" json:"source"`
	Status                  WorkflowStatus    `gorm:"not null;type:text;index" json:"status"`
	Steps                   StepList          `gorm:"type:text" json:"steps"`
	BaseBranch              string            `gorm:"type:text" json:"base_branch"`
	WorktreePath            string            `gorm:"type:text" json:"worktree_path,omitempty"`
	BranchName              string            `gorm:"type:text" json:"branch_name,omitempty"`
	CurrentStepIndex        int               `gorm:"not null;default:0" json:"current_step_index"`
	OrchestratorExecutionID string            `gorm:"type:text" json:"orchestrator_execution_id,omitempty"`
	OrchestratorSessionID   string            `gorm:"type:text" json:"orchestrator_session_id,omitempty"`
	Config                  WorkflowRunConfig `gorm:"type:text" json:"config"`
	CreatedAt               time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Workflow
func (Workflow) TableName() string {
	return "workflows"
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(id string) *WorkflowStep {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepByIssue returns the step backed by the given issue id, or nil.
func (w *Workflow) StepByIssue(issueID string) *WorkflowStep {
	for _, s := range w.Steps {
		if s.IssueID == issueID {
			return s
		}
	}
	return nil
}

// ReadySteps returns all steps that can run now: status ready, or pending
// with every dependency satisfied.
func (w *Workflow) ReadySteps() []*WorkflowStep {
	var ready []*WorkflowStep
	for _, s := range w.Steps {
		switch s.Status {
		case StepReady:
			ready = append(ready, s)
		case StepPending:
			if w.depsSatisfied(s) {
				ready = append(ready, s)
			}
		}
	}
	return ready
}

// RefreshReadiness promotes pending steps whose dependencies are now all
// satisfied to ready.
func (w *Workflow) RefreshReadiness() {
	for _, s := range w.Steps {
		if s.Status == StepPending && w.depsSatisfied(s) {
			s.Status = StepReady
		}
	}
}

func (w *Workflow) depsSatisfied(step *WorkflowStep) bool {
	for _, dep := range step.Dependencies {
		d := w.Step(dep)
		if d == nil || !d.Status.Satisfied() {
			return false
		}
	}
	return true
}

// AllStepsDone reports whether every step is completed or skipped.
func (w *Workflow) AllStepsDone() bool {
	for _, s := range w.Steps {
		if !s.Status.Satisfied() {
			return false
		}
	}
	return true
}

// StepResult records the outcome of one step execution within a checkpoint.
type StepResult struct {
	StepID      string    `json:"step_id"`
	IssueID     string    `json:"issue_id"`
	ExecutionID string    `json:"execution_id"`
	Success     bool      `json:"success"`
	ExitCode    int       `json:"exit_code"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}
