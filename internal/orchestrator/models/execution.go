// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"
)

// ExecutionStatus represents the status of a single agent run.
type ExecutionStatus string

const (
	ExecutionPreparing ExecutionStatus = "preparing"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// Terminal reports whether the execution has finished for good.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionStopped:
		return true
	}
	return false
}

// Execution is one run of an agent process against a task.
type Execution struct {
	ID            string          `gorm:"primaryKey;type:text" json:"id"`
	WorkflowID    string          `gorm:"type:text;index" json:"workflow_id,omitempty"`
	StepID        string          `gorm:"type:text" json:"step_id,omitempty"`
	IssueID       string          `gorm:"type:text" json:"issue_id,omitempty"`
	Status        ExecutionStatus `gorm:"not null;type:text;index" json:"status"`
	WorktreePath  string          `gorm:"type:text" json:"worktree_path"`
	Branch        string          `gorm:"type:text" json:"branch"`
	AgentID       string          `gorm:"type:text" json:"agent_id"`
	SessionID     string          `gorm:"type:text" json:"session_id,omitempty"`
	StartedAt     time.Time       `gorm:"autoCreateTime" json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	ProgressDone  int             `gorm:"not null;default:0" json:"progress_done"`
	ProgressTotal int             `gorm:"not null;default:0" json:"progress_total"`
	ExitCode      *int            `json:"exit_code,omitempty"`
	AfterCommit   string          `gorm:"type:text" json:"after_commit,omitempty"`
	FilesChanged  StringSlice     `gorm:"type:text" json:"files_changed,omitempty"`
	ErrorMessage  string          `gorm:"type:text" json:"error_message,omitempty"`
}

// TableName returns the table name for Execution
func (Execution) TableName() string {
	return "executions"
}
