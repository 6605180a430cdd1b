// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// CheckpointState is the mutable execution state captured alongside the
// workflow definition.
type CheckpointState struct {
	Status           WorkflowStatus `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	Context          JSONMap        `json:"context,omitempty"`
	StepResults      StepResultList `json:"step_results"`
	StartedAt        time.Time      `json:"started_at"`
	ResumedAt        *time.Time     `json:"resumed_at,omitempty"`
}

// Scan implements the sql.Scanner interface
func (s *CheckpointState) Scan(value any) error {
	return scanJSON(value, s)
}

// Value implements the driver.Valuer interface
func (s CheckpointState) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Checkpoint is a durable snapshot of a workflow: the full definition plus
// the state needed to resume it after a crash or restart. One checkpoint per
// workflow; saves replace the previous snapshot.
type Checkpoint struct {
	WorkflowID  string          `gorm:"primaryKey;type:text" json:"workflow_id"`
	ExecutionID string          `gorm:"type:text" json:"execution_id,omitempty"`
	Definition  *Workflow       `gorm:"serializer:json;type:text" json:"definition"`
	State       CheckpointState `gorm:"type:text" json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TableName returns the table name for Checkpoint
func (Checkpoint) TableName() string {
	return "checkpoints"
}
