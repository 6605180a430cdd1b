// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// GetProjectID / GetWorkflowID / GetExecutionID / GetIssueID methods allow
// the broadcaster to match events against subscription channels without
// maintaining an exhaustive type switch.

func (e WorkflowLifecycleEvent) GetProjectID() string { return e.ProjectID }
func (e WorkflowLifecycleEvent) GetWorkflowID() string {
	return e.Metadata.WorkflowID
}

func (e StepLifecycleEvent) GetProjectID() string   { return e.ProjectID }
func (e StepLifecycleEvent) GetWorkflowID() string  { return e.Metadata.WorkflowID }
func (e StepLifecycleEvent) GetExecutionID() string { return e.ExecutionID }
func (e StepLifecycleEvent) GetIssueID() string     { return e.IssueID }

func (e SessionUpdateEvent) GetProjectID() string   { return e.ProjectID }
func (e SessionUpdateEvent) GetExecutionID() string { return e.ExecutionID }

func (e ErrorEvent) GetProjectID() string   { return e.ProjectID }
func (e ErrorEvent) GetExecutionID() string { return e.ExecutionID }
