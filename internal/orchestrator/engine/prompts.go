// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/entities"
	"github.com/loomhq/loom/internal/orchestrator/agents"
	"github.com/loomhq/loom/internal/orchestrator/executor"
	"github.com/loomhq/loom/internal/orchestrator/models"
)

// AgentPromptBuilder is the default PromptBuilder: it resolves the
// workflow's agent profile and renders the issue into the agent's prompt.
type AgentPromptBuilder struct {
	profiles *agents.Registry
}

// NewAgentPromptBuilder creates a prompt builder over the profile registry.
func NewAgentPromptBuilder(profiles *agents.Registry) *AgentPromptBuilder {
	return &AgentPromptBuilder{profiles: profiles}
}

// BuildStepTask renders the step's issue into an agent task.
func (b *AgentPromptBuilder) BuildStepTask(workflow *models.Workflow, step *models.WorkflowStep, issue *entities.Entity, execution *models.Execution) (executor.Task, error) {
	profile, err := b.profiles.Get(workflow.Config.AgentProfile)
	if err != nil {
		return executor.Task{}, err
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Implement issue %s: %s\n\n", issue.ID(), issue.Title())
	if content := issue.Content(); content != "" {
		prompt.WriteString(content)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Work in the current directory. Commit your changes when the issue is done and close it in the tracker.")

	return b.buildTask(profile, step.ID, execution, prompt.String())
}

// BuildOrchestratorTask wraps a wakeup prompt into an orchestrator task.
func (b *AgentPromptBuilder) BuildOrchestratorTask(workflow *models.Workflow, prompt string, execution *models.Execution) (executor.Task, error) {
	profile, err := b.profiles.Get(workflow.Config.AgentProfile)
	if err != nil {
		return executor.Task{}, err
	}
	return b.buildTask(profile, "orchestrator", execution, prompt)
}

func (b *AgentPromptBuilder) buildTask(profile agents.Profile, taskID string, execution *models.Execution, prompt string) (executor.Task, error) {
	cfg, input, err := profile.BuildCommand(agents.LaunchContext{
		Prompt:       prompt,
		SessionID:    execution.SessionID,
		WorktreePath: execution.WorktreePath,
		IssueID:      execution.IssueID,
		StepID:       execution.StepID,
	})
	if err != nil {
		return executor.Task{}, err
	}
	return executor.Task{
		ID:          taskID,
		ExecutionID: execution.ID,
		Family:      profile.Name,
		Process:     cfg,
		Input:       input,
	}, nil
}
