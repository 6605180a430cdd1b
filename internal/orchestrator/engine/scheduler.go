// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/orchestrator/models"
)

// startScheduler spawns the per-workflow scheduling goroutine. A workflow
// has at most one scheduler at a time.
func (e *Engine) startScheduler(workflowID string, results models.StepResultList) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, exists := e.runs[workflowID]; exists {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &workflowRun{
		ctx:         ctx,
		cancel:      cancel,
		stepResults: results,
		done:        make(chan struct{}),
	}
	e.runs[workflowID] = run
	e.mu.Unlock()

	go e.schedule(workflowID, run)
}

// schedule is the per-workflow scheduling loop. Steps of one workflow share
// a worktree and therefore run sequentially; the loop is driven purely by
// step completion, there is no polling.
func (e *Engine) schedule(workflowID string, run *workflowRun) {
	defer close(run.done)
	defer e.removeRun(workflowID)

	// Persistence must outlive run.ctx so cancellation can still be
	// recorded.
	ctx := context.Background()

	for {
		workflow, err := e.db.GetWorkflow(ctx, workflowID)
		if err != nil {
			getLog().Error().Err(err).Str("workflowId", workflowID).Msg("Scheduler: workflow lookup failed")
			return
		}

		if run.interrupted() {
			// Deregister before the status flips so a prompt resume can
			// start a fresh scheduler.
			e.removeRun(workflowID)
			e.finishInterrupted(ctx, run, workflow)
			return
		}
		if workflow.Status != models.WorkflowRunning {
			return
		}

		workflow.RefreshReadiness()
		ready := workflow.ReadySteps()
		if len(ready) == 0 {
			e.removeRun(workflowID)
			if workflow.AllStepsDone() {
				e.completeWorkflow(ctx, run, workflow)
			} else if !anyRunning(workflow) {
				e.failWorkflow(ctx, run, workflow, "no runnable steps remain")
			}
			return
		}

		if !e.runStep(ctx, run, workflow, ready[0]) {
			return
		}
	}
}

func anyRunning(w *models.Workflow) bool {
	for _, s := range w.Steps {
		if s.Status == models.StepRunning {
			return true
		}
	}
	return false
}

// runStep executes one step to completion. The return value tells the loop
// whether to keep scheduling.
func (e *Engine) runStep(ctx context.Context, run *workflowRun, workflow *models.Workflow, step *models.WorkflowStep) bool {
	execution := &models.Execution{
		ID:           uuid.NewString(),
		WorkflowID:   workflow.ID,
		StepID:       step.ID,
		IssueID:      step.IssueID,
		Status:       models.ExecutionRunning,
		WorktreePath: workflow.WorktreePath,
		Branch:       workflow.BranchName,
		AgentID:      workflow.Config.AgentProfile,
		SessionID:    uuid.NewString(),
	}

	issue, err := e.issues.GetIssue(step.IssueID)
	if err != nil {
		return e.stepFailed(ctx, run, workflow, step, execution, -1, "issue lookup failed: "+err.Error())
	}
	task, err := e.prompts.BuildStepTask(workflow, step, issue, execution)
	if err != nil {
		return e.stepFailed(ctx, run, workflow, step, execution, -1, "task build failed: "+err.Error())
	}

	step.Status = models.StepRunning
	step.ExecutionID = execution.ID
	if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
		getLog().Error().Err(err).Str("workflowId", workflow.ID).Msg("Step start save failed")
		return false
	}
	if err := e.db.CreateExecution(ctx, execution); err != nil {
		getLog().Error().Err(err).Str("executionId", execution.ID).Msg("Execution create failed")
		return false
	}

	e.emit(Event{Type: StepStarted, WorkflowID: workflow.ID, StepID: step.ID, IssueID: step.IssueID, ExecutionID: execution.ID})
	e.recordEvent(ctx, workflow.ID, models.EventStepStarted, execution.ID, step.ID, nil)

	e.events.StartExecutionTimeout(execution.ID, workflow.ID, step.ID, workflow.Config.StepTimeout)
	run.mu.Lock()
	run.currentExec = execution.ID
	run.mu.Unlock()

	started := time.Now()
	result := e.runner.ExecuteTask(run.ctx, task)

	run.mu.Lock()
	run.currentExec = ""
	run.mu.Unlock()
	e.events.CancelExecutionTimeout(execution.ID)

	if result.Stopped && run.interrupted() {
		// The step was torn down by a cancel/shutdown, not by its own
		// failure. Put it back so a later resume can re-run it.
		step.Status = models.StepPending
		step.ExecutionID = ""
		if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
			getLog().Warn().Err(err).Str("workflowId", workflow.ID).Msg("Step revert save failed")
		}
		execution.Status = models.ExecutionStopped
		e.saveExecutionResult(ctx, execution, result.ExitCode)
		return true
	}

	exitCode := result.ExitCode
	if result.Success {
		execution.Status = models.ExecutionCompleted
		e.saveExecutionResult(ctx, execution, exitCode)

		step.Status = models.StepCompleted
		workflow.CurrentStepIndex = completedSteps(workflow)
		if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
			getLog().Error().Err(err).Str("workflowId", workflow.ID).Msg("Step completion save failed")
		}

		run.stepResults = append(run.stepResults, models.StepResult{
			StepID:      step.ID,
			IssueID:     step.IssueID,
			ExecutionID: execution.ID,
			Success:     true,
			ExitCode:    exitCode,
			Output:      result.Output,
			StartedAt:   started,
			CompletedAt: time.Now(),
		})

		e.emit(Event{Type: StepCompleted, WorkflowID: workflow.ID, StepID: step.ID, IssueID: step.IssueID, ExecutionID: execution.ID})
		e.recordEvent(ctx, workflow.ID, models.EventStepCompleted, execution.ID, step.ID,
			map[string]any{"exit_code": exitCode})

		run.sinceCkpt++
		if run.sinceCkpt >= workflow.Config.CheckpointInterval {
			e.writeCheckpoint(ctx, workflow, run.stepResults)
			run.sinceCkpt = 0
		}
		return true
	}

	errMsg := result.Error
	if errMsg == "" {
		errMsg = "step execution failed"
	}
	run.stepResults = append(run.stepResults, models.StepResult{
		StepID:      step.ID,
		IssueID:     step.IssueID,
		ExecutionID: execution.ID,
		Success:     false,
		ExitCode:    exitCode,
		Output:      result.Output,
		Error:       errMsg,
		StartedAt:   started,
		CompletedAt: time.Now(),
	})
	return e.stepFailed(ctx, run, workflow, step, execution, exitCode, errMsg)
}

// stepFailed marks the step failed and either keeps scheduling or fails the
// whole workflow, per continueOnStepFailure.
func (e *Engine) stepFailed(ctx context.Context, run *workflowRun, workflow *models.Workflow, step *models.WorkflowStep, execution *models.Execution, exitCode int, errMsg string) bool {
	step.Status = models.StepFailed
	step.Error = errMsg
	execution.Status = models.ExecutionFailed
	execution.ErrorMessage = errMsg
	e.saveExecutionResult(ctx, execution, exitCode)

	e.emit(Event{Type: StepFailed, WorkflowID: workflow.ID, StepID: step.ID, IssueID: step.IssueID, ExecutionID: execution.ID, Error: errMsg})
	e.recordEvent(ctx, workflow.ID, models.EventStepFailed, execution.ID, step.ID,
		map[string]any{"exit_code": exitCode, "error": errMsg})

	if workflow.Config.ContinueOnStepFailure {
		if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
			getLog().Error().Err(err).Str("workflowId", workflow.ID).Msg("Step failure save failed")
		}
		e.writeCheckpoint(ctx, workflow, run.stepResults)
		return true
	}

	e.removeRun(workflow.ID)
	e.failWorkflow(ctx, run, workflow, errMsg)
	return false
}

func (e *Engine) completeWorkflow(ctx context.Context, run *workflowRun, workflow *models.Workflow) {
	workflow.Status = models.WorkflowCompleted
	if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
		getLog().Error().Err(err).Str("workflowId", workflow.ID).Msg("Completion save failed")
	}
	e.writeCheckpoint(ctx, workflow, run.stepResults)
	e.emit(Event{Type: WorkflowCompleted, WorkflowID: workflow.ID})
	getLog().Info().Str("workflowId", workflow.ID).Msg("Workflow completed")
}

func (e *Engine) failWorkflow(ctx context.Context, run *workflowRun, workflow *models.Workflow, reason string) {
	workflow.Status = models.WorkflowFailed
	if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
		getLog().Error().Err(err).Str("workflowId", workflow.ID).Msg("Failure save failed")
	}
	if run != nil {
		e.writeCheckpoint(ctx, workflow, run.stepResults)
	}
	e.emit(Event{Type: WorkflowFailed, WorkflowID: workflow.ID, Error: reason})
	getLog().Warn().Str("workflowId", workflow.ID).Str("reason", reason).Msg("Workflow failed")
}

// finishInterrupted settles the workflow after a pause, cancel or shutdown
// request was observed between steps.
func (e *Engine) finishInterrupted(ctx context.Context, run *workflowRun, workflow *models.Workflow) {
	run.mu.Lock()
	cancelling := run.cancelling
	stopping := run.stopping && !run.pausing && !cancelling
	run.mu.Unlock()

	switch {
	case cancelling:
		workflow.Status = models.WorkflowCancelled
		if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
			getLog().Error().Err(err).Str("workflowId", workflow.ID).Msg("Cancel save failed")
		}
		e.writeCheckpoint(ctx, workflow, run.stepResults)
		e.events.ClearWorkflow(workflow.ID)
		e.emit(Event{Type: WorkflowCancelled, WorkflowID: workflow.ID})
		getLog().Info().Str("workflowId", workflow.ID).Msg("Workflow cancelled")

	case stopping:
		// Server shutdown: checkpoint without a status change so the
		// workflow can be picked up again on restart.
		e.writeCheckpoint(ctx, workflow, run.stepResults)

	default: // pausing
		workflow.Status = models.WorkflowPaused
		if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
			getLog().Error().Err(err).Str("workflowId", workflow.ID).Msg("Pause save failed")
		}
		e.writeCheckpoint(ctx, workflow, run.stepResults)
		e.emit(Event{Type: WorkflowPaused, WorkflowID: workflow.ID})
		getLog().Info().Str("workflowId", workflow.ID).Msg("Workflow paused")
	}
}

// writeCheckpoint snapshots the workflow definition and progress. A later
// checkpoint fully supersedes the previous one.
func (e *Engine) writeCheckpoint(ctx context.Context, workflow *models.Workflow, results models.StepResultList) {
	ckpt := &models.Checkpoint{
		WorkflowID:  workflow.ID,
		ExecutionID: workflow.OrchestratorExecutionID,
		Definition:  workflow,
		State: models.CheckpointState{
			Status:           workflow.Status,
			CurrentStepIndex: completedSteps(workflow),
			Context: models.JSONMap{
				"worktree_path": workflow.WorktreePath,
				"branch":        workflow.BranchName,
			},
			StepResults: results,
			StartedAt:   workflow.CreatedAt,
		},
	}
	if err := e.checkpoints.Save(ctx, ckpt); err != nil {
		getLog().Error().Err(err).Str("workflowId", workflow.ID).Msg("Checkpoint write failed")
	}
}

func (e *Engine) recordEvent(ctx context.Context, workflowID string, eventType models.WorkflowEventType, executionID, stepID string, payload map[string]any) {
	if err := e.events.RecordEvent(ctx, workflowID, eventType, executionID, stepID, payload); err != nil {
		getLog().Warn().Err(err).
			Str("workflowId", workflowID).
			Str("type", string(eventType)).
			Msg("Event record failed")
	}
}

func (e *Engine) saveExecutionResult(ctx context.Context, execution *models.Execution, exitCode int) {
	execution.ExitCode = &exitCode
	if execution.Status.Terminal() {
		now := time.Now()
		execution.CompletedAt = &now
	}
	if err := e.db.SaveExecution(ctx, execution); err != nil {
		getLog().Warn().Err(err).Str("executionId", execution.ID).Msg("Execution save failed")
	}
}

func completedSteps(w *models.Workflow) int {
	n := 0
	for _, s := range w.Steps {
		if s.Status.Satisfied() {
			n++
		}
	}
	return n
}
