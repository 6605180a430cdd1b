// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine schedules workflows: it turns an issue set into a step DAG,
// runs the steps through the task executor on a shared worktree, and drives
// the workflow state machine (pause, resume, cancel, retry, skip) with
// checkpoints along the way.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/entities"
	"github.com/loomhq/loom/internal/logger"
	"github.com/loomhq/loom/internal/orchestrator/checkpoint"
	"github.com/loomhq/loom/internal/orchestrator/database"
	"github.com/loomhq/loom/internal/orchestrator/depgraph"
	"github.com/loomhq/loom/internal/orchestrator/executor"
	"github.com/loomhq/loom/internal/orchestrator/models"
	"github.com/loomhq/loom/internal/orchestrator/oerr"
	"github.com/loomhq/loom/internal/orchestrator/worktree"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetEngineLogger()
		log = &l
	})
	return log
}

// TaskRunner executes one step attempt-by-attempt. Satisfied by the task
// executor.
type TaskRunner interface {
	ExecuteTask(ctx context.Context, task executor.Task) *executor.Result
	Cancel(executionID string) error
}

// WorktreeProvider allocates and releases per-workflow worktrees.
type WorktreeProvider interface {
	Create(ctx context.Context, workflowID, baseBranch string) (*worktree.Worktree, error)
	Remove(ctx context.Context, path string) error
}

// EventSink is the wakeup service surface the engine talks to.
type EventSink interface {
	RecordEvent(ctx context.Context, workflowID string, eventType models.WorkflowEventType, executionID, stepID string, payload map[string]any) error
	StartExecutionTimeout(executionID, workflowID, stepID string, timeout time.Duration)
	CancelExecutionTimeout(executionID string)
	ClearWorkflow(workflowID string)
}

// EventType classifies engine lifecycle notifications sent to listeners.
type EventType string

const (
	WorkflowStarted   EventType = "workflow_started"
	WorkflowCompleted EventType = "workflow_completed"
	WorkflowFailed    EventType = "workflow_failed"
	WorkflowPaused    EventType = "workflow_paused"
	WorkflowResumed   EventType = "workflow_resumed"
	WorkflowCancelled EventType = "workflow_cancelled"
	StepStarted       EventType = "step_started"
	StepCompleted     EventType = "step_completed"
	StepFailed        EventType = "step_failed"
	StepSkipped       EventType = "step_skipped"
)

// Event is one lifecycle notification.
type Event struct {
	Type        EventType `json:"type"`
	WorkflowID  string    `json:"workflow_id"`
	StepID      string    `json:"step_id,omitempty"`
	IssueID     string    `json:"issue_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Listener receives engine lifecycle events. Listeners must not block.
type Listener func(Event)

// CreateRequest describes a workflow to create.
type CreateRequest struct {
	Title      string                   `json:"title"`
	Source     models.WorkflowSource    `json:"source"`
	BaseBranch string                   `json:"base_branch,omitempty"`
	Config     models.WorkflowRunConfig `json:"config"`
}

// ListOptions filters ListWorkflows.
type ListOptions struct {
	Status models.WorkflowStatus
	Limit  int
	Offset int
}

// workflowRun is the in-memory state of one scheduled workflow.
type workflowRun struct {
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	pausing     bool
	cancelling  bool
	stopping    bool
	currentExec string
	stepResults models.StepResultList
	sinceCkpt   int
	done        chan struct{}
}

func (r *workflowRun) interrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pausing || r.cancelling || r.stopping
}

// Engine is the workflow engine. All public methods are safe for concurrent
// use; state per workflow is serialized on that workflow's run.
type Engine struct {
	db          *database.GormDB
	runner      TaskRunner
	worktrees   WorktreeProvider
	checkpoints checkpoint.Store
	events      EventSink
	issues      IssueStore
	prompts     PromptBuilder
	cfg         config.WorkflowConfig

	mu           sync.Mutex
	runs         map[string]*workflowRun
	listeners    map[int]Listener
	nextListener int
	closed       bool
}

// PromptBuilder renders the instruction text handed to a step's agent and
// builds the process command for it. Decoupled from the engine so tests and
// alternative agent stacks can substitute their own.
type PromptBuilder interface {
	BuildStepTask(workflow *models.Workflow, step *models.WorkflowStep, issue *entities.Entity, execution *models.Execution) (executor.Task, error)
	BuildOrchestratorTask(workflow *models.Workflow, prompt string, execution *models.Execution) (executor.Task, error)
}

// New creates a workflow engine.
func New(db *database.GormDB, runner TaskRunner, worktrees WorktreeProvider, checkpoints checkpoint.Store, events EventSink, issues IssueStore, prompts PromptBuilder, cfg config.WorkflowConfig) *Engine {
	return &Engine{
		db:          db,
		runner:      runner,
		worktrees:   worktrees,
		checkpoints: checkpoints,
		events:      events,
		issues:      issues,
		prompts:     prompts,
		cfg:         cfg,
		runs:        make(map[string]*workflowRun),
		listeners:   make(map[int]Listener),
	}
}

// OnWorkflowEvent subscribes to lifecycle events; the returned function
// unsubscribes.
func (e *Engine) OnWorkflowEvent(listener Listener) func() {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = listener
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) emit(event Event) {
	e.mu.Lock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()
	for _, l := range listeners {
		l(event)
	}
}

// CreateWorkflow resolves the source into issues, analyzes their dependency
// graph and persists a pending workflow. Sources whose graph contains a
// cycle are rejected.
func (e *Engine) CreateWorkflow(ctx context.Context, req CreateRequest) (*models.Workflow, error) {
	issues, err := resolveSource(e.issues, req.Source)
	if err != nil {
		return nil, fmt.Errorf("resolve workflow source: %w", err)
	}

	refs := make([]depgraph.IssueRef, len(issues))
	for i, issue := range issues {
		refs[i] = depgraph.IssueRef{ID: issue.ID(), Relationships: issue.Relationships()}
	}
	analysis := depgraph.Analyze(refs)
	if analysis.HasCycles() {
		return nil, fmt.Errorf("workflow source contains dependency cycles %v: %w", analysis.Cycles, oerr.ErrInvalidState)
	}

	workflow := &models.Workflow{
		ID:         uuid.NewString(),
		Title:      req.Title,
		Source:     req.Source,
		Status:     models.WorkflowPending,
		BaseBranch: req.BaseBranch,
		Config:     e.mergeConfig(req.Config),
	}
	workflow.Steps = buildSteps(issues, analysis)

	if err := e.db.CreateWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("persist workflow: %w", err)
	}

	getLog().Info().
		Str("workflowId", workflow.ID).
		Str("sourceType", string(req.Source.Type)).
		Int("steps", len(workflow.Steps)).
		Msg("Workflow created")
	return workflow, nil
}

// mergeConfig overlays caller overrides on the server defaults.
func (e *Engine) mergeConfig(override models.WorkflowRunConfig) models.WorkflowRunConfig {
	merged := models.WorkflowRunConfig{
		CheckpointInterval:    e.cfg.CheckpointInterval,
		ContinueOnStepFailure: e.cfg.ContinueOnStepFailure,
		StepTimeout:           e.cfg.StepTimeout,
	}
	if override.CheckpointInterval > 0 {
		merged.CheckpointInterval = override.CheckpointInterval
	}
	if override.ContinueOnStepFailure {
		merged.ContinueOnStepFailure = true
	}
	if override.StepTimeout > 0 {
		merged.StepTimeout = override.StepTimeout
	}
	merged.ReuseWorktreePath = override.ReuseWorktreePath
	merged.AgentProfile = override.AgentProfile
	if merged.CheckpointInterval < 1 {
		merged.CheckpointInterval = 1
	}
	return merged
}

// buildSteps turns the analyzed DAG into workflow steps in topological
// order. Each step's dependencies are the step ids of its in-neighbors.
// Steps for already-closed issues are born completed.
func buildSteps(issues []*entities.Entity, analysis *depgraph.Result) models.StepList {
	byID := make(map[string]*entities.Entity, len(issues))
	for _, issue := range issues {
		byID[issue.ID()] = issue
	}

	stepIDs := make(map[string]string, len(issues)) // issue id -> step id
	order := analysis.TopologicalOrder
	steps := make(models.StepList, 0, len(order))

	for i, issueID := range order {
		stepID := fmt.Sprintf("step-%d", i+1)
		stepIDs[issueID] = stepID
		status := models.StepPending
		if issue := byID[issueID]; issue != nil && issue.Closed() {
			status = models.StepCompleted
		}
		steps = append(steps, &models.WorkflowStep{
			ID:      stepID,
			IssueID: issueID,
			Index:   i,
			Status:  status,
		})
	}

	for _, edge := range analysis.Edges {
		to := stepIDs[edge.To]
		from := stepIDs[edge.From]
		for _, s := range steps {
			if s.ID == to {
				s.Dependencies = append(s.Dependencies, from)
			}
		}
	}
	return steps
}

// StartWorkflow allocates the worktree and begins scheduling.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string) error {
	workflow, err := e.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if workflow.Status != models.WorkflowPending {
		return fmt.Errorf("workflow %s is %s, not pending: %w", workflowID, workflow.Status, oerr.ErrInvalidState)
	}

	if workflow.Config.ReuseWorktreePath != "" {
		workflow.WorktreePath = workflow.Config.ReuseWorktreePath
	} else {
		wt, err := e.worktrees.Create(ctx, workflow.ID, workflow.BaseBranch)
		if err != nil {
			return fmt.Errorf("allocate worktree: %w", err)
		}
		workflow.WorktreePath = wt.Path
		workflow.BranchName = wt.Branch
	}

	workflow.Status = models.WorkflowRunning
	workflow.RefreshReadiness()
	if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}

	e.emit(Event{Type: WorkflowStarted, WorkflowID: workflow.ID})
	getLog().Info().Str("workflowId", workflow.ID).Str("worktree", workflow.WorktreePath).Msg("Workflow started")

	e.startScheduler(workflow.ID, nil)
	return nil
}

// PauseWorkflow stops scheduling new steps. The in-flight step finishes and
// a checkpoint is written before the scheduler parks.
func (e *Engine) PauseWorkflow(ctx context.Context, workflowID string) error {
	run := e.getRun(workflowID)
	if run == nil {
		return fmt.Errorf("workflow %s is not running: %w", workflowID, oerr.ErrInvalidState)
	}
	run.mu.Lock()
	if run.cancelling {
		run.mu.Unlock()
		return fmt.Errorf("workflow %s is being cancelled: %w", workflowID, oerr.ErrInvalidState)
	}
	run.pausing = true
	run.mu.Unlock()

	getLog().Info().Str("workflowId", workflowID).Msg("Pause requested")
	return nil
}

// ResumeWorkflow continues a paused workflow from its checkpoint. Completed
// steps are not re-executed. An optional message is recorded as a
// user_response event for the next orchestrator wakeup.
func (e *Engine) ResumeWorkflow(ctx context.Context, workflowID, message string) error {
	workflow, err := e.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if workflow.Status != models.WorkflowPaused {
		return fmt.Errorf("workflow %s is %s, not paused: %w", workflowID, workflow.Status, oerr.ErrInvalidState)
	}

	var results models.StepResultList
	if ckpt, err := e.checkpoints.Load(ctx, workflowID); err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	} else if ckpt != nil {
		results = ckpt.State.StepResults
	}

	workflow.Status = models.WorkflowRunning
	workflow.RefreshReadiness()
	if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}

	if message != "" {
		if err := e.events.RecordEvent(ctx, workflowID, models.EventUserResponse, "", "",
			map[string]any{"message": message}); err != nil {
			getLog().Warn().Err(err).Str("workflowId", workflowID).Msg("Failed to record resume message")
		}
	}

	e.emit(Event{Type: WorkflowResumed, WorkflowID: workflowID})
	getLog().Info().Str("workflowId", workflowID).Msg("Workflow resumed")

	e.startScheduler(workflowID, results)
	return nil
}

// CancelWorkflow terminates the in-flight execution, marks the workflow
// cancelled and writes a final checkpoint.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	workflow, err := e.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if workflow.Status.Terminal() {
		return fmt.Errorf("workflow %s is already %s: %w", workflowID, workflow.Status, oerr.ErrInvalidState)
	}

	run := e.getRun(workflowID)
	if run == nil {
		// Not scheduled (pending or paused): transition directly.
		workflow.Status = models.WorkflowCancelled
		if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
			return fmt.Errorf("save workflow: %w", err)
		}
		e.writeCheckpoint(ctx, workflow, nil)
		e.events.ClearWorkflow(workflowID)
		e.emit(Event{Type: WorkflowCancelled, WorkflowID: workflowID})
		return nil
	}

	run.mu.Lock()
	run.cancelling = true
	current := run.currentExec
	run.mu.Unlock()
	run.cancel()

	if current != "" {
		if err := e.runner.Cancel(current); err != nil {
			getLog().Warn().Err(err).Str("executionId", current).Msg("Cancel of in-flight execution failed")
		}
	}

	getLog().Info().Str("workflowId", workflowID).Msg("Cancel requested")
	return nil
}

// RetryStep resets a failed step to ready. With freshStart, the prior
// execution's artifacts are detached so the retry begins from a clean
// context. A failed workflow transitions back to running.
func (e *Engine) RetryStep(ctx context.Context, workflowID, stepID string, freshStart bool) error {
	return e.reviveStep(ctx, workflowID, stepID, func(step *models.WorkflowStep) {
		step.Status = models.StepPending
		step.Error = ""
		if freshStart {
			step.ExecutionID = ""
		}
	}, StepStarted, "")
}

// SkipStep marks a step skipped; its dependents treat it as satisfied. A
// failed workflow transitions back to running so scheduling continues.
func (e *Engine) SkipStep(ctx context.Context, workflowID, stepID, reason string) error {
	return e.reviveStep(ctx, workflowID, stepID, func(step *models.WorkflowStep) {
		step.Status = models.StepSkipped
		step.Error = reason
	}, StepSkipped, reason)
}

func (e *Engine) reviveStep(ctx context.Context, workflowID, stepID string, mutate func(*models.WorkflowStep), event EventType, detail string) error {
	workflow, err := e.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	step := workflow.Step(stepID)
	if step == nil {
		return fmt.Errorf("step %s in workflow %s: %w", stepID, workflowID, oerr.ErrNotFound)
	}
	if step.Status == models.StepRunning {
		return fmt.Errorf("step %s is running: %w", stepID, oerr.ErrInvalidState)
	}

	mutate(step)
	workflow.RefreshReadiness()

	restart := false
	if workflow.Status == models.WorkflowFailed {
		workflow.Status = models.WorkflowRunning
		restart = true
	}
	if err := e.db.SaveWorkflow(ctx, workflow); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}

	e.emit(Event{Type: event, WorkflowID: workflowID, StepID: stepID, IssueID: step.IssueID, Error: detail})
	if restart || (workflow.Status == models.WorkflowRunning && e.getRun(workflowID) == nil) {
		e.startScheduler(workflowID, nil)
	}
	return nil
}

// GetWorkflow returns the workflow by id.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	return e.db.GetWorkflow(ctx, workflowID)
}

// ListWorkflows returns workflows newest first, optionally filtered and
// paginated.
func (e *Engine) ListWorkflows(ctx context.Context, opts ListOptions) ([]*models.Workflow, error) {
	workflows, err := e.db.ListWorkflows(ctx, opts.Status)
	if err != nil {
		return nil, err
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(workflows) {
			return nil, nil
		}
		workflows = workflows[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(workflows) {
		workflows = workflows[:opts.Limit]
	}
	return workflows, nil
}

// GetReadySteps returns the steps that could be scheduled right now.
func (e *Engine) GetReadySteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error) {
	workflow, err := e.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return workflow.ReadySteps(), nil
}

// LaunchOrchestrator starts a follow-up orchestrator execution for a wakeup.
// It always spawns a fresh process; the previous session id survives only
// as prompt context.
func (e *Engine) LaunchOrchestrator(ctx context.Context, workflow *models.Workflow, prompt string) (*models.Execution, error) {
	execution := &models.Execution{
		ID:           uuid.NewString(),
		WorkflowID:   workflow.ID,
		Status:       models.ExecutionRunning,
		SessionID:    uuid.NewString(),
		AgentID:      workflow.Config.AgentProfile,
		WorktreePath: workflow.WorktreePath,
	}
	task, err := e.prompts.BuildOrchestratorTask(workflow, prompt, execution)
	if err != nil {
		return nil, fmt.Errorf("build orchestrator task: %w", err)
	}
	if err := e.db.CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("persist orchestrator execution: %w", err)
	}

	go func() {
		result := e.runner.ExecuteTask(context.Background(), task)
		status := models.ExecutionCompleted
		if !result.Success {
			status = models.ExecutionFailed
		}
		if result.Stopped {
			status = models.ExecutionStopped
		}
		if err := e.db.UpdateExecutionStatus(context.Background(), execution.ID, status); err != nil {
			getLog().Warn().Err(err).Str("executionId", execution.ID).Msg("Orchestrator execution status update failed")
		}
	}()

	getLog().Info().
		Str("workflowId", workflow.ID).
		Str("executionId", execution.ID).
		Msg("Orchestrator follow-up execution launched")
	return execution, nil
}

// RecoverRunning restarts schedulers for workflows that were running when
// the previous process stopped, picking up step results from their last
// checkpoint.
func (e *Engine) RecoverRunning(ctx context.Context) error {
	running, err := e.db.ListWorkflows(ctx, models.WorkflowRunning)
	if err != nil {
		return fmt.Errorf("list running workflows: %w", err)
	}
	for _, workflow := range running {
		var results models.StepResultList
		if ckpt, err := e.checkpoints.Load(ctx, workflow.ID); err != nil {
			getLog().Warn().Err(err).Str("workflowId", workflow.ID).Msg("Recovery: checkpoint load failed")
		} else if ckpt != nil {
			results = ckpt.State.StepResults
		}
		getLog().Info().Str("workflowId", workflow.ID).Msg("Recovering running workflow")
		e.startScheduler(workflow.ID, results)
	}
	return nil
}

// Shutdown cancels every scheduler and waits for them to park.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	runs := make([]*workflowRun, 0, len(e.runs))
	for _, run := range e.runs {
		runs = append(runs, run)
	}
	e.mu.Unlock()

	for _, run := range runs {
		run.mu.Lock()
		run.stopping = true
		run.mu.Unlock()
		run.cancel()
	}
	for _, run := range runs {
		<-run.done
	}
}

func (e *Engine) getRun(workflowID string) *workflowRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[workflowID]
}

func (e *Engine) removeRun(workflowID string) {
	e.mu.Lock()
	delete(e.runs, workflowID)
	e.mu.Unlock()
}
