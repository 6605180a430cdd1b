// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/loomhq/loom/internal/orchestrator/models"
	"github.com/loomhq/loom/internal/orchestrator/oerr"
)

func setupTestDB(t *testing.T) *GormDB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	db := NewGormDBFromConn(conn)
	require.NoError(t, db.AutoMigrate())
	return db
}

func testWorkflow(title string) *models.Workflow {
	return &models.Workflow{
		ID:     uuid.NewString(),
		Title:  title,
		Source: models.WorkflowSource{Type: models.SourceIssues, IssueIDs: []string{"I-1", "I-2"}},
		Status: models.WorkflowPending,
		Steps: models.StepList{
			{ID: "step-1", IssueID: "I-1", Index: 0, Status: models.StepReady},
			{ID: "step-2", IssueID: "I-2", Index: 1, Dependencies: []string{"step-1"}, Status: models.StepPending},
		},
		BaseBranch: "main",
	}
}

func TestWorkflowCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	wf := testWorkflow("implement auth")
	require.NoError(t, db.CreateWorkflow(ctx, wf))

	loaded, err := db.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Title, loaded.Title)
	assert.Equal(t, models.SourceIssues, loaded.Source.Type)
	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, []string{"step-1"}, loaded.Steps[1].Dependencies)

	loaded.Steps[0].Status = models.StepCompleted
	loaded.Status = models.WorkflowRunning
	require.NoError(t, db.SaveWorkflow(ctx, loaded))

	again, err := db.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, again.Steps[0].Status)
	assert.Equal(t, models.WorkflowRunning, again.Status)

	_, err = db.GetWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, oerr.ErrNotFound)
}

func TestListWorkflowsFiltersByStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	running := testWorkflow("running")
	running.Status = models.WorkflowRunning
	done := testWorkflow("done")
	done.Status = models.WorkflowCompleted
	require.NoError(t, db.CreateWorkflow(ctx, running))
	require.NoError(t, db.CreateWorkflow(ctx, done))

	all, err := db.ListWorkflows(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyRunning, err := db.ListWorkflows(ctx, models.WorkflowRunning)
	require.NoError(t, err)
	require.Len(t, onlyRunning, 1)
	assert.Equal(t, running.ID, onlyRunning[0].ID)
}

func TestExecutionLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	exec := &models.Execution{
		ID:         uuid.NewString(),
		WorkflowID: "wf-1",
		StepID:     "step-1",
		IssueID:    "I-1",
		Status:     models.ExecutionRunning,
		AgentID:    "claude",
	}
	require.NoError(t, db.CreateExecution(ctx, exec))

	active, err := db.GetActiveExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, db.UpdateExecutionStatus(ctx, exec.ID, models.ExecutionCompleted))

	loaded, err := db.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)

	active, err = db.GetActiveExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDeleteTerminalExecutionsBefore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	stale := &models.Execution{ID: "old", Status: models.ExecutionCompleted, CompletedAt: &old}
	live := &models.Execution{ID: "live", Status: models.ExecutionRunning}
	require.NoError(t, db.CreateExecution(ctx, stale))
	require.NoError(t, db.CreateExecution(ctx, live))

	removed, err := db.DeleteTerminalExecutionsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = db.GetExecution(ctx, "old")
	assert.ErrorIs(t, err, oerr.ErrNotFound)
	_, err = db.GetExecution(ctx, "live")
	assert.NoError(t, err)
}

func TestWorkflowEventProcessing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i, et := range []models.WorkflowEventType{
		models.EventStepCompleted,
		models.EventStepFailed,
		models.EventUserResponse,
	} {
		ev := &models.WorkflowEvent{
			ID:         uuid.NewString(),
			WorkflowID: "wf-1",
			Type:       et,
			Payload:    models.JSONMap{"index": i},
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, db.CreateWorkflowEvent(ctx, ev))
	}

	pending, err := db.GetUnprocessedEvents(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, models.EventStepCompleted, pending[0].Type)

	ids := []string{pending[0].ID, pending[1].ID}
	require.NoError(t, db.MarkEventsProcessed(ctx, ids, time.Now()))

	pending, err = db.GetUnprocessedEvents(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.EventUserResponse, pending[0].Type)

	history, err := db.GetEventsByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestCheckpointUpsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	wf := testWorkflow("checkpointed")
	cp := &models.Checkpoint{
		WorkflowID: wf.ID,
		Definition: wf,
		State: models.CheckpointState{
			Status:           models.WorkflowRunning,
			CurrentStepIndex: 0,
			StartedAt:        time.Now(),
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, db.SaveCheckpoint(ctx, cp))

	cp.State.CurrentStepIndex = 1
	cp.State.StepResults = models.StepResultList{{StepID: "step-1", Success: true}}
	require.NoError(t, db.SaveCheckpoint(ctx, cp))

	loaded, err := db.GetCheckpoint(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 1, loaded.State.CurrentStepIndex)
	require.Len(t, loaded.State.StepResults, 1)
	require.NotNil(t, loaded.Definition)
	assert.Equal(t, wf.Title, loaded.Definition.Title)

	missing, err := db.GetCheckpoint(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, db.DeleteCheckpoint(ctx, wf.ID))
	gone, err := db.GetCheckpoint(ctx, wf.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestCRDTEntryRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	entries := []models.CRDTEntry{
		{MapName: "issueUpdates", Key: "I-1", Value: `{"status":"in_progress"}`, Version: 1},
		{MapName: "agentMetadata", Key: "agent-1", Value: `{"name":"claude"}`, Version: 1},
	}
	require.NoError(t, db.UpsertCRDTEntries(ctx, entries))

	// A second flush for the same key replaces the row.
	require.NoError(t, db.UpsertCRDTEntries(ctx, []models.CRDTEntry{
		{MapName: "issueUpdates", Key: "I-1", Value: `{"status":"closed"}`, Version: 2},
	}))

	loaded, err := db.LoadCRDTEntries(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	byKey := map[string]models.CRDTEntry{}
	for _, e := range loaded {
		byKey[e.MapName+"/"+e.Key] = e
	}
	assert.Equal(t, int64(2), byKey["issueUpdates/I-1"].Version)
	assert.Equal(t, `{"status":"closed"}`, byKey["issueUpdates/I-1"].Value)

	require.NoError(t, db.DeleteCRDTEntries(ctx, "agentMetadata", []string{"agent-1"}))
	loaded, err = db.LoadCRDTEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
