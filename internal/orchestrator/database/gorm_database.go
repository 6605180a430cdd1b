// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package database is the GORM-backed persistence layer for workflows,
// executions, workflow events, checkpoints and coordinator state.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/orchestrator/models"
	"github.com/loomhq/loom/internal/orchestrator/oerr"
)

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db}, nil
}

// NewGormDBFromConn wraps an existing gorm connection, mainly for tests.
func NewGormDBFromConn(db *gorm.DB) *GormDB {
	return &GormDB{db: db}
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(
		&models.Workflow{},
		&models.Execution{},
		&models.WorkflowEvent{},
		&models.Checkpoint{},
		&models.CRDTEntry{},
	)
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// Workflow Operations
// ============================================================================

// CreateWorkflow inserts a new workflow.
func (db *GormDB) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	return db.db.WithContext(ctx).Create(workflow).Error
}

// GetWorkflow retrieves a workflow by ID. Returns oerr.ErrNotFound when the
// workflow does not exist.
func (db *GormDB) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	var workflow models.Workflow
	err := db.db.WithContext(ctx).First(&workflow, "id = ?", workflowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, oerr.ErrNotFound)
		}
		return nil, err
	}
	return &workflow, nil
}

// ListWorkflows retrieves workflows, optionally filtered by status, newest
// first.
func (db *GormDB) ListWorkflows(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	var workflows []*models.Workflow
	query := db.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&workflows).Error; err != nil {
		return nil, err
	}
	return workflows, nil
}

// SaveWorkflow persists the full workflow row, steps included.
func (db *GormDB) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	return db.db.WithContext(ctx).Save(workflow).Error
}

// UpdateWorkflowStatus updates only the status column.
func (db *GormDB) UpdateWorkflowStatus(ctx context.Context, workflowID string, status models.WorkflowStatus) error {
	return db.db.WithContext(ctx).Model(&models.Workflow{}).
		Where("id = ?", workflowID).
		Update("status", status).Error
}

// DeleteWorkflow deletes a workflow row.
func (db *GormDB) DeleteWorkflow(ctx context.Context, workflowID string) error {
	return db.db.WithContext(ctx).Delete(&models.Workflow{}, "id = ?", workflowID).Error
}

// ============================================================================
// Execution Operations
// ============================================================================

// CreateExecution inserts a new execution record.
func (db *GormDB) CreateExecution(ctx context.Context, execution *models.Execution) error {
	return db.db.WithContext(ctx).Create(execution).Error
}

// GetExecution retrieves an execution by ID. Returns oerr.ErrNotFound when
// the execution does not exist.
func (db *GormDB) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	var execution models.Execution
	err := db.db.WithContext(ctx).First(&execution, "id = ?", executionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("execution %s: %w", executionID, oerr.ErrNotFound)
		}
		return nil, err
	}
	return &execution, nil
}

// SaveExecution persists the full execution row.
func (db *GormDB) SaveExecution(ctx context.Context, execution *models.Execution) error {
	return db.db.WithContext(ctx).Save(execution).Error
}

// UpdateExecutionStatus updates an execution's status and, for terminal
// statuses, stamps completed_at.
func (db *GormDB) UpdateExecutionStatus(ctx context.Context, executionID string, status models.ExecutionStatus) error {
	updates := map[string]any{"status": status}
	if status.Terminal() {
		updates["completed_at"] = time.Now()
	}
	return db.db.WithContext(ctx).Model(&models.Execution{}).
		Where("id = ?", executionID).
		Updates(updates).Error
}

// TouchExecutionHeartbeat advances the execution's liveness timestamp.
func (db *GormDB) TouchExecutionHeartbeat(ctx context.Context, executionID string, at time.Time) error {
	return db.db.WithContext(ctx).Model(&models.Execution{}).
		Where("id = ?", executionID).
		Update("last_heartbeat", at).Error
}

// GetExecutionsByWorkflow retrieves all executions for a workflow, oldest
// first.
func (db *GormDB) GetExecutionsByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	var executions []*models.Execution
	err := db.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("started_at ASC").
		Find(&executions).Error
	if err != nil {
		return nil, err
	}
	return executions, nil
}

// GetActiveExecutions retrieves all executions that have not reached a
// terminal status.
func (db *GormDB) GetActiveExecutions(ctx context.Context) ([]*models.Execution, error) {
	var executions []*models.Execution
	err := db.db.WithContext(ctx).
		Where("status IN ?", []models.ExecutionStatus{
			models.ExecutionPreparing,
			models.ExecutionRunning,
			models.ExecutionPaused,
		}).
		Find(&executions).Error
	if err != nil {
		return nil, err
	}
	return executions, nil
}

// DeleteTerminalExecutionsBefore removes executions that finished before the
// cutoff. Used by the coordinator's garbage collector.
func (db *GormDB) DeleteTerminalExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := db.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&models.Execution{})
	return result.RowsAffected, result.Error
}

// ============================================================================
// WorkflowEvent Operations
// ============================================================================

// CreateWorkflowEvent inserts a new workflow event.
func (db *GormDB) CreateWorkflowEvent(ctx context.Context, event *models.WorkflowEvent) error {
	return db.db.WithContext(ctx).Create(event).Error
}

// GetUnprocessedEvents retrieves all events for a workflow that no wakeup has
// consumed yet, in creation order.
func (db *GormDB) GetUnprocessedEvents(ctx context.Context, workflowID string) ([]*models.WorkflowEvent, error) {
	var events []*models.WorkflowEvent
	err := db.db.WithContext(ctx).
		Where("workflow_id = ? AND processed_at IS NULL", workflowID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkEventsProcessed stamps processed_at on the given events.
func (db *GormDB) MarkEventsProcessed(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return db.db.WithContext(ctx).Model(&models.WorkflowEvent{}).
		Where("id IN ?", eventIDs).
		Update("processed_at", at).Error
}

// GetEventsByWorkflow retrieves the full event history of a workflow.
func (db *GormDB) GetEventsByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowEvent, error) {
	var events []*models.WorkflowEvent
	err := db.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ============================================================================
// Checkpoint Operations
// ============================================================================

// SaveCheckpoint inserts or replaces the checkpoint for a workflow.
func (db *GormDB) SaveCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error {
	return db.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workflow_id"}},
			UpdateAll: true,
		}).
		Create(checkpoint).Error
}

// GetCheckpoint retrieves the checkpoint for a workflow. Returns nil, nil
// when no checkpoint exists.
func (db *GormDB) GetCheckpoint(ctx context.Context, workflowID string) (*models.Checkpoint, error) {
	var checkpoint models.Checkpoint
	err := db.db.WithContext(ctx).First(&checkpoint, "workflow_id = ?", workflowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &checkpoint, nil
}

// ListCheckpoints retrieves every stored checkpoint, newest first.
func (db *GormDB) ListCheckpoints(ctx context.Context) ([]*models.Checkpoint, error) {
	var checkpoints []*models.Checkpoint
	err := db.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&checkpoints).Error
	if err != nil {
		return nil, err
	}
	return checkpoints, nil
}

// DeleteCheckpoint removes the checkpoint for a workflow.
func (db *GormDB) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	return db.db.WithContext(ctx).Delete(&models.Checkpoint{}, "workflow_id = ?", workflowID).Error
}

// ============================================================================
// CRDT Coordinator State
// ============================================================================

// UpsertCRDTEntries writes a batch of map entries in one transaction,
// replacing existing rows on (map_name, key).
func (db *GormDB) UpsertCRDTEntries(ctx context.Context, entries []models.CRDTEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "map_name"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "version", "updated_at"}),
		}).Create(&entries).Error
	})
}

// LoadCRDTEntries retrieves every persisted map entry.
func (db *GormDB) LoadCRDTEntries(ctx context.Context) ([]models.CRDTEntry, error) {
	var entries []models.CRDTEntry
	if err := db.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteCRDTEntries removes the given keys from one named map.
func (db *GormDB) DeleteCRDTEntries(ctx context.Context, mapName string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return db.db.WithContext(ctx).
		Where("map_name = ? AND key IN ?", mapName, keys).
		Delete(&models.CRDTEntry{}).Error
}
