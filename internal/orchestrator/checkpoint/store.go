// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package checkpoint persists workflow snapshots so a paused or crashed
// workflow can resume where it left off. One checkpoint per workflow; a
// later save fully supersedes the earlier one.
package checkpoint

import (
	"context"
	"time"

	"github.com/loomhq/loom/internal/orchestrator/database"
	"github.com/loomhq/loom/internal/orchestrator/models"
)

// Store is the persistence contract the engine saves through.
type Store interface {
	Save(ctx context.Context, c *models.Checkpoint) error
	// Load returns the workflow's checkpoint, or nil when none exists.
	Load(ctx context.Context, workflowID string) (*models.Checkpoint, error)
	List(ctx context.Context) ([]*models.Checkpoint, error)
	Delete(ctx context.Context, workflowID string) error
}

// GormStore implements Store on the orchestrator database.
type GormStore struct {
	db *database.GormDB
}

// NewGormStore creates a checkpoint store over the given database.
func NewGormStore(db *database.GormDB) *GormStore {
	return &GormStore{db: db}
}

// Save writes the checkpoint, replacing any previous snapshot for the
// workflow. The write is atomic from the reader's perspective.
func (s *GormStore) Save(ctx context.Context, c *models.Checkpoint) error {
	c.CreatedAt = time.Now()
	return s.db.SaveCheckpoint(ctx, c)
}

// Load reads the workflow's checkpoint; nil when absent.
func (s *GormStore) Load(ctx context.Context, workflowID string) (*models.Checkpoint, error) {
	return s.db.GetCheckpoint(ctx, workflowID)
}

// List returns every stored checkpoint, newest first.
func (s *GormStore) List(ctx context.Context) ([]*models.Checkpoint, error) {
	return s.db.ListCheckpoints(ctx)
}

// Delete removes the workflow's checkpoint.
func (s *GormStore) Delete(ctx context.Context, workflowID string) error {
	return s.db.DeleteCheckpoint(ctx, workflowID)
}
