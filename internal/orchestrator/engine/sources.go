// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/loomhq/loom/internal/entities"
	"github.com/loomhq/loom/internal/orchestrator/models"
	"github.com/loomhq/loom/internal/orchestrator/oerr"
)

// IssueStore is the engine's read view of the issue tracker.
type IssueStore interface {
	GetIssue(id string) (*entities.Entity, error)
	ListIssues() ([]*entities.Entity, error)
}

// FileIssueStore reads issues from a JSONL entity file on every call, so the
// engine always sees the file the agents are editing.
type FileIssueStore struct {
	path string
}

// NewFileIssueStore creates a store over the given issues.jsonl path.
func NewFileIssueStore(path string) *FileIssueStore {
	return &FileIssueStore{path: path}
}

func (s *FileIssueStore) ListIssues() ([]*entities.Entity, error) {
	return entities.ReadFile(s.path)
}

func (s *FileIssueStore) GetIssue(id string) (*entities.Entity, error) {
	all, err := s.ListIssues()
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if e.ID() == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("issue %s: %w", id, oerr.ErrNotFound)
}

// resolveSource expands a workflow source into the concrete issue set the
// dependency analyzer runs over. A goal source starts empty; the
// orchestrator fills it in as it plans.
func resolveSource(store IssueStore, source models.WorkflowSource) ([]*entities.Entity, error) {
	switch source.Type {
	case models.SourceGoal:
		return nil, nil

	case models.SourceIssues:
		issues := make([]*entities.Entity, 0, len(source.IssueIDs))
		for _, id := range source.IssueIDs {
			issue, err := store.GetIssue(id)
			if err != nil {
				return nil, err
			}
			issues = append(issues, issue)
		}
		return issues, nil

	case models.SourceSpec:
		if source.SpecID == "" {
			return nil, fmt.Errorf("spec source without spec id: %w", oerr.ErrInvalidState)
		}
		all, err := store.ListIssues()
		if err != nil {
			return nil, err
		}
		return lo.Filter(all, func(e *entities.Entity, _ int) bool {
			for _, rel := range e.Relationships() {
				if rel.Type == entities.RelImplements && rel.Target == source.SpecID {
					return true
				}
			}
			return false
		}), nil

	case models.SourceRootIssue:
		if source.RootIssueID == "" {
			return nil, fmt.Errorf("root_issue source without root id: %w", oerr.ErrInvalidState)
		}
		return resolveRootIssue(store, source.RootIssueID)

	default:
		return nil, fmt.Errorf("unknown workflow source type %q: %w", source.Type, oerr.ErrInvalidState)
	}
}

// resolveRootIssue walks out from the root: transitively every issue that
// blocks it (its prerequisites) and every issue that depends on it (its
// follow-ups).
func resolveRootIssue(store IssueStore, rootID string) ([]*entities.Entity, error) {
	all, err := store.ListIssues()
	if err != nil {
		return nil, err
	}
	byID := lo.SliceToMap(all, func(e *entities.Entity) (string, *entities.Entity) { return e.ID(), e })
	if _, ok := byID[rootID]; !ok {
		return nil, fmt.Errorf("issue %s: %w", rootID, oerr.ErrNotFound)
	}

	// blockers[id] = issues that block id; dependents[id] = issues that
	// declare depends-on id.
	blockers := make(map[string][]string)
	dependents := make(map[string][]string)
	for _, e := range all {
		for _, rel := range e.Relationships() {
			switch rel.Type {
			case entities.RelBlocks:
				blockers[rel.Target] = append(blockers[rel.Target], e.ID())
			case entities.RelDependsOn:
				dependents[rel.Target] = append(dependents[rel.Target], e.ID())
			}
		}
	}

	included := map[string]struct{}{}
	var issues []*entities.Entity
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := included[id]; seen {
			continue
		}
		issue, ok := byID[id]
		if !ok {
			continue
		}
		included[id] = struct{}{}
		issues = append(issues, issue)

		queue = append(queue, blockers[id]...)
		queue = append(queue, dependents[id]...)
		// An issue the root itself depends on is also a prerequisite.
		for _, rel := range issue.Relationships() {
			if rel.Type == entities.RelDependsOn {
				queue = append(queue, rel.Target)
			}
		}
	}
	return issues, nil
}
