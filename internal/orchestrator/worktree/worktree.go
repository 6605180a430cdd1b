// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package worktree provisions git worktrees for workflow runs. Every
// workflow gets one worktree and one branch; all of its steps execute
// there sequentially so each step sees its predecessors' changes.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "worktree").Logger()
		log = &l
	})
	return log
}

var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// Worktree is one provisioned checkout.
type Worktree struct {
	Path     string
	Branch   string
	Commit   string
	Locked   bool
	Prunable bool
}

// Manager creates and removes worktrees under a single base repository.
type Manager struct {
	repoPath string
	basePath string
}

// NewManager creates a worktree manager for the configured repository.
func NewManager(cfg config.GitConfig) (*Manager, error) {
	repoPath, err := filepath.Abs(cfg.RepositoryPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}
	basePath := cfg.WorktreeBasePath
	if basePath == "" {
		basePath = filepath.Join(repoPath, ".worktrees")
	}
	basePath, err = filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree base path: %w", err)
	}
	return &Manager{repoPath: repoPath, basePath: basePath}, nil
}

// Create provisions a worktree for the workflow on a fresh branch cut from
// baseBranch. Calling it again for the same workflow returns the existing
// checkout, which makes retries after a crash safe.
func (m *Manager) Create(ctx context.Context, workflowID, baseBranch string) (*Worktree, error) {
	branch := "loom/wf-" + workflowID
	if err := validateBranchName(branch); err != nil {
		return nil, err
	}
	if baseBranch != "" {
		if err := validateBranchName(baseBranch); err != nil {
			return nil, err
		}
	}

	path := filepath.Join(m.basePath, "wf-"+workflowID)
	if m.Exists(path) {
		getLog().Debug().Str("path", path).Msg("Worktree already exists, reusing")
		return &Worktree{Path: path, Branch: branch}, nil
	}

	if err := os.MkdirAll(m.basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	// -B resets the branch if a previous run left it behind.
	args := []string{"worktree", "add", "-B", branch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if _, err := m.run(ctx, m.repoPath, args...); err != nil {
		return nil, fmt.Errorf("create worktree for workflow %s: %w", workflowID, err)
	}

	getLog().Info().
		Str("workflowId", workflowID).
		Str("path", path).
		Str("branch", branch).
		Msg("Worktree created")
	return &Worktree{Path: path, Branch: branch}, nil
}

// Remove deletes the worktree checkout. Git refusal (dirty tree, stale
// metadata) falls back to removing the directory and pruning references.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if !m.Exists(path) {
		getLog().Debug().Str("path", path).Msg("Worktree already gone")
		return nil
	}

	if _, err := m.run(ctx, m.repoPath, "worktree", "remove", "--force", path); err != nil {
		getLog().Warn().Err(err).Str("path", path).Msg("git worktree remove failed, cleaning up manually")
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove worktree directory: %w", err)
		}
		if err := m.Prune(ctx); err != nil {
			getLog().Warn().Err(err).Msg("Worktree prune after manual removal failed")
		}
	}

	getLog().Info().Str("path", path).Msg("Worktree removed")
	return nil
}

// List returns every worktree of the repository, the main checkout included.
func (m *Manager) List(ctx context.Context) ([]Worktree, error) {
	out, err := m.run(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parsePorcelain(out), nil
}

// Prune drops stale worktree bookkeeping after manual deletions.
func (m *Manager) Prune(ctx context.Context) error {
	if _, err := m.run(ctx, m.repoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// Exists reports whether path holds a worktree checkout.
func (m *Manager) Exists(path string) bool {
	// A linked worktree has a .git file pointing back at the repository.
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// DeleteBranch removes the workflow branch, best effort after the worktree
// is gone.
func (m *Manager) DeleteBranch(ctx context.Context, branch string) error {
	if err := validateBranchName(branch); err != nil {
		return err
	}
	if _, err := m.run(ctx, m.repoPath, "branch", "-D", branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name is empty")
	}
	if !branchNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid branch name: %s", name)
	}
	return nil
}

// parsePorcelain parses `git worktree list --porcelain` output: stanzas of
// attribute lines separated by blank lines.
func parsePorcelain(out string) []Worktree {
	var worktrees []Worktree
	var current Worktree

	flush := func() {
		if current.Path != "" {
			worktrees = append(worktrees, current)
			current = Worktree{}
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case line == "locked":
			current.Locked = true
		case line == "prunable":
			current.Prunable = true
		}
	}
	flush()
	return worktrees
}
