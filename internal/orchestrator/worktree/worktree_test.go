// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/config"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "-b", "main")
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "initial commit")
	return dir
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func newManager(t *testing.T, repo string) *Manager {
	t.Helper()
	m, err := NewManager(config.GitConfig{
		RepositoryPath:   repo,
		WorktreeBasePath: filepath.Join(t.TempDir(), "worktrees"),
	})
	require.NoError(t, err)
	return m
}

func TestCreateIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	m := newManager(t, repo)
	ctx := context.Background()

	wt, err := m.Create(ctx, "wf-abc", "main")
	require.NoError(t, err)
	assert.Equal(t, "loom/wf-wf-abc", wt.Branch)
	assert.FileExists(t, filepath.Join(wt.Path, "README.md"))

	again, err := m.Create(ctx, "wf-abc", "main")
	require.NoError(t, err)
	assert.Equal(t, wt.Path, again.Path)
}

func TestListIncludesCreatedWorktree(t *testing.T) {
	repo := initRepo(t)
	m := newManager(t, repo)
	ctx := context.Background()

	wt, err := m.Create(ctx, "wf-1", "main")
	require.NoError(t, err)

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 2, "main checkout plus the new worktree")

	var found bool
	for _, w := range all {
		if w.Branch == wt.Branch {
			found = true
			assert.NotEmpty(t, w.Commit)
		}
	}
	assert.True(t, found)
}

func TestRemoveDeletesCheckout(t *testing.T) {
	repo := initRepo(t)
	m := newManager(t, repo)
	ctx := context.Background()

	wt, err := m.Create(ctx, "wf-1", "main")
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, wt.Path))
	assert.False(t, m.Exists(wt.Path))

	// Removing again is a no-op.
	require.NoError(t, m.Remove(ctx, wt.Path))
}

func TestRemoveSurvivesManualDeletion(t *testing.T) {
	repo := initRepo(t)
	m := newManager(t, repo)
	ctx := context.Background()

	wt, err := m.Create(ctx, "wf-1", "main")
	require.NoError(t, err)

	// Someone deleted the directory behind git's back.
	require.NoError(t, os.RemoveAll(wt.Path))
	require.NoError(t, m.Remove(ctx, wt.Path))
	require.NoError(t, m.Prune(ctx))

	all, err := m.List(ctx)
	require.NoError(t, err)
	for _, w := range all {
		assert.NotEqual(t, wt.Path, w.Path)
	}
}

func TestDeleteBranch(t *testing.T) {
	repo := initRepo(t)
	m := newManager(t, repo)
	ctx := context.Background()

	wt, err := m.Create(ctx, "wf-1", "main")
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, wt.Path))
	require.NoError(t, m.DeleteBranch(ctx, wt.Branch))
}

func TestBranchNameValidation(t *testing.T) {
	repo := initRepo(t)
	m := newManager(t, repo)

	assert.Error(t, m.DeleteBranch(context.Background(), "bad name; rm -rf /"))
	assert.Error(t, m.DeleteBranch(context.Background(), "../escape"))
	assert.Error(t, m.DeleteBranch(context.Background(), ""))
}

func TestParsePorcelain(t *testing.T) {
	out := "worktree /repo\nHEAD abc123\nbranch refs/heads/main\n\n" +
		"worktree /repo/.worktrees/wf-1\nHEAD def456\nbranch refs/heads/loom/wf-1\nlocked\n\n" +
		"worktree /repo/.worktrees/gone\nHEAD 999\nprunable\n"

	worktrees := parsePorcelain(out)
	require.Len(t, worktrees, 3)
	assert.Equal(t, "main", worktrees[0].Branch)
	assert.True(t, worktrees[1].Locked)
	assert.Equal(t, "loom/wf-1", worktrees[1].Branch)
	assert.True(t, worktrees[2].Prunable)
	assert.Empty(t, worktrees[2].Branch)
}
