// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package depgraph

import (
	"testing"

	"github.com/loomhq/loom/internal/entities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ref(id string, rels ...entities.Relationship) IssueRef {
	return IssueRef{ID: id, Relationships: rels}
}

func blocks(target string) entities.Relationship {
	return entities.Relationship{Type: entities.RelBlocks, Target: target}
}

func dependsOn(target string) entities.Relationship {
	return entities.Relationship{Type: entities.RelDependsOn, Target: target}
}

func TestAnalyzeLinearChain(t *testing.T) {
	result := Analyze([]IssueRef{
		ref("a", blocks("b")),
		ref("b", blocks("c")),
		ref("c"),
	})

	require.False(t, result.HasCycles())
	assert.Equal(t, []string{"a", "b", "c"}, result.TopologicalOrder)
	assert.Equal(t, []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}}, result.Edges)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, result.ParallelGroups)
}

func TestAnalyzeDependsOnReversesEdge(t *testing.T) {
	result := Analyze([]IssueRef{
		ref("child", dependsOn("parent")),
		ref("parent"),
	})

	require.False(t, result.HasCycles())
	assert.Equal(t, []Edge{{From: "parent", To: "child"}}, result.Edges)
	assert.Equal(t, []string{"parent", "child"}, result.TopologicalOrder)
}

func TestAnalyzeDiamondParallelGroups(t *testing.T) {
	result := Analyze([]IssueRef{
		ref("root", blocks("left"), blocks("right")),
		ref("left", blocks("join")),
		ref("right", blocks("join")),
		ref("join"),
	})

	require.False(t, result.HasCycles())
	require.Len(t, result.ParallelGroups, 3)
	assert.Equal(t, []string{"root"}, result.ParallelGroups[0])
	assert.ElementsMatch(t, []string{"left", "right"}, result.ParallelGroups[1])
	assert.Equal(t, []string{"join"}, result.ParallelGroups[2])
}

func TestAnalyzeDetectsCycle(t *testing.T) {
	result := Analyze([]IssueRef{
		ref("a", blocks("b")),
		ref("b", blocks("a")),
	})

	require.True(t, result.HasCycles())
	require.Len(t, result.Cycles, 1)
	cycle := result.Cycles[0]
	// The cycle path ends where it repeats.
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.ElementsMatch(t, []string{"a", "b"}, cycle[:len(cycle)-1])
	assert.Empty(t, result.TopologicalOrder)
}

func TestAnalyzeCycleDoesNotPoisonRest(t *testing.T) {
	result := Analyze([]IssueRef{
		ref("a", blocks("b")),
		ref("b", blocks("a")),
		ref("solo"),
	})

	require.True(t, result.HasCycles())
	assert.Equal(t, []string{"solo"}, result.TopologicalOrder)
	assert.Equal(t, [][]string{{"solo"}}, result.ParallelGroups)
}

func TestAnalyzeDropsForeignAndSelfEdges(t *testing.T) {
	result := Analyze([]IssueRef{
		ref("a", blocks("a"), blocks("outside"), dependsOn("elsewhere")),
		ref("b", dependsOn("a"), dependsOn("a")),
	})

	require.False(t, result.HasCycles())
	// Self edge, foreign targets and the duplicate depends-on collapse to one.
	assert.Equal(t, []Edge{{From: "a", To: "b"}}, result.Edges)
}

func TestAnalyzeEmptyInput(t *testing.T) {
	result := Analyze(nil)

	assert.False(t, result.HasCycles())
	assert.Empty(t, result.TopologicalOrder)
	assert.Nil(t, result.ParallelGroups)
}
