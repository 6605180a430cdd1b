// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package depgraph builds a dependency DAG from issue relationships and
// derives the orderings the workflow engine schedules from.
package depgraph

import (
	"github.com/samber/lo"

	"github.com/loomhq/loom/internal/entities"
)

// IssueRef is the analyzer's view of an issue: its id and raw relationships.
type IssueRef struct {
	ID            string
	Relationships []entities.Relationship
}

// Edge is a directed blocker→blocked dependency edge.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Result is the full analysis output.
type Result struct {
	IssueIDs         []string   `json:"issue_ids"`
	Edges            []Edge     `json:"edges"`
	TopologicalOrder []string   `json:"topological_order"`
	Cycles           [][]string `json:"cycles"` // nil when the graph is acyclic
	ParallelGroups   [][]string `json:"parallel_groups"`
}

// HasCycles reports whether the analysis found at least one cycle.
func (r *Result) HasCycles() bool {
	return len(r.Cycles) > 0
}

// Analyze builds the DAG and computes topological order, cycles and parallel
// groups. Two relationship kinds contribute edges: "blocks" points from the
// blocker to the blocked issue, "depends-on" is recorded on the dependent and
// is reversed into a blocker→blocked edge. Duplicate edges are suppressed and
// edges touching ids outside the input set are dropped.
func Analyze(issues []IssueRef) *Result {
	ids := lo.Map(issues, func(ref IssueRef, _ int) string { return ref.ID })
	inSet := lo.SliceToMap(ids, func(id string) (string, struct{}) { return id, struct{}{} })

	var edges []Edge
	seen := make(map[Edge]struct{})
	addEdge := func(from, to string) {
		if from == to {
			return
		}
		if _, ok := inSet[from]; !ok {
			return
		}
		if _, ok := inSet[to]; !ok {
			return
		}
		e := Edge{From: from, To: to}
		if _, dup := seen[e]; dup {
			return
		}
		seen[e] = struct{}{}
		edges = append(edges, e)
	}

	for _, ref := range issues {
		for _, rel := range ref.Relationships {
			switch rel.Type {
			case entities.RelBlocks:
				addEdge(ref.ID, rel.Target)
			case entities.RelDependsOn:
				addEdge(rel.Target, ref.ID)
			}
		}
	}

	result := &Result{
		IssueIDs: ids,
		Edges:    edges,
	}

	// Adjacency and in-degree for Kahn's algorithm. Successor lists keep
	// edge insertion order so the output is deterministic.
	succ := make(map[string][]string, len(ids))
	pred := make(map[string][]string, len(ids))
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, e := range edges {
		succ[e.From] = append(succ[e.From], e.To)
		pred[e.To] = append(pred[e.To], e.From)
		inDegree[e.To]++
	}

	// Kahn: seed with all zero-in-degree nodes in input order, pop and emit,
	// decrement successors, enqueue new zeros.
	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	degree := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		degree[k] = v
	}
	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, next := range succ[node] {
			degree[next]--
			if degree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	result.TopologicalOrder = order

	// Anything not emitted is part of (or downstream of) a cycle; locate the
	// actual cycles with a DFS restricted to the remaining nodes.
	if len(order) < len(ids) {
		emitted := lo.SliceToMap(order, func(id string) (string, struct{}) { return id, struct{}{} })
		remaining := lo.Filter(ids, func(id string, _ int) bool {
			_, ok := emitted[id]
			return !ok
		})
		result.Cycles = findCycles(remaining, succ)
	}

	result.ParallelGroups = parallelGroups(order, pred)
	return result
}

// findCycles runs a DFS over the given nodes and returns each discovered
// cycle as a path that ends where it repeats, e.g. [A B A].
func findCycles(nodes []string, succ map[string][]string) [][]string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	inScope := lo.SliceToMap(nodes, func(id string) (string, struct{}) { return id, struct{}{} })
	color := make(map[string]int, len(nodes))
	var cycles [][]string
	var path []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		path = append(path, id)
		for _, next := range succ[id] {
			if _, ok := inScope[next]; !ok {
				continue
			}
			switch color[next] {
			case gray:
				// Back edge: slice the current path from the repeat onward.
				start := lo.IndexOf(path, next)
				cycle := append([]string{}, path[start:]...)
				cycle = append(cycle, next)
				cycles = append(cycles, cycle)
			case white:
				visit(next)
			}
		}
		path = path[:len(path)-1]
		color[id] = black
	}

	for _, id := range nodes {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// parallelGroups levels the DAG: each node gets level 1 + max(level of its
// in-neighbors), and a group is all nodes at one level in topological order.
// Nodes caught in cycles never appear in the topological order and are
// excluded.
func parallelGroups(order []string, pred map[string][]string) [][]string {
	if len(order) == 0 {
		return nil
	}
	level := make(map[string]int, len(order))
	maxLevel := 1
	for _, id := range order {
		l := 1
		for _, p := range pred[id] {
			if pl, ok := level[p]; ok && pl+1 > l {
				l = pl + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
	}
	groups := make([][]string, maxLevel)
	for _, id := range order {
		l := level[id] - 1
		groups[l] = append(groups[l], id)
	}
	return groups
}
