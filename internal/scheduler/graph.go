// Package scheduler implements the dependency-ordered scheduler (spec
// §4.3): a DAG of components connected by HARD and SOFT edges, a
// deterministic topological start order, and reverse-order shutdown.
//
// Grounded on the teacher's internal/dependency/graph.go, a small
// informational DAG helper used by the TUI. This package generalizes it
// from an untyped, cycle-tolerant graph used only for display into an
// authoritative scheduling structure: cycle detection is now load-bearing
// (a cyclic deployment must be rejected before anything starts), and the
// edges carry the spec's HARD/SOFT kind and StartWhen semantics instead of
// being a flat list of IDs.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/edgemesh/supervisor/internal/model"
)

// Graph is the dependency DAG for one deployment generation. Not safe for
// concurrent mutation; callers (the Merge Engine) build a Graph and then
// hand it to a Scheduler, which only reads it.
type Graph struct {
	nodes map[string]*node
}

type node struct {
	name string
	deps []model.DependencyEdge // edges where this node is the dependent
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddComponent registers a component name with the graph, with no edges.
// Safe to call multiple times; it is a no-op if the name is already present.
func (g *Graph) AddComponent(name string) {
	if _, ok := g.nodes[name]; ok {
		return
	}
	g.nodes[name] = &node{name: name}
}

// AddEdge records that dependent depends on dependency, of the given kind
// and start-when condition. Both ends are auto-registered if absent.
func (g *Graph) AddEdge(edge model.DependencyEdge) {
	g.AddComponent(edge.Dependent)
	g.AddComponent(edge.Dependency)
	n := g.nodes[edge.Dependent]
	n.deps = append(n.deps, edge)
}

// Dependencies returns the immediate dependency edges of name.
func (g *Graph) Dependencies(name string) []model.DependencyEdge {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	out := make([]model.DependencyEdge, len(n.deps))
	copy(out, n.deps)
	return out
}

// Dependents returns the names of every component that directly depends on
// name (an O(n) walk; deployment graphs are small enough that this is fine,
// as in the teacher's Dependents()).
func (g *Graph) Dependents(name string) []string {
	var out []string
	for _, n := range g.nodes {
		for _, edge := range n.deps {
			if edge.Dependency == name {
				out = append(out, n.name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Components returns every component name in the graph, sorted, for
// deterministic iteration.
func (g *Graph) Components() []string {
	out := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TransitiveDependencies returns the full set of components that name
// depends on, directly or indirectly, per spec §4.3's
// "putDependenciesIntoSet" closure used when computing a deployment's
// reachable set.
func (g *Graph) TransitiveDependencies(name string) map[string]struct{} {
	seen := map[string]struct{}{}
	var walk func(string)
	walk = func(current string) {
		for _, edge := range g.Dependencies(current) {
			if _, ok := seen[edge.Dependency]; ok {
				continue
			}
			seen[edge.Dependency] = struct{}{}
			walk(edge.Dependency)
		}
	}
	walk(name)
	return seen
}

// TopologicalOrder returns component names in dependency-first order
// (dependencies before dependents), suitable for a start sequence. Ties are
// broken by name for determinism (spec §4.3 "stable, deterministic across
// identical graphs"). Returns model.ErrCycleDetected, wrapped with the
// offending component, if the graph is not a DAG.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	forward := make(map[string][]string, len(g.nodes)) // dependency -> dependents

	for name := range g.nodes {
		indegree[name] = 0
	}
	for name, n := range g.nodes {
		for _, edge := range n.deps {
			forward[edge.Dependency] = append(forward[edge.Dependency], name)
			indegree[name]++
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := append([]string(nil), forward[name]...)
		sort.Strings(next)
		for _, dependent := range next {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(g.nodes) {
		remaining := make([]string, 0)
		for name, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("%w: involves %v", model.ErrCycleDetected, remaining)
	}
	return order, nil
}

// ShutdownOrder is the reverse of TopologicalOrder: dependents before their
// dependencies, so that a component is always stopped before anything it
// depends on (spec §4.3 "shutdown proceeds in the reverse of start order").
func (g *Graph) ShutdownOrder() ([]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	reversed := make([]string, len(order))
	for i, name := range order {
		reversed[len(order)-1-i] = name
	}
	return reversed, nil
}
