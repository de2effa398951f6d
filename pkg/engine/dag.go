package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds the dependency graph of an environment's modules.
// It detects cycles and assigns topological levels; modules on the same level
// have no dependency on each other.
type DAGBuilder struct {
	// modules maps module IDs to modules
	modules map[string]*Module

	// dependents maps a module ID to the modules that depend on it
	dependents map[string][]string

	// dependencies maps a module ID to the modules it depends on
	dependencies map[string][]string

	// inDegree tracks the number of upstream edges for each module
	inDegree map[string]int

	// edges holds the validated dependency edges
	edges []ModuleDependency

	// levels maps execution level to module IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		modules:      make(map[string]*Module),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
	}
}

// ExecutionGraph is a built, acyclic module graph.
type ExecutionGraph struct {
	// Nodes maps module IDs to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges are the dependency edges of the graph.
	Edges []ModuleDependency `json:"edges"`

	// Roots are modules without upstream dependencies.
	Roots []string `json:"roots"`

	// Levels groups module IDs by topological level.
	Levels [][]string `json:"levels"`
}

// GraphNode is one module in an ExecutionGraph.
type GraphNode struct {
	// ModuleID is the module the node represents.
	ModuleID string `json:"module_id"`

	// Name is the module name, for display.
	Name string `json:"name"`

	// Level is the topological level; roots are level 0.
	Level int `json:"level"`

	// Dependencies are the upstream module IDs.
	Dependencies []string `json:"dependencies"`

	// Dependents are the downstream module IDs.
	Dependents []string `json:"dependents"`
}

// BuildGraph constructs an execution graph from modules and their dependency edges.
func (b *DAGBuilder) BuildGraph(modules []Module, deps []ModuleDependency) (*ExecutionGraph, error) {
	if err := b.initialize(modules, deps); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

func (b *DAGBuilder) initialize(modules []Module, deps []ModuleDependency) error {
	for i := range modules {
		module := &modules[i]
		if module.ID == "" {
			return NewValidationError("module has empty ID", nil)
		}
		if _, exists := b.modules[module.ID]; exists {
			return NewValidationError(fmt.Sprintf("duplicate module ID: %s", module.ID), nil)
		}
		b.modules[module.ID] = module
		b.inDegree[module.ID] = 0
	}

	for _, dep := range deps {
		if dep.ModuleID == dep.DependsOnID {
			return NewValidationError("module cannot depend on itself", nil).WithResource(dep.ModuleID)
		}
		if _, exists := b.modules[dep.ModuleID]; !exists {
			return NewValidationError(
				fmt.Sprintf("dependency references unknown module %s", dep.ModuleID), nil,
			).WithResource(dep.ID)
		}
		if _, exists := b.modules[dep.DependsOnID]; !exists {
			return NewValidationError(
				fmt.Sprintf("module %s depends on unknown module %s", dep.ModuleID, dep.DependsOnID), nil,
			).WithResource(dep.ModuleID)
		}

		// Edge from upstream to downstream: the upstream must finish first.
		b.dependents[dep.DependsOnID] = append(b.dependents[dep.DependsOnID], dep.ModuleID)
		b.dependencies[dep.ModuleID] = append(b.dependencies[dep.ModuleID], dep.DependsOnID)
		b.inDegree[dep.ModuleID]++
		b.edges = append(b.edges, dep)
	}

	for id := range b.dependents {
		sort.Strings(b.dependents[id])
	}
	for id := range b.dependencies {
		sort.Strings(b.dependencies[id])
	}

	return nil
}

// detectCycles uses depth-first search to find a dependency cycle.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.sortedModuleIDs() {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewValidationError(
				fmt.Sprintf("circular dependency detected: %s", b.formatCycle(cycle)), nil,
			).WithCode(ErrCodeCycle).WithDetail("cycle", cycle)
		}
	}

	return nil
}

func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.dependents[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. Each level is sorted so the
// resulting execution order is deterministic.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	current := make([]string, 0)
	for _, id := range b.sortedModuleIDs() {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(b.modules) {
		return NewInternalError("failed to order all modules - possible cycle", nil)
	}

	return nil
}

func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode, len(b.modules)),
		Edges:  b.edges,
		Roots:  make([]string, 0),
		Levels: b.levels,
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ModuleID:     id,
				Name:         b.modules[id].Name,
				Level:        level,
				Dependencies: b.dependencies[id],
				Dependents:   b.dependents[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	return graph
}

func (b *DAGBuilder) sortedModuleIDs() []string {
	ids := make([]string, 0, len(b.modules))
	for id := range b.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *DAGBuilder) formatCycle(cycle []string) string {
	names := make([]string, len(cycle))
	for i, id := range cycle {
		names[i] = id
		if m, ok := b.modules[id]; ok && m.Name != "" {
			names[i] = m.Name
		}
	}
	return strings.Join(names, " -> ")
}

// Order returns the topological execution order, level by level.
func (g *ExecutionGraph) Order() []string {
	order := make([]string, 0, len(g.Nodes))
	for _, level := range g.Levels {
		order = append(order, level...)
	}
	return order
}

// Depth returns the number of levels.
func (g *ExecutionGraph) Depth() int {
	return len(g.Levels)
}

// TransitiveDependents returns every module reachable downstream of moduleID,
// in breadth-first order.
func (g *ExecutionGraph) TransitiveDependents(moduleID string) []string {
	node, ok := g.Nodes[moduleID]
	if !ok {
		return nil
	}

	seen := map[string]bool{moduleID: true}
	result := make([]string, 0)
	queue := append([]string{}, node.Dependents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
		if n, ok := g.Nodes[id]; ok {
			queue = append(queue, n.Dependents...)
		}
	}
	return result
}

// EdgesInto returns the edges whose downstream module is moduleID.
func (g *ExecutionGraph) EdgesInto(moduleID string) []ModuleDependency {
	edges := make([]ModuleDependency, 0)
	for _, e := range g.Edges {
		if e.ModuleID == moduleID {
			edges = append(edges, e)
		}
	}
	return edges
}

// ReverseDependencies flips every edge, so that dependents come first. destroy-all
// walks the environment in this order.
func ReverseDependencies(deps []ModuleDependency) []ModuleDependency {
	reversed := make([]ModuleDependency, len(deps))
	for i, d := range deps {
		reversed[i] = d
		reversed[i].ModuleID, reversed[i].DependsOnID = d.DependsOnID, d.ModuleID
		reversed[i].OutputMappings = nil
	}
	return reversed
}

// WouldCreateCycle reports whether adding an edge "moduleID depends on dependsOnID"
// to deps closes a cycle, returning the cycle path when it does.
func WouldCreateCycle(deps []ModuleDependency, moduleID, dependsOnID string) ([]string, bool) {
	if moduleID == dependsOnID {
		return []string{moduleID, moduleID}, true
	}

	// The new edge closes a cycle iff moduleID already reaches dependsOnID
	// by following downstream edges.
	downstream := make(map[string][]string)
	for _, d := range deps {
		downstream[d.DependsOnID] = append(downstream[d.DependsOnID], d.ModuleID)
	}

	parent := map[string]string{moduleID: ""}
	queue := []string{moduleID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == dependsOnID {
			path := []string{dependsOnID}
			for p := parent[id]; p != ""; p = parent[p] {
				path = append([]string{p}, path...)
			}
			return append(path, moduleID), true
		}
		for _, next := range downstream[id] {
			if _, seen := parent[next]; !seen {
				parent[next] = id
				queue = append(queue, next)
			}
		}
	}
	return nil, false
}

// ToDOT renders the graph in Graphviz DOT format. statuses optionally colors
// nodes by the status of their latest run.
func (g *ExecutionGraph) ToDOT(statuses map[string]RunStatus) string {
	var sb strings.Builder

	sb.WriteString("digraph Environment {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			node := g.Nodes[id]
			label := node.Name
			if label == "" {
				label = id
			}
			status := statuses[id]
			if status != "" {
				label = fmt.Sprintf("%s\\n%s", label, status)
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, statusColor(status)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.Edges {
		style := "style=solid, color=black"
		if len(e.OutputMappings) > 0 {
			vars := make([]string, len(e.OutputMappings))
			for i, m := range e.OutputMappings {
				vars[i] = m.UpstreamOutput + "->" + m.DownstreamVariable
			}
			style += fmt.Sprintf(", label=\"%s\"", strings.Join(vars, "\\n"))
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", e.DependsOnID, e.ModuleID, style))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func statusColor(status RunStatus) string {
	switch {
	case status == RunStatusSucceeded:
		return "lightgreen"
	case status.IsFailure():
		return "lightcoral"
	case status == RunStatusSkipped:
		return "lightgray"
	case status.HoldsSlot():
		return "lightblue"
	default:
		return "white"
	}
}
