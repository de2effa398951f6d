package engine

import (
	"strings"
	"testing"
)

func testModules(ids ...string) []Module {
	modules := make([]Module, len(ids))
	for i, id := range ids {
		modules[i] = Module{ID: id, Name: "mod-" + id, Status: ModuleStatusActive}
	}
	return modules
}

func edge(downstream, upstream string, mappings ...OutputMapping) ModuleDependency {
	return ModuleDependency{
		ID:             downstream + "<-" + upstream,
		ModuleID:       downstream,
		DependsOnID:    upstream,
		OutputMappings: mappings,
	}
}

func TestDAGBuilder_BuildGraph_Empty(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(nil, nil)
	if err != nil {
		t.Fatalf("Expected no error for empty graph, got: %v", err)
	}
	if len(graph.Nodes) != 0 {
		t.Errorf("Expected 0 nodes, got %d", len(graph.Nodes))
	}
	if graph.Depth() != 0 {
		t.Errorf("Expected depth 0, got %d", graph.Depth())
	}
}

func TestDAGBuilder_BuildGraph_Linear(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(
		testModules("a", "b", "c"),
		[]ModuleDependency{edge("b", "a"), edge("c", "b")},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth() != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth())
	}
	if len(graph.Roots) != 1 || graph.Roots[0] != "a" {
		t.Errorf("Expected roots [a], got %v", graph.Roots)
	}
	order := strings.Join(graph.Order(), ",")
	if order != "a,b,c" {
		t.Errorf("Expected order a,b,c, got %s", order)
	}
	if graph.Nodes["c"].Level != 2 {
		t.Errorf("Expected c at level 2, got %d", graph.Nodes["c"].Level)
	}
}

func TestDAGBuilder_BuildGraph_Diamond(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(
		testModules("a", "b", "c", "d"),
		[]ModuleDependency{edge("b", "a"), edge("c", "a"), edge("d", "b"), edge("d", "c")},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth() != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth())
	}
	if got := strings.Join(graph.Levels[1], ","); got != "b,c" {
		t.Errorf("Expected level 1 = b,c, got %s", got)
	}
	if got := strings.Join(graph.Nodes["d"].Dependencies, ","); got != "b,c" {
		t.Errorf("Expected d to depend on b,c, got %s", got)
	}
	if got := len(graph.EdgesInto("d")); got != 2 {
		t.Errorf("Expected 2 edges into d, got %d", got)
	}
}

func TestDAGBuilder_BuildGraph_Cycle(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph(
		testModules("a", "b", "c"),
		[]ModuleDependency{edge("b", "a"), edge("c", "b"), edge("a", "c")},
	)
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	if !IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if CodeOf(err) != ErrCodeCycle {
		t.Errorf("Expected code %s, got %s", ErrCodeCycle, CodeOf(err))
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("Expected cycle path in message, got %q", err.Error())
	}
}

func TestDAGBuilder_BuildGraph_InvalidEdges(t *testing.T) {
	tests := []struct {
		name string
		deps []ModuleDependency
	}{
		{name: "self edge", deps: []ModuleDependency{edge("a", "a")}},
		{name: "unknown downstream", deps: []ModuleDependency{edge("x", "a")}},
		{name: "unknown upstream", deps: []ModuleDependency{edge("a", "x")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDAGBuilder().BuildGraph(testModules("a", "b"), tt.deps)
			if !IsValidation(err) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestDAGBuilder_BuildGraph_DuplicateModule(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph(testModules("a", "a"), nil)
	if !IsValidation(err) {
		t.Errorf("Expected validation error for duplicate module, got %v", err)
	}
}

func TestExecutionGraph_TransitiveDependents(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(
		testModules("a", "b", "c", "d", "e"),
		[]ModuleDependency{edge("b", "a"), edge("c", "b"), edge("d", "a"), edge("c", "d")},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := graph.TransitiveDependents("a")
	want := map[string]bool{"b": true, "c": true, "d": true}
	if len(got) != len(want) {
		t.Fatalf("Expected %d dependents, got %v", len(want), got)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("Unexpected dependent %s", id)
		}
	}
	if deps := graph.TransitiveDependents("e"); len(deps) != 0 {
		t.Errorf("Expected no dependents of e, got %v", deps)
	}
}

func TestReverseDependencies(t *testing.T) {
	deps := []ModuleDependency{edge("b", "a", OutputMapping{UpstreamOutput: "vpc_id", DownstreamVariable: "vpc_id"})}
	reversed := ReverseDependencies(deps)

	if reversed[0].ModuleID != "a" || reversed[0].DependsOnID != "b" {
		t.Errorf("Expected a to depend on b, got %+v", reversed[0])
	}
	if len(reversed[0].OutputMappings) != 0 {
		t.Error("Expected output mappings to be dropped")
	}
	if deps[0].ModuleID != "b" {
		t.Error("Expected input slice to be left untouched")
	}

	graph, err := NewDAGBuilder().BuildGraph(testModules("a", "b"), reversed)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := strings.Join(graph.Order(), ","); got != "b,a" {
		t.Errorf("Expected destroy order b,a, got %s", got)
	}
}

func TestWouldCreateCycle(t *testing.T) {
	deps := []ModuleDependency{edge("b", "a"), edge("c", "b")}

	tests := []struct {
		name       string
		downstream string
		upstream   string
		wantCycle  bool
	}{
		{name: "closing edge", downstream: "a", upstream: "c", wantCycle: true},
		{name: "self edge", downstream: "a", upstream: "a", wantCycle: true},
		{name: "parallel edge", downstream: "c", upstream: "a", wantCycle: false},
		{name: "new module", downstream: "d", upstream: "c", wantCycle: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, cycle := WouldCreateCycle(deps, tt.downstream, tt.upstream)
			if cycle != tt.wantCycle {
				t.Fatalf("Expected cycle=%v, got %v (path %v)", tt.wantCycle, cycle, path)
			}
			if cycle && path[0] != path[len(path)-1] {
				t.Errorf("Expected closed path, got %v", path)
			}
		})
	}
}

func TestExecutionGraph_ToDOT(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(
		testModules("a", "b"),
		[]ModuleDependency{edge("b", "a", OutputMapping{UpstreamOutput: "vpc_id", DownstreamVariable: "network"})},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT(map[string]RunStatus{"a": RunStatusSucceeded})
	for _, want := range []string{"digraph", "mod-a", "mod-b", "vpc_id"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q:\n%s", want, dot)
		}
	}
}
