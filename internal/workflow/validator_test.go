package workflow

import "testing"

func node(id string) Node {
	return Node{ID: id, BlockID: "http-request"}
}

func edge(source, target string) Edge {
	return Edge{ID: source + "->" + target, Source: source, Target: target}
}

func TestValidateRejectsEmptyGraph(t *testing.T) {
	graph := &WorkflowGraph{}
	if err := Validate(graph); err == nil {
		t.Error("expected an error for a graph with no nodes")
	}
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	graph := &WorkflowGraph{
		Nodes: []Node{node("a")},
		Edges: []Edge{edge("a", "missing")},
	}
	if err := Validate(graph); err == nil {
		t.Error("expected an error for an edge referencing an unknown node")
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	graph := &WorkflowGraph{
		Nodes: []Node{node("a"), node("b"), node("c")},
		Edges: []Edge{edge("a", "b"), edge("b", "c"), edge("c", "a")},
	}
	if err := Validate(graph); err == nil {
		t.Error("expected an error for a cyclic graph")
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	graph := &WorkflowGraph{
		Nodes: []Node{node("a"), node("b")},
		Edges: []Edge{edge("a", "b")},
	}
	if err := Validate(graph); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestSortTopologicalOrder(t *testing.T) {
	graph := &WorkflowGraph{
		Nodes: []Node{node("a"), node("b"), node("c")},
		Edges: []Edge{edge("a", "b"), edge("b", "c")},
	}
	order, err := Sort(graph)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestSortTieBreaksOnInsertionOrder(t *testing.T) {
	graph := &WorkflowGraph{
		Nodes: []Node{node("z"), node("a"), node("m")},
	}
	order, err := Sort(graph)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"z", "a", "m"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s (ties should break on node insertion order, not id)", i, order[i], want[i])
		}
	}
}

func TestSortDetectsCycle(t *testing.T) {
	graph := &WorkflowGraph{
		Nodes: []Node{node("a"), node("b")},
		Edges: []Edge{edge("a", "b"), edge("b", "a")},
	}
	if _, err := Sort(graph); err == nil {
		t.Error("expected an error for a cyclic graph")
	} else if err.Error() != "Workflow graph contains cycles" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestSortDiamondDependency(t *testing.T) {
	graph := &WorkflowGraph{
		Nodes: []Node{node("a"), node("b"), node("c"), node("d")},
		Edges: []Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")},
	}
	order, err := Sort(graph)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] >= pos["b"] || pos["a"] >= pos["c"] {
		t.Error("a must precede both b and c")
	}
	if pos["b"] >= pos["d"] || pos["c"] >= pos["d"] {
		t.Error("d must come after both b and c")
	}
}
