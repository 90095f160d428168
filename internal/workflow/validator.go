package workflow

import "fmt"

// Validate rejects a graph that has no nodes, references unknown node ids
// from an edge, or contains a cycle. Cycle detection happens as a
// byproduct of Sort, so Validate calls it and discards the order.
func Validate(graph *WorkflowGraph) error {
	if len(graph.Nodes) == 0 {
		return fmt.Errorf("workflow graph has no nodes")
	}

	known := make(map[string]bool, len(graph.Nodes))
	for _, n := range graph.Nodes {
		known[n.ID] = true
	}
	for _, e := range graph.Edges {
		if !known[e.Source] || !known[e.Target] {
			return fmt.Errorf("workflow graph has a dangling edge: %s -> %s", e.Source, e.Target)
		}
	}

	_, err := Sort(graph)
	return err
}

// Sort performs Kahn's algorithm over the graph and returns node ids in
// topological order. Ties among zero-indegree nodes break in node
// insertion order (the order Nodes appears in the graph), making the sort
// deterministic for a fixed graph.
func Sort(graph *WorkflowGraph) ([]string, error) {
	inDegree := make(map[string]int, len(graph.Nodes))
	adjacency := make(map[string][]string, len(graph.Nodes))
	order := make([]string, 0, len(graph.Nodes))

	for _, n := range graph.Nodes {
		inDegree[n.ID] = 0
		order = append(order, n.ID)
	}
	for _, e := range graph.Edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(order))
	for _, id := range order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		for _, next := range adjacency[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(graph.Nodes) {
		return nil, fmt.Errorf("Workflow graph contains cycles")
	}

	return sorted, nil
}
