package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/gorax/shieldflow/internal/executor/dispatch"
)

// BlockLister loads the blocks backing a workflow, ordered by (order,
// createdAt). It is the materializer's only persistence dependency.
type BlockLister interface {
	ListBlocksByWorkflow(ctx context.Context, orgID, workflowID string) ([]Block, error)
}

// Materializer assembles a runnable WorkflowGraph from persisted blocks.
type Materializer struct {
	blocks   BlockLister
	registry *dispatch.Registry
}

// NewMaterializer constructs a Materializer over a block store and the
// closed block-definition registry.
func NewMaterializer(blocks BlockLister, registry *dispatch.Registry) *Materializer {
	return &Materializer{blocks: blocks, registry: registry}
}

// inputSlot is one entry of a block's `__inputSlots` metadata: the upstream
// (source, output) pair a target handle is wired to.
type inputSlot struct {
	Source string `json:"source"`
	Output string `json:"output,omitempty"`
}

// Materialize loads the blocks for workflowID and builds the canonical
// graph, satisfying the invariants in the data model: known edge
// endpoints, acyclicity is left to the validator, at most one incoming
// edge per (node, targetHandle) via dedup, and __inputSlots reconciled
// against edges.
func (m *Materializer) Materialize(ctx context.Context, orgID, workflowID string) (*WorkflowGraph, error) {
	blocks, err := m.blocks.ListBlocksByWorkflow(ctx, orgID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("workflow has no blocks yet")
	}

	graph := &WorkflowGraph{}
	edgeKeys := make(map[[3]string]bool)

	for _, b := range blocks {
		def, ok := m.registry.Lookup(b.Type)
		if !ok {
			return nil, fmt.Errorf("unknown block type: %s", b.Type)
		}

		node := Node{
			ID:      b.ID,
			BlockID: b.Type,
			Type:    def.NodeKind(),
			Data:    b.Config,
		}
		if b.Alias != nil {
			node.Alias = *b.Alias
		}
		if b.ConnectorID != nil {
			node.Connector = *b.ConnectorID
		}
		graph.Nodes = append(graph.Nodes, node)

		slots := parseInputSlots(b.Config)

		for _, dep := range b.Dependencies {
			edge := Edge{
				Source:       dep.Source,
				Target:       b.ID,
				SourceHandle: dep.SourceHandle,
				TargetHandle: dep.TargetHandle,
			}
			reconcileWithSlots(&edge, slots)
			edge.ID = fmt.Sprintf("%s->%s:%s", edge.Source, edge.Target, edge.TargetHandle)

			key := edge.Key()
			if edgeKeys[key] {
				continue
			}
			edgeKeys[key] = true
			graph.Edges = append(graph.Edges, edge)
		}
	}

	normalizeLayout(graph, blocks)

	return graph, nil
}

// parseInputSlots extracts the `__inputSlots` map from a block's config, if
// present. Keys are sorted by caller for deterministic slot-matching.
func parseInputSlots(config json.RawMessage) map[string]inputSlot {
	var wrapper struct {
		InputSlots map[string]inputSlot `json:"__inputSlots"`
	}
	if len(config) == 0 {
		return nil
	}
	if err := json.Unmarshal(config, &wrapper); err != nil {
		return nil
	}
	return wrapper.InputSlots
}

// reconcileWithSlots fills a missing targetHandle/sourceHandle on edge from
// the __inputSlots entry whose source matches the edge's source, per the
// materializer's edge/slot reconciliation rule. Slot handles are visited in
// sorted order so the result is deterministic when more than one slot
// matches.
func reconcileWithSlots(edge *Edge, slots map[string]inputSlot) {
	if len(slots) == 0 {
		return
	}

	handles := make([]string, 0, len(slots))
	for h := range slots {
		handles = append(handles, h)
	}
	sort.Strings(handles)

	for _, handle := range handles {
		slot := slots[handle]
		if slot.Source != edge.Source {
			continue
		}
		if edge.TargetHandle == "" {
			edge.TargetHandle = handle
		}
		if edge.SourceHandle == "" {
			edge.SourceHandle = slot.Output
		}
		return
	}
}

// normalizeLayout replaces all node positions with a deterministic grid
// when the persisted layout is missing, degenerate, or too cramped to be
// useful, per the materializer's layout-normalization rule.
func normalizeLayout(graph *WorkflowGraph, blocks []Block) {
	positions := make([]Position, len(blocks))
	anyMissing := false
	for i, b := range blocks {
		if b.Position == nil {
			anyMissing = true
			continue
		}
		positions[i] = *b.Position
	}

	needsGrid := anyMissing || degenerate(positions, len(blocks))

	if !needsGrid {
		for i := range graph.Nodes {
			graph.Nodes[i].Position = positions[i]
		}
		return
	}

	for i := range graph.Nodes {
		col := i % 4
		row := i / 4
		graph.Nodes[i].Position = Position{
			X: 120 + float64(col)*220,
			Y: 80 + float64(row)*140,
		}
	}
}

func degenerate(positions []Position, n int) bool {
	if n == 0 {
		return false
	}

	distinct := make(map[Position]bool, n)
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)

	for _, p := range positions {
		distinct[p] = true
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}

	minDistinct := (n + 2) / 3 // ceil(N/3)
	if len(distinct) < minDistinct {
		return true
	}

	spreadX := maxX - minX
	spreadY := maxY - minY
	return spreadX < 140 && spreadY < 140
}
