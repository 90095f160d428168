package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gorax/shieldflow/internal/adapters"
	"github.com/gorax/shieldflow/internal/tracing"
	"github.com/gorax/shieldflow/internal/workflow"
	"github.com/gorax/shieldflow/internal/workflow/vctx"
)

// operandHandles lists the operand handle names an MPC-eligible block id
// exposes, in the order sub-graph validation should walk them.
var operandHandles = map[string][]string{
	BlockMathAdd:         {"a", "b"},
	BlockMathSubtract:    {"a", "b"},
	BlockMathMultiply:    {"a", "b"},
	BlockMathDivide:      {"a", "b"},
	BlockMathGreaterThan: {"a", "b"},
	BlockLogicIfElse:     {"condition", "true", "false"},
}

// operandPathKeys maps an operand handle to the config key holding its
// literal-path fallback, per §4.7's math-*/logic-if-else priority order.
var operandPathKeys = map[string]string{
	"a":         "aPath",
	"b":         "bPath",
	"condition": "conditionPath",
	"true":      "truePath",
	"false":     "falsePath",
}

// BatchPlanner folds runs of MPC-eligible nodes into a single sub-graph
// submission to the MPC-graph adapter (§4.9), including the degenerate
// one-node case: every math-*/logic-if-else node is dispatched through the
// batch planner, never through Dispatcher.Dispatch.
type BatchPlanner struct {
	registry *Registry
	mpcGraph adapters.MPCGraph
}

// NewBatchPlanner constructs a BatchPlanner against the closed registry and
// the MPC-graph adapter.
func NewBatchPlanner(registry *Registry, mpcGraph adapters.MPCGraph) *BatchPlanner {
	return &BatchPlanner{registry: registry, mpcGraph: mpcGraph}
}

// inputSlot mirrors the materializer's __inputSlots entry shape, consulted
// directly here per §4.7 operand-resolution priority (1).
type inputSlot struct {
	Source string `json:"source"`
	Output string `json:"output,omitempty"`
}

func parseSlots(data json.RawMessage) map[string]inputSlot {
	var wrapper struct {
		InputSlots map[string]inputSlot `json:"__inputSlots"`
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil
	}
	return wrapper.InputSlots
}

func configAliasOf(data json.RawMessage) string {
	var wrapper struct {
		ResponseAlias string `json:"responseAlias"`
	}
	if len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return ""
	}
	return wrapper.ResponseAlias
}

// PlanBatch forms the batch rooted at topoOrder[position] per §4.9 steps
// 1-3: seed candidates are every not-yet-executed MPC-eligible node from
// position forward, then fixed-point expansion admits a candidate once
// every incoming edge is satisfied by an already-executed node, a node
// materialized earlier in topological order, or another batch member.
// Returns at least the seed node, alone, if nothing else can join.
func PlanBatch(graph *workflow.WorkflowGraph, topoOrder []string, position int, executed map[string]bool) []string {
	seedID := topoOrder[position]

	materializedBefore := make(map[string]int, len(topoOrder))
	for i, id := range topoOrder {
		materializedBefore[id] = i
	}

	candidateSet := make(map[string]bool)
	for i := position; i < len(topoOrder); i++ {
		id := topoOrder[i]
		if executed[id] {
			continue
		}
		if node, ok := graph.NodeByID(id); ok && IsMPCEligible(node.BlockID) {
			candidateSet[id] = true
		}
	}
	if len(candidateSet) == 0 {
		return []string{seedID}
	}

	batch := make(map[string]bool)
	for {
		changed := false
		for id := range candidateSet {
			if batch[id] {
				continue
			}
			if admits(graph, id, position, executed, materializedBefore, batch) {
				batch[id] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	if !batch[seedID] {
		return []string{seedID}
	}

	ordered := make([]string, 0, len(batch))
	for _, id := range topoOrder {
		if batch[id] {
			ordered = append(ordered, id)
		}
	}
	return ordered
}

func admits(graph *workflow.WorkflowGraph, id string, position int, executed map[string]bool, materializedBefore map[string]int, batch map[string]bool) bool {
	for _, edge := range graph.IncomingEdges(id) {
		if executed[edge.Source] {
			continue
		}
		if idx, ok := materializedBefore[edge.Source]; ok && idx < position {
			continue
		}
		if batch[edge.Source] {
			continue
		}
		return false
	}
	return true
}

// Result is the outcome of executing one batch: either every member
// recorded a successful step, or every member recorded the same failure.
type Result struct {
	Steps []workflow.ExecutionStep
}

// ExecuteBatch builds the sub-graph for batchIDs, submits it once to the
// MPC-graph adapter, and writes every node's output into vc using the §4.2
// overlay rule. On adapter failure, every batch member is recorded as a
// failed step with the same error and no context writes occur.
func (p *BatchPlanner) ExecuteBatch(ctx context.Context, graph *workflow.WorkflowGraph, payload interface{}, batchIDs []string, vc *vctx.Context) Result {
	ctx, span := tracing.StartSpan(ctx, "workflow.batch.execute")
	defer span.End()
	tracing.SetSpanAttributes(span, map[string]interface{}{
		"batch.size":  len(batchIDs),
		"batch.nodes": strings.Join(batchIDs, ","),
	})

	result := p.executeBatch(ctx, graph, payload, batchIDs, vc)
	if failed, errMsg := firstFailedStep(result.Steps); failed {
		tracing.RecordError(span, fmt.Errorf("%s", errMsg))
	}
	return result
}

func firstFailedStep(steps []workflow.ExecutionStep) (bool, string) {
	for _, s := range steps {
		if s.Status == workflow.StepStatusFailed {
			return true, s.Error
		}
	}
	return false, ""
}

func (p *BatchPlanner) executeBatch(ctx context.Context, graph *workflow.WorkflowGraph, payload interface{}, batchIDs []string, vc *vctx.Context) Result {
	batchSet := make(map[string]bool, len(batchIDs))
	for _, id := range batchIDs {
		batchSet[id] = true
	}

	root := map[string]interface{}{"payload": payload, "memory": vc.AsObject()}

	subGraph := adapters.Graph{}
	nodeByID := make(map[string]workflow.Node, len(batchIDs))

	for _, id := range batchIDs {
		node, _ := graph.NodeByID(id)
		nodeByID[id] = node

		op, _ := GraphOp(node.BlockID)
		inputs, err := externalOperands(graph, node, root, batchSet)
		if err != nil {
			return failAll(batchIDs, nodeByID, err)
		}
		subGraph.Nodes = append(subGraph.Nodes, adapters.GraphNode{ID: id, BlockID: op, Inputs: inputs})
	}

	for _, edge := range graph.Edges {
		if batchSet[edge.Source] && batchSet[edge.Target] {
			subGraph.Edges = append(subGraph.Edges, adapters.GraphEdge{
				Source:       edge.Source,
				Target:       edge.Target,
				SourceHandle: edge.SourceHandle,
				TargetHandle: edge.TargetHandle,
			})
		}
	}

	result, err := p.mpcGraph.ExecuteBlockGraph(ctx, subGraph, nil, "")
	if err != nil {
		return failAll(batchIDs, nodeByID, err)
	}

	steps := make([]workflow.ExecutionStep, 0, len(batchIDs))
	for _, id := range batchIDs {
		node := nodeByID[id]
		output, ok := result.Output[id]
		if !ok {
			// Split "nodeId.outputName" keys back onto this node.
			split := make(map[string]interface{})
			for key, v := range result.Output {
				if name, found := strings.CutPrefix(key, id+"."); found {
					split[name] = v
				}
			}
			if v, single := split["result"]; single && len(split) == 1 {
				output = v
			} else if len(split) > 0 {
				output = split
			}
		}
		vc.WriteResult(node.ID, node.Alias, configAliasOf(node.Data), output)
		steps = append(steps, workflow.ExecutionStep{
			NodeID:  node.ID,
			BlockID: node.BlockID,
			Outputs: output,
			Status:  workflow.StepStatusSuccess,
		})
	}
	return Result{Steps: steps}
}

func failAll(batchIDs []string, nodeByID map[string]workflow.Node, err error) Result {
	steps := make([]workflow.ExecutionStep, 0, len(batchIDs))
	for _, id := range batchIDs {
		node := nodeByID[id]
		steps = append(steps, workflow.ExecutionStep{
			NodeID:  node.ID,
			BlockID: node.BlockID,
			Status:  workflow.StepStatusFailed,
			Error:   err.Error(),
		})
	}
	return Result{Steps: steps}
}

// externalOperands resolves every operand handle of node that is not
// satisfied by an edge internal to the batch, validating each as an
// integer literal or boolean per §4.9.
func externalOperands(graph *workflow.WorkflowGraph, node workflow.Node, root map[string]interface{}, batchSet map[string]bool) (map[string]interface{}, error) {
	handles := operandHandles[node.BlockID]
	if handles == nil {
		return nil, fmt.Errorf("%s is not an MPC-eligible block", node.BlockID)
	}

	internal := make(map[string]bool)
	for _, edge := range graph.IncomingEdges(node.ID) {
		if batchSet[edge.Source] {
			handle := edge.TargetHandle
			if handle == "" {
				handle = "value"
			}
			internal[handle] = true
		}
	}

	config := decodeConfig(node.Data)
	slots := parseSlots(node.Data)

	inputs := make(map[string]interface{})
	for _, handle := range handles {
		if internal[handle] {
			continue
		}

		value, found := resolveOperand(graph, node, handle, root, config, slots)
		if !found {
			if node.BlockID == BlockLogicIfElse && handle != "condition" {
				continue
			}
			return nil, fmt.Errorf("node %s: missing operand %q", node.ID, handle)
		}

		normalized, err := validateOperand(value)
		if err != nil {
			return nil, fmt.Errorf("node %s operand %q: %w", node.ID, handle, err)
		}
		inputs[handle] = normalized
	}
	return inputs, nil
}

// resolveOperand applies §4.7's operand priority: (1) __inputSlots metadata
// against the memory root, (2) edge-provided context value, (3) path
// config.
func resolveOperand(graph *workflow.WorkflowGraph, node workflow.Node, handle string, root map[string]interface{}, config map[string]interface{}, slots map[string]inputSlot) (interface{}, bool) {
	if slot, ok := slots[handle]; ok {
		output := slot.Output
		if output == "" {
			output = "result"
		}
		resolved := vctx.Resolve(root, "memory."+slot.Source+"."+output)
		if !vctx.IsUndefined(resolved) {
			return resolved, true
		}
	}

	for _, edge := range graph.IncomingEdges(node.ID) {
		targetHandle := edge.TargetHandle
		if targetHandle == "" {
			targetHandle = "value"
		}
		if targetHandle != handle {
			continue
		}
		sourceOutput := edge.SourceHandle
		if sourceOutput == "" {
			sourceOutput = "result"
		}
		resolved := vctx.Resolve(root, "memory."+edge.Source+"."+sourceOutput)
		if !vctx.IsUndefined(resolved) {
			return resolved, true
		}
	}

	if pathKey, ok := operandPathKeys[handle]; ok {
		if path, _ := config[pathKey].(string); path != "" {
			resolved := vctx.Resolve(root, path)
			if !vctx.IsUndefined(resolved) {
				return resolved, true
			}
		}
	}

	return nil, false
}

// validateOperand coerces v to the literal shape the MPC graph operand
// contract requires: an integer (numbers truncate only when exact, digit
// strings parse) or a boolean (booleans coerce to 0/1).
func validateOperand(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case float64:
		if t != float64(int64(t)) {
			return nil, fmt.Errorf("Invalid integer: %v", t)
		}
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		switch s {
		case "true":
			return 1, nil
		case "false":
			return 0, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("Invalid integer: %q", t)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("Invalid integer: %v", v)
	}
}
