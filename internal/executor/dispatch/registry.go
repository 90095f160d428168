// Package dispatch holds the closed block-definition registry and the node
// dispatcher that executes a single node against it.
package dispatch

import "github.com/gorax/shieldflow/internal/workflow"

// Handler names the adapter family a block id is routed to.
type Handler string

const (
	HandlerLogic     Handler = "logic"
	HandlerNillion   Handler = "nillion"
	HandlerNilai     Handler = "nilai"
	HandlerZcash     Handler = "zcash"
	HandlerConnector Handler = "connector"
)

// Category groups block ids for node-type derivation. Credit costing uses
// Definition.Cost, not the category.
type Category string

const (
	CategoryInput     Category = "input"
	CategoryCompute   Category = "compute"
	CategoryAction    Category = "action"
	CategoryStorage   Category = "storage"
	CategoryTransform Category = "transform"
)

// Definition is one entry in the closed block registry.
type Definition struct {
	ID                string
	Handler           Handler
	Category          Category
	RequiresConnector bool
	Cost              int
}

// NodeKind derives the materialized node type from a definition's category,
// per the materializer's category -> node-type mapping.
func (d Definition) NodeKind() workflow.NodeKind {
	switch d.Category {
	case CategoryInput:
		return workflow.NodeKindInput
	case CategoryCompute, CategoryStorage:
		return workflow.NodeKindCompute
	case CategoryAction:
		return workflow.NodeKindAction
	case CategoryTransform:
		return workflow.NodeKindTransform
	default:
		return workflow.NodeKindCompute
	}
}

// Block ids. IsMPCEligible reports the subset batchable by the batch planner.
const (
	BlockPayloadInput     = "payload-input"
	BlockJSONExtract      = "json-extract"
	BlockMemoParser       = "memo-parser"
	BlockMathAdd          = "math-add"
	BlockMathSubtract     = "math-subtract"
	BlockMathMultiply     = "math-multiply"
	BlockMathDivide       = "math-divide"
	BlockMathGreaterThan  = "math-greater-than"
	BlockLogicIfElse      = "logic-if-else"
	BlockNillionCompute   = "nillion-compute"
	BlockNillionGraph     = "nillion-block-graph"
	BlockNilaiLLM         = "nilai-llm"
	BlockZcashSend        = "zcash-send"
	BlockConnectorRequest = "connector-request"
	BlockCustomHTTP       = "custom-http-action"
	BlockStateStore       = "state-store"
	BlockStateRead        = "state-read"
)

// Registry is the closed, static block-definition table. Zero value is
// unusable; use NewRegistry.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry builds the registry of every block id the dispatcher supports.
func NewRegistry() *Registry {
	entries := []Definition{
		{ID: BlockPayloadInput, Handler: HandlerLogic, Category: CategoryInput, Cost: 0},
		{ID: BlockJSONExtract, Handler: HandlerLogic, Category: CategoryCompute, Cost: 0},
		{ID: BlockMemoParser, Handler: HandlerLogic, Category: CategoryCompute, Cost: 0},
		{ID: BlockMathAdd, Handler: HandlerNillion, Category: CategoryCompute, Cost: 1},
		{ID: BlockMathSubtract, Handler: HandlerNillion, Category: CategoryCompute, Cost: 1},
		{ID: BlockMathMultiply, Handler: HandlerNillion, Category: CategoryCompute, Cost: 1},
		{ID: BlockMathDivide, Handler: HandlerNillion, Category: CategoryCompute, Cost: 1},
		{ID: BlockMathGreaterThan, Handler: HandlerNillion, Category: CategoryCompute, Cost: 1},
		{ID: BlockLogicIfElse, Handler: HandlerNillion, Category: CategoryCompute, Cost: 1},
		{ID: BlockNillionCompute, Handler: HandlerNillion, Category: CategoryCompute, Cost: 5},
		{ID: BlockNillionGraph, Handler: HandlerNillion, Category: CategoryCompute, Cost: 8},
		{ID: BlockNilaiLLM, Handler: HandlerNilai, Category: CategoryCompute, Cost: 10},
		{ID: BlockZcashSend, Handler: HandlerZcash, Category: CategoryAction, Cost: 3},
		{ID: BlockConnectorRequest, Handler: HandlerConnector, Category: CategoryAction, RequiresConnector: true, Cost: 2},
		{ID: BlockCustomHTTP, Handler: HandlerConnector, Category: CategoryAction, Cost: 2},
		{ID: BlockStateStore, Handler: HandlerLogic, Category: CategoryStorage, Cost: 1},
		{ID: BlockStateRead, Handler: HandlerLogic, Category: CategoryStorage, Cost: 1},
	}

	r := &Registry{defs: make(map[string]Definition, len(entries))}
	for _, d := range entries {
		r.defs[d.ID] = d
	}
	return r
}

// Lookup returns the definition for a block id, or false if unknown.
func (r *Registry) Lookup(blockID string) (Definition, bool) {
	d, ok := r.defs[blockID]
	return d, ok
}

// mpcEligible is the set of block ids the batch planner may fold into a
// single remote submission.
var mpcEligible = map[string]bool{
	BlockMathAdd:         true,
	BlockMathSubtract:    true,
	BlockMathMultiply:    true,
	BlockMathDivide:      true,
	BlockMathGreaterThan: true,
	BlockLogicIfElse:     true,
}

// IsMPCEligible reports whether a block id can be folded into a batch.
func IsMPCEligible(blockID string) bool {
	return mpcEligible[blockID]
}

// mpcGraphOp maps an MPC-eligible block id to its sub-graph node-type tag,
// per the batch planner's block -> nillion-<op> translation.
var mpcGraphOp = map[string]string{
	BlockMathAdd:         "nillion-add",
	BlockMathSubtract:    "nillion-subtract",
	BlockMathMultiply:    "nillion-multiply",
	BlockMathDivide:      "nillion-divide",
	BlockMathGreaterThan: "nillion-greater-than",
	BlockLogicIfElse:     "nillion-if-else",
}

// GraphOp returns the sub-graph node-type tag for an MPC-eligible block id.
func GraphOp(blockID string) (string, bool) {
	op, ok := mpcGraphOp[blockID]
	return op, ok
}
