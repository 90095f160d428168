package workflow

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusPublished WorkflowStatus = "published"
	WorkflowStatusPaused    WorkflowStatus = "paused"
)

// Workflow is the persisted workflow record. Graph is populated only once
// the workflow has been published; block edits after that point do not
// affect runs started against the embedded graph.
type Workflow struct {
	ID         string          `db:"id" json:"id"`
	OrgID      string          `db:"org_id" json:"orgId"`
	Name       string          `db:"name" json:"name"`
	Status     WorkflowStatus  `db:"status" json:"status"`
	DatasetID  *string         `db:"dataset_id" json:"datasetId,omitempty"`
	TriggerID  *string         `db:"trigger_id" json:"triggerId,omitempty"`
	Graph      json.RawMessage `db:"graph" json:"graph,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updatedAt"`
}

// Dependency is a persisted, pre-normalization reference from one block to
// another. The store accepts a bare source-id string in place of the full
// object; UnmarshalJSON handles both forms.
type Dependency struct {
	Source       string `json:"source"`
	TargetHandle string `json:"targetHandle,omitempty"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// UnmarshalJSON accepts either `"blockId"` or `{"source": "blockId", ...}`.
func (d *Dependency) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		d.Source = bare
		return nil
	}
	type alias Dependency
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = Dependency(a)
	return nil
}

// Block is the persisted configuration for one node in a workflow. Type is
// drawn from the closed registry in dispatch.Registry.
type Block struct {
	ID            string          `db:"id" json:"id"`
	WorkflowID    string          `db:"workflow_id" json:"workflowId"`
	Type          string          `db:"type" json:"type"`
	Config        json.RawMessage `db:"config" json:"config"`
	Order         int             `db:"order_index" json:"order"`
	Alias         *string         `db:"alias" json:"alias,omitempty"`
	ConnectorID   *string         `db:"connector_id" json:"connectorId,omitempty"`
	Dependencies  []Dependency    `db:"-" json:"dependencies"`
	Position      *Position       `db:"-" json:"position,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}

// Position is a node's layout coordinate on the design canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeKind is the materialized node category, derived from the block
// definition's category at graph-build time.
type NodeKind string

const (
	NodeKindInput     NodeKind = "input"
	NodeKindCompute   NodeKind = "compute"
	NodeKindAction    NodeKind = "action"
	NodeKindOutput    NodeKind = "output"
	NodeKindCondition NodeKind = "condition"
	NodeKindTransform NodeKind = "transform"
)

// Node is a vertex in the materialized WorkflowGraph.
type Node struct {
	ID        string          `json:"id"`
	BlockID   string          `json:"blockId"`
	Type      NodeKind        `json:"type"`
	Data      json.RawMessage `json:"data"`
	Alias     string          `json:"alias,omitempty"`
	Connector string          `json:"connector,omitempty"`
	Position  Position        `json:"position"`
}

// Edge is a directed data dependency between two nodes. Edge identity is
// (Source, Target, TargetHandle); duplicates by that key must not exist in
// a materialized graph.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Key returns the edge's identity tuple for deduplication.
func (e Edge) Key() [3]string {
	return [3]string{e.Source, e.Target, e.TargetHandle}
}

// WorkflowGraph is the canonical, runnable DAG assembled by the materializer.
type WorkflowGraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or false if absent.
func (g *WorkflowGraph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// IncomingEdges returns the edges whose target is nodeID, in graph order.
func (g *WorkflowGraph) IncomingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	// RunStatusCancelled is set externally (never by the executor itself)
	// to request that a pending or running run stop. The executor observes
	// it at its next per-node cancellation check and terminates the run
	// with RunStatusFailed and error "cancelled".
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is a single execution of a published workflow against a trigger
// payload. Result is populated only on terminal status.
type Run struct {
	ID         string          `db:"id" json:"id"`
	OrgID      string          `db:"org_id" json:"orgId"`
	WorkflowID string          `db:"workflow_id" json:"workflowId"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Status     RunStatus       `db:"status" json:"status"`
	Result     json.RawMessage `db:"result" json:"result,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
	StartedAt  *time.Time      `db:"started_at" json:"startedAt,omitempty"`
	EndedAt    *time.Time      `db:"ended_at" json:"endedAt,omitempty"`
}

// RunResult is the success-shaped result embedded in Run.Result.
type RunResult struct {
	Outputs     map[string]interface{} `json:"outputs"`
	Steps       []ExecutionStep        `json:"steps"`
	CreditsUsed *int                   `json:"creditsUsed,omitempty"`
}

// RunFailure is the failure-shaped result embedded in Run.Result.
type RunFailure struct {
	Error string          `json:"error"`
	Steps []ExecutionStep `json:"steps,omitempty"`
}

// StepStatus is the terminal outcome of a single node dispatch.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
)

// ExecutionStep is one append-only record in a run's trace.
type ExecutionStep struct {
	NodeID     string      `json:"nodeId"`
	BlockID    string      `json:"blockId"`
	Inputs     interface{} `json:"inputs"`
	Outputs    interface{} `json:"outputs,omitempty"`
	DurationMs int64       `json:"durationMs"`
	Status     StepStatus  `json:"status"`
	Error      string      `json:"error,omitempty"`
}

// Trace is the shape returned by the trace query surface.
type Trace struct {
	WorkflowID string          `json:"workflowId"`
	RunID      string          `json:"runId"`
	Status     RunStatus       `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	Graph      WorkflowGraph   `json:"graph"`
	Steps      []ExecutionStep `json:"steps"`
	Outputs    json.RawMessage `json:"outputs,omitempty"`
}
