// Package adapters declares the contracts the node dispatcher and batch
// planner drive against external subsystems: private multi-party
// computation, private LLM inference, shielded value transfer, encrypted
// key/value storage, and generic HTTP. Concrete implementations live in
// the mpc, nilai, zcash, vault, and connector subpackages.
package adapters

import "context"

// MPCSingleResult is the outcome of one MPC single-workload invocation.
type MPCSingleResult struct {
	Response    interface{}
	Result      interface{}
	Attestation interface{}
}

// MPCSingle forwards a single input mapping to a named workload and returns
// its result, optionally accompanied by an attestation report.
type MPCSingle interface {
	Execute(ctx context.Context, workloadID string, input interface{}, relativePath string) (MPCSingleResult, error)
}

// GraphNode is one vertex of a computation graph submitted to the MPC-graph
// adapter: a block id translated to its nillion-<op> equivalent plus the
// external inputs it needs.
type GraphNode struct {
	ID      string
	BlockID string
	Inputs  map[string]interface{}
}

// GraphEdge is a directed dependency between two graph nodes in a
// computation sub-graph.
type GraphEdge struct {
	Source       string
	Target       string
	SourceHandle string
	TargetHandle string
}

// Graph is the computation graph body submitted to the MPC-graph adapter:
// either a full block-graph (nillion-block-graph) payload or a sub-graph
// assembled by the batch planner.
type Graph struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

// MPCGraphResult is the outcome of one MPC-graph submission. Output is
// keyed by "nodeId.outputName".
type MPCGraphResult struct {
	Output      map[string]interface{}
	Attestation interface{}
}

// MPCGraph submits a computation graph plus its inputs, polling an
// ephemeral workload until output is ready or the bounded retry budget is
// exhausted, tearing the workload down on every exit path.
type MPCGraph interface {
	ExecuteBlockGraph(ctx context.Context, graph Graph, inputs map[string]interface{}, runTag string) (MPCGraphResult, error)
}

// LLMResult is the outcome of a private-LLM inference call.
type LLMResult struct {
	Message      string
	Signature    string
	VerifyingKey string
	Attestation  interface{}
	Raw          interface{}
}

// LLM runs inference over a rendered prompt against the private-LLM
// service.
type LLM interface {
	RunInference(ctx context.Context, prompt string) (LLMResult, error)
}

// TransferOptions are the optional parameters a zcash-send block may
// supply alongside address and amount.
type TransferOptions struct {
	Memo             string
	FromAddress      string
	MinConfirmations int
	Fee              interface{}
	PrivacyPolicy    string
	TimeoutMs        int
}

// TransferResult identifies a submitted shielded transfer.
type TransferResult struct {
	TxID        string
	OperationID string
}

// Transfer sends a shielded value transfer.
type Transfer interface {
	Send(ctx context.Context, address string, amount interface{}, opts TransferOptions) (TransferResult, error)
}

// KVOptions controls field-level encryption on a write. When EncryptFields
// is non-empty only those fields are protected; otherwise EncryptAll
// governs the whole document.
type KVOptions struct {
	EncryptFields []string
	EncryptAll    bool
}

// PutResult identifies a stored document.
type PutResult struct {
	Key          string
	CollectionID string
}

// KV is the encrypted document store. StoreState is the auto-keyed
// variant of PutDocument, returning the composite "collectionId:key".
type KV interface {
	PutDocument(ctx context.Context, collectionID, key string, data interface{}, opts KVOptions) (PutResult, error)
	GetDocument(ctx context.Context, collectionID, key string) (interface{}, error)
	StoreState(ctx context.Context, collectionID string, data interface{}, opts KVOptions) (string, error)
}

// HTTP performs a generic outbound HTTP request and returns the decoded
// response body.
type HTTP interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body interface{}) (interface{}, error)
}
