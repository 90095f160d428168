package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gorax/shieldflow/internal/adapters"
	"github.com/gorax/shieldflow/internal/tracing"
	"github.com/gorax/shieldflow/internal/workflow"
	"github.com/gorax/shieldflow/internal/workflow/vctx"
)

// Connector is a decrypted connector configuration: a base URL plus any
// headers the connector contributes to every request it backs. Headers
// arrive already decrypted; the dispatcher never reads ciphertext.
type Connector struct {
	BaseURL string
	Headers map[string]string
}

// ConnectorLookup resolves a block's connector id to its decrypted
// configuration.
type ConnectorLookup interface {
	GetConnector(ctx context.Context, connectorID string) (Connector, error)
}

// Dispatcher executes a single non-MPC-eligible node against its handler.
// math-*/logic-if-else nodes never reach Dispatch: they are always routed
// through the batch planner (C8), even as a one-node batch.
type Dispatcher struct {
	registry   *Registry
	mpcSingle  adapters.MPCSingle
	mpcGraph   adapters.MPCGraph
	llm        adapters.LLM
	transfer   adapters.Transfer
	kv         adapters.KV
	http       adapters.HTTP
	connectors ConnectorLookup
}

// NewDispatcher wires the closed registry and the external adapters the
// per-block handlers call into.
func NewDispatcher(
	registry *Registry,
	mpcSingle adapters.MPCSingle,
	mpcGraph adapters.MPCGraph,
	llm adapters.LLM,
	transfer adapters.Transfer,
	kv adapters.KV,
	httpClient adapters.HTTP,
	connectors ConnectorLookup,
) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		mpcSingle:  mpcSingle,
		mpcGraph:   mpcGraph,
		llm:        llm,
		transfer:   transfer,
		kv:         kv,
		http:       httpClient,
		connectors: connectors,
	}
}

// Dispatch runs node against its handler and returns its raw result. The
// caller is responsible for recording the step and writing the result into
// the value context via the overlay rule (§4.2). The whole call is wrapped
// in a node-level span so every adapter round trip (MPC, LLM, transfer, KV,
// HTTP) shows up in the trace regardless of which handler it lands on.
func (d *Dispatcher) Dispatch(ctx context.Context, graph *workflow.WorkflowGraph, node workflow.Node, payload interface{}, vc *vctx.Context) (interface{}, error) {
	return tracing.TraceNodeExecution(ctx, node.ID, string(node.Type), func(ctx context.Context) (interface{}, error) {
		return d.dispatch(ctx, graph, node, payload, vc)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, graph *workflow.WorkflowGraph, node workflow.Node, payload interface{}, vc *vctx.Context) (interface{}, error) {
	def, ok := d.registry.Lookup(node.BlockID)
	if !ok {
		return nil, fmt.Errorf("unknown block type in dispatcher: %s", node.BlockID)
	}

	config := decodeConfig(node.Data)
	inputs := GatherInputs(graph, node, vc)
	root := buildRoot(payload, vc)

	switch def.ID {
	case BlockPayloadInput:
		return d.dispatchPayloadInput(config, payload)
	case BlockJSONExtract:
		return d.dispatchJSONExtract(config, root)
	case BlockMemoParser:
		return d.dispatchMemoParser(config, root, inputs)
	case BlockNillionCompute:
		return d.dispatchNillionCompute(ctx, config, payload, root)
	case BlockNillionGraph:
		return d.dispatchNillionGraph(ctx, config, root)
	case BlockNilaiLLM:
		return d.dispatchNilaiLLM(ctx, config, root)
	case BlockZcashSend:
		return d.dispatchZcashSend(ctx, config, root)
	case BlockConnectorRequest:
		return d.dispatchConnectorRequest(ctx, node, config, root)
	case BlockCustomHTTP:
		return d.dispatchCustomHTTP(ctx, config, root)
	case BlockStateStore:
		return d.dispatchStateStore(ctx, config, root)
	case BlockStateRead:
		return d.dispatchStateRead(ctx, config, root)
	default:
		return nil, fmt.Errorf("block %s is not handled by the node dispatcher", node.BlockID)
	}
}

// --- payload-input ---

func (d *Dispatcher) dispatchPayloadInput(config map[string]interface{}, payload interface{}) (interface{}, error) {
	path, _ := config["path"].(string)
	if path == "" {
		return payload, nil
	}
	resolved := vctx.Resolve(payload, path)
	if vctx.IsUndefined(resolved) {
		return nil, nil
	}
	return resolved, nil
}

// --- json-extract ---

func (d *Dispatcher) dispatchJSONExtract(config map[string]interface{}, root map[string]interface{}) (interface{}, error) {
	source, _ := config["source"].(string)
	if source == "" {
		source = "payload"
	}
	path, _ := config["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("json-extract: config.path is required")
	}

	resolved := vctx.Resolve(root, source+"."+path)
	if vctx.IsUndefined(resolved) {
		return nil, nil
	}
	return resolved, nil
}

// --- memo-parser ---

func (d *Dispatcher) dispatchMemoParser(config map[string]interface{}, root map[string]interface{}, inputs map[string]interface{}) (interface{}, error) {
	text, err := resolveString(config, root, inputs, "memo-parser")
	if err != nil {
		return nil, err
	}

	delimiter, _ := config["delimiter"].(string)
	if delimiter == "" {
		delimiter = ":"
	}

	result := make(map[string]interface{})
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, delimiter, 2)
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		var value string
		if len(parts) == 2 {
			value = strings.TrimSpace(parts[1])
		}
		result[key] = value
	}
	return result, nil
}

// resolveString resolves the referenced string a handler operates on: by
// config.path (against source, default "memory"), falling back to the
// "value" edge input.
func resolveString(config map[string]interface{}, root map[string]interface{}, inputs map[string]interface{}, blockLabel string) (string, error) {
	if path, _ := config["path"].(string); path != "" {
		source, _ := config["source"].(string)
		if source == "" {
			source = "memory"
		}
		resolved := vctx.Resolve(root, source+"."+path)
		if !vctx.IsUndefined(resolved) {
			if s, ok := resolved.(string); ok {
				return s, nil
			}
			return fmt.Sprintf("%v", resolved), nil
		}
	}
	if v, ok := inputs["value"]; ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	}
	return "", fmt.Errorf("%s: no input string resolved", blockLabel)
}

// --- nillion-compute ---

func (d *Dispatcher) dispatchNillionCompute(ctx context.Context, config map[string]interface{}, payload interface{}, root map[string]interface{}) (interface{}, error) {
	workloadID, _ := config["workloadId"].(string)
	if workloadID == "" {
		return nil, fmt.Errorf("nillion-compute: config.workloadId is required")
	}
	relativePath, _ := config["relativePath"].(string)
	if relativePath == "" {
		relativePath = "/"
	}

	var input interface{} = payload
	if inputPath, _ := config["inputPath"].(string); inputPath != "" {
		resolved := vctx.Resolve(root, inputPath)
		if !vctx.IsUndefined(resolved) {
			input = resolved
		}
	}

	result, err := d.mpcSingle.Execute(ctx, workloadID, input, relativePath)
	if err != nil {
		return nil, err
	}
	if result.Result != nil {
		return result.Result, nil
	}
	return result.Response, nil
}

// --- nillion-block-graph ---

func (d *Dispatcher) dispatchNillionGraph(ctx context.Context, config map[string]interface{}, root map[string]interface{}) (interface{}, error) {
	rawGraph, ok := config["nillionGraph"]
	if !ok {
		return nil, fmt.Errorf("nillion-block-graph: config.nillionGraph is required")
	}
	graphJSON, err := json.Marshal(rawGraph)
	if err != nil {
		return nil, fmt.Errorf("nillion-block-graph: encode graph: %w", err)
	}
	var graph adapters.Graph
	if err := json.Unmarshal(graphJSON, &graph); err != nil {
		return nil, fmt.Errorf("nillion-block-graph: decode graph: %w", err)
	}

	inputMapping, _ := config["inputMapping"].(map[string]interface{})
	inputs := make(map[string]interface{}, len(inputMapping))
	for graphKey, contextPathRaw := range inputMapping {
		contextPath, _ := contextPathRaw.(string)
		resolved := vctx.Resolve(root, contextPath)
		if !vctx.IsUndefined(resolved) {
			inputs[graphKey] = resolved
		}
	}

	result, err := d.mpcGraph.ExecuteBlockGraph(ctx, graph, inputs, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(result.Output))
	for k, v := range result.Output {
		out[k] = v
	}
	return out, nil
}

// --- nilai-llm ---

var promptPlaceholder = regexp.MustCompile(`\{\{([^}]+)\}\}`)

func (d *Dispatcher) dispatchNilaiLLM(ctx context.Context, config map[string]interface{}, root map[string]interface{}) (interface{}, error) {
	template, _ := config["promptTemplate"].(string)
	if template == "" {
		return nil, fmt.Errorf("nilai-llm: config.promptTemplate is required")
	}

	prompt := promptPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(promptPlaceholder.FindStringSubmatch(match)[1])
		resolved := vctx.Resolve(root, path)
		if vctx.IsUndefined(resolved) {
			return ""
		}
		if s, ok := resolved.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", resolved)
	})

	result, err := d.llm.RunInference(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"message":      result.Message,
		"signature":    result.Signature,
		"verifyingKey": result.VerifyingKey,
		"attestation":  result.Attestation,
		"raw":          result.Raw,
	}, nil
}

// --- zcash-send ---

func (d *Dispatcher) dispatchZcashSend(ctx context.Context, config map[string]interface{}, root map[string]interface{}) (interface{}, error) {
	address := resolvePathOrLiteral(config, root, "addressPath", "address")
	if address == nil {
		return nil, fmt.Errorf("zcash-send: missing address")
	}
	amount := resolvePathOrLiteral(config, root, "amountPath", "amount")
	if amount == nil {
		return nil, fmt.Errorf("zcash-send: missing amount")
	}

	opts := adapters.TransferOptions{}
	opts.Memo, _ = config["memo"].(string)
	opts.FromAddress, _ = config["fromAddress"].(string)
	if mc, ok := config["minConfirmations"].(float64); ok {
		opts.MinConfirmations = int(mc)
	}
	opts.Fee = config["fee"]
	opts.PrivacyPolicy, _ = config["privacyPolicy"].(string)
	if tm, ok := config["timeoutMs"].(float64); ok {
		opts.TimeoutMs = int(tm)
	}

	addressStr, ok := address.(string)
	if !ok {
		return nil, fmt.Errorf("zcash-send: address must be a string")
	}

	result, err := d.transfer.Send(ctx, addressStr, amount, opts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"txId": result.TxID, "operationId": result.OperationID}, nil
}

func resolvePathOrLiteral(config map[string]interface{}, root map[string]interface{}, pathKey, literalKey string) interface{} {
	if path, _ := config[pathKey].(string); path != "" {
		resolved := vctx.Resolve(root, path)
		if !vctx.IsUndefined(resolved) {
			return resolved
		}
	}
	if literal, ok := config[literalKey]; ok {
		return literal
	}
	return nil
}

// --- connector-request / custom-http-action ---

func (d *Dispatcher) dispatchConnectorRequest(ctx context.Context, node workflow.Node, config map[string]interface{}, root map[string]interface{}) (interface{}, error) {
	if node.Connector == "" {
		return nil, fmt.Errorf("connector-request: missing connector")
	}
	connector, err := d.connectors.GetConnector(ctx, node.Connector)
	if err != nil {
		return nil, fmt.Errorf("connector-request: %w", err)
	}
	if connector.BaseURL == "" {
		return nil, fmt.Errorf("connector-request: missing baseUrl")
	}

	relativePath, _ := config["relativePath"].(string)
	method, _ := config["method"].(string)
	if method == "" {
		method = "GET"
	}

	headers := make(map[string]string, len(connector.Headers))
	for k, v := range connector.Headers {
		headers[k] = v
	}
	if blockHeaders, ok := config["headers"].(map[string]interface{}); ok {
		for k, v := range blockHeaders {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	body := resolveBody(config, root)
	tracing.InjectTraceContext(ctx, headers)
	url := connector.BaseURL + relativePath

	return tracing.TraceHTTPAction(ctx, method, url, func(ctx context.Context) (interface{}, error) {
		return d.http.Do(ctx, method, url, headers, body)
	})
}

func (d *Dispatcher) dispatchCustomHTTP(ctx context.Context, config map[string]interface{}, root map[string]interface{}) (interface{}, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("custom-http-action: config.url is required")
	}
	method, _ := config["method"].(string)
	if method == "" {
		method = "GET"
	}

	headers := make(map[string]string)
	if blockHeaders, ok := config["headers"].(map[string]interface{}); ok {
		for k, v := range blockHeaders {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	body := resolveBody(config, root)
	tracing.InjectTraceContext(ctx, headers)

	return tracing.TraceHTTPAction(ctx, method, url, func(ctx context.Context) (interface{}, error) {
		return d.http.Do(ctx, method, url, headers, body)
	})
}

func resolveBody(config map[string]interface{}, root map[string]interface{}) interface{} {
	if bodyPath, _ := config["bodyPath"].(string); bodyPath != "" {
		resolved := vctx.Resolve(root, bodyPath)
		if !vctx.IsUndefined(resolved) {
			return resolved
		}
	}
	return root["payload"]
}

// --- state-store / state-read ---

func (d *Dispatcher) dispatchStateStore(ctx context.Context, config map[string]interface{}, root map[string]interface{}) (interface{}, error) {
	collectionID, _ := config["collectionId"].(string)
	if collectionID == "" {
		return nil, fmt.Errorf("state-store: config.collectionId is required")
	}

	key := resolveKey(config, root)
	data := resolveData(config, root)

	opts := adapters.KVOptions{EncryptAll: true}
	if fields, ok := config["encryptFields"].([]interface{}); ok && len(fields) > 0 {
		opts.EncryptAll = false
		for _, f := range fields {
			if s, ok := f.(string); ok {
				opts.EncryptFields = append(opts.EncryptFields, s)
			}
		}
	} else if encryptAll, ok := config["encryptAll"].(bool); ok {
		opts.EncryptAll = encryptAll
	}

	if key == "" {
		composite, err := d.kv.StoreState(ctx, collectionID, data, opts)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"key": composite}, nil
	}

	result, err := d.kv.PutDocument(ctx, collectionID, key, data, opts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": result.Key, "collectionId": result.CollectionID}, nil
}

func (d *Dispatcher) dispatchStateRead(ctx context.Context, config map[string]interface{}, root map[string]interface{}) (interface{}, error) {
	collectionID, _ := config["collectionId"].(string)
	if collectionID == "" {
		return nil, fmt.Errorf("state-read: config.collectionId is required")
	}
	key := resolveKey(config, root)
	if key == "" {
		key = "default"
	}

	return d.kv.GetDocument(ctx, collectionID, key)
}

func resolveKey(config map[string]interface{}, root map[string]interface{}) string {
	if keyPath, _ := config["keyPath"].(string); keyPath != "" {
		resolved := vctx.Resolve(root, keyPath)
		if !vctx.IsUndefined(resolved) {
			if s, ok := resolved.(string); ok {
				return s
			}
		}
	}
	if key, _ := config["key"].(string); key != "" {
		return key
	}
	return "default"
}

func resolveData(config map[string]interface{}, root map[string]interface{}) interface{} {
	if dataPath, _ := config["dataPath"].(string); dataPath != "" {
		resolved := vctx.Resolve(root, dataPath)
		if !vctx.IsUndefined(resolved) {
			return resolved
		}
	}
	if data, ok := config["data"]; ok {
		return data
	}
	return root["payload"]
}

// --- shared helpers ---

// buildRoot assembles the {payload, memory} root the path resolver walks
// for every handler except payload-input, which resolves against payload
// directly.
func buildRoot(payload interface{}, vc *vctx.Context) map[string]interface{} {
	return map[string]interface{}{
		"payload": payload,
		"memory":  vc.AsObject(),
	}
}

func decodeConfig(data json.RawMessage) map[string]interface{} {
	if len(data) == 0 {
		return map[string]interface{}{}
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return map[string]interface{}{}
	}
	return cfg
}
