package dispatch

import (
	"encoding/json"

	"github.com/gorax/shieldflow/internal/workflow"
	"github.com/gorax/shieldflow/internal/workflow/vctx"
)

// GatherInputs implements the node input-gathering rule (§4.8): for every
// incoming edge of node, resolve the source's output name and the target's
// handle name, and carry the context value across under the target handle
// if one is defined. The result supplements the node's static config as
// "__inputs" when a handler is invoked.
func GatherInputs(graph *workflow.WorkflowGraph, node workflow.Node, vc *vctx.Context) map[string]interface{} {
	inputs := make(map[string]interface{})

	for _, edge := range graph.IncomingEdges(node.ID) {
		source, ok := graph.NodeByID(edge.Source)
		if !ok {
			continue
		}

		sourceOutput := edge.SourceHandle
		if sourceOutput == "" {
			if source.Type == workflow.NodeKindInput {
				sourceOutput = "value"
			} else {
				sourceOutput = "result"
			}
		}

		targetHandle := edge.TargetHandle
		if targetHandle == "" {
			if source.Type == workflow.NodeKindInput {
				if fieldName := fieldNameOf(source); fieldName != "" {
					targetHandle = fieldName
				} else {
					targetHandle = "value"
				}
			} else {
				targetHandle = "value"
			}
		}

		if v, ok := vc.Get(edge.Source + "." + sourceOutput); ok {
			inputs[targetHandle] = v
		}
	}

	return inputs
}

func fieldNameOf(node workflow.Node) string {
	var cfg struct {
		FieldName string `json:"fieldName"`
	}
	if len(node.Data) == 0 {
		return ""
	}
	if err := json.Unmarshal(node.Data, &cfg); err != nil {
		return ""
	}
	return cfg.FieldName
}
