package realtime

import (
	"encoding/json"
	"log/slog"
)

// event is the envelope written to every subscribed client. Type names match
// the executor.Broadcaster method they originate from, snake_cased.
type event struct {
	Type       string          `json:"type"`
	OrgID      string          `json:"orgId"`
	WorkflowID string          `json:"workflowId"`
	RunID      string          `json:"runId"`
	NodeID     string          `json:"nodeId,omitempty"`
	BlockID    string          `json:"blockId,omitempty"`
	TotalSteps int             `json:"totalSteps,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Error      string          `json:"error,omitempty"`
	Outputs    json.RawMessage `json:"outputs,omitempty"`
}

// Broadcaster publishes run/step lifecycle events over a Hub, satisfying
// executor.Broadcaster. Every event is published to both the run's room and
// its workflow's room so a client can subscribe to either granularity.
type Broadcaster struct {
	hub    *Hub
	logger *slog.Logger
}

// NewBroadcaster constructs a Broadcaster over a running Hub.
func NewBroadcaster(hub *Hub, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{hub: hub, logger: logger}
}

func (b *Broadcaster) publish(workflowID, runID string, ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("failed to marshal realtime event", "error", err, "type", ev.Type)
		return
	}
	b.hub.broadcastRoom("run:"+runID, data)
	b.hub.broadcastRoom("workflow:"+workflowID, data)
}

func (b *Broadcaster) BroadcastRunStarted(orgID, workflowID, runID string, totalSteps int) {
	b.publish(workflowID, runID, event{
		Type: "run_started", OrgID: orgID, WorkflowID: workflowID, RunID: runID, TotalSteps: totalSteps,
	})
}

func (b *Broadcaster) BroadcastRunSucceeded(orgID, workflowID, runID string, outputs json.RawMessage) {
	b.publish(workflowID, runID, event{
		Type: "run_succeeded", OrgID: orgID, WorkflowID: workflowID, RunID: runID, Outputs: outputs,
	})
}

func (b *Broadcaster) BroadcastRunFailed(orgID, workflowID, runID, errorMsg string) {
	b.publish(workflowID, runID, event{
		Type: "run_failed", OrgID: orgID, WorkflowID: workflowID, RunID: runID, Error: errorMsg,
	})
}

func (b *Broadcaster) BroadcastStepStarted(orgID, workflowID, runID, nodeID, blockID string) {
	b.publish(workflowID, runID, event{
		Type: "step_started", OrgID: orgID, WorkflowID: workflowID, RunID: runID, NodeID: nodeID, BlockID: blockID,
	})
}

func (b *Broadcaster) BroadcastStepCompleted(orgID, workflowID, runID, nodeID string, durationMs int64) {
	b.publish(workflowID, runID, event{
		Type: "step_completed", OrgID: orgID, WorkflowID: workflowID, RunID: runID, NodeID: nodeID, DurationMs: durationMs,
	})
}

func (b *Broadcaster) BroadcastStepFailed(orgID, workflowID, runID, nodeID, errorMsg string) {
	b.publish(workflowID, runID, event{
		Type: "step_failed", OrgID: orgID, WorkflowID: workflowID, RunID: runID, NodeID: nodeID, Error: errorMsg,
	})
}
