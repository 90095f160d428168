// Package executor implements the run executor (C9): the state machine
// driving a single run from pending through running to its terminal
// succeeded/failed outcome, coordinating the materializer, validator,
// credit planner, node dispatcher, and batch planner.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorax/shieldflow/internal/credit"
	"github.com/gorax/shieldflow/internal/executor/dispatch"
	"github.com/gorax/shieldflow/internal/metrics"
	"github.com/gorax/shieldflow/internal/tracing"
	"github.com/gorax/shieldflow/internal/workflow"
	"github.com/gorax/shieldflow/internal/workflow/vctx"
)

// Broadcaster is notified of run and step lifecycle events. It is optional;
// a nil Broadcaster disables all notification.
type Broadcaster interface {
	BroadcastRunStarted(orgID, workflowID, runID string, totalSteps int)
	BroadcastRunSucceeded(orgID, workflowID, runID string, outputs json.RawMessage)
	BroadcastRunFailed(orgID, workflowID, runID, errorMsg string)
	BroadcastStepStarted(orgID, workflowID, runID, nodeID, blockID string)
	BroadcastStepCompleted(orgID, workflowID, runID, nodeID string, durationMs int64)
	BroadcastStepFailed(orgID, workflowID, runID, nodeID, errorMsg string)
}

// WorkflowStore is the persistence surface the run executor drives.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, orgID, workflowID string) (*workflow.Workflow, error)
	GetRun(ctx context.Context, orgID, runID string) (*workflow.Run, error)
	GetRunStatus(ctx context.Context, orgID, runID string) (workflow.RunStatus, error)
	MarkRunStarted(ctx context.Context, orgID, runID string) error
	CompleteRun(ctx context.Context, orgID, runID string, status workflow.RunStatus, result json.RawMessage) error
}

// Executor drives a run's full lifecycle. Use New to construct one wired
// against concrete collaborators.
type Executor struct {
	store        WorkflowStore
	registry     *dispatch.Registry
	dispatcher   *dispatch.Dispatcher
	batchPlanner *dispatch.BatchPlanner
	planner      *credit.Planner
	logger       *slog.Logger
	broadcaster  Broadcaster
	metrics      *metrics.Metrics
}

// New constructs an Executor. broadcaster and metricsCollector may both be
// nil, in which case notification and metrics recording are no-ops.
func New(
	store WorkflowStore,
	registry *dispatch.Registry,
	dispatcher *dispatch.Dispatcher,
	batchPlanner *dispatch.BatchPlanner,
	planner *credit.Planner,
	logger *slog.Logger,
	broadcaster Broadcaster,
	metricsCollector *metrics.Metrics,
) *Executor {
	return &Executor{
		store:        store,
		registry:     registry,
		dispatcher:   dispatcher,
		batchPlanner: batchPlanner,
		planner:      planner,
		logger:       logger,
		broadcaster:  broadcaster,
		metrics:      metricsCollector,
	}
}

// Run executes runID to completion, per §4.10's state machine. It never
// returns an error for a run-level failure: the failure is recorded on the
// run record itself and nil is returned. A non-nil error indicates the
// executor could not even record the outcome (e.g. the run row vanished).
func (e *Executor) Run(ctx context.Context, orgID, runID string) error {
	run, err := e.store.GetRun(ctx, orgID, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	return tracing.TraceWorkflowExecution(ctx, orgID, run.WorkflowID, runID, func(ctx context.Context) error {
		return e.run(ctx, orgID, run)
	})
}

func (e *Executor) run(ctx context.Context, orgID string, run *workflow.Run) error {
	runID := run.ID
	startedAt := time.Now()
	e.incActiveRuns(orgID, run.WorkflowID)
	defer e.decActiveRuns(orgID, run.WorkflowID)

	graph, err := e.loadGraph(ctx, orgID, run.WorkflowID)
	if err != nil {
		return e.fail(ctx, orgID, run, startedAt, err.Error(), nil)
	}

	if err := e.store.MarkRunStarted(ctx, orgID, runID); err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	e.notifyStarted(orgID, run.WorkflowID, runID, len(graph.Nodes))

	order, err := workflow.Sort(graph)
	if err != nil {
		return e.fail(ctx, orgID, run, startedAt, err.Error(), nil)
	}

	tracing.AddWorkflowAttributes(ctx, map[string]interface{}{
		"node_count": len(graph.Nodes),
		"edge_count": len(graph.Edges),
	})

	required := e.planner.Plan(graph)
	ok, err := e.planner.Reserve(ctx, orgID, required)
	if err != nil {
		return e.fail(ctx, orgID, run, startedAt, fmt.Sprintf("checking credit balance: %s", err), nil)
	}
	if !ok {
		e.recordCreditReservation(orgID, "insufficient")
		tracing.RecordWorkflowEvent(ctx, "credits_rejected", map[string]interface{}{"required": required})
		return e.fail(ctx, orgID, run, startedAt, e.insufficientCreditsMessage(ctx, orgID, required), nil)
	}
	e.recordCreditReservation(orgID, "ok")
	tracing.RecordWorkflowEvent(ctx, "credits_reserved", map[string]interface{}{"required": required})

	var payload interface{}
	if len(run.Payload) > 0 {
		if err := json.Unmarshal(run.Payload, &payload); err != nil {
			return e.fail(ctx, orgID, run, startedAt, fmt.Sprintf("decode run payload: %s", err), nil)
		}
	}

	vc := vctx.New()
	executed := make(map[string]bool, len(order))
	var steps []workflow.ExecutionStep

	for pos := 0; pos < len(order); pos++ {
		id := order[pos]
		if executed[id] {
			continue
		}

		if cancelled, cerr := e.isCancelled(ctx, orgID, runID); cerr == nil && cancelled {
			return e.fail(ctx, orgID, run, startedAt, "cancelled", steps)
		}

		node, ok := graph.NodeByID(id)
		if !ok {
			continue
		}

		if node.Type == workflow.NodeKindOutput {
			executed[id] = true
			continue
		}

		if dispatch.IsMPCEligible(node.BlockID) {
			batchIDs := dispatch.PlanBatch(graph, order, pos, executed)
			for _, bid := range batchIDs {
				if bn, ok := graph.NodeByID(bid); ok {
					e.notifyStep(orgID, run.WorkflowID, runID, bid, bn.BlockID)
				}
			}
			result := e.batchPlanner.ExecuteBatch(ctx, graph, payload, batchIDs, vc)
			steps = append(steps, result.Steps...)
			for _, step := range result.Steps {
				executed[step.NodeID] = true
				e.notifyStepResult(orgID, run.WorkflowID, runID, step)
				e.recordStepExecution(orgID, step)
			}
			failed, errMsg := firstFailure(result.Steps)
			if failed {
				e.recordBatchSubmission("failed", len(batchIDs))
				return e.fail(ctx, orgID, run, startedAt, errMsg, steps)
			}
			e.recordBatchSubmission("success", len(batchIDs))
			continue
		}

		e.notifyStep(orgID, run.WorkflowID, runID, node.ID, node.BlockID)
		start := time.Now()
		output, dispatchErr := tracing.TraceStepExecution(ctx, orgID, run.WorkflowID, runID, node.ID, node.BlockID, func(ctx context.Context) (interface{}, error) {
			return e.dispatcher.Dispatch(ctx, graph, node, payload, vc)
		})
		duration := time.Since(start).Milliseconds()

		if dispatchErr != nil {
			step := workflow.ExecutionStep{
				NodeID:     node.ID,
				BlockID:    node.BlockID,
				DurationMs: duration,
				Status:     workflow.StepStatusFailed,
				Error:      dispatchErr.Error(),
			}
			steps = append(steps, step)
			executed[node.ID] = true
			e.notifyStepResult(orgID, run.WorkflowID, runID, step)
			e.recordStepExecution(orgID, step)
			return e.fail(ctx, orgID, run, startedAt, dispatchErr.Error(), steps)
		}

		vc.WriteResult(node.ID, node.Alias, "", output)
		step := workflow.ExecutionStep{
			NodeID:     node.ID,
			BlockID:    node.BlockID,
			Outputs:    output,
			DurationMs: duration,
			Status:     workflow.StepStatusSuccess,
		}
		steps = append(steps, step)
		executed[node.ID] = true
		e.notifyStepResult(orgID, run.WorkflowID, runID, step)
		e.recordStepExecution(orgID, step)
	}

	outputs := collectOutputs(graph, vc)

	if err := e.planner.Commit(ctx, orgID, required, "run:"+runID); err != nil {
		e.recordCreditDebit(orgID, "failed")
		return e.fail(ctx, orgID, run, startedAt, "billing commit failed", steps)
	}
	e.recordCreditDebit(orgID, "ok")

	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return e.fail(ctx, orgID, run, startedAt, fmt.Sprintf("encode outputs: %s", err), steps)
	}

	result := workflow.RunResult{Outputs: outputs, Steps: steps, CreditsUsed: intPtr(required)}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}

	if err := e.store.CompleteRun(ctx, orgID, runID, workflow.RunStatusSucceeded, resultJSON); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	e.notifySucceeded(orgID, run.WorkflowID, runID, outputsJSON)
	e.recordRun(orgID, run.WorkflowID, "succeeded", startedAt)
	return nil
}

func (e *Executor) loadGraph(ctx context.Context, orgID, workflowID string) (*workflow.WorkflowGraph, error) {
	wf, err := e.store.GetWorkflow(ctx, orgID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	if len(wf.Graph) == 0 {
		return nil, fmt.Errorf("workflow has not been published")
	}

	var graph workflow.WorkflowGraph
	if err := json.Unmarshal(wf.Graph, &graph); err != nil {
		return nil, fmt.Errorf("decode workflow graph: %w", err)
	}
	if err := workflow.Validate(&graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

func (e *Executor) isCancelled(ctx context.Context, orgID, runID string) (bool, error) {
	status, err := e.store.GetRunStatus(ctx, orgID, runID)
	if err != nil {
		return false, err
	}
	return status == workflow.RunStatusCancelled, nil
}

func (e *Executor) insufficientCreditsMessage(ctx context.Context, orgID string, required int) string {
	available, err := e.planner.Available(ctx, orgID)
	if err != nil {
		return fmt.Sprintf("insufficient credits. Required: %d", required)
	}
	return fmt.Sprintf("insufficient credits. Required: %d, Available: %d", required, available)
}

// fail records run as failed with errMsg and the steps accumulated so far,
// then returns nil so the caller treats this as a handled run-level
// outcome rather than a plumbing error.
func (e *Executor) fail(ctx context.Context, orgID string, run *workflow.Run, startedAt time.Time, errMsg string, steps []workflow.ExecutionStep) error {
	failure := workflow.RunFailure{Error: errMsg, Steps: steps}
	resultJSON, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("encode run failure: %w", err)
	}
	if err := e.store.CompleteRun(ctx, orgID, run.ID, workflow.RunStatusFailed, resultJSON); err != nil {
		return fmt.Errorf("complete failed run: %w", err)
	}
	e.notifyFailed(ctx, orgID, run.WorkflowID, run.ID, errMsg)
	e.recordRun(orgID, run.WorkflowID, "failed", startedAt)
	return nil
}

func firstFailure(steps []workflow.ExecutionStep) (bool, string) {
	for _, s := range steps {
		if s.Status == workflow.StepStatusFailed {
			return true, s.Error
		}
	}
	return false, ""
}

// collectOutputs applies §4.10's output-collection rule: for each output
// node, for each incoming edge, read context[source.(sourceHandle|result)]
// and record it under the node's declared fieldName, its alias, or its id.
func collectOutputs(graph *workflow.WorkflowGraph, vc *vctx.Context) map[string]interface{} {
	outputs := make(map[string]interface{})

	for _, node := range graph.Nodes {
		if node.Type != workflow.NodeKindOutput {
			continue
		}
		name := outputFieldName(node)

		for _, edge := range graph.IncomingEdges(node.ID) {
			sourceOutput := edge.SourceHandle
			if sourceOutput == "" {
				sourceOutput = "result"
			}
			if v, ok := vc.Get(edge.Source + "." + sourceOutput); ok {
				outputs[name] = v
			}
		}
	}
	return outputs
}

func outputFieldName(node workflow.Node) string {
	var cfg struct {
		FieldName string `json:"fieldName"`
	}
	if len(node.Data) > 0 {
		if err := json.Unmarshal(node.Data, &cfg); err == nil && cfg.FieldName != "" {
			return cfg.FieldName
		}
	}
	if node.Alias != "" {
		return node.Alias
	}
	return node.ID
}

func intPtr(v int) *int { return &v }

func (e *Executor) notifyStarted(orgID, workflowID, runID string, totalSteps int) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastRunStarted(orgID, workflowID, runID, totalSteps)
	}
}

func (e *Executor) notifySucceeded(orgID, workflowID, runID string, outputs json.RawMessage) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastRunSucceeded(orgID, workflowID, runID, outputs)
	}
}

func (e *Executor) notifyFailed(ctx context.Context, orgID, workflowID, runID, errMsg string) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastRunFailed(orgID, workflowID, runID, errMsg)
	}
	e.logger.Warn("run failed", "org_id", orgID, "workflow_id", workflowID, "run_id", runID, "trace_id", tracing.GetTraceID(ctx), "error", errMsg)
}

func (e *Executor) notifyStep(orgID, workflowID, runID, nodeID, blockID string) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastStepStarted(orgID, workflowID, runID, nodeID, blockID)
	}
}

func (e *Executor) notifyStepResult(orgID, workflowID, runID string, step workflow.ExecutionStep) {
	if e.broadcaster == nil {
		return
	}
	if step.Status == workflow.StepStatusFailed {
		e.broadcaster.BroadcastStepFailed(orgID, workflowID, runID, step.NodeID, step.Error)
		return
	}
	e.broadcaster.BroadcastStepCompleted(orgID, workflowID, runID, step.NodeID, step.DurationMs)
}

func (e *Executor) incActiveRuns(orgID, workflowID string) {
	if e.metrics != nil {
		e.metrics.IncActiveRuns(orgID, workflowID)
	}
}

func (e *Executor) decActiveRuns(orgID, workflowID string) {
	if e.metrics != nil {
		e.metrics.DecActiveRuns(orgID, workflowID)
	}
}

func (e *Executor) recordRun(orgID, workflowID, status string, startedAt time.Time) {
	if e.metrics != nil {
		e.metrics.RecordRun(orgID, workflowID, status, time.Since(startedAt).Seconds())
	}
}

func (e *Executor) recordStepExecution(orgID string, step workflow.ExecutionStep) {
	if e.metrics != nil {
		e.metrics.RecordStepExecution(orgID, step.BlockID, string(step.Status), float64(step.DurationMs)/1000)
	}
}

func (e *Executor) recordBatchSubmission(status string, size int) {
	if e.metrics != nil {
		e.metrics.RecordBatchSubmission(status, size)
	}
}

func (e *Executor) recordCreditReservation(orgID, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordCreditReservation(orgID, outcome)
	}
}

func (e *Executor) recordCreditDebit(orgID, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordCreditDebit(orgID, outcome)
	}
}
