package credit

import (
	"context"
	"fmt"

	"github.com/gorax/shieldflow/internal/executor/dispatch"
	"github.com/gorax/shieldflow/internal/workflow"
)

// BaseRunCost is added to every run's required total regardless of its
// node composition.
const BaseRunCost = 1

// Planner maps a workflow graph to a required credit total and drives the
// pre-flight/debit contract against a Ledger.
type Planner struct {
	registry *dispatch.Registry
	ledger   Ledger
}

// NewPlanner constructs a Planner over the block registry (for per-node
// cost lookup) and a Ledger.
func NewPlanner(registry *dispatch.Registry, ledger Ledger) *Planner {
	return &Planner{registry: registry, ledger: ledger}
}

// Plan sums each node's registry-defined cost plus the base run cost.
// Input and output nodes, and any block the registry has no cost for,
// contribute zero.
func (p *Planner) Plan(graph *workflow.WorkflowGraph) int {
	total := BaseRunCost
	for _, n := range graph.Nodes {
		def, ok := p.registry.Lookup(n.BlockID)
		if !ok {
			continue
		}
		total += def.Cost
	}
	return total
}

// Reserve performs the non-mutating pre-flight check: does the org's
// current balance cover required. It never debits.
func (p *Planner) Reserve(ctx context.Context, org string, required int) (bool, error) {
	available, err := p.ledger.GetAvailable(ctx, org)
	if err != nil {
		return false, err
	}
	return available >= required, nil
}

// Available returns the org's current balance, for composing the
// "required/available" insufficient-credits error message.
func (p *Planner) Available(ctx context.Context, org string) (int, error) {
	return p.ledger.GetAvailable(ctx, org)
}

// Commit performs the atomic debit. Call only after a run has succeeded;
// on failure to reserve enough balance it returns ErrInsufficientCredits
// even though Reserve previously approved the run (a concurrent debit
// against the same org can intervene between the two calls).
func (p *Planner) Commit(ctx context.Context, org string, required int, reason string) error {
	ok, err := p.ledger.AtomicDebit(ctx, org, required, reason)
	if err != nil {
		return fmt.Errorf("commit credits: %w", err)
	}
	if !ok {
		return ErrInsufficientCredits
	}
	return nil
}
