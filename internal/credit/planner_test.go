package credit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorax/shieldflow/internal/executor/dispatch"
	"github.com/gorax/shieldflow/internal/workflow"
)

type fakeLedger struct {
	balances  map[string]int
	debitErr  error
	debitOK   bool
	debitCall int
}

func newFakeLedger(balance int) *fakeLedger {
	return &fakeLedger{balances: map[string]int{"org-1": balance}}
}

func (f *fakeLedger) GetAvailable(ctx context.Context, org string) (int, error) {
	return f.balances[org], nil
}

func (f *fakeLedger) AtomicDebit(ctx context.Context, org string, amount int, reason string) (bool, error) {
	f.debitCall++
	if f.debitErr != nil {
		return false, f.debitErr
	}
	if f.balances[org] < amount {
		return false, nil
	}
	f.balances[org] -= amount
	return true, nil
}

func graphOf(blockIDs ...string) *workflow.WorkflowGraph {
	nodes := make([]workflow.Node, len(blockIDs))
	for i, id := range blockIDs {
		nodes[i] = workflow.Node{ID: "node-" + id, BlockID: id}
	}
	return &workflow.WorkflowGraph{Nodes: nodes}
}

func TestPlanSumsNodeCostsPlusBaseRunCost(t *testing.T) {
	planner := NewPlanner(dispatch.NewRegistry(), newFakeLedger(0))

	graph := graphOf(dispatch.BlockMathAdd, dispatch.BlockNilaiLLM)
	got := planner.Plan(graph)

	// BaseRunCost(1) + math-add(1) + nilai-llm(10)
	assert.Equal(t, 12, got)
}

func TestPlanUnknownBlockContributesZero(t *testing.T) {
	planner := NewPlanner(dispatch.NewRegistry(), newFakeLedger(0))

	graph := graphOf("not-a-real-block")
	assert.Equal(t, BaseRunCost, planner.Plan(graph))
}

func TestReserveApprovesWhenBalanceCovers(t *testing.T) {
	planner := NewPlanner(dispatch.NewRegistry(), newFakeLedger(10))

	ok, err := planner.Reserve(context.Background(), "org-1", 10)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReserveRejectsWhenBalanceShort(t *testing.T) {
	planner := NewPlanner(dispatch.NewRegistry(), newFakeLedger(5))

	ok, err := planner.Reserve(context.Background(), "org-1", 6)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReserveNeverDebits(t *testing.T) {
	ledger := newFakeLedger(10)
	planner := NewPlanner(dispatch.NewRegistry(), ledger)

	_, err := planner.Reserve(context.Background(), "org-1", 10)
	require.NoError(t, err)

	assert.Equal(t, 0, ledger.debitCall)
	assert.Equal(t, 10, ledger.balances["org-1"])
}

func TestCommitDebitsOnSuccess(t *testing.T) {
	ledger := newFakeLedger(10)
	planner := NewPlanner(dispatch.NewRegistry(), ledger)

	err := planner.Commit(context.Background(), "org-1", 6, "run:run-1")
	require.NoError(t, err)
	assert.Equal(t, 4, ledger.balances["org-1"])
}

func TestCommitReturnsInsufficientCreditsWhenDebitRejected(t *testing.T) {
	ledger := newFakeLedger(5)
	planner := NewPlanner(dispatch.NewRegistry(), ledger)

	err := planner.Commit(context.Background(), "org-1", 6, "run:run-1")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestAvailableReflectsLedgerBalance(t *testing.T) {
	planner := NewPlanner(dispatch.NewRegistry(), newFakeLedger(7))

	balance, err := planner.Available(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 7, balance)
}
