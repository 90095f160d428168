// Package credit implements the credit planner (C6): mapping a workflow
// graph to a required credit total, and the atomic pre-flight/debit
// contract the run executor drives the ledger through.
package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidOrg is returned when an org id is empty.
	ErrInvalidOrg = errors.New("org id cannot be empty")
	// ErrInsufficientCredits is returned by Commit when the ledger's
	// balance can no longer cover the amount at debit time.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// atomicDebitScript compares the stored balance against the requested
// amount and decrements only if it covers the full amount, in one round
// trip. This replaces the GET-then-DECR pattern elsewhere in the codebase,
// which races under concurrent debits against the same org.
var atomicDebitScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
  return 0
end
redis.call('DECRBY', KEYS[1], amount)
return 1
`)

// Ledger is the contract the planner drives: a non-mutating availability
// check and an atomic debit. Storage and accounting policy (top-ups,
// invoicing) live outside the executor.
type Ledger interface {
	GetAvailable(ctx context.Context, org string) (int, error)
	AtomicDebit(ctx context.Context, org string, amount int, reason string) (bool, error)
}

// RedisLedger is a Redis-backed Ledger. Balances are plain integer keys;
// debits run the atomicDebitScript so two runs committing against the same
// org concurrently cannot both observe a stale balance.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger constructs a RedisLedger over an existing client.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// GetAvailable returns the org's current balance. A missing key reads as 0,
// matching Redis's usual absent-counter convention.
func (l *RedisLedger) GetAvailable(ctx context.Context, org string) (int, error) {
	if org == "" {
		return 0, ErrInvalidOrg
	}

	balance, err := l.client.Get(ctx, balanceKey(org)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// AtomicDebit decrements the org's balance by amount iff the balance
// covers it, as one atomic operation. Returns false (not an error) when
// the balance is insufficient at the moment of the call.
func (l *RedisLedger) AtomicDebit(ctx context.Context, org string, amount int, reason string) (bool, error) {
	if org == "" {
		return false, ErrInvalidOrg
	}
	if amount <= 0 {
		return true, nil
	}

	result, err := atomicDebitScript.Run(ctx, l.client, []string{balanceKey(org)}, amount).Int()
	if err != nil {
		return false, fmt.Errorf("atomic debit: %w", err)
	}
	return result == 1, nil
}

func balanceKey(org string) string {
	return fmt.Sprintf("credit:%s:balance", org)
}
