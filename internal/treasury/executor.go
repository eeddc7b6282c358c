// Package treasury performs the actions of passed proposals.
package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

var _ domain.ActionExecutor = (*Executor)(nil)

// Funds moves value between custody accounts.
type Funds interface {
	Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error
	Balance(addr common.Address) decimal.Decimal
}

// Execution records one performed action.
type Execution struct {
	Target      common.Address  `json:"target"`
	Amount      decimal.Decimal `json:"amount"`
	PayloadHash common.Hash     `json:"payload_hash"`
	At          time.Time       `json:"at"`
}

// Executor pays a proposal's requested amount from the treasury account to
// its target and keeps a log of what it did.
type Executor struct {
	funds    Funds
	treasury common.Address
	clock    domain.Clock
	logger   *slog.Logger

	mu   sync.Mutex
	done []Execution
}

// NewExecutor returns an Executor drawing on treasury.
func NewExecutor(funds Funds, treasury common.Address, clock domain.Clock, logger *slog.Logger) *Executor {
	return &Executor{funds: funds, treasury: treasury, clock: clock, logger: logger}
}

// Treasury returns the account actions are paid from.
func (e *Executor) Treasury() common.Address { return e.treasury }

// Execute transfers amount from the treasury to target. The payload is
// recorded by hash.
func (e *Executor) Execute(ctx context.Context, target common.Address, payload []byte, amount decimal.Decimal) error {
	if target == (common.Address{}) {
		return domain.ValidationErr("treasury.execute", "zero target")
	}
	if amount.Sign() < 0 {
		return domain.ValidationErr("treasury.execute", "negative amount %s", amount)
	}
	if err := e.funds.Transfer(ctx, e.treasury, target, amount); err != nil {
		return fmt.Errorf("treasury: execute to %s: %w", target.Hex(), err)
	}

	ex := Execution{
		Target:      target,
		Amount:      amount,
		PayloadHash: crypto.Keccak256Hash(payload),
		At:          e.clock.Now(),
	}
	e.mu.Lock()
	e.done = append(e.done, ex)
	e.mu.Unlock()

	e.logger.Info("treasury: action executed",
		slog.String("target", target.Hex()),
		slog.String("amount", amount.String()),
		slog.String("payload_hash", ex.PayloadHash.Hex()),
	)
	return nil
}

// Revert returns amount from target to the treasury. The orchestrator uses
// it when an execution ran but its commit failed.
func (e *Executor) Revert(ctx context.Context, target common.Address, amount decimal.Decimal) error {
	if err := e.funds.Transfer(ctx, target, e.treasury, amount); err != nil {
		return fmt.Errorf("treasury: revert from %s: %w", target.Hex(), err)
	}
	e.mu.Lock()
	if n := len(e.done); n > 0 && e.done[n-1].Target == target {
		e.done = e.done[:n-1]
	}
	e.mu.Unlock()
	return nil
}

// Executions returns the actions performed so far.
func (e *Executor) Executions() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Execution(nil), e.done...)
}
