// Package custody holds participant collateral and the engine's escrow
// account. It implements domain.ValueTransfer for the orchestrator and the
// treasury transfers behind proposal execution.
package custody

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

var _ domain.ValueTransfer = (*Vault)(nil)

// Vault is an account book with one escrow account. Deposits move funds
// from a participant into escrow; payouts move them back out.
type Vault struct {
	mu       sync.Mutex
	escrow   common.Address
	accounts map[common.Address]decimal.Decimal
	store    domain.AccountStore
	clock    domain.Clock
	logger   *slog.Logger
}

// NewVault returns an empty vault whose escrow account is escrow. store
// may be nil for a purely in-memory vault.
func NewVault(escrow common.Address, store domain.AccountStore, clock domain.Clock, logger *slog.Logger) *Vault {
	return &Vault{
		escrow:   escrow,
		accounts: make(map[common.Address]decimal.Decimal),
		store:    store,
		clock:    clock,
		logger:   logger,
	}
}

// Load restores persisted balances.
func (v *Vault) Load(ctx context.Context) error {
	if v.store == nil {
		return nil
	}
	accounts, err := v.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("custody: load: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, a := range accounts {
		v.accounts[a.Address] = a.Balance
	}
	v.logger.Info("custody: accounts loaded", slog.Int("count", len(accounts)))
	return nil
}

// Escrow returns the engine's escrow address.
func (v *Vault) Escrow() common.Address { return v.escrow }

// Balance returns addr's balance.
func (v *Vault) Balance(addr common.Address) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accounts[addr]
}

// Total returns the sum of all balances.
func (v *Vault) Total() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := decimal.Zero
	for _, b := range v.accounts {
		total = total.Add(b)
	}
	return total
}

// Accounts returns every account sorted by address.
func (v *Vault) Accounts() []domain.Account {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.Account, 0, len(v.accounts))
	for addr, bal := range v.accounts {
		out = append(out, domain.Account{Address: addr, Balance: bal})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

// Credit mints amount into addr. It is the vault's only source of funds
// and is used for funding participants and the treasury.
func (v *Vault) Credit(ctx context.Context, addr common.Address, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return domain.ValidationErr("custody.credit", "amount must be positive, got %s", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	prev := v.accounts[addr]
	v.accounts[addr] = prev.Add(amount)
	if err := v.persist(ctx, addr); err != nil {
		v.accounts[addr] = prev
		return err
	}
	return nil
}

// Deposit moves amount from payer into escrow.
func (v *Vault) Deposit(ctx context.Context, payer common.Address, amount decimal.Decimal) error {
	return v.Transfer(ctx, payer, v.escrow, amount)
}

// Payout moves amount from escrow to payee.
func (v *Vault) Payout(ctx context.Context, payee common.Address, amount decimal.Decimal) error {
	return v.Transfer(ctx, v.escrow, payee, amount)
}

// Transfer moves amount from one account to another. Zero transfers are
// no-ops.
func (v *Vault) Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error {
	const op = "custody.transfer"
	if amount.Sign() < 0 {
		return domain.ValidationErr(op, "negative amount %s", amount)
	}
	if amount.IsZero() || from == to {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("custody: transfer: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	fromBal := v.accounts[from]
	if fromBal.LessThan(amount) {
		return domain.EconomicErr(op, "insufficient funds: %s holds %s, needs %s", from.Hex(), fromBal, amount)
	}
	toBal := v.accounts[to]
	v.accounts[from] = fromBal.Sub(amount)
	v.accounts[to] = toBal.Add(amount)

	if err := v.persist(ctx, from, to); err != nil {
		v.accounts[from] = fromBal
		v.accounts[to] = toBal
		return err
	}
	v.logger.Debug("custody: transfer",
		slog.String("from", from.Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// persist saves the given accounts. Callers hold mu.
func (v *Vault) persist(ctx context.Context, addrs ...common.Address) error {
	if v.store == nil {
		return nil
	}
	now := v.clock.Now()
	rows := make([]domain.Account, 0, len(addrs))
	for _, a := range addrs {
		rows = append(rows, domain.Account{Address: a, Balance: v.accounts[a], UpdatedAt: now})
	}
	if err := v.store.SaveAccounts(ctx, rows); err != nil {
		return fmt.Errorf("custody: persist accounts: %w", err)
	}
	return nil
}

// Verify checks no account is negative.
func (v *Vault) Verify() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for addr, bal := range v.accounts {
		if bal.Sign() < 0 {
			return domain.ArithmeticErr("custody.verify", "account %s is negative: %s", addr.Hex(), bal)
		}
	}
	return nil
}

// Seed credits each configured starting balance. Existing balances are
// left alone so restarts do not double-fund.
func (v *Vault) Seed(ctx context.Context, balances map[common.Address]decimal.Decimal) error {
	for addr, amount := range balances {
		if !v.Balance(addr).IsZero() {
			continue
		}
		if err := v.Credit(ctx, addr, amount); err != nil {
			return fmt.Errorf("custody: seed %s: %w", addr.Hex(), err)
		}
	}
	return nil
}

// Snapshot is a point-in-time view of the vault for reporting.
type Snapshot struct {
	Escrow decimal.Decimal
	Total  decimal.Decimal
	At     time.Time
}

// Snapshot returns escrow and total balances.
func (v *Vault) Snapshot() Snapshot {
	return Snapshot{Escrow: v.Balance(v.escrow), Total: v.Total(), At: v.clock.Now()}
}
