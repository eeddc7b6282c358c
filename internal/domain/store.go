package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Changeset is everything one operation writes. Rows are full
// replacements keyed by their natural identity.
type Changeset struct {
	Proposal *Proposal
	Markets  []Market
	Balances []Balance
	Totals   []SupplyTotals
}

// Empty reports whether the changeset writes nothing.
func (c Changeset) Empty() bool {
	return c.Proposal == nil && len(c.Markets) == 0 && len(c.Balances) == 0 && len(c.Totals) == 0
}

// Snapshot is the full persisted engine state.
type Snapshot struct {
	Proposals []Proposal
	Markets   []Market
	Balances  []Balance
	Totals    []SupplyTotals
}

// StateStore persists engine state. Commit writes cs and runs effect inside
// one transaction; if effect fails nothing is written.
type StateStore interface {
	Commit(ctx context.Context, cs Changeset, effect func(ctx context.Context) error) error
	Load(ctx context.Context) (Snapshot, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Account is a custody balance.
type Account struct {
	Address   common.Address
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// AccountStore persists custody balances.
type AccountStore interface {
	LoadAccounts(ctx context.Context) ([]Account, error)
	SaveAccounts(ctx context.Context, accounts []Account) error
}
