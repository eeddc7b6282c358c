package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ValueTransfer moves collateral between participants and the engine's
// custody account. Both calls block and may fail.
type ValueTransfer interface {
	Deposit(ctx context.Context, payer common.Address, amount decimal.Decimal) error
	Payout(ctx context.Context, payee common.Address, amount decimal.Decimal) error
}

// ActionExecutor performs a passed proposal's treasury action.
type ActionExecutor interface {
	Execute(ctx context.Context, target common.Address, payload []byte, amount decimal.Decimal) error
}

// Clock is the engine's notion of time. Trading windows, delays and
// per-call deadlines are all measured against it.
type Clock interface {
	Now() time.Time
}
