package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BalanceKey identifies one holder's outcome-token position.
type BalanceKey struct {
	Holder     common.Address
	ProposalID string
	Side       Side
}

// Balance is a holder's outcome-token amount.
type Balance struct {
	Holder     common.Address  `json:"holder"`
	ProposalID string          `json:"proposal_id"`
	Side       Side            `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
}

// Key returns the balance's identity.
func (b Balance) Key() BalanceKey {
	return BalanceKey{Holder: b.Holder, ProposalID: b.ProposalID, Side: b.Side}
}

// SupplyKey identifies an outcome token.
type SupplyKey struct {
	ProposalID string
	Side       Side
}

// SupplyTotals are the aggregate counters for one outcome token.
type SupplyTotals struct {
	ProposalID string          `json:"proposal_id"`
	Side       Side            `json:"side"`
	Minted     decimal.Decimal `json:"minted"`
	Redeemed   decimal.Decimal `json:"redeemed"`
	Supply     decimal.Decimal `json:"supply"`
}

// Key returns the totals' identity.
func (t SupplyTotals) Key() SupplyKey {
	return SupplyKey{ProposalID: t.ProposalID, Side: t.Side}
}

// Conserved reports minted - redeemed == supply.
func (t SupplyTotals) Conserved() bool {
	return t.Minted.Sub(t.Redeemed).Equal(t.Supply)
}
