package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ProposalState represents the lifecycle state of a proposal.
type ProposalState string

const (
	ProposalActive   ProposalState = "active"
	ProposalClosed   ProposalState = "closed"
	ProposalResolved ProposalState = "resolved"
	ProposalExecuted ProposalState = "executed"
	ProposalRejected ProposalState = "rejected"
	ProposalCanceled ProposalState = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s ProposalState) Terminal() bool {
	switch s {
	case ProposalExecuted, ProposalRejected, ProposalCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s ProposalState) Valid() bool {
	switch s {
	case ProposalActive, ProposalClosed, ProposalResolved,
		ProposalExecuted, ProposalRejected, ProposalCanceled:
		return true
	}
	return false
}

// ParseProposalState converts a wire string into a ProposalState.
func ParseProposalState(s string) (ProposalState, error) {
	st := ProposalState(s)
	if !st.Valid() {
		return "", ValidationErr("domain.parse_state", "unknown proposal state %q", s)
	}
	return st, nil
}

// Side selects one of a proposal's two conditional markets.
type Side string

const (
	SidePass Side = "pass"
	SideFail Side = "fail"
)

// Sides lists both sides in a fixed order.
var Sides = [2]Side{SidePass, SideFail}

// Valid reports whether s is pass or fail.
func (s Side) Valid() bool {
	return s == SidePass || s == SideFail
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SidePass {
		return SideFail
	}
	return SidePass
}

// ParseSide converts a wire string into a Side.
func ParseSide(s string) (Side, error) {
	side := Side(s)
	if !side.Valid() {
		return "", ValidationErr("domain.parse_side", "unknown side %q", s)
	}
	return side, nil
}

// Proposal is a treasury action put to a pair of decision markets.
type Proposal struct {
	ID              string          `json:"id"`
	Proposer        common.Address  `json:"proposer"`
	Target          common.Address  `json:"target"`
	Payload         []byte          `json:"payload,omitempty"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	DescriptionRef  common.Hash     `json:"description_ref"`
	PassMarketID    string          `json:"pass_market_id"`
	FailMarketID    string          `json:"fail_market_id"`
	TradingStart    time.Time       `json:"trading_start"`
	TradingEnd      time.Time       `json:"trading_end"`
	ResolutionTime  time.Time       `json:"resolution_time"`
	Stake           decimal.Decimal `json:"stake"`
	Liquidity       decimal.Decimal `json:"liquidity"`
	State           ProposalState   `json:"state"`
	FinalPassPrice  decimal.Decimal `json:"final_pass_price"`
	FinalFailPrice  decimal.Decimal `json:"final_fail_price"`
	PassWins        bool            `json:"pass_wins"`
	StakeReturned   bool            `json:"stake_returned"`
	Collateral      decimal.Decimal `json:"collateral"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// MarketID returns the id of the market trading side.
func (p Proposal) MarketID(side Side) string {
	if side == SidePass {
		return p.PassMarketID
	}
	return p.FailMarketID
}

// WinningSide returns the side whose holders redeem the collateral pool.
func (p Proposal) WinningSide() Side {
	if p.PassWins {
		return SidePass
	}
	return SideFail
}

// Clone returns a deep copy safe to mutate.
func (p Proposal) Clone() Proposal {
	if p.Payload != nil {
		p.Payload = append([]byte(nil), p.Payload...)
	}
	return p
}

func (p Proposal) String() string {
	return fmt.Sprintf("proposal %s (%s)", p.ID, p.State)
}
