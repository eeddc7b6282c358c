package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// EventType names a committed engine operation.
type EventType string

const (
	EventProposalCreated  EventType = "proposal.created"
	EventOutcomeBought    EventType = "outcome.bought"
	EventOutcomeSold      EventType = "outcome.sold"
	EventTradingClosed    EventType = "proposal.closed"
	EventProposalResolved EventType = "proposal.resolved"
	EventProposalExecuted EventType = "proposal.executed"
	EventProposalRejected EventType = "proposal.rejected"
	EventProposalCanceled EventType = "proposal.canceled"
	EventWinningsRedeemed EventType = "winnings.redeemed"
	EventOraclePoked      EventType = "oracle.poked"
)

// Event is published after an operation commits.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	ProposalID string          `json:"proposal_id"`
	Actor      common.Address  `json:"actor"`
	Side       Side            `json:"side,omitempty"`
	Tokens     decimal.Decimal `json:"tokens"`
	Amount     decimal.Decimal `json:"amount"`
	PassPrice  decimal.Decimal `json:"pass_price"`
	FailPrice  decimal.Decimal `json:"fail_price"`
	State      ProposalState   `json:"state"`
	PassWins   bool            `json:"pass_wins,omitempty"`
	At         time.Time       `json:"at"`
}

// EventPublisher fans committed events out to subscribers. Publishing is
// best effort; the operation has already committed.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}
