package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one of the two tokens a binary market prices.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Valid reports whether o is yes or no.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Market is a binary LMSR market. B never changes after creation.
type Market struct {
	ID         string          `json:"id"`
	ProposalID string          `json:"proposal_id"`
	B          decimal.Decimal `json:"b"`
	QYes       decimal.Decimal `json:"q_yes"`
	QNo        decimal.Decimal `json:"q_no"`
	Collateral decimal.Decimal `json:"collateral"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty"`
	FinalPrice decimal.Decimal `json:"final_price"` // frozen YES TWAP once closed
	Oracle     OracleState     `json:"oracle"`
}

// Q returns the outstanding quantity of outcome o.
func (m Market) Q(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return m.QYes
	}
	return m.QNo
}

// SetQ replaces the outstanding quantity of outcome o.
func (m *Market) SetQ(o Outcome, q decimal.Decimal) {
	if o == OutcomeYes {
		m.QYes = q
		return
	}
	m.QNo = q
}

// Clone returns a deep copy safe to mutate.
func (m Market) Clone() Market {
	if m.ClosedAt != nil {
		t := *m.ClosedAt
		m.ClosedAt = &t
	}
	m.Oracle.Observations = append([]Observation(nil), m.Oracle.Observations...)
	return m
}

// OracleState is the TWAP accumulator embedded in a market.
type OracleState struct {
	CumulativeYes decimal.Decimal `json:"cumulative_yes"`
	CumulativeNo  decimal.Decimal `json:"cumulative_no"`
	// Accrued is the capped seconds folded into the accumulators.
	Accrued       decimal.Decimal `json:"accrued"`
	LastUpdate    time.Time       `json:"last_update"`
	Observations  []Observation   `json:"observations,omitempty"`
}

// Observation records the accumulators at a point in time.
type Observation struct {
	At            time.Time       `json:"at"`
	CumulativeYes decimal.Decimal `json:"cumulative_yes"`
	CumulativeNo  decimal.Decimal `json:"cumulative_no"`
	Accrued       decimal.Decimal `json:"accrued"`
}

// PriceQuote pairs the PASS and FAIL market YES prices for a proposal.
type PriceQuote struct {
	ProposalID string          `json:"proposal_id"`
	Pass       decimal.Decimal `json:"pass"`
	Fail       decimal.Decimal `json:"fail"`
	At         time.Time       `json:"at"`
}
