package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/lmsr"
)

// Quote is a priced trade that has not been executed.
type Quote struct {
	Side   domain.Side     `json:"side"`
	Tokens decimal.Decimal `json:"tokens"`
	Amount decimal.Decimal `json:"amount"`
}

// snapshot copies proposal id and its markets under the read lock.
func (o *Orchestrator) snapshot(op, id string) (domain.Proposal, map[domain.Side]domain.Market, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.proposals[id]
	if !ok {
		return domain.Proposal{}, nil, fmt.Errorf("%s: proposal %s: %w", op, id, domain.ErrNotFound)
	}
	ms := make(map[domain.Side]domain.Market, 2)
	for _, side := range domain.Sides {
		m, ok := o.markets[p.MarketID(side)]
		if !ok {
			return domain.Proposal{}, nil, domain.ConsistencyErr(op, "proposal %s is missing its %s market", id, side)
		}
		ms[side] = m.Clone()
	}
	return p.Clone(), ms, nil
}

// GetProposal returns a copy of proposal id.
func (o *Orchestrator) GetProposal(_ context.Context, id string) (domain.Proposal, error) {
	p, _, err := o.snapshot("orchestrator.get_proposal", id)
	return p, err
}

// GetMarket returns a copy of side's market of proposal id.
func (o *Orchestrator) GetMarket(_ context.Context, id string, side domain.Side) (domain.Market, error) {
	const op = "orchestrator.get_market"
	if !side.Valid() {
		return domain.Market{}, domain.ValidationErr(op, "unknown side %q", side)
	}
	_, ms, err := o.snapshot(op, id)
	if err != nil {
		return domain.Market{}, err
	}
	return ms[side], nil
}

// Prices returns the current spot PASS and FAIL prices. Closed markets
// report their final price.
func (o *Orchestrator) Prices(_ context.Context, id string) (domain.PriceQuote, error) {
	_, ms, err := o.snapshot("orchestrator.prices", id)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	q := domain.PriceQuote{ProposalID: id, At: o.clock.Now()}
	q.Pass = marketPrice(ms[domain.SidePass])
	q.Fail = marketPrice(ms[domain.SideFail])
	return q, nil
}

func marketPrice(m domain.Market) decimal.Decimal {
	if !m.Active {
		return m.FinalPrice
	}
	return lmsr.Price(m, domain.OutcomeYes)
}

// TWAP returns the PASS and FAIL TWAP prices over the configured window.
func (o *Orchestrator) TWAP(_ context.Context, id string) (domain.PriceQuote, error) {
	_, ms, err := o.snapshot("orchestrator.twap", id)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	pass, _ := o.mm.TWAP(ms[domain.SidePass], o.cfg.TWAPWindow)
	fail, _ := o.mm.TWAP(ms[domain.SideFail], o.cfg.TWAPWindow)
	return domain.PriceQuote{ProposalID: id, Pass: pass, Fail: fail, At: o.clock.Now()}, nil
}

// BalanceOf returns holder's outcome tokens of side in proposal id.
func (o *Orchestrator) BalanceOf(holder common.Address, id string, side domain.Side) decimal.Decimal {
	return o.ledger.BalanceOf(holder, id, side)
}

// Balances returns every non-zero balance in proposal id.
func (o *Orchestrator) Balances(id string) []domain.Balance {
	return o.ledger.Balances(id)
}

// Supply returns the supply counters of side in proposal id.
func (o *Orchestrator) Supply(id string, side domain.Side) domain.SupplyTotals {
	return o.ledger.Totals(id, side)
}

// QuoteBuy prices a BuyOutcome of spend on side without executing it.
func (o *Orchestrator) QuoteBuy(_ context.Context, id string, side domain.Side, spend decimal.Decimal) (Quote, error) {
	const op = "orchestrator.quote_buy"
	if !side.Valid() {
		return Quote{}, domain.ValidationErr(op, "unknown side %q", side)
	}
	p, ms, err := o.snapshot(op, id)
	if err != nil {
		return Quote{}, err
	}
	if err := o.checkTrading(op, p); err != nil {
		return Quote{}, err
	}
	m := ms[side]
	tokens, err := o.mm.MaxBuyable(m, domain.OutcomeYes, spend)
	if err != nil {
		return Quote{}, err
	}
	if !tokens.IsPositive() {
		return Quote{Side: side, Tokens: decimal.Zero, Amount: decimal.Zero}, nil
	}
	cost, err := o.mm.CostToBuy(m, domain.OutcomeYes, tokens)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Side: side, Tokens: tokens, Amount: cost}, nil
}

// QuoteSell prices a SellOutcome of tokens on side without executing it.
func (o *Orchestrator) QuoteSell(_ context.Context, id string, side domain.Side, tokens decimal.Decimal) (Quote, error) {
	const op = "orchestrator.quote_sell"
	if !side.Valid() {
		return Quote{}, domain.ValidationErr(op, "unknown side %q", side)
	}
	p, ms, err := o.snapshot(op, id)
	if err != nil {
		return Quote{}, err
	}
	if err := o.checkTrading(op, p); err != nil {
		return Quote{}, err
	}
	m := ms[side]
	if tokens.GreaterThan(m.QYes) {
		return Quote{}, domain.EconomicErr(op, "%s tokens exceed the %s outstanding", tokens, m.QYes)
	}
	ret, err := o.mm.ReturnForSell(m, domain.OutcomeYes, tokens)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Side: side, Tokens: tokens, Amount: ret}, nil
}

// ListProposals returns proposals in creation order, filtered by state when
// state is non-empty and paged by opts.
func (o *Orchestrator) ListProposals(_ context.Context, state domain.ProposalState, opts domain.ListOpts) ([]domain.Proposal, error) {
	if state != "" && !state.Valid() {
		return nil, domain.ValidationErr("orchestrator.list_proposals", "unknown state %q", state)
	}
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []domain.Proposal
	skipped := 0
	for _, id := range o.order {
		p := o.proposals[id]
		if state != "" && p.State != state {
			continue
		}
		if opts.Since != nil && p.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !p.CreatedAt.Before(*opts.Until) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, p.Clone())
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Archivable returns terminal proposals last updated before cutoff, with
// their markets and outstanding balances.
func (o *Orchestrator) Archivable(_ context.Context, before time.Time) ([]domain.ProposalRecord, error) {
	o.mu.RLock()
	var ps []domain.Proposal
	for _, id := range o.order {
		p := o.proposals[id]
		if p.State.Terminal() && p.UpdatedAt.Before(before) {
			ps = append(ps, p.Clone())
		}
	}
	o.mu.RUnlock()

	out := make([]domain.ProposalRecord, 0, len(ps))
	for _, p := range ps {
		_, ms, err := o.snapshot("orchestrator.archivable", p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.ProposalRecord{
			Proposal: p,
			Markets:  []domain.Market{ms[domain.SidePass], ms[domain.SideFail]},
			Balances: o.ledger.Balances(p.ID),
		})
	}
	return out, nil
}
