// Package lmsr implements a binary logarithmic market scoring rule market
// maker with an embedded TWAP oracle.
//
// The MarketMaker holds no market state of its own: every operation reads
// and mutates a *domain.Market handed in by the caller, so callers can work
// on copies and discard them on failure.
package lmsr

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/fixed"
)

// Config tunes bounds, the oracle and the budget search.
type Config struct {
	MinQ decimal.Decimal
	MaxQ decimal.Decimal

	// MaxElapsed caps the time a single accumulator update may cover.
	MaxElapsed time.Duration
	// MinTWAPAge is the market age below which TWAP queries return spot.
	MinTWAPAge time.Duration
	// ObservationCap bounds the oracle's observation ring.
	ObservationCap int
	// ObservationSpacing is the minimum gap between ring entries.
	ObservationSpacing time.Duration

	// SearchTolerance ends the budget bisection once the bracket is this
	// narrow.
	SearchTolerance decimal.Decimal
	SearchMaxIter   int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MinQ:            decimal.New(-1, 15),
		MaxQ:            decimal.New(1, 15),
		MaxElapsed:      7 * 24 * time.Hour,
		MinTWAPAge:      60 * time.Second,
		ObservationCap:  64,
		SearchTolerance: decimal.New(1, -9),
		SearchMaxIter:   256,
	}.ForWindow(24 * time.Hour)
}

// ForWindow spaces observations so a full ring spans window.
func (c Config) ForWindow(window time.Duration) Config {
	if c.ObservationCap > 1 && window > 0 {
		c.ObservationSpacing = window / time.Duration(c.ObservationCap-1)
	}
	return c
}

// Fill describes a settled trade.
type Fill struct {
	Outcome     domain.Outcome
	Tokens      decimal.Decimal
	Amount      decimal.Decimal // cost on buys, payout on sells
	PriceBefore decimal.Decimal
	PriceAfter  decimal.Decimal
}

// MarketMaker prices and settles trades on binary markets.
type MarketMaker struct {
	authority common.Address
	cfg       Config
	clock     domain.Clock
}

// New returns a MarketMaker whose mutating calls are restricted to
// authority.
func New(authority common.Address, cfg Config, clock domain.Clock) *MarketMaker {
	return &MarketMaker{authority: authority, cfg: cfg, clock: clock}
}

// Authority returns the identity allowed to mutate markets.
func (mm *MarketMaker) Authority() common.Address { return mm.authority }

// Config returns the maker's settings.
func (mm *MarketMaker) Config() Config { return mm.cfg }

func (mm *MarketMaker) authorize(op string, caller common.Address) error {
	if mm.authority == (common.Address{}) || caller != mm.authority {
		return domain.AuthorizationErr(op, "caller %s is not the market authority", caller.Hex())
	}
	return nil
}

func checkDeadline(op string, now, deadline time.Time) error {
	if !deadline.IsZero() && now.After(deadline) {
		return domain.EconomicErr(op, "deadline %s passed at %s", deadline.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return nil
}

// NewMarket creates an active market with liquidity parameter b seeded
// with collateral.
func (mm *MarketMaker) NewMarket(caller common.Address, id, proposalID string, b, collateral decimal.Decimal) (domain.Market, error) {
	const op = "lmsr.new_market"
	if err := mm.authorize(op, caller); err != nil {
		return domain.Market{}, err
	}
	if b.Sign() <= 0 {
		return domain.Market{}, domain.ValidationErr(op, "liquidity parameter must be positive, got %s", b)
	}
	if collateral.Sign() < 0 {
		return domain.Market{}, domain.ValidationErr(op, "negative collateral %s", collateral)
	}
	now := mm.clock.Now()
	m := domain.Market{
		ID:         id,
		ProposalID: proposalID,
		B:          b,
		QYes:       decimal.Zero,
		QNo:        decimal.Zero,
		Collateral: collateral,
		Active:     true,
		CreatedAt:  now,
		Oracle: domain.OracleState{
			LastUpdate:   now,
			Observations: []domain.Observation{{At: now}},
		},
	}
	return m, nil
}

// Cost evaluates C(qYes, qNo) = max + b*ln(exp((qYes-max)/b) + exp((qNo-max)/b)).
func Cost(b, qYes, qNo decimal.Decimal) (decimal.Decimal, error) {
	mx := fixed.Max(qYes, qNo)
	ey := fixed.Exp(fixed.Div(qYes.Sub(mx), b))
	en := fixed.Exp(fixed.Div(qNo.Sub(mx), b))
	l, err := fixed.Ln(ey.Add(en))
	if err != nil {
		return decimal.Zero, err
	}
	return fixed.Trunc(mx.Add(b.Mul(l))), nil
}

// Price returns the instantaneous price of outcome o, 1/(1+exp((q_other-q_o)/b)).
func Price(m domain.Market, o domain.Outcome) decimal.Decimal {
	qo, qx := m.QYes, m.QNo
	if o == domain.OutcomeNo {
		qo, qx = m.QNo, m.QYes
	}
	e := fixed.Exp(fixed.Div(qx.Sub(qo), m.B))
	return fixed.Trunc(fixed.Div(fixed.One, fixed.One.Add(e)))
}

// Prices returns the YES and NO prices.
func Prices(m domain.Market) (yes, no decimal.Decimal) {
	return Price(m, domain.OutcomeYes), Price(m, domain.OutcomeNo)
}

// shifted returns (qYes, qNo) after moving outcome o by delta.
func shifted(m domain.Market, o domain.Outcome, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if o == domain.OutcomeYes {
		return m.QYes.Add(delta), m.QNo
	}
	return m.QYes, m.QNo.Add(delta)
}

func (mm *MarketMaker) checkBounds(op string, q decimal.Decimal) error {
	if q.GreaterThan(mm.cfg.MaxQ) || q.LessThan(mm.cfg.MinQ) {
		return domain.ArithmeticErr(op, "outstanding quantity %s outside [%s, %s]", q, mm.cfg.MinQ, mm.cfg.MaxQ)
	}
	return nil
}

func validAmount(op string, o domain.Outcome, amount decimal.Decimal) error {
	if !o.Valid() {
		return domain.ValidationErr(op, "unknown outcome %q", o)
	}
	if amount.Sign() <= 0 {
		return domain.ValidationErr(op, "amount must be positive, got %s", amount)
	}
	return nil
}

// CostToBuy returns C(q + amount on o) - C(q).
func (mm *MarketMaker) CostToBuy(m domain.Market, o domain.Outcome, amount decimal.Decimal) (decimal.Decimal, error) {
	const op = "lmsr.cost_to_buy"
	if err := validAmount(op, o, amount); err != nil {
		return decimal.Zero, err
	}
	qy, qn := shifted(m, o, amount)
	if err := mm.checkBounds(op, fixed.Max(qy, qn)); err != nil {
		return decimal.Zero, err
	}
	return costDelta(m, qy, qn)
}

// ReturnForSell returns C(q) - C(q - amount on o), clamped at zero.
func (mm *MarketMaker) ReturnForSell(m domain.Market, o domain.Outcome, amount decimal.Decimal) (decimal.Decimal, error) {
	const op = "lmsr.return_for_sell"
	if err := validAmount(op, o, amount); err != nil {
		return decimal.Zero, err
	}
	qy, qn := shifted(m, o, amount.Neg())
	if err := mm.checkBounds(op, fixed.Min(qy, qn)); err != nil {
		return decimal.Zero, err
	}
	delta, err := costDelta(m, qy, qn)
	if err != nil {
		return decimal.Zero, err
	}
	payout := delta.Neg()
	if payout.Sign() < 0 {
		payout = decimal.Zero
	}
	return payout, nil
}

// costDelta returns C(qy, qn) - C(m.QYes, m.QNo).
func costDelta(m domain.Market, qy, qn decimal.Decimal) (decimal.Decimal, error) {
	before, err := Cost(m.B, m.QYes, m.QNo)
	if err != nil {
		return decimal.Zero, err
	}
	after, err := Cost(m.B, qy, qn)
	if err != nil {
		return decimal.Zero, err
	}
	return after.Sub(before), nil
}

// MaxBuyable returns the largest quantity of o purchasable for at most
// budget. Cost is monotonic in quantity, so the answer is found by
// bisection.
func (mm *MarketMaker) MaxBuyable(m domain.Market, o domain.Outcome, budget decimal.Decimal) (decimal.Decimal, error) {
	const op = "lmsr.max_buyable"
	if err := validAmount(op, o, budget); err != nil {
		return decimal.Zero, err
	}
	room := mm.cfg.MaxQ.Sub(m.Q(o))
	if room.Sign() <= 0 {
		return decimal.Zero, domain.ArithmeticErr(op, "outcome %s is at the quantity bound", o)
	}

	base, err := Cost(m.B, m.QYes, m.QNo)
	if err != nil {
		return decimal.Zero, err
	}
	affordable := func(x decimal.Decimal) (bool, error) {
		qy, qn := shifted(m, o, x)
		c, err := Cost(m.B, qy, qn)
		if err != nil {
			return false, err
		}
		return c.Sub(base).LessThanOrEqual(budget), nil
	}

	// Every unit costs less than 1, so budget itself is normally
	// affordable; every unit costs at least the current price, bounding
	// the answer from above.
	hi := fixed.Min(fixed.Trunc(fixed.Div(budget, Price(m, o))), room)
	lo := fixed.Min(budget, hi)
	if ok, err := affordable(lo); err != nil {
		return decimal.Zero, err
	} else if !ok {
		hi, lo = lo, decimal.Zero
	}

	for i := 0; i < mm.cfg.SearchMaxIter && hi.Sub(lo).GreaterThan(mm.cfg.SearchTolerance); i++ {
		mid := fixed.Trunc(fixed.Div(lo.Add(hi), fixed.Two))
		ok, err := affordable(mid)
		if err != nil {
			return decimal.Zero, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Buy purchases amount of o. When the exact cost exceeds maxCost, it buys
// the largest quantity maxCost affords instead.
func (mm *MarketMaker) Buy(caller common.Address, m *domain.Market, o domain.Outcome, amount, maxCost decimal.Decimal, deadline time.Time) (Fill, error) {
	const op = "lmsr.buy"
	if err := mm.precheck(op, caller, m, deadline); err != nil {
		return Fill{}, err
	}
	if err := validAmount(op, o, amount); err != nil {
		return Fill{}, err
	}
	cost, err := mm.CostToBuy(*m, o, amount)
	if err != nil {
		return Fill{}, err
	}
	if maxCost.Sign() > 0 && cost.GreaterThan(maxCost) {
		return mm.BuyWithBudget(caller, m, o, maxCost, deadline)
	}
	return mm.settleBuy(m, o, amount, cost), nil
}

// BuyWithBudget spends at most budget on the largest purchasable quantity
// of o.
func (mm *MarketMaker) BuyWithBudget(caller common.Address, m *domain.Market, o domain.Outcome, budget decimal.Decimal, deadline time.Time) (Fill, error) {
	const op = "lmsr.buy_with_budget"
	if err := mm.precheck(op, caller, m, deadline); err != nil {
		return Fill{}, err
	}
	amount, err := mm.MaxBuyable(*m, o, budget)
	if err != nil {
		return Fill{}, err
	}
	if amount.Sign() <= 0 {
		return Fill{}, domain.EconomicErr(op, "budget %s buys nothing", budget)
	}
	cost, err := mm.CostToBuy(*m, o, amount)
	if err != nil {
		return Fill{}, err
	}
	if cost.GreaterThan(budget) {
		return Fill{}, domain.ArithmeticErr(op, "search overshot budget: cost %s > %s", cost, budget)
	}
	return mm.settleBuy(m, o, amount, cost), nil
}

func (mm *MarketMaker) settleBuy(m *domain.Market, o domain.Outcome, amount, cost decimal.Decimal) Fill {
	now := mm.clock.Now()
	mm.accumulate(m, now)
	before := Price(*m, o)
	m.SetQ(o, m.Q(o).Add(amount))
	m.Collateral = m.Collateral.Add(cost)
	return Fill{Outcome: o, Tokens: amount, Amount: cost, PriceBefore: before, PriceAfter: Price(*m, o)}
}

// Sell returns amount of o to the market. A payout below minReturn fails
// without changing m.
func (mm *MarketMaker) Sell(caller common.Address, m *domain.Market, o domain.Outcome, amount, minReturn decimal.Decimal, deadline time.Time) (Fill, error) {
	const op = "lmsr.sell"
	if err := mm.precheck(op, caller, m, deadline); err != nil {
		return Fill{}, err
	}
	if amount.GreaterThan(m.Q(o)) {
		return Fill{}, domain.EconomicErr(op, "selling %s of %s exceeds outstanding %s", amount, o, m.Q(o))
	}
	payout, err := mm.ReturnForSell(*m, o, amount)
	if err != nil {
		return Fill{}, err
	}
	if payout.LessThan(minReturn) {
		return Fill{}, domain.EconomicErr(op, "payout %s below minimum %s", payout, minReturn)
	}
	if payout.GreaterThan(m.Collateral) {
		return Fill{}, domain.EconomicErr(op, "payout %s exceeds market collateral %s", payout, m.Collateral)
	}

	now := mm.clock.Now()
	mm.accumulate(m, now)
	before := Price(*m, o)
	m.SetQ(o, m.Q(o).Sub(amount))
	m.Collateral = m.Collateral.Sub(payout)
	return Fill{Outcome: o, Tokens: amount, Amount: payout, PriceBefore: before, PriceAfter: Price(*m, o)}, nil
}

func (mm *MarketMaker) precheck(op string, caller common.Address, m *domain.Market, deadline time.Time) error {
	if err := mm.authorize(op, caller); err != nil {
		return err
	}
	if err := checkDeadline(op, mm.clock.Now(), deadline); err != nil {
		return err
	}
	if !m.Active {
		return domain.StateErr(op, "market %s is closed", m.ID)
	}
	return nil
}

// Close deactivates m and freezes its YES TWAP over window as the final
// price.
func (mm *MarketMaker) Close(caller common.Address, m *domain.Market, window time.Duration) error {
	const op = "lmsr.close"
	if err := mm.authorize(op, caller); err != nil {
		return err
	}
	if !m.Active {
		return domain.StateErr(op, "market %s is already closed", m.ID)
	}
	now := mm.clock.Now()
	mm.accumulate(m, now)
	yes, _ := mm.twapAt(*m, window, now)
	m.FinalPrice = yes
	m.Active = false
	m.ClosedAt = &now
	return nil
}
