package lmsr

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/futarchy/internal/clock"
	"github.com/alanyoungcy/futarchy/internal/domain"
)

var (
	engine   = common.HexToAddress("0x00000000000000000000000000000000000e0001")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	epoch    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	priceTol = decimal.New(1, -15)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newMaker(t testing.TB) (*MarketMaker, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	return New(engine, DefaultConfig(), clk), clk
}

func newMarket(t testing.TB, mm *MarketMaker, b string) domain.Market {
	t.Helper()
	m, err := mm.NewMarket(engine, "m1", "p1", d(b), d(b))
	require.NoError(t, err)
	return m
}

func TestInitialPricesAreEven(t *testing.T) {
	mm, _ := newMaker(t)
	m := newMarket(t, mm, "5000")

	yes, no := Prices(m)
	assert.True(t, yes.Equal(d("0.5")), "yes = %s", yes)
	assert.True(t, no.Equal(d("0.5")), "no = %s", no)
}

func TestBuyRaisesPriceSuperlinearly(t *testing.T) {
	mm, _ := newMaker(t)
	m := newMarket(t, mm, "5000")

	c1000, err := mm.CostToBuy(m, domain.OutcomeYes, d("1000"))
	require.NoError(t, err)
	c2000, err := mm.CostToBuy(m, domain.OutcomeYes, d("2000"))
	require.NoError(t, err)
	assert.True(t, c2000.GreaterThan(c1000.Mul(decimal.NewFromInt(2))), "cost(2000)=%s cost(1000)=%s", c2000, c1000)

	prev := Price(m, domain.OutcomeYes)
	for i := 0; i < 5; i++ {
		_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("200"), decimal.Zero, time.Time{})
		require.NoError(t, err)
		p := Price(m, domain.OutcomeYes)
		assert.True(t, p.GreaterThan(prev))
		prev = p
	}
	assert.True(t, m.B.Equal(d("5000")))
}

func TestBuyCollectsCostAsCollateral(t *testing.T) {
	mm, _ := newMaker(t)
	m := newMarket(t, mm, "100")

	fill, err := mm.Buy(engine, &m, domain.OutcomeNo, d("10"), decimal.Zero, time.Time{})
	require.NoError(t, err)
	assert.True(t, m.QNo.Equal(d("10")))
	assert.True(t, m.Collateral.Equal(d("100").Add(fill.Amount)))
	assert.True(t, fill.PriceAfter.GreaterThan(fill.PriceBefore))
}

func TestBuyWithBudgetStaysWithinBudget(t *testing.T) {
	mm, _ := newMaker(t)
	m := newMarket(t, mm, "5000")

	fill, err := mm.BuyWithBudget(engine, &m, domain.OutcomeYes, d("1000"), time.Time{})
	require.NoError(t, err)
	assert.True(t, fill.Amount.LessThanOrEqual(d("1000")))
	assert.True(t, fill.Tokens.GreaterThan(d("1000")), "at price 0.5 a budget buys more tokens than it costs")

	// One more tolerance step would exceed the budget.
	probe := m
	probe.QYes = probe.QYes.Sub(fill.Tokens)
	over, err := mm.CostToBuy(probe, domain.OutcomeYes, fill.Tokens.Add(d("0.000001")))
	require.NoError(t, err)
	assert.True(t, over.GreaterThan(d("1000")))
}

func TestBuyFallsBackToBudgetWhenOverMaxCost(t *testing.T) {
	mm, _ := newMaker(t)
	m := newMarket(t, mm, "5000")

	fill, err := mm.Buy(engine, &m, domain.OutcomeYes, d("100000"), d("50"), time.Time{})
	require.NoError(t, err)
	assert.True(t, fill.Amount.LessThanOrEqual(d("50")))
	assert.True(t, fill.Tokens.LessThan(d("100000")))
}

func TestSellMinReturnLeavesStateUntouched(t *testing.T) {
	mm, _ := newMaker(t)
	m := newMarket(t, mm, "5000")
	buy, err := mm.Buy(engine, &m, domain.OutcomeYes, d("100"), decimal.Zero, time.Time{})
	require.NoError(t, err)

	before := m.Clone()
	_, err = mm.Sell(engine, &m, domain.OutcomeYes, d("100"), buy.Amount.Add(d("1")), time.Time{})
	assert.ErrorIs(t, err, domain.ErrEconomic)
	assert.Equal(t, before, m)
}

func TestDeadlineRejectsBeforeStateChange(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "5000")
	deadline := epoch.Add(time.Minute)
	clk.Advance(2 * time.Minute)

	before := m.Clone()
	_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("1"), decimal.Zero, deadline)
	assert.ErrorIs(t, err, domain.ErrEconomic)
	assert.Equal(t, before, m)
}

func TestUnauthorizedMutation(t *testing.T) {
	mm, _ := newMaker(t)
	m := newMarket(t, mm, "5000")

	_, err := mm.Buy(stranger, &m, domain.OutcomeYes, d("1"), decimal.Zero, time.Time{})
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	assert.ErrorIs(t, mm.Close(stranger, &m, time.Hour), domain.ErrAuthorization)
	_, err = mm.NewMarket(stranger, "m2", "p1", d("1"), d("1"))
	assert.ErrorIs(t, err, domain.ErrAuthorization)
}

func TestQuantityBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQ = d("1000")
	mm := New(engine, cfg, clock.NewManual(epoch))
	m := newMarket(t, mm, "100")

	_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("1001"), decimal.Zero, time.Time{})
	assert.ErrorIs(t, err, domain.ErrArithmetic)
	assert.True(t, m.QYes.IsZero())
}

func TestClosedMarketRejectsTrades(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "5000")
	clk.Advance(time.Hour)
	require.NoError(t, mm.Close(engine, &m, time.Hour))

	_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("1"), decimal.Zero, time.Time{})
	assert.ErrorIs(t, err, domain.ErrState)
	_, err = mm.Sell(engine, &m, domain.OutcomeYes, d("1"), decimal.Zero, time.Time{})
	assert.ErrorIs(t, err, domain.ErrState)
	assert.ErrorIs(t, mm.Close(engine, &m, time.Hour), domain.ErrState)
	assert.False(t, mm.Poke(&m))
}

func TestTWAPYoungMarketReturnsSpot(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "100")
	_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("50"), decimal.Zero, time.Time{})
	require.NoError(t, err)
	clk.Advance(30 * time.Second)

	yes, _ := mm.TWAP(m, time.Hour)
	assert.True(t, yes.Equal(Price(m, domain.OutcomeYes)))
}

func TestTWAPAveragesOverAge(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "100")

	// Half the hour at 0.5, then half at the post-trade price.
	clk.Advance(30 * time.Minute)
	_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("50"), decimal.Zero, time.Time{})
	require.NoError(t, err)
	clk.Advance(30 * time.Minute)

	spot := Price(m, domain.OutcomeYes)
	want := d("0.5").Add(spot).Div(d("2"))
	yes, no := mm.TWAP(m, 24*time.Hour)
	assert.True(t, yes.Sub(want).Abs().LessThan(d("1e-15")), "twap %s want %s", yes, want)
	assert.True(t, yes.Add(no).Sub(d("1")).Abs().LessThan(d("1e-15")))
}

func TestTWAPWindowUsesObservations(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "100")

	clk.Advance(2 * time.Hour)
	_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("50"), decimal.Zero, time.Time{})
	require.NoError(t, err)
	clk.Advance(time.Hour)

	// The last hour saw only the post-trade price.
	yes, _ := mm.TWAP(m, time.Hour)
	assert.True(t, yes.Sub(Price(m, domain.OutcomeYes)).Abs().LessThan(d("1e-15")), "twap %s", yes)

	// A two-hour window straddles the trade evenly.
	yes2, _ := mm.TWAP(m, 2*time.Hour)
	want := d("0.5").Add(Price(m, domain.OutcomeYes)).Div(d("2"))
	assert.True(t, yes2.Sub(want).Abs().LessThan(d("1e-15")), "twap %s want %s", yes2, want)
}

func TestElapsedIsCapped(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "100")
	clk.Advance(30 * 24 * time.Hour)
	require.True(t, mm.Poke(&m))

	maxSecs := seconds(mm.Config().MaxElapsed)
	assert.True(t, m.Oracle.CumulativeYes.Equal(d("0.5").Mul(maxSecs)))
}

func TestObservationRingIsBounded(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "100")
	for i := 0; i < 100; i++ {
		clk.Advance(mm.Config().ObservationSpacing)
		mm.Poke(&m)
	}
	assert.Len(t, m.Oracle.Observations, mm.Config().ObservationCap)
}

func TestObservationsAreSpaced(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "100")
	require.Len(t, m.Oracle.Observations, 1)

	for i := 0; i < 500; i++ {
		clk.Advance(time.Second)
		require.True(t, mm.Poke(&m))
	}
	assert.Len(t, m.Oracle.Observations, 1, "pokes inside one spacing add no entries")
	assert.True(t, m.Oracle.Accrued.Equal(d("500")))
}

func TestRepeatedPokesCannotShrinkWindow(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "5000")

	// Even market kept fresh by a keeper for 71 hours.
	for i := 0; i < 71*6; i++ {
		clk.Advance(10 * time.Minute)
		require.True(t, mm.Poke(&m))
	}
	_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("20000"), decimal.Zero, time.Time{})
	require.NoError(t, err)
	spot := Price(m, domain.OutcomeYes)
	require.True(t, spot.GreaterThan(d("0.98")))

	for i := 0; i < 2*mm.Config().ObservationCap; i++ {
		clk.Advance(time.Millisecond)
		require.True(t, mm.Poke(&m))
	}
	clk.Advance(time.Hour)
	require.NoError(t, mm.Close(engine, &m, 24*time.Hour))

	// 23 hours at 0.5 and one at the pushed price.
	want := d("0.5").Mul(d("23")).Add(spot).Div(d("24"))
	assert.True(t, m.FinalPrice.Sub(want).Abs().LessThan(d("1e-5")), "final %s want %s", m.FinalPrice, want)
	assert.True(t, m.FinalPrice.LessThan(d("0.53")))
	assert.LessOrEqual(t, len(m.Oracle.Observations), mm.Config().ObservationCap)
}

func TestIdleBeyondMaxElapsedKeepsTWAPAtSpot(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "5000")
	_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("3000"), decimal.Zero, time.Time{})
	require.NoError(t, err)
	spot := Price(m, domain.OutcomeYes)

	clk.Advance(10 * 24 * time.Hour)
	yes, no := mm.TWAP(m, 24*time.Hour)
	assert.True(t, yes.Sub(spot).Abs().LessThan(priceTol), "twap %s spot %s", yes, spot)
	assert.True(t, yes.Add(no).Sub(d("1")).Abs().LessThan(priceTol))

	require.NoError(t, mm.Close(engine, &m, 24*time.Hour))
	assert.True(t, m.FinalPrice.Sub(spot).Abs().LessThan(priceTol), "final %s spot %s", m.FinalPrice, spot)
	assert.True(t, m.Oracle.Accrued.Equal(seconds(mm.Config().MaxElapsed)))
}

func TestIdleGapWeighsLikeCappedTime(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "5000")

	// Ten idle days at 0.5 count as MaxElapsed, then a day at the new price.
	clk.Advance(10 * 24 * time.Hour)
	_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("3000"), decimal.Zero, time.Time{})
	require.NoError(t, err)
	spot := Price(m, domain.OutcomeYes)
	clk.Advance(24 * time.Hour)

	yes, _ := mm.TWAP(m, 48*time.Hour)
	// The window holds one of the ten idle days, weighted 0.7 day.
	want := d("0.5").Mul(d("0.7")).Add(spot).Div(d("1.7"))
	assert.True(t, yes.Sub(want).Abs().LessThan(priceTol), "twap %s want %s", yes, want)
}

func TestCloseFreezesTWAPNotSpot(t *testing.T) {
	mm, clk := newMaker(t)
	m := newMarket(t, mm, "100")
	clk.Advance(time.Hour)
	_, err := mm.Buy(engine, &m, domain.OutcomeYes, d("80"), decimal.Zero, time.Time{})
	require.NoError(t, err)
	clk.Advance(time.Minute)

	spot := Price(m, domain.OutcomeYes)
	twap, _ := mm.TWAP(m, 24*time.Hour)
	require.NoError(t, mm.Close(engine, &m, 24*time.Hour))

	assert.False(t, m.Active)
	assert.True(t, m.FinalPrice.Equal(twap))
	assert.False(t, m.FinalPrice.Equal(spot))
}

func TestRoundTripNeverProfits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mm := New(engine, DefaultConfig(), clock.NewManual(epoch))
		b := decimal.NewFromInt(rapid.Int64Range(10, 100_000).Draw(t, "b"))
		m, err := mm.NewMarket(engine, "m", "p", b, b)
		if err != nil {
			t.Fatal(err)
		}
		seed := decimal.NewFromInt(rapid.Int64Range(0, 1_000_000).Draw(t, "seed"))
		if seed.IsPositive() {
			if _, err := mm.Buy(engine, &m, domain.OutcomeNo, seed, decimal.Zero, time.Time{}); err != nil {
				t.Fatal(err)
			}
		}
		o := rapid.SampledFrom([]domain.Outcome{domain.OutcomeYes, domain.OutcomeNo}).Draw(t, "outcome")
		x := decimal.NewFromInt(rapid.Int64Range(1, 1_000_000).Draw(t, "x"))

		buy, err := mm.Buy(engine, &m, o, x, decimal.Zero, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		sell, err := mm.Sell(engine, &m, o, buy.Tokens, decimal.Zero, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		if sell.Amount.GreaterThan(buy.Amount) {
			t.Fatalf("round trip returned %s for %s spent", sell.Amount, buy.Amount)
		}
	})
}

func TestCostIsMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mm := New(engine, DefaultConfig(), clock.NewManual(epoch))
		b := decimal.NewFromInt(rapid.Int64Range(1, 100_000).Draw(t, "b"))
		m, _ := mm.NewMarket(engine, "m", "p", b, b)
		m.QYes = decimal.NewFromInt(rapid.Int64Range(0, 1_000_000).Draw(t, "qyes"))
		m.QNo = decimal.NewFromInt(rapid.Int64Range(0, 1_000_000).Draw(t, "qno"))

		a1 := rapid.Int64Range(1, 1_000_000).Draw(t, "a1")
		a2 := rapid.Int64Range(a1, 2_000_000).Draw(t, "a2")
		c1, err := mm.CostToBuy(m, domain.OutcomeYes, decimal.NewFromInt(a1))
		if err != nil {
			t.Fatal(err)
		}
		c2, err := mm.CostToBuy(m, domain.OutcomeYes, decimal.NewFromInt(a2))
		if err != nil {
			t.Fatal(err)
		}
		if c1.Sign() < 0 || c2.LessThan(c1) {
			t.Fatalf("cost(%d)=%s, cost(%d)=%s", a1, c1, a2, c2)
		}
	})
}

// marketModel drives a market through random trades, pokes and a close.
type marketModel struct {
	mm     *MarketMaker
	clk    *clock.Manual
	m      domain.Market
	b      decimal.Decimal
	closed bool
}

func TestMarketProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clk := clock.NewManual(epoch)
		mm := New(engine, DefaultConfig(), clk)
		b := decimal.NewFromInt(rapid.Int64Range(1, 50_000).Draw(t, "b"))
		m, err := mm.NewMarket(engine, "m", "p", b, b)
		if err != nil {
			t.Fatal(err)
		}
		model := &marketModel{mm: mm, clk: clk, m: m, b: b}
		t.Repeat(map[string]func(*rapid.T){
			"buy":     model.buy,
			"sell":    model.sell,
			"advance": model.advance,
			"close":   model.close,
			"":        model.check,
		})
	})
}

func (s *marketModel) outcome(t *rapid.T) domain.Outcome {
	return rapid.SampledFrom([]domain.Outcome{domain.OutcomeYes, domain.OutcomeNo}).Draw(t, "outcome")
}

func (s *marketModel) buy(t *rapid.T) {
	o := s.outcome(t)
	amount := decimal.NewFromInt(rapid.Int64Range(1, 100_000).Draw(t, "amount"))
	before := s.m.Clone()
	_, err := s.mm.Buy(engine, &s.m, o, amount, decimal.Zero, time.Time{})
	if s.closed {
		if err == nil {
			t.Fatal("buy succeeded on a closed market")
		}
		require.Equal(t, before, s.m)
		return
	}
	require.NoError(t, err)
}

func (s *marketModel) sell(t *rapid.T) {
	o := s.outcome(t)
	q := s.m.Q(o)
	if !s.closed && !q.IsPositive() {
		t.Skip("nothing outstanding")
	}
	amount := q
	if q.GreaterThan(decimal.NewFromInt(1)) {
		amount = decimal.NewFromInt(rapid.Int64Range(1, q.IntPart()).Draw(t, "amount"))
	}
	if !amount.IsPositive() {
		amount = decimal.NewFromInt(1)
	}
	before := s.m.Clone()
	_, err := s.mm.Sell(engine, &s.m, o, amount, decimal.Zero, time.Time{})
	if s.closed {
		if err == nil {
			t.Fatal("sell succeeded on a closed market")
		}
		require.Equal(t, before, s.m)
		return
	}
	require.NoError(t, err)
}

func (s *marketModel) advance(t *rapid.T) {
	s.clk.Advance(time.Duration(rapid.Int64Range(1, 48*3600).Draw(t, "seconds")) * time.Second)
	s.mm.Poke(&s.m)
}

func (s *marketModel) close(t *rapid.T) {
	if s.closed {
		t.Skip("already closed")
	}
	require.NoError(t, s.mm.Close(engine, &s.m, time.Hour))
	s.closed = true
}

func (s *marketModel) check(t *rapid.T) {
	yes, no := Prices(s.m)
	require.True(t, yes.IsPositive() && yes.LessThan(decimal.NewFromInt(1)), "yes price %s", yes)
	require.True(t, no.IsPositive() && no.LessThan(decimal.NewFromInt(1)), "no price %s", no)
	require.True(t, yes.Add(no).Sub(decimal.NewFromInt(1)).Abs().LessThanOrEqual(priceTol), "sum %s", yes.Add(no))
	require.True(t, s.m.B.Equal(s.b), "b changed from %s to %s", s.b, s.m.B)
	require.False(t, s.m.Collateral.IsNegative())
	require.Equal(t, !s.closed, s.m.Active)
}
