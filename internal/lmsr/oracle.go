package lmsr

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/fixed"
)

func seconds(d time.Duration) decimal.Decimal {
	return decimal.New(d.Nanoseconds(), -9)
}

func (mm *MarketMaker) capped(d time.Duration) time.Duration {
	if mm.cfg.MaxElapsed > 0 && d > mm.cfg.MaxElapsed {
		return mm.cfg.MaxElapsed
	}
	return d
}

// accumulate adds spot price × elapsed to both accumulators. Elapsed time
// is capped at MaxElapsed per update and the capped seconds are tracked in
// Accrued, the time axis TWAP divides by.
func (mm *MarketMaker) accumulate(m *domain.Market, now time.Time) {
	o := &m.Oracle
	if !now.After(o.LastUpdate) {
		return
	}
	yes, no := Prices(*m)
	secs := seconds(mm.capped(now.Sub(o.LastUpdate)))
	o.CumulativeYes = fixed.Trunc(o.CumulativeYes.Add(yes.Mul(secs)))
	o.CumulativeNo = fixed.Trunc(o.CumulativeNo.Add(no.Mul(secs)))
	o.Accrued = o.Accrued.Add(secs)
	o.LastUpdate = now
	mm.observe(o)
}

// observe records the accumulators in the ring at most once per
// ObservationSpacing, so the ring spans the same stretch of time however
// often trades and pokes arrive.
func (mm *MarketMaker) observe(o *domain.OracleState) {
	if n := len(o.Observations); n > 0 && o.LastUpdate.Sub(o.Observations[n-1].At) < mm.cfg.ObservationSpacing {
		return
	}
	o.Observations = append(o.Observations, domain.Observation{
		At:            o.LastUpdate,
		CumulativeYes: o.CumulativeYes,
		CumulativeNo:  o.CumulativeNo,
		Accrued:       o.Accrued,
	})
	if n := mm.cfg.ObservationCap; n > 0 && len(o.Observations) > n {
		o.Observations = append([]domain.Observation(nil), o.Observations[len(o.Observations)-n:]...)
	}
}

// Poke refreshes m's accumulators without trading. Closed markets are left
// untouched.
func (mm *MarketMaker) Poke(m *domain.Market) bool {
	if !m.Active {
		return false
	}
	now := mm.clock.Now()
	if !now.After(m.Oracle.LastUpdate) {
		return false
	}
	mm.accumulate(m, now)
	return true
}

// TWAP returns m's time-weighted YES and NO prices over window ending now.
// Closed markets return their frozen final price.
func (mm *MarketMaker) TWAP(m domain.Market, window time.Duration) (yes, no decimal.Decimal) {
	if !m.Active {
		return m.FinalPrice, fixed.One.Sub(m.FinalPrice)
	}
	return mm.twapAt(m, window, mm.clock.Now())
}

// twapAt evaluates the TWAP at now over min(window, age). Markets younger
// than MinTWAPAge report spot.
func (mm *MarketMaker) twapAt(m domain.Market, window time.Duration, now time.Time) (decimal.Decimal, decimal.Decimal) {
	spotYes, spotNo := Prices(m)
	age := now.Sub(m.CreatedAt)
	if age < mm.cfg.MinTWAPAge || age <= 0 {
		return spotYes, spotNo
	}

	end := mm.cumulativeAt(m, now, spotYes, spotNo)
	var start domain.Observation
	if window > 0 && age > window {
		start = mm.cumulativeAt(m, now.Add(-window), spotYes, spotNo)
	}

	span := end.Accrued.Sub(start.Accrued)
	if !span.IsPositive() {
		return spotYes, spotNo
	}
	yes := fixed.Trunc(fixed.Div(end.CumulativeYes.Sub(start.CumulativeYes), span))
	no := fixed.Trunc(fixed.Div(end.CumulativeNo.Sub(start.CumulativeNo), span))
	return yes, no
}

// cumulativeAt reconstructs the accumulators at t. Known points are the
// market's creation (all zero), the ring, and the last update; between
// them the accumulators and Accrued are interpolated together, so a
// constant price reads back exactly. After the last update the current
// spot price extends them.
func (mm *MarketMaker) cumulativeAt(m domain.Market, t time.Time, spotYes, spotNo decimal.Decimal) domain.Observation {
	o := m.Oracle
	if !t.Before(o.LastUpdate) {
		secs := seconds(mm.capped(t.Sub(o.LastUpdate)))
		return domain.Observation{
			At:            t,
			CumulativeYes: o.CumulativeYes.Add(spotYes.Mul(secs)),
			CumulativeNo:  o.CumulativeNo.Add(spotNo.Mul(secs)),
			Accrued:       o.Accrued.Add(secs),
		}
	}
	if !t.After(m.CreatedAt) {
		return domain.Observation{At: t}
	}

	points := make([]domain.Observation, 0, len(o.Observations)+2)
	points = append(points, domain.Observation{At: m.CreatedAt})
	for _, ob := range o.Observations {
		if ob.At.After(m.CreatedAt) && ob.At.Before(o.LastUpdate) {
			points = append(points, ob)
		}
	}
	points = append(points, domain.Observation{
		At:            o.LastUpdate,
		CumulativeYes: o.CumulativeYes,
		CumulativeNo:  o.CumulativeNo,
		Accrued:       o.Accrued,
	})

	// First point strictly after t; CreatedAt < t < LastUpdate keeps i in
	// [1, len(points)-1].
	i := sort.Search(len(points), func(i int) bool { return points[i].At.After(t) })
	a, b := points[i-1], points[i]
	frac := fixed.Div(seconds(t.Sub(a.At)), seconds(b.At.Sub(a.At)))
	lerp := func(x, y decimal.Decimal) decimal.Decimal { return x.Add(y.Sub(x).Mul(frac)) }
	return domain.Observation{
		At:            t,
		CumulativeYes: lerp(a.CumulativeYes, b.CumulativeYes),
		CumulativeNo:  lerp(a.CumulativeNo, b.CumulativeNo),
		Accrued:       lerp(a.Accrued, b.Accrued),
	}
}
