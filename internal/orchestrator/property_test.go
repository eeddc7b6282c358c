package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

type proposalModel struct {
	h      *harness
	id     string
	b      map[domain.Side]decimal.Decimal
	closed bool
}

func TestProposalProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := newHarness(t)
		s := &proposalModel{h: h, id: h.create(t, "2000"), b: make(map[domain.Side]decimal.Decimal)}
		for _, side := range domain.Sides {
			m, err := h.o.GetMarket(context.Background(), s.id, side)
			require.NoError(t, err)
			s.b[side] = m.B
		}
		t.Repeat(map[string]func(*rapid.T){
			"buy":     s.buy,
			"sell":    s.sell,
			"poke":    s.poke,
			"advance": s.advance,
			"close":   s.close,
			"":        s.check,
		})
	})
}

func (s *proposalModel) actor(t *rapid.T) common.Address {
	return rapid.SampledFrom([]common.Address{bob, carol, dave}).Draw(t, "actor")
}

func (s *proposalModel) side(t *rapid.T) domain.Side {
	return rapid.SampledFrom(domain.Sides[:]).Draw(t, "side")
}

func (s *proposalModel) buy(t *rapid.T) {
	who, side := s.actor(t), s.side(t)
	spend := decimal.NewFromInt(rapid.Int64Range(1, 800).Draw(t, "spend"))
	tokens, err := s.h.o.BuyOutcome(context.Background(), who, s.id, side, spend, decimal.Zero, time.Time{})
	if s.closed {
		require.ErrorIs(t, err, domain.ErrState)
		return
	}
	require.NoError(t, err)
	require.True(t, tokens.IsPositive())
}

func (s *proposalModel) sell(t *rapid.T) {
	who, side := s.actor(t), s.side(t)
	held := s.h.o.BalanceOf(who, s.id, side)
	if !held.IsPositive() {
		t.Skip("nothing to sell")
	}
	frac := rapid.Int64Range(1, 100).Draw(t, "percent")
	amount := held.Mul(decimal.NewFromInt(frac)).Div(decimal.NewFromInt(100)).Truncate(18)
	if !amount.IsPositive() {
		t.Skip("dust")
	}
	_, err := s.h.o.SellOutcome(context.Background(), who, s.id, side, amount, decimal.Zero, time.Time{})
	if s.closed {
		require.ErrorIs(t, err, domain.ErrState)
		return
	}
	require.NoError(t, err)
}

func (s *proposalModel) poke(t *rapid.T) {
	err := s.h.o.Poke(context.Background(), s.id)
	if s.closed {
		require.ErrorIs(t, err, domain.ErrState)
		return
	}
	require.NoError(t, err)
}

func (s *proposalModel) advance(t *rapid.T) {
	if s.closed {
		t.Skip("closed")
	}
	mins := rapid.Int64Range(1, 12*60).Draw(t, "minutes")
	next := s.h.clk.Now().Add(time.Duration(mins) * time.Minute)
	if end := t0.Add(s.h.o.Config().TradingPeriod); !next.Before(end) {
		t.Skip("would end trading")
	}
	s.h.clk.Set(next)
}

func (s *proposalModel) close(t *rapid.T) {
	if s.closed {
		t.Skip("closed")
	}
	cfg := s.h.o.Config()
	s.h.clk.Set(t0.Add(cfg.TradingPeriod + cfg.ClosingDelay))
	require.NoError(t, s.h.o.CloseTrading(context.Background(), s.id))
	s.closed = true
}

func (s *proposalModel) check(t *rapid.T) {
	s.h.checkBooks(t)
	ctx := context.Background()
	p, err := s.h.o.GetProposal(ctx, s.id)
	require.NoError(t, err)
	require.True(t, p.Collateral.GreaterThanOrEqual(p.Liquidity), "collateral %s below liquidity", p.Collateral)

	sum := decimal.Zero
	for _, side := range domain.Sides {
		m, err := s.h.o.GetMarket(ctx, s.id, side)
		require.NoError(t, err)
		require.True(t, m.B.Equal(s.b[side]), "b changed")
		require.Equal(t, !s.closed, m.Active)
		require.True(t, m.QYes.Equal(s.h.o.Supply(s.id, side).Supply),
			"%s market q %s != supply %s", side, m.QYes, s.h.o.Supply(s.id, side).Supply)
		sum = sum.Add(m.Collateral)
	}
	require.True(t, sum.Equal(p.Collateral), "market collateral %s != pool %s", sum, p.Collateral)
}
