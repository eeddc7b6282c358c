package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/fixed"
	"github.com/alanyoungcy/futarchy/internal/ledger"
	"github.com/alanyoungcy/futarchy/internal/lmsr"
)

// CreateRequest describes a new proposal.
type CreateRequest struct {
	Target          common.Address
	Payload         []byte
	RequestedAmount decimal.Decimal
	DescriptionRef  common.Hash
	Liquidity       decimal.Decimal
}

// CreateProposal takes stake plus liquidity from caller, opens the PASS and
// FAIL markets with half the liquidity each, and returns the proposal id.
func (o *Orchestrator) CreateProposal(ctx context.Context, caller common.Address, req CreateRequest) (id string, err error) {
	const op = "orchestrator.create_proposal"
	start := time.Now()
	defer func() { o.observe(op, start, err) }()

	switch {
	case caller == (common.Address{}):
		return "", domain.ValidationErr(op, "zero caller")
	case req.Target == (common.Address{}):
		return "", domain.ValidationErr(op, "null target")
	case req.RequestedAmount.IsNegative():
		return "", domain.ValidationErr(op, "negative requested amount %s", req.RequestedAmount)
	case req.Liquidity.Sign() <= 0:
		return "", domain.ValidationErr(op, "liquidity must be positive, got %s", req.Liquidity)
	case req.Liquidity.LessThan(o.cfg.MinLiquidity):
		return "", domain.EconomicErr(op, "liquidity %s below minimum %s", req.Liquidity, o.cfg.MinLiquidity)
	}

	id = uuid.NewString()
	unlock, err := o.lock(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	now := o.clock.Now()
	b := fixed.Trunc(fixed.Div(req.Liquidity, fixed.Two))
	passID, failID := uuid.NewString(), uuid.NewString()
	pass, err := o.mm.NewMarket(o.self, passID, id, b, b)
	if err != nil {
		return "", err
	}
	fail, err := o.mm.NewMarket(o.self, failID, id, b, req.Liquidity.Sub(b))
	if err != nil {
		return "", err
	}

	tradingEnd := now.Add(o.cfg.TradingPeriod)
	p := domain.Proposal{
		ID:              id,
		Proposer:        caller,
		Target:          req.Target,
		Payload:         append([]byte(nil), req.Payload...),
		RequestedAmount: req.RequestedAmount,
		DescriptionRef:  req.DescriptionRef,
		PassMarketID:    passID,
		FailMarketID:    failID,
		TradingStart:    now,
		TradingEnd:      tradingEnd,
		ResolutionTime:  tradingEnd.Add(o.cfg.ClosingDelay).Add(o.cfg.ResolutionDelay),
		Stake:           o.cfg.Stake,
		Liquidity:       req.Liquidity,
		State:           domain.ProposalActive,
		Collateral:      req.Liquidity,
		CreatedAt:       now,
	}

	deposit := o.cfg.Stake.Add(req.Liquidity)
	tx := &txn{
		proposal: p,
		markets:  map[domain.Side]*domain.Market{domain.SidePass: &pass, domain.SideFail: &fail},
		touched:  map[domain.Side]bool{domain.SidePass: true, domain.SideFail: true},
		effect:   func(ctx context.Context) error { return o.transfer.Deposit(ctx, caller, deposit) },
		undo:     func(ctx context.Context) error { return o.transfer.Payout(ctx, caller, deposit) },
	}
	tx.emit(domain.Event{
		Type:      domain.EventProposalCreated,
		Actor:     caller,
		Amount:    deposit,
		PassPrice: lmsr.Price(pass, domain.OutcomeYes),
		FailPrice: lmsr.Price(fail, domain.OutcomeYes),
	})
	if err := o.commit(ctx, op, tx); err != nil {
		return "", err
	}

	o.logger.Info("orchestrator: proposal created",
		slog.String("proposal_id", id),
		slog.String("proposer", caller.Hex()),
		slog.String("liquidity", req.Liquidity.String()),
		slog.Time("trading_end", tradingEnd),
	)
	return id, nil
}

func (o *Orchestrator) checkDeadline(op string, deadline time.Time) error {
	if now := o.clock.Now(); !deadline.IsZero() && now.After(deadline) {
		return domain.EconomicErr(op, "deadline %s has passed", deadline.Format(time.RFC3339))
	}
	return nil
}

func (o *Orchestrator) checkTrading(op string, p domain.Proposal) error {
	if p.State != domain.ProposalActive {
		return domain.StateErr(op, "proposal %s is %s", p.ID, p.State)
	}
	if now := o.clock.Now(); !now.Before(p.TradingEnd) {
		return domain.StateErr(op, "trading on proposal %s ended at %s", p.ID, p.TradingEnd.Format(time.RFC3339))
	}
	return nil
}

func spot(tx *txn) (pass, fail decimal.Decimal) {
	return lmsr.Price(tx.peek(domain.SidePass), domain.OutcomeYes), lmsr.Price(tx.peek(domain.SideFail), domain.OutcomeYes)
}

// BuyOutcome spends at most spend on side's outcome token and returns the
// tokens minted to caller.
func (o *Orchestrator) BuyOutcome(ctx context.Context, caller common.Address, id string, side domain.Side, spend, minTokens decimal.Decimal, deadline time.Time) (decimal.Decimal, error) {
	const op = "orchestrator.buy_outcome"
	if err := o.checkDeadline(op, deadline); err != nil {
		return decimal.Zero, err
	}
	switch {
	case caller == (common.Address{}):
		return decimal.Zero, domain.ValidationErr(op, "zero caller")
	case !side.Valid():
		return decimal.Zero, domain.ValidationErr(op, "unknown side %q", side)
	case spend.Sign() <= 0:
		return decimal.Zero, domain.ValidationErr(op, "spend must be positive, got %s", spend)
	case minTokens.IsNegative():
		return decimal.Zero, domain.ValidationErr(op, "negative minimum %s", minTokens)
	}

	var tokens decimal.Decimal
	err := o.run(ctx, op, id, func(tx *txn) error {
		if err := o.checkTrading(op, tx.proposal); err != nil {
			return err
		}
		fill, err := o.mm.BuyWithBudget(o.self, tx.market(side), domain.OutcomeYes, spend, deadline)
		if err != nil {
			return err
		}
		if fill.Tokens.LessThan(minTokens) {
			return domain.EconomicErr(op, "%s tokens below minimum %s", fill.Tokens, minTokens)
		}
		tokens = fill.Tokens
		cost := fill.Amount

		tx.ops = append(tx.ops, ledger.Mint(caller, id, side, fill.Tokens))
		tx.proposal.Collateral = tx.proposal.Collateral.Add(cost)
		tx.effect = func(ctx context.Context) error { return o.transfer.Deposit(ctx, caller, cost) }
		tx.undo = func(ctx context.Context) error { return o.transfer.Payout(ctx, caller, cost) }

		pass, fail := spot(tx)
		tx.emit(domain.Event{
			Type: domain.EventOutcomeBought, Actor: caller, Side: side,
			Tokens: fill.Tokens, Amount: cost, PassPrice: pass, FailPrice: fail,
		})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return tokens, nil
}

// SellOutcome burns tokens of side from caller and pays out the market
// maker's return.
func (o *Orchestrator) SellOutcome(ctx context.Context, caller common.Address, id string, side domain.Side, tokens, minReturn decimal.Decimal, deadline time.Time) (decimal.Decimal, error) {
	const op = "orchestrator.sell_outcome"
	if err := o.checkDeadline(op, deadline); err != nil {
		return decimal.Zero, err
	}
	switch {
	case caller == (common.Address{}):
		return decimal.Zero, domain.ValidationErr(op, "zero caller")
	case !side.Valid():
		return decimal.Zero, domain.ValidationErr(op, "unknown side %q", side)
	case tokens.Sign() <= 0:
		return decimal.Zero, domain.ValidationErr(op, "token amount must be positive, got %s", tokens)
	case minReturn.IsNegative():
		return decimal.Zero, domain.ValidationErr(op, "negative minimum return %s", minReturn)
	}

	var returned decimal.Decimal
	err := o.run(ctx, op, id, func(tx *txn) error {
		if err := o.checkTrading(op, tx.proposal); err != nil {
			return err
		}
		if bal := o.ledger.BalanceOf(caller, id, side); bal.LessThan(tokens) {
			return domain.EconomicErr(op, "insufficient balance: holding %s, selling %s", bal, tokens)
		}
		fill, err := o.mm.Sell(o.self, tx.market(side), domain.OutcomeYes, tokens, minReturn, deadline)
		if err != nil {
			return err
		}
		payout := fill.Amount
		if payout.GreaterThan(tx.proposal.Collateral) {
			return domain.EconomicErr(op, "payout %s exceeds proposal collateral %s", payout, tx.proposal.Collateral)
		}
		returned = payout

		tx.ops = append(tx.ops, ledger.Burn(caller, id, side, tokens))
		tx.proposal.Collateral = tx.proposal.Collateral.Sub(payout)
		tx.effect = func(ctx context.Context) error { return o.transfer.Payout(ctx, caller, payout) }
		tx.undo = func(ctx context.Context) error { return o.transfer.Deposit(ctx, caller, payout) }

		pass, fail := spot(tx)
		tx.emit(domain.Event{
			Type: domain.EventOutcomeSold, Actor: caller, Side: side,
			Tokens: tokens, Amount: payout, PassPrice: pass, FailPrice: fail,
		})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return returned, nil
}

// Poke refreshes both markets' TWAP accumulators. Anyone may call it.
func (o *Orchestrator) Poke(ctx context.Context, id string) error {
	const op = "orchestrator.poke"
	return o.run(ctx, op, id, func(tx *txn) error {
		if tx.proposal.State != domain.ProposalActive {
			return domain.StateErr(op, "proposal %s is %s", id, tx.proposal.State)
		}
		poked := false
		for _, side := range domain.Sides {
			if o.mm.Poke(tx.markets[side]) {
				tx.touched[side] = true
				poked = true
			}
		}
		if poked {
			pass, fail := spot(tx)
			tx.emit(domain.Event{Type: domain.EventOraclePoked, PassPrice: pass, FailPrice: fail})
		}
		return nil
	})
}
