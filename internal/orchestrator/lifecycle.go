package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/fixed"
	"github.com/alanyoungcy/futarchy/internal/ledger"
)

var bpsScale = decimal.NewFromInt(10_000)

// ErrNothingToRedeem is returned to holders with no winning tokens.
var ErrNothingToRedeem = &domain.Error{Kind: domain.KindEconomic, Op: "orchestrator.redeem_winnings", Msg: "nothing to redeem"}

// CloseTrading closes both markets once the closing delay after the end of
// trading has passed, freezing their TWAP prices as the final prices.
func (o *Orchestrator) CloseTrading(ctx context.Context, id string) error {
	const op = "orchestrator.close_trading"
	return o.run(ctx, op, id, func(tx *txn) error {
		p := &tx.proposal
		if p.State != domain.ProposalActive {
			return domain.StateErr(op, "proposal %s is %s", id, p.State)
		}
		closeAt := p.TradingEnd.Add(o.cfg.ClosingDelay)
		if now := o.clock.Now(); now.Before(closeAt) {
			return domain.StateErr(op, "proposal %s cannot close before %s", id, closeAt.Format(time.RFC3339))
		}
		for _, side := range domain.Sides {
			if err := o.mm.Close(o.self, tx.market(side), o.cfg.TWAPWindow); err != nil {
				return err
			}
		}
		p.FinalPassPrice = tx.peek(domain.SidePass).FinalPrice
		p.FinalFailPrice = tx.peek(domain.SideFail).FinalPrice
		p.State = domain.ProposalClosed

		tx.emit(domain.Event{Type: domain.EventTradingClosed, PassPrice: p.FinalPassPrice, FailPrice: p.FinalFailPrice})
		o.logger.Info("orchestrator: trading closed",
			slog.String("proposal_id", id),
			slog.String("pass_price", p.FinalPassPrice.String()),
			slog.String("fail_price", p.FinalFailPrice.String()),
		)
		return nil
	})
}

// GapBps returns |pass - fail| in basis points.
func GapBps(pass, fail decimal.Decimal) decimal.Decimal {
	return pass.Sub(fail).Abs().Mul(bpsScale)
}

// ResolveMarket picks the winner from the final prices once the resolution
// time has come. A gap below the clarity threshold is not resolved.
func (o *Orchestrator) ResolveMarket(ctx context.Context, id string) error {
	const op = "orchestrator.resolve_market"
	return o.run(ctx, op, id, func(tx *txn) error {
		p := &tx.proposal
		if p.State != domain.ProposalClosed {
			return domain.StateErr(op, "proposal %s is %s", id, p.State)
		}
		if now := o.clock.Now(); now.Before(p.ResolutionTime) {
			return domain.StateErr(op, "proposal %s resolves at %s", id, p.ResolutionTime.Format(time.RFC3339))
		}
		gap := GapBps(p.FinalPassPrice, p.FinalFailPrice)
		if gap.LessThan(decimal.NewFromInt(o.cfg.ClarityBps)) {
			return domain.ConsistencyErr(op, "no clear winner: gap %s bps below %d bps", gap.StringFixed(2), o.cfg.ClarityBps)
		}
		o.resolve(tx, p.FinalPassPrice.GreaterThan(p.FinalFailPrice), common.Address{})
		return nil
	})
}

// EmergencyResolve lets the guardian set the outcome of a closed proposal
// without the clarity check.
func (o *Orchestrator) EmergencyResolve(ctx context.Context, caller common.Address, id string, passWins bool) error {
	const op = "orchestrator.emergency_resolve"
	if o.guardian == (common.Address{}) || caller != o.guardian {
		return domain.AuthorizationErr(op, "caller %s is not the guardian", caller.Hex())
	}
	return o.run(ctx, op, id, func(tx *txn) error {
		if tx.proposal.State != domain.ProposalClosed {
			return domain.StateErr(op, "proposal %s is %s", id, tx.proposal.State)
		}
		o.resolve(tx, passWins, caller)
		o.logger.Warn("orchestrator: emergency resolution",
			slog.String("proposal_id", id),
			slog.Bool("pass_wins", passWins),
		)
		return nil
	})
}

// resolve records the outcome and returns the proposer's stake.
func (o *Orchestrator) resolve(tx *txn, passWins bool, actor common.Address) {
	p := &tx.proposal
	p.PassWins = passWins
	p.State = domain.ProposalResolved

	proposer, stake := p.Proposer, p.Stake
	if !p.StakeReturned {
		p.StakeReturned = true
		tx.effect = func(ctx context.Context) error { return o.transfer.Payout(ctx, proposer, stake) }
		tx.undo = func(ctx context.Context) error { return o.transfer.Deposit(ctx, proposer, stake) }
	}
	tx.emit(domain.Event{
		Type: domain.EventProposalResolved, Actor: actor, PassWins: passWins,
		Amount: stake, PassPrice: p.FinalPassPrice, FailPrice: p.FinalFailPrice,
	})
}

// ExecuteProposal performs the treasury action of a proposal PASS won.
func (o *Orchestrator) ExecuteProposal(ctx context.Context, id string) error {
	const op = "orchestrator.execute_proposal"
	return o.run(ctx, op, id, func(tx *txn) error {
		p := &tx.proposal
		if p.State != domain.ProposalResolved {
			return domain.StateErr(op, "proposal %s is %s", id, p.State)
		}
		if !p.PassWins {
			return domain.StateErr(op, "proposal %s did not pass", id)
		}
		p.State = domain.ProposalExecuted

		target, payload, amount := p.Target, p.Payload, p.RequestedAmount
		tx.effect = func(ctx context.Context) error {
			return o.executor.Execute(ctx, target, payload, amount)
		}
		if r, ok := o.executor.(Reverter); ok {
			tx.undo = func(ctx context.Context) error { return r.Revert(ctx, target, amount) }
		}
		tx.emit(domain.Event{Type: domain.EventProposalExecuted, Amount: amount, PassWins: true})
		o.logger.Info("orchestrator: executing proposal",
			slog.String("proposal_id", id),
			slog.String("target", target.Hex()),
			slog.String("amount", amount.String()),
		)
		return nil
	})
}

// RejectProposal finalises a proposal FAIL won.
func (o *Orchestrator) RejectProposal(ctx context.Context, id string) error {
	const op = "orchestrator.reject_proposal"
	return o.run(ctx, op, id, func(tx *txn) error {
		p := &tx.proposal
		if p.State != domain.ProposalResolved {
			return domain.StateErr(op, "proposal %s is %s", id, p.State)
		}
		if p.PassWins {
			return domain.StateErr(op, "proposal %s passed", id)
		}
		p.State = domain.ProposalRejected
		tx.emit(domain.Event{Type: domain.EventProposalRejected})
		return nil
	})
}

// RedeemWinnings pays caller their share of the collateral pool and burns
// their tokens. After Executed or Rejected only the winning side redeems;
// after Canceled both sides redeem pro rata against their combined supply.
func (o *Orchestrator) RedeemWinnings(ctx context.Context, caller common.Address, id string) (decimal.Decimal, error) {
	const op = "orchestrator.redeem_winnings"
	var payout decimal.Decimal
	err := o.run(ctx, op, id, func(tx *txn) error {
		p := &tx.proposal
		var sides []domain.Side
		switch p.State {
		case domain.ProposalExecuted, domain.ProposalRejected:
			sides = []domain.Side{p.WinningSide()}
		case domain.ProposalCanceled:
			sides = domain.Sides[:]
		default:
			return domain.StateErr(op, "proposal %s is %s", id, p.State)
		}

		held, supply := decimal.Zero, decimal.Zero
		for _, side := range sides {
			bal := o.ledger.BalanceOf(caller, id, side)
			if bal.IsPositive() {
				tx.ops = append(tx.ops, ledger.Burn(caller, id, side, bal))
			}
			held = held.Add(bal)
			supply = supply.Add(o.ledger.Totals(id, side).Supply)
		}
		if !held.IsPositive() {
			return ErrNothingToRedeem
		}

		payout = fixed.MulDiv(held, p.Collateral, supply)
		p.Collateral = p.Collateral.Sub(payout)
		amount := payout
		tx.effect = func(ctx context.Context) error { return o.transfer.Payout(ctx, caller, amount) }
		tx.undo = func(ctx context.Context) error { return o.transfer.Deposit(ctx, caller, amount) }
		tx.emit(domain.Event{Type: domain.EventWinningsRedeemed, Actor: caller, Tokens: held, Amount: payout})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return payout, nil
}

// CancelProposal aborts a proposal and refunds the proposer's stake and
// liquidity. The proposer may cancel an untraded active proposal; the
// guardian may cancel any active or closed one.
func (o *Orchestrator) CancelProposal(ctx context.Context, caller common.Address, id string) error {
	const op = "orchestrator.cancel_proposal"
	return o.run(ctx, op, id, func(tx *txn) error {
		p := &tx.proposal
		switch {
		case o.guardian != (common.Address{}) && caller == o.guardian:
			if p.State != domain.ProposalActive && p.State != domain.ProposalClosed {
				return domain.StateErr(op, "proposal %s is %s", id, p.State)
			}
		case caller == p.Proposer:
			if p.State != domain.ProposalActive {
				return domain.StateErr(op, "proposal %s is %s", id, p.State)
			}
			if !p.Collateral.Equal(p.Liquidity) || o.traded(id) {
				return domain.StateErr(op, "proposal %s has trading activity", id)
			}
		default:
			return domain.AuthorizationErr(op, "caller %s may not cancel proposal %s", caller.Hex(), id)
		}

		for _, side := range domain.Sides {
			if tx.peek(side).Active {
				if err := o.mm.Close(o.self, tx.market(side), o.cfg.TWAPWindow); err != nil {
					return err
				}
			}
		}

		refund := fixed.Min(p.Liquidity, p.Collateral)
		p.Collateral = p.Collateral.Sub(refund)
		if !p.StakeReturned {
			refund = refund.Add(p.Stake)
			p.StakeReturned = true
		}
		p.State = domain.ProposalCanceled

		proposer := p.Proposer
		tx.effect = func(ctx context.Context) error { return o.transfer.Payout(ctx, proposer, refund) }
		tx.undo = func(ctx context.Context) error { return o.transfer.Deposit(ctx, proposer, refund) }
		tx.emit(domain.Event{Type: domain.EventProposalCanceled, Actor: caller, Amount: refund})
		o.logger.Info("orchestrator: proposal canceled",
			slog.String("proposal_id", id),
			slog.String("by", caller.Hex()),
			slog.String("refund", refund.String()),
		)
		return nil
	})
}

func (o *Orchestrator) traded(id string) bool {
	for _, side := range domain.Sides {
		if !o.ledger.Totals(id, side).Minted.IsZero() {
			return true
		}
	}
	return false
}
