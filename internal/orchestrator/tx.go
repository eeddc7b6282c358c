package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/ledger"
)

// txn collects one operation's effects on copies of the proposal and its
// markets. Nothing it holds is visible until commit succeeds.
type txn struct {
	proposal domain.Proposal
	markets  map[domain.Side]*domain.Market
	touched  map[domain.Side]bool
	ops      []ledger.Op
	effect   func(ctx context.Context) error
	undo     func(ctx context.Context) error
	events   []domain.Event
}

// market returns the working copy of side's market and marks it written.
func (tx *txn) market(side domain.Side) *domain.Market {
	tx.touched[side] = true
	return tx.markets[side]
}

// peek returns the working copy of side's market without marking it.
func (tx *txn) peek(side domain.Side) domain.Market {
	return *tx.markets[side]
}

func (tx *txn) emit(ev domain.Event) {
	tx.events = append(tx.events, ev)
}

// begin copies proposal id and its markets out of the live state.
func (o *Orchestrator) begin(op, id string) (*txn, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%s: proposal %s: %w", op, id, domain.ErrNotFound)
	}
	tx := &txn{
		proposal: p.Clone(),
		markets:  make(map[domain.Side]*domain.Market, 2),
		touched:  make(map[domain.Side]bool, 2),
	}
	for _, side := range domain.Sides {
		m, ok := o.markets[p.MarketID(side)]
		if !ok {
			return nil, domain.ConsistencyErr(op, "proposal %s is missing its %s market", id, side)
		}
		c := m.Clone()
		tx.markets[side] = &c
	}
	return tx, nil
}

// run executes fn under the proposal lock against a fresh txn and commits
// the result.
func (o *Orchestrator) run(ctx context.Context, op, id string, fn func(tx *txn) error) (err error) {
	start := time.Now()
	defer func() { o.observe(op, start, err) }()

	unlock, err := o.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := o.begin(op, id)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return o.commit(ctx, op, tx)
}

// commit persists tx together with its external effect and then publishes
// it to the live state. A failure at any step leaves the live state as it
// was.
func (o *Orchestrator) commit(ctx context.Context, op string, tx *txn) error {
	o.settle.RLock()
	defer o.settle.RUnlock()

	res, err := o.ledger.Preview(o.self, tx.ops)
	if err != nil {
		return err
	}

	now := o.clock.Now()
	tx.proposal.UpdatedAt = now
	cs := domain.Changeset{
		Proposal: &tx.proposal,
		Balances: res.Balances,
		Totals:   res.Totals,
	}
	for _, side := range domain.Sides {
		if tx.touched[side] {
			cs.Markets = append(cs.Markets, *tx.markets[side])
		}
	}

	effectDone := false
	err = o.store.Commit(ctx, cs, func(ctx context.Context) error {
		if tx.effect == nil {
			return nil
		}
		if err := tx.effect(ctx); err != nil {
			return err
		}
		effectDone = true
		return nil
	})
	if err != nil {
		if effectDone && tx.undo != nil {
			if uerr := tx.undo(context.WithoutCancel(ctx)); uerr != nil {
				o.logger.Error("orchestrator: compensating transfer failed",
					slog.String("op", op),
					slog.String("proposal_id", tx.proposal.ID),
					slog.String("error", uerr.Error()),
				)
			}
		}
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	// The store has committed; the ledger preview above already validated
	// these ops against the same rows, and the proposal lock keeps them
	// unchanged since.
	if err := o.ledger.Apply(o.self, tx.ops); err != nil {
		o.logger.Error("orchestrator: ledger diverged from store",
			slog.String("op", op),
			slog.String("proposal_id", tx.proposal.ID),
			slog.String("error", err.Error()),
		)
		return domain.Wrap(domain.KindConsistency, op, err)
	}

	o.mu.Lock()
	if _, ok := o.proposals[tx.proposal.ID]; !ok {
		o.order = append(o.order, tx.proposal.ID)
	}
	o.proposals[tx.proposal.ID] = tx.proposal
	for _, side := range domain.Sides {
		if tx.touched[side] {
			m := tx.markets[side]
			o.markets[m.ID] = *m
		}
	}
	o.mu.Unlock()

	for _, ev := range tx.events {
		ev.ID = uuid.NewString()
		ev.ProposalID = tx.proposal.ID
		ev.State = tx.proposal.State
		if ev.At.IsZero() {
			ev.At = now
		}
		if o.events != nil {
			o.events.Publish(ctx, ev)
		}
	}
	return nil
}
