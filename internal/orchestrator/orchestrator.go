// Package orchestrator drives the proposal lifecycle: it creates the PASS
// and FAIL markets, routes trades through the market maker, mints and burns
// outcome tokens, moves collateral, and resolves proposals from the
// markets' TWAP prices.
//
// Every mutating operation holds the proposal's lock, works on copies of
// the proposal and its markets, and swaps them in only after the state
// store has committed the changeset together with the operation's value
// transfer.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/ledger"
	"github.com/alanyoungcy/futarchy/internal/lmsr"
)

// Config holds lifecycle durations and economic parameters.
type Config struct {
	TradingPeriod   time.Duration
	ClosingDelay    time.Duration
	ResolutionDelay time.Duration
	TWAPWindow      time.Duration
	// ClarityBps is the minimum PASS/FAIL final price gap, in basis points,
	// for ResolveMarket to pick a winner.
	ClarityBps   int64
	Stake        decimal.Decimal
	MinLiquidity decimal.Decimal
	// LockTTL and LockWait govern the optional distributed proposal lock.
	LockTTL  time.Duration
	LockWait time.Duration
}

// DefaultConfig returns the production lifecycle settings.
func DefaultConfig() Config {
	return Config{
		TradingPeriod:   72 * time.Hour,
		ClosingDelay:    time.Hour,
		ResolutionDelay: 24 * time.Hour,
		TWAPWindow:      24 * time.Hour,
		ClarityBps:      100,
		Stake:           decimal.NewFromInt(100),
		MinLiquidity:    decimal.NewFromInt(100),
		LockTTL:         30 * time.Second,
		LockWait:        5 * time.Second,
	}
}

// Observer receives per-operation timings and outcomes.
type Observer interface {
	ObserveOp(op string, elapsed time.Duration, err error)
}

// Reverter undoes an executed action when its commit fails afterwards.
type Reverter interface {
	Revert(ctx context.Context, target common.Address, amount decimal.Decimal) error
}

// Deps are the orchestrator's collaborators. Locks, Events and Observer are
// optional.
type Deps struct {
	Self     common.Address
	Guardian common.Address
	Markets  *lmsr.MarketMaker
	Ledger   *ledger.Ledger
	Store    domain.StateStore
	Transfer domain.ValueTransfer
	Executor domain.ActionExecutor
	Clock    domain.Clock
	Locks    domain.LockManager
	Events   domain.EventPublisher
	Observer Observer
	Logger   *slog.Logger
}

// Orchestrator owns every proposal and its two markets.
type Orchestrator struct {
	cfg      Config
	self     common.Address
	guardian common.Address

	mm       *lmsr.MarketMaker
	ledger   *ledger.Ledger
	store    domain.StateStore
	transfer domain.ValueTransfer
	executor domain.ActionExecutor
	clock    domain.Clock
	dlocks   domain.LockManager
	events   domain.EventPublisher
	observer Observer
	logger   *slog.Logger

	locks *keyedMutex
	// settle is held shared by every commit and exclusively by
	// CheckCustody, so custody is never compared mid-transfer.
	settle sync.RWMutex

	mu        sync.RWMutex
	proposals map[string]domain.Proposal
	markets   map[string]domain.Market
	order     []string // proposal ids in creation order
}

// New wires an Orchestrator. The ledger and market maker must already be
// bound to deps.Self.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Self == (common.Address{}):
		return nil, domain.ValidationErr("orchestrator.new", "engine identity is required")
	case deps.Markets == nil || deps.Ledger == nil || deps.Store == nil ||
		deps.Transfer == nil || deps.Executor == nil || deps.Clock == nil:
		return nil, domain.ValidationErr("orchestrator.new", "missing collaborator")
	case deps.Ledger.Authority() != deps.Self:
		return nil, domain.AuthorizationErr("orchestrator.new", "ledger authority %s is not %s",
			deps.Ledger.Authority().Hex(), deps.Self.Hex())
	case deps.Markets.Authority() != deps.Self:
		return nil, domain.AuthorizationErr("orchestrator.new", "market authority %s is not %s",
			deps.Markets.Authority().Hex(), deps.Self.Hex())
	case cfg.ClarityBps < 0 || cfg.Stake.IsNegative():
		return nil, domain.ValidationErr("orchestrator.new", "negative clarity threshold or stake")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		self:      deps.Self,
		guardian:  deps.Guardian,
		mm:        deps.Markets,
		ledger:    deps.Ledger,
		store:     deps.Store,
		transfer:  deps.Transfer,
		executor:  deps.Executor,
		clock:     deps.Clock,
		dlocks:    deps.Locks,
		events:    deps.Events,
		observer:  deps.Observer,
		logger:    logger.With(slog.String("component", "orchestrator")),
		locks:     newKeyedMutex(),
		proposals: make(map[string]domain.Proposal),
		markets:   make(map[string]domain.Market),
	}, nil
}

// Self returns the engine identity.
func (o *Orchestrator) Self() common.Address { return o.self }

// Guardian returns the guardian identity.
func (o *Orchestrator) Guardian() common.Address { return o.guardian }

// Config returns the lifecycle settings.
func (o *Orchestrator) Config() Config { return o.cfg }

// Restore loads persisted state into memory. It must run before any
// operation is served.
func (o *Orchestrator) Restore(ctx context.Context) error {
	snap, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: restore: %w", err)
	}
	if err := o.ledger.Restore(o.self, snap.Balances, snap.Totals); err != nil {
		return fmt.Errorf("orchestrator: restore ledger: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.proposals = make(map[string]domain.Proposal, len(snap.Proposals))
	o.markets = make(map[string]domain.Market, len(snap.Markets))
	o.order = o.order[:0]
	for _, p := range snap.Proposals {
		o.proposals[p.ID] = p
		o.order = append(o.order, p.ID)
	}
	for _, m := range snap.Markets {
		o.markets[m.ID] = m
	}
	o.logger.Info("orchestrator: state restored",
		slog.Int("proposals", len(snap.Proposals)),
		slog.Int("markets", len(snap.Markets)),
		slog.Int("balances", len(snap.Balances)),
	)
	return nil
}

// Verify checks the ledger's conservation invariant and every market's
// price invariant.
func (o *Orchestrator) Verify() error {
	if err := o.ledger.Verify(); err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	tol := decimal.New(1, -15)
	for _, m := range o.markets {
		yes, no := lmsr.Prices(m)
		if !yes.IsPositive() || !no.IsPositive() || yes.Add(no).Sub(decimal.NewFromInt(1)).Abs().GreaterThan(tol) {
			return domain.ArithmeticErr("orchestrator.verify", "market %s prices %s/%s", m.ID, yes, no)
		}
	}
	for _, p := range o.proposals {
		if p.Collateral.IsNegative() {
			return domain.ArithmeticErr("orchestrator.verify", "proposal %s collateral %s", p.ID, p.Collateral)
		}
	}
	return nil
}

// Obligations returns the collateral plus unreturned stakes the engine
// owes across all proposals. Custody escrow must cover it.
func (o *Orchestrator) Obligations() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	total := decimal.Zero
	for _, p := range o.proposals {
		total = total.Add(p.Collateral)
		if !p.StakeReturned {
			total = total.Add(p.Stake)
		}
	}
	return total
}

// CheckCustody fails with a ConsistencyError when held, the value under
// custody, no longer covers Obligations.
func (o *Orchestrator) CheckCustody(held func() decimal.Decimal) error {
	o.settle.Lock()
	defer o.settle.Unlock()
	owed, have := o.Obligations(), held()
	if have.LessThan(owed) {
		return domain.ConsistencyErr("orchestrator.custody", "custody %s does not cover obligations %s", have, owed)
	}
	return nil
}

func (o *Orchestrator) observe(op string, start time.Time, err error) {
	if o.observer != nil {
		o.observer.ObserveOp(op, time.Since(start), err)
	}
	if err != nil {
		o.logger.Debug("orchestrator: operation failed",
			slog.String("op", op),
			slog.String("kind", string(domain.KindOf(err))),
			slog.String("error", err.Error()),
		)
	}
}
