// Package keeper runs the periodic maintenance the engine needs from an
// outside caller: oracle pokes, closing trading once the closing delay has
// passed, and optionally resolving and finalising proposals.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/metrics"
	"github.com/alanyoungcy/futarchy/internal/orchestrator"
)

// Engine is the orchestrator surface the keeper drives.
type Engine interface {
	Config() orchestrator.Config
	ListProposals(ctx context.Context, state domain.ProposalState, opts domain.ListOpts) ([]domain.Proposal, error)
	Poke(ctx context.Context, id string) error
	CloseTrading(ctx context.Context, id string) error
	ResolveMarket(ctx context.Context, id string) error
	ExecuteProposal(ctx context.Context, id string) error
	RejectProposal(ctx context.Context, id string) error
}

// Config controls the keeper.
type Config struct {
	Interval time.Duration
	// AutoResolve resolves closed proposals at their resolution time and
	// then executes or rejects them. Without it the keeper only logs that
	// they are ready.
	AutoResolve bool
}

// Keeper is the maintenance loop.
type Keeper struct {
	engine Engine
	clock  domain.Clock
	cfg    Config
	logger *slog.Logger
}

// New returns a keeper.
func New(engine Engine, clock domain.Clock, cfg Config, logger *slog.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Keeper{
		engine: engine,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "keeper")),
	}
}

// Run ticks every Interval until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper: started",
		slog.Duration("interval", k.cfg.Interval),
		slog.Bool("auto_resolve", k.cfg.AutoResolve),
	)
	k.Tick(ctx)
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass.
func (k *Keeper) Tick(ctx context.Context) {
	k.tickActive(ctx)
	k.tickClosed(ctx)
	if k.cfg.AutoResolve {
		k.tickResolved(ctx)
	}
}

func (k *Keeper) list(ctx context.Context, state domain.ProposalState) []domain.Proposal {
	ps, err := k.engine.ListProposals(ctx, state, domain.ListOpts{})
	if err != nil {
		k.logger.ErrorContext(ctx, "keeper: list proposals failed",
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
	}
	return ps
}

func (k *Keeper) tickActive(ctx context.Context) {
	now := k.clock.Now()
	closing := k.engine.Config().ClosingDelay
	for _, p := range k.list(ctx, domain.ProposalActive) {
		switch {
		case !now.Before(p.TradingEnd.Add(closing)):
			k.do(ctx, "close", p.ID, k.engine.CloseTrading)
		case now.Before(p.TradingEnd):
			k.do(ctx, "poke", p.ID, k.engine.Poke)
		}
	}
}

func (k *Keeper) tickClosed(ctx context.Context) {
	now := k.clock.Now()
	for _, p := range k.list(ctx, domain.ProposalClosed) {
		if now.Before(p.ResolutionTime) {
			continue
		}
		if !k.cfg.AutoResolve {
			k.logger.InfoContext(ctx, "keeper: proposal ready to resolve",
				slog.String("proposal_id", p.ID),
				slog.String("gap_bps", orchestrator.GapBps(p.FinalPassPrice, p.FinalFailPrice).StringFixed(2)),
			)
			continue
		}
		err := k.do(ctx, "resolve", p.ID, k.engine.ResolveMarket)
		if errors.Is(err, domain.ErrConsistency) {
			k.logger.WarnContext(ctx, "keeper: no clear winner, guardian resolution required",
				slog.String("proposal_id", p.ID),
			)
		}
	}
}

func (k *Keeper) tickResolved(ctx context.Context) {
	for _, p := range k.list(ctx, domain.ProposalResolved) {
		if p.PassWins {
			k.do(ctx, "execute", p.ID, k.engine.ExecuteProposal)
			continue
		}
		k.do(ctx, "reject", p.ID, k.engine.RejectProposal)
	}
}

func (k *Keeper) do(ctx context.Context, action, id string, fn func(context.Context, string) error) error {
	err := fn(ctx, id)
	metrics.RecordKeeper(action, err)
	switch {
	case err == nil:
		k.logger.DebugContext(ctx, "keeper: "+action, slog.String("proposal_id", id))
	case errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrState):
		// Raced with a user call; the next tick sees the new state.
		k.logger.DebugContext(ctx, "keeper: "+action+" skipped",
			slog.String("proposal_id", id),
			slog.String("error", err.Error()),
		)
	default:
		k.logger.WarnContext(ctx, "keeper: "+action+" failed",
			slog.String("proposal_id", id),
			slog.String("error", err.Error()),
		)
	}
	return err
}
