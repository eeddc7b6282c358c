package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/futarchy/internal/keeper"
	"github.com/alanyoungcy/futarchy/internal/metrics"
	"github.com/alanyoungcy/futarchy/internal/server"
	"github.com/alanyoungcy/futarchy/internal/server/handler"
	"github.com/alanyoungcy/futarchy/internal/server/ws"
)

// ServerMode serves the HTTP and WebSocket API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPublisher(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// KeeperMode runs the lifecycle keeper without the API.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPublisher(ctx, g, deps)
	a.startKeeper(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API and the keeper in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPublisher(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	a.startKeeper(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

func (a *App) startPublisher(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Publisher.Run(ctx)
	})
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	k := keeper.New(deps.Engine, deps.Clock, keeper.Config{
		Interval:    a.cfg.Keeper.Interval.Duration,
		AutoResolve: a.cfg.Keeper.AutoResolve,
	}, a.logger)
	g.Go(func() error {
		return k.Run(ctx)
	})
}

// startArchiver periodically exports settled proposals older than the
// retention window. It is a no-op when archiving is disabled.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	interval, retention := a.cfg.Archive.Interval.Duration, a.cfg.Archive.Retention.Duration
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := deps.Archiver.ArchiveProposals(ctx, deps.Clock.Now().Add(-retention))
			if err != nil {
				a.logger.WarnContext(ctx, "archive run failed", slog.String("error", err.Error()))
			} else if n > 0 {
				metrics.ArchivedProposals.Add(float64(n))
				a.logger.InfoContext(ctx, "proposals archived", slog.Int64("count", n))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

// startHTTPServer adds the API server and its WebSocket hub to g. The
// server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		Engine:         deps.Identity.Address().Hex(),
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
	}
	srv := server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		APIKey:            a.cfg.Server.APIKey,
		RequireSignatures: a.cfg.Server.RequireSignatures,
		SignatureMaxAge:   a.cfg.Server.SignatureMaxAge.Duration,
		RateLimit:         a.cfg.Server.RateLimit,
		RateWindow:        a.cfg.Server.RateWindow.Duration,
		MetricsPath:       metricsPath,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Proposals: handler.NewProposalHandler(deps.Engine, deps.PriceCache, a.logger),
		Events:    handler.NewEventsHandler(deps.SignalBus, deps.AuditStore, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
