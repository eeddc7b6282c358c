package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/futarchy/internal/blob/s3"
	"github.com/alanyoungcy/futarchy/internal/cache/local"
	"github.com/alanyoungcy/futarchy/internal/cache/redis"
	"github.com/alanyoungcy/futarchy/internal/clock"
	"github.com/alanyoungcy/futarchy/internal/config"
	"github.com/alanyoungcy/futarchy/internal/crypto"
	"github.com/alanyoungcy/futarchy/internal/custody"
	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/events"
	"github.com/alanyoungcy/futarchy/internal/ledger"
	"github.com/alanyoungcy/futarchy/internal/lmsr"
	"github.com/alanyoungcy/futarchy/internal/metrics"
	"github.com/alanyoungcy/futarchy/internal/notify"
	"github.com/alanyoungcy/futarchy/internal/orchestrator"
	"github.com/alanyoungcy/futarchy/internal/server/handler"
	"github.com/alanyoungcy/futarchy/internal/store/memory"
	"github.com/alanyoungcy/futarchy/internal/store/postgres"
	"github.com/alanyoungcy/futarchy/internal/treasury"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Identity *crypto.Identity
	Clock    domain.Clock
	Engine   *orchestrator.Orchestrator
	Vault    *custody.Vault

	// Stores
	StateStore   domain.StateStore
	AccountStore domain.AccountStore
	AuditStore   domain.AuditStore

	// Caches. Backed by Redis when enabled, in-process otherwise.
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.Archiver

	Publisher *events.Publisher
	Notifier  *notify.Notifier

	// Checks back GET /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Clock:  clock.System{},
		Checks: make(map[string]handler.Check),
	}

	// --- Engine identity ---
	identity, err := crypto.LoadIdentity(crypto.KeyConfig{
		RawPrivateKey:    cfg.Identity.PrivateKey,
		EncryptedKeyPath: cfg.Identity.EncryptedKeyPath,
		KeyPassword:      cfg.Identity.KeyPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: identity: %w", err))
	}
	deps.Identity = identity
	logger.InfoContext(ctx, "engine identity loaded", slog.String("address", identity.Address().Hex()))

	// --- State storage ---
	switch strings.ToLower(cfg.Storage) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
			logger.InfoContext(ctx, "postgres migrations applied", slog.Int("count", len(applied)))
		}

		pool := pgClient.Pool()
		deps.StateStore = postgres.NewStateStore(pool)
		deps.AccountStore = postgres.NewAccountStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	default:
		deps.StateStore = memory.NewStateStore()
		deps.AccountStore = memory.NewAccountStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	// --- Redis, or in-process equivalents ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.PriceCache = local.NewPriceCache()
		deps.RateLimiter = local.NewRateLimiter()
		deps.SignalBus = local.NewBus()
	}

	// --- Custody ---
	deps.Vault = custody.NewVault(identity.Address(), deps.AccountStore, deps.Clock, logger.With(slog.String("component", "custody")))
	if err := deps.Vault.Load(ctx); err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	if err := deps.Vault.Seed(ctx, cfg.Custody.InitialBalances()); err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Event publisher ---
	pubDeps := events.Deps{
		Bus:      deps.SignalBus,
		Audit:    deps.AuditStore,
		Prices:   deps.PriceCache,
		Identity: identity,
	}
	if deps.Notifier.Enabled() {
		pubDeps.Notifier = deps.Notifier
	}
	deps.Publisher = events.NewPublisher(pubDeps, cfg.Engine.EventQueue, logger)

	// --- Engine ---
	trading, closing, resolution, twap := cfg.Engine.Lifecycle()
	engineCfg := orchestrator.Config{
		TradingPeriod:   trading,
		ClosingDelay:    closing,
		ResolutionDelay: resolution,
		TWAPWindow:      twap,
		ClarityBps:      cfg.Engine.ClarityBps,
		Stake:           cfg.Engine.StakeAmount(),
		MinLiquidity:    cfg.Engine.MinLiquidityAmount(),
		LockTTL:         cfg.Engine.LockTTL.Duration,
		LockWait:        cfg.Engine.LockWait.Duration,
	}
	self := identity.Address()
	engine, err := orchestrator.New(engineCfg, orchestrator.Deps{
		Self:     self,
		Guardian: cfg.Engine.GuardianAddress(),
		Markets:  lmsr.New(self, lmsr.DefaultConfig().ForWindow(twap), deps.Clock),
		Ledger:   ledger.New(self),
		Store:    deps.StateStore,
		Transfer: deps.Vault,
		Executor: treasury.NewExecutor(deps.Vault, cfg.Custody.TreasuryAddress(), deps.Clock, logger),
		Clock:    deps.Clock,
		Locks:    deps.LockManager,
		Events:   deps.Publisher,
		Observer: metrics.Observer{},
		Logger:   logger,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: engine: %w", err))
	}
	if err := engine.Restore(ctx); err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	if err := engine.Verify(); err != nil {
		return fail(fmt.Errorf("wire: restored state: %w", err))
	}
	deps.Engine = engine
	escrow := deps.Vault.Escrow()
	deps.Checks["engine"] = func(context.Context) error {
		if err := engine.Verify(); err != nil {
			return err
		}
		return engine.CheckCustody(func() decimal.Decimal { return deps.Vault.Balance(escrow) })
	}
	deps.Checks["custody"] = func(context.Context) error { return deps.Vault.Verify() }

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			engine,
			deps.AuditStore,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	return deps, cleanup, nil
}
