package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FUTARCHY_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUTARCHY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setDuration(&cfg.Engine.TradingPeriod, "FUTARCHY_ENGINE_TRADING_PERIOD")
	setDuration(&cfg.Engine.ClosingDelay, "FUTARCHY_ENGINE_CLOSING_DELAY")
	setDuration(&cfg.Engine.ResolutionDelay, "FUTARCHY_ENGINE_RESOLUTION_DELAY")
	setDuration(&cfg.Engine.TWAPWindow, "FUTARCHY_ENGINE_TWAP_WINDOW")
	setInt64(&cfg.Engine.ClarityBps, "FUTARCHY_ENGINE_CLARITY_BPS")
	setStr(&cfg.Engine.Stake, "FUTARCHY_ENGINE_STAKE")
	setStr(&cfg.Engine.MinLiquidity, "FUTARCHY_ENGINE_MIN_LIQUIDITY")
	setStr(&cfg.Engine.Guardian, "FUTARCHY_ENGINE_GUARDIAN")
	setInt(&cfg.Engine.EventQueue, "FUTARCHY_ENGINE_EVENT_QUEUE")

	// ── Identity ──
	setStr(&cfg.Identity.PrivateKey, "FUTARCHY_IDENTITY_PRIVATE_KEY")
	setStr(&cfg.Identity.EncryptedKeyPath, "FUTARCHY_IDENTITY_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Identity.KeyPassword, "FUTARCHY_IDENTITY_KEY_PASSWORD")

	// ── Custody ──
	setStr(&cfg.Custody.Treasury, "FUTARCHY_CUSTODY_TREASURY")
	setStr(&cfg.Custody.TreasuryBalance, "FUTARCHY_CUSTODY_TREASURY_BALANCE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUTARCHY_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FUTARCHY_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUTARCHY_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUTARCHY_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUTARCHY_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUTARCHY_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUTARCHY_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUTARCHY_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUTARCHY_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUTARCHY_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "FUTARCHY_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "FUTARCHY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUTARCHY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUTARCHY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUTARCHY_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUTARCHY_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUTARCHY_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "FUTARCHY_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FUTARCHY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUTARCHY_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUTARCHY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUTARCHY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUTARCHY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUTARCHY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUTARCHY_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "FUTARCHY_S3_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FUTARCHY_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FUTARCHY_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FUTARCHY_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FUTARCHY_SERVER_API_KEY")
	setBool(&cfg.Server.RequireSignatures, "FUTARCHY_SERVER_REQUIRE_SIGNATURES")
	setDuration(&cfg.Server.SignatureMaxAge, "FUTARCHY_SERVER_SIGNATURE_MAX_AGE")
	setInt(&cfg.Server.RateLimit, "FUTARCHY_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "FUTARCHY_SERVER_RATE_WINDOW")

	// ── Keeper ──
	setDuration(&cfg.Keeper.Interval, "FUTARCHY_KEEPER_INTERVAL")
	setBool(&cfg.Keeper.AutoResolve, "FUTARCHY_KEEPER_AUTO_RESOLVE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUTARCHY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUTARCHY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUTARCHY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "FUTARCHY_NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookSecret, "FUTARCHY_NOTIFY_WEBHOOK_SECRET")
	setStringSlice(&cfg.Notify.Events, "FUTARCHY_NOTIFY_EVENTS")

	// ── Metrics / Archive ──
	setBool(&cfg.Metrics.Enabled, "FUTARCHY_METRICS_ENABLED")
	setStr(&cfg.Metrics.Path, "FUTARCHY_METRICS_PATH")
	setBool(&cfg.Archive.Enabled, "FUTARCHY_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "FUTARCHY_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "FUTARCHY_ARCHIVE_RETENTION")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUTARCHY_MODE")
	setStr(&cfg.Storage, "FUTARCHY_STORAGE")
	setStr(&cfg.LogLevel, "FUTARCHY_LOG_LEVEL")
	setStr(&cfg.LogFile, "FUTARCHY_LOG_FILE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
