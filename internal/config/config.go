// Package config defines the top-level configuration for the futarchy
// engine and provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUTARCHY_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Identity IdentityConfig `toml:"identity"`
	Custody  CustodyConfig  `toml:"custody"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Notify   NotifyConfig   `toml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Archive  ArchiveConfig  `toml:"archive"`
	// Mode selects which loops run: server, keeper, or full.
	Mode string `toml:"mode"`
	// Storage selects the state backend: memory or postgres.
	Storage  string `toml:"storage"`
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

// EngineConfig holds the proposal lifecycle and economic parameters.
type EngineConfig struct {
	TradingPeriod   duration `toml:"trading_period"`
	ClosingDelay    duration `toml:"closing_delay"`
	ResolutionDelay duration `toml:"resolution_delay"`
	TWAPWindow      duration `toml:"twap_window"`
	ClarityBps      int64    `toml:"clarity_bps"`
	Stake           string   `toml:"stake"`
	MinLiquidity    string   `toml:"min_liquidity"`
	// Guardian may emergency-resolve and cancel any open proposal. Empty
	// disables both.
	Guardian string   `toml:"guardian"`
	LockTTL  duration `toml:"lock_ttl"`
	LockWait duration `toml:"lock_wait"`
	// EventQueue bounds the asynchronous event publisher's backlog.
	EventQueue int `toml:"event_queue"`
}

// IdentityConfig locates the engine's signing key. Its address is the
// authority over the ledger and market maker and signs published events.
type IdentityConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// CustodyConfig holds the treasury account and, for memory storage, the
// balances participants start with.
type CustodyConfig struct {
	Treasury        string            `toml:"treasury"`
	TreasuryBalance string            `toml:"treasury_balance"`
	Balances        map[string]string `toml:"balances"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. With Enabled false the
// engine uses in-process locks, prices and bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, is required on every /api request.
	APIKey string `toml:"api_key"`
	// RequireSignatures makes callers prove their address with an EIP-191
	// request signature. Without it the X-Caller header is trusted, which
	// is only accepted behind an api_key.
	RequireSignatures bool     `toml:"require_signatures"`
	SignatureMaxAge   duration `toml:"signature_max_age"`
	RateLimit         int      `toml:"rate_limit"`
	RateWindow        duration `toml:"rate_window"`
}

// KeeperConfig controls the background lifecycle loop.
type KeeperConfig struct {
	Interval    duration `toml:"interval"`
	AutoResolve bool     `toml:"auto_resolve"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSecret     string   `toml:"webhook_secret"`
	Events            []string `toml:"events"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ArchiveConfig controls the S3 snapshot export of settled proposals.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			TradingPeriod:   duration{72 * time.Hour},
			ClosingDelay:    duration{time.Hour},
			ResolutionDelay: duration{24 * time.Hour},
			TWAPWindow:      duration{24 * time.Hour},
			ClarityBps:      100,
			Stake:           "100",
			MinLiquidity:    "100",
			LockTTL:         duration{30 * time.Second},
			LockWait:        duration{5 * time.Second},
			EventQueue:      1024,
		},
		Custody: CustodyConfig{
			TreasuryBalance: "0",
			Balances:        map[string]string{},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "futarchy",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "futarchy",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "futarchy-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			RequireSignatures: true,
			SignatureMaxAge:   duration{5 * time.Minute},
			RateLimit:         120,
			RateWindow:        duration{time.Minute},
		},
		Keeper: KeeperConfig{
			Interval: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"proposal.closed", "proposal.resolved", "proposal.executed", "proposal.rejected", "proposal.canceled"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Archive: ArchiveConfig{
			Interval:  duration{6 * time.Hour},
			Retention: duration{30 * 24 * time.Hour},
		},
		Mode:     "full",
		Storage:  "memory",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
}

var validStorage = map[string]bool{
	"memory":   true,
	"postgres": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, full)", c.Mode))
	}
	if !validStorage[strings.ToLower(c.Storage)] {
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: memory, postgres)", c.Storage))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Identity
	if c.Identity.PrivateKey == "" && c.Identity.EncryptedKeyPath == "" {
		errs = append(errs, "identity: either private_key or encrypted_key_path must be set")
	}
	if c.Identity.EncryptedKeyPath != "" && c.Identity.KeyPassword == "" {
		errs = append(errs, "identity: key_password is required when encrypted_key_path is set")
	}

	// Engine
	e := c.Engine
	if e.TradingPeriod.Duration <= 0 {
		errs = append(errs, "engine: trading_period must be > 0")
	}
	if e.ClosingDelay.Duration < 0 || e.ResolutionDelay.Duration < 0 {
		errs = append(errs, "engine: closing_delay and resolution_delay must be >= 0")
	}
	if e.TWAPWindow.Duration <= 0 {
		errs = append(errs, "engine: twap_window must be > 0")
	}
	if e.ClarityBps < 0 || e.ClarityBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine: clarity_bps must be 0-10000, got %d", e.ClarityBps))
	}
	if d, err := decimal.NewFromString(e.Stake); err != nil || d.IsNegative() {
		errs = append(errs, fmt.Sprintf("engine: stake %q must be a non-negative decimal", e.Stake))
	}
	if d, err := decimal.NewFromString(e.MinLiquidity); err != nil || !d.IsPositive() {
		errs = append(errs, fmt.Sprintf("engine: min_liquidity %q must be a positive decimal", e.MinLiquidity))
	}
	if e.Guardian != "" && !common.IsHexAddress(e.Guardian) {
		errs = append(errs, fmt.Sprintf("engine: guardian %q is not an address", e.Guardian))
	}
	if e.EventQueue < 1 {
		errs = append(errs, "engine: event_queue must be >= 1")
	}

	// Custody
	if c.Custody.Treasury != "" && !common.IsHexAddress(c.Custody.Treasury) {
		errs = append(errs, fmt.Sprintf("custody: treasury %q is not an address", c.Custody.Treasury))
	}
	if c.Custody.TreasuryBalance != "" {
		if d, err := decimal.NewFromString(c.Custody.TreasuryBalance); err != nil || d.IsNegative() {
			errs = append(errs, fmt.Sprintf("custody: treasury_balance %q must be a non-negative decimal", c.Custody.TreasuryBalance))
		}
	}
	for addr, amount := range c.Custody.Balances {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("custody: balance holder %q is not an address", addr))
		}
		if d, err := decimal.NewFromString(amount); err != nil || d.IsNegative() {
			errs = append(errs, fmt.Sprintf("custody: balance %q for %s must be a non-negative decimal", amount, addr))
		}
	}

	// Postgres
	if strings.EqualFold(c.Storage, "postgres") {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive / S3
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.Retention.Duration < 0 {
			errs = append(errs, "archive: retention must be >= 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if !c.Server.RequireSignatures && c.Server.APIKey == "" {
			errs = append(errs, "server: api_key must be set when require_signatures is false")
		}
		if c.Server.RequireSignatures && c.Server.SignatureMaxAge.Duration <= 0 {
			errs = append(errs, "server: signature_max_age must be > 0 when signatures are required")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Keeper
	if c.Mode != "server" && c.Keeper.Interval.Duration <= 0 {
		errs = append(errs, "keeper: interval must be > 0")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.Notify.WebhookSecret != "" && c.Notify.WebhookURL == "" {
		errs = append(errs, "notify: webhook_secret requires webhook_url")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Sprintf("metrics: path %q must start with /", c.Metrics.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalid, strings.Join(errs, "\n  - "))
	}
	return nil
}

// Lifecycle returns the engine durations as plain time.Durations.
func (e EngineConfig) Lifecycle() (trading, closing, resolution, twap time.Duration) {
	return e.TradingPeriod.Duration, e.ClosingDelay.Duration, e.ResolutionDelay.Duration, e.TWAPWindow.Duration
}

// StakeAmount returns the parsed proposer stake. Call after Validate.
func (e EngineConfig) StakeAmount() decimal.Decimal {
	return decimal.RequireFromString(e.Stake)
}

// MinLiquidityAmount returns the parsed liquidity floor. Call after Validate.
func (e EngineConfig) MinLiquidityAmount() decimal.Decimal {
	return decimal.RequireFromString(e.MinLiquidity)
}

// GuardianAddress returns the guardian address, or the zero address.
func (e EngineConfig) GuardianAddress() common.Address {
	if e.Guardian == "" {
		return common.Address{}
	}
	return common.HexToAddress(e.Guardian)
}

// TreasuryAddress returns the treasury account, or the zero address.
func (c CustodyConfig) TreasuryAddress() common.Address {
	if c.Treasury == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Treasury)
}

// InitialBalances parses the seeded memory-mode balances, including the
// treasury's. Call after Validate.
func (c CustodyConfig) InitialBalances() map[common.Address]decimal.Decimal {
	out := make(map[common.Address]decimal.Decimal, len(c.Balances)+1)
	for addr, amount := range c.Balances {
		out[common.HexToAddress(addr)] = decimal.RequireFromString(amount)
	}
	if t := c.TreasuryAddress(); t != (common.Address{}) && c.TreasuryBalance != "" {
		if d := decimal.RequireFromString(c.TreasuryBalance); d.IsPositive() {
			out[t] = out[t].Add(d)
		}
	}
	return out
}
