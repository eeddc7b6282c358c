package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futarchy/internal/config"
	"github.com/alanyoungcy/futarchy/internal/crypto"
	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/events"
	"github.com/alanyoungcy/futarchy/internal/orchestrator"
)

var (
	treasuryAddr = common.HexToAddress("0x0000000000000000000000000000000000007ea5")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	target       = common.HexToAddress("0x000000000000000000000000000000000000d00d")
)

func memoryConfig(t *testing.T) (*config.Config, *crypto.Identity) {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.Identity.PrivateKey = id.PrivateKeyHex()
	cfg.Custody.Treasury = treasuryAddr.Hex()
	cfg.Custody.TreasuryBalance = "5000"
	cfg.Custody.Balances = map[string]string{alice.Hex(): "2000"}
	cfg.Server.Enabled = false
	require.NoError(t, cfg.Validate())
	return &cfg, id
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWireMemory(t *testing.T) {
	cfg, id := memoryConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, cleanup, err := Wire(ctx, cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, id.Address(), deps.Engine.Self())
	assert.True(t, deps.Vault.Balance(treasuryAddr).Equal(decimal.NewFromInt(5000)))
	assert.True(t, deps.Vault.Balance(alice).Equal(decimal.NewFromInt(2000)))
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.LockManager)

	require.Contains(t, deps.Checks, "engine")
	require.Contains(t, deps.Checks, "custody")
	assert.NotContains(t, deps.Checks, "postgres")
	for name, check := range deps.Checks {
		assert.NoError(t, check(ctx), name)
	}

	go deps.Publisher.Run(ctx)
	pid, err := deps.Engine.CreateProposal(ctx, alice, orchestrator.CreateRequest{
		Target:          target,
		RequestedAmount: decimal.NewFromInt(10),
		Liquidity:       decimal.NewFromInt(500),
	})
	require.NoError(t, err)

	var msgs []domain.StreamMessage
	require.Eventually(t, func() bool {
		msgs, err = deps.SignalBus.StreamRead(ctx, events.Stream, "0", 10)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &env))
	ok, err := events.VerifyEnvelope(env)
	require.NoError(t, err)
	assert.True(t, ok, "events are signed by the engine identity")
	assert.Equal(t, id.Address().Hex(), env.Signer)

	ev, err := env.Decode()
	require.NoError(t, err)
	assert.Equal(t, pid, ev.ProposalID)

	// stake + liquidity left alice's account
	assert.True(t, deps.Vault.Balance(alice).Equal(decimal.NewFromInt(1400)))
}

func TestEngineCheckComparesEscrowWithObligations(t *testing.T) {
	cfg, _ := memoryConfig(t)
	ctx := context.Background()
	deps, cleanup, err := Wire(ctx, cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	_, err = deps.Engine.CreateProposal(ctx, alice, orchestrator.CreateRequest{
		Target:          target,
		RequestedAmount: decimal.NewFromInt(10),
		Liquidity:       decimal.NewFromInt(500),
	})
	require.NoError(t, err)
	require.NoError(t, deps.Checks["engine"](ctx))

	// Funds leaving escrow outside the engine break the custody invariant.
	require.NoError(t, deps.Vault.Payout(ctx, target, decimal.NewFromInt(1)))
	err = deps.Checks["engine"](ctx)
	require.ErrorIs(t, err, domain.ErrConsistency)
}

func TestWireRejectsMissingIdentity(t *testing.T) {
	cfg, _ := memoryConfig(t)
	cfg.Identity.PrivateKey = ""
	_, _, err := Wire(context.Background(), cfg, discard())
	require.Error(t, err)
}

func TestRunKeeperModeStopsOnCancel(t *testing.T) {
	cfg, _ := memoryConfig(t)
	cfg.Mode = "keeper"

	a := New(cfg, discard())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := a.Run(ctx)
	if err != nil {
		assert.True(t, errors.Is(err, context.DeadlineExceeded), err)
	}
}

func TestRunUnknownMode(t *testing.T) {
	cfg, _ := memoryConfig(t)
	cfg.Mode = "trade"
	a := New(cfg, discard())
	defer a.Close()
	require.ErrorContains(t, a.Run(context.Background()), "unsupported mode")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "futarchy.log")
	logger, closeLog := NewLogger("info", path)
	logger.Debug("hidden")
	logger.Info("engine started", slog.String("mode", "full"))
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"engine started"`)
	assert.NotContains(t, string(data), "hidden")
}
