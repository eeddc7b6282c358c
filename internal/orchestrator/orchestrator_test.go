package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futarchy/internal/clock"
	"github.com/alanyoungcy/futarchy/internal/custody"
	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/ledger"
	"github.com/alanyoungcy/futarchy/internal/lmsr"
	"github.com/alanyoungcy/futarchy/internal/store/memory"
	"github.com/alanyoungcy/futarchy/internal/treasury"
)

var (
	engine   = common.HexToAddress("0x00000000000000000000000000000000000e0001")
	guardian = common.HexToAddress("0x000000000000000000000000000000000000a1a1")
	escrow   = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
	vaultAcc = common.HexToAddress("0x0000000000000000000000000000000000007ea5")
	target   = common.HexToAddress("0x000000000000000000000000000000000000d00d")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol    = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	dave     = common.HexToAddress("0x000000000000000000000000000000000000da7e")
)

var t0 = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// tb is the part of testing.TB that *rapid.T also provides.
type tb interface {
	require.TestingT
	Helper()
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// flakyTransfer fails every call while failing is set.
type flakyTransfer struct {
	domain.ValueTransfer
	mu      sync.Mutex
	failing bool
}

var errTransferDown = errors.New("transfer rail unavailable")

func (f *flakyTransfer) set(failing bool) {
	f.mu.Lock()
	f.failing = failing
	f.mu.Unlock()
}

func (f *flakyTransfer) down() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failing
}

func (f *flakyTransfer) Deposit(ctx context.Context, payer common.Address, amount decimal.Decimal) error {
	if f.down() {
		return errTransferDown
	}
	return f.ValueTransfer.Deposit(ctx, payer, amount)
}

func (f *flakyTransfer) Payout(ctx context.Context, payee common.Address, amount decimal.Decimal) error {
	if f.down() {
		return errTransferDown
	}
	return f.ValueTransfer.Payout(ctx, payee, amount)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	o        *Orchestrator
	clk      *clock.Manual
	vault    *custody.Vault
	transfer *flakyTransfer
	store    *memory.StateStore
	exec     *treasury.Executor
	events   *recorder
}

func newHarness(t tb, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	clk := clock.NewManual(t0)
	logger := quietLogger()
	vault := custody.NewVault(escrow, nil, clk, logger)
	require.NoError(t, vault.Seed(context.Background(), map[common.Address]decimal.Decimal{
		vaultAcc: d("1000000"),
		alice:    d("100000"),
		bob:      d("100000"),
		carol:    d("100000"),
		dave:     d("100000"),
	}))
	h := &harness{
		clk:      clk,
		vault:    vault,
		transfer: &flakyTransfer{ValueTransfer: vault},
		store:    memory.NewStateStore(),
		exec:     treasury.NewExecutor(vault, vaultAcc, clk, logger),
		events:   &recorder{},
	}
	o, err := New(cfg, Deps{
		Self:     engine,
		Guardian: guardian,
		Markets:  lmsr.New(engine, lmsr.DefaultConfig(), clk),
		Ledger:   ledger.New(engine),
		Store:    h.store,
		Transfer: h.transfer,
		Executor: h.exec,
		Clock:    clk,
		Events:   h.events,
		Logger:   logger,
	})
	require.NoError(t, err)
	h.o = o
	return h
}

func (h *harness) create(t tb, liquidity string) string {
	t.Helper()
	id, err := h.o.CreateProposal(context.Background(), alice, CreateRequest{
		Target:          target,
		Payload:         []byte("transfer"),
		RequestedAmount: d("2500"),
		DescriptionRef:  common.HexToHash("0x01"),
		Liquidity:       d(liquidity),
	})
	require.NoError(t, err)
	return id
}

func (h *harness) buy(t tb, who common.Address, id string, side domain.Side, spend string) decimal.Decimal {
	t.Helper()
	tokens, err := h.o.BuyOutcome(context.Background(), who, id, side, d(spend), decimal.Zero, time.Time{})
	require.NoError(t, err)
	return tokens
}

// checkBooks asserts the ledger and market invariants hold and escrow
// exactly covers what the engine owes.
func (h *harness) checkBooks(t tb) {
	t.Helper()
	require.NoError(t, h.o.Verify())
	require.NoError(t, h.vault.Verify())
	assert.True(t, h.vault.Balance(escrow).Equal(h.o.Obligations()),
		"escrow %s != obligations %s", h.vault.Balance(escrow), h.o.Obligations())
	require.NoError(t, h.o.CheckCustody(func() decimal.Decimal { return h.vault.Balance(escrow) }))
}

func within(t tb, want, got decimal.Decimal, tol string) {
	t.Helper()
	assert.True(t, want.Sub(got).Abs().LessThanOrEqual(d(tol)), "want %s got %s (tol %s)", want, got, tol)
}

func TestNewRejectsMismatchedAuthority(t *testing.T) {
	clk := clock.NewManual(t0)
	_, err := New(DefaultConfig(), Deps{
		Self:     engine,
		Markets:  lmsr.New(alice, lmsr.DefaultConfig(), clk),
		Ledger:   ledger.New(engine),
		Store:    memory.NewStateStore(),
		Transfer: custody.NewVault(escrow, nil, clk, quietLogger()),
		Executor: treasury.NewExecutor(custody.NewVault(escrow, nil, clk, quietLogger()), vaultAcc, clk, quietLogger()),
		Clock:    clk,
	})
	assert.ErrorIs(t, err, domain.ErrAuthorization)
}

// Scenario 1.
func TestCreateProposalStartsAtEvenOdds(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "10000")

	q, err := h.o.Prices(context.Background(), id)
	require.NoError(t, err)
	within(t, d("0.5"), q.Pass, "0.005")
	within(t, d("0.5"), q.Fail, "0.005")

	p, err := h.o.GetProposal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalActive, p.State)
	assert.True(t, p.Collateral.Equal(d("10000")))
	assert.Equal(t, t0.Add(72*time.Hour), p.TradingEnd)
	assert.Equal(t, t0.Add(97*time.Hour), p.ResolutionTime)

	pass, err := h.o.GetMarket(context.Background(), id, domain.SidePass)
	require.NoError(t, err)
	assert.True(t, pass.B.Equal(d("5000")))

	assert.True(t, h.vault.Balance(alice).Equal(d("89900")))
	assert.Equal(t, []domain.EventType{domain.EventProposalCreated}, h.events.types())
	h.checkBooks(t)
}

func TestCreateProposalValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := CreateRequest{Target: target, RequestedAmount: d("1"), Liquidity: d("1000")}

	_, err := h.o.CreateProposal(ctx, common.Address{}, base)
	assert.ErrorIs(t, err, domain.ErrValidation)

	noTarget := base
	noTarget.Target = common.Address{}
	_, err = h.o.CreateProposal(ctx, alice, noTarget)
	assert.ErrorIs(t, err, domain.ErrValidation)

	small := base
	small.Liquidity = d("10")
	_, err = h.o.CreateProposal(ctx, alice, small)
	assert.ErrorIs(t, err, domain.ErrEconomic)

	broke := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	_, err = h.o.CreateProposal(ctx, broke, base)
	assert.ErrorIs(t, err, domain.ErrEconomic)

	list, err := h.o.ListProposals(ctx, "", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 0, h.store.Commits())
}

// Scenario 2.
func TestBuyingPassRaisesPriceSuperlinearly(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "10000")
	ctx := context.Background()

	pass, err := h.o.GetMarket(ctx, id, domain.SidePass)
	require.NoError(t, err)
	mm := lmsr.New(engine, lmsr.DefaultConfig(), h.clk)
	c1, err := mm.CostToBuy(pass, domain.OutcomeYes, d("1000"))
	require.NoError(t, err)
	c2, err := mm.CostToBuy(pass, domain.OutcomeYes, d("2000"))
	require.NoError(t, err)
	assert.True(t, c2.GreaterThan(c1.Mul(decimal.NewFromInt(2))), "cost(2000)=%s cost(1000)=%s", c2, c1)

	last := d("0.5")
	for i := 0; i < 5; i++ {
		h.clk.Advance(time.Minute)
		h.buy(t, bob, id, domain.SidePass, "200")
		q, err := h.o.Prices(ctx, id)
		require.NoError(t, err)
		assert.True(t, q.Pass.GreaterThan(last), "price %s did not rise above %s", q.Pass, last)
		last = q.Pass
	}
	h.checkBooks(t)
}

// Scenario 3.
func TestBuyThenSellNeverProfits(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "10000")
	ctx := context.Background()

	tokens := h.buy(t, bob, id, domain.SideFail, "750")
	assert.True(t, h.o.BalanceOf(bob, id, domain.SideFail).Equal(tokens))

	returned, err := h.o.SellOutcome(ctx, bob, id, domain.SideFail, tokens, decimal.Zero, time.Time{})
	require.NoError(t, err)
	assert.True(t, returned.LessThanOrEqual(d("750")), "returned %s", returned)
	assert.True(t, h.o.BalanceOf(bob, id, domain.SideFail).IsZero())
	assert.True(t, h.vault.Balance(bob).LessThanOrEqual(d("100000")))
	h.checkBooks(t)
}

func TestBuyRespectsMinTokensAndDeadline(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "1000")
	ctx := context.Background()

	_, err := h.o.BuyOutcome(ctx, bob, id, domain.SidePass, d("10"), d("1000"), time.Time{})
	assert.ErrorIs(t, err, domain.ErrEconomic)

	_, err = h.o.BuyOutcome(ctx, bob, id, domain.SidePass, d("10"), decimal.Zero, t0.Add(-time.Second))
	assert.ErrorIs(t, err, domain.ErrEconomic)

	_, err = h.o.BuyOutcome(ctx, bob, "missing", domain.SidePass, d("10"), decimal.Zero, time.Time{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.True(t, h.vault.Balance(bob).Equal(d("100000")))
	assert.True(t, h.o.Supply(id, domain.SidePass).Minted.IsZero())
	h.checkBooks(t)
}

func TestSellMoreThanHeldFails(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "1000")
	tokens := h.buy(t, bob, id, domain.SidePass, "50")

	_, err := h.o.SellOutcome(context.Background(), carol, id, domain.SidePass, tokens, decimal.Zero, time.Time{})
	assert.ErrorIs(t, err, domain.ErrEconomic)
	_, err = h.o.SellOutcome(context.Background(), bob, id, domain.SidePass, tokens.Add(d("1")), decimal.Zero, time.Time{})
	assert.ErrorIs(t, err, domain.ErrEconomic)
	h.checkBooks(t)
}

func TestFailedTransferLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "1000")
	before, err := h.o.GetMarket(context.Background(), id, domain.SidePass)
	require.NoError(t, err)
	commits := h.store.Commits()

	h.transfer.set(true)
	_, err = h.o.BuyOutcome(context.Background(), bob, id, domain.SidePass, d("100"), decimal.Zero, time.Time{})
	require.ErrorIs(t, err, errTransferDown)
	h.transfer.set(false)

	after, err := h.o.GetMarket(context.Background(), id, domain.SidePass)
	require.NoError(t, err)
	assert.True(t, before.QYes.Equal(after.QYes))
	assert.True(t, h.o.BalanceOf(bob, id, domain.SidePass).IsZero())
	assert.Equal(t, commits, h.store.Commits())
	assert.Len(t, h.events.types(), 1)
	h.checkBooks(t)
}

func TestTradingStopsAtTradingEnd(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "1000")
	h.clk.Advance(72 * time.Hour)

	_, err := h.o.BuyOutcome(context.Background(), bob, id, domain.SidePass, d("10"), decimal.Zero, time.Time{})
	assert.ErrorIs(t, err, domain.ErrState)
	_, err = h.o.QuoteBuy(context.Background(), id, domain.SidePass, d("10"))
	assert.ErrorIs(t, err, domain.ErrState)
}

// Scenario 4.
func TestCloseTradingWaitsForDelayAndFreezesTWAP(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.TradingPeriod = 2 * time.Hour
		c.ClosingDelay = time.Hour
		c.ResolutionDelay = time.Hour
	})
	id := h.create(t, "10000")
	ctx := context.Background()

	h.clk.Advance(time.Hour)
	h.buy(t, bob, id, domain.SidePass, "3000")
	spot, err := h.o.Prices(ctx, id)
	require.NoError(t, err)

	h.clk.Set(t0.Add(2 * time.Hour))
	assert.ErrorIs(t, h.o.CloseTrading(ctx, id), domain.ErrState)

	h.clk.Advance(time.Hour)
	require.NoError(t, h.o.CloseTrading(ctx, id))

	p, err := h.o.GetProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalClosed, p.State)

	// One hour at 0.5 then two hours at the post-trade spot.
	want := d("0.5").Add(spot.Pass.Mul(decimal.NewFromInt(2))).Div(decimal.NewFromInt(3))
	within(t, want, p.FinalPassPrice, "0.000001")
	assert.False(t, p.FinalPassPrice.Equal(spot.Pass))
	within(t, d("0.5"), p.FinalFailPrice, "0.000001")

	assert.ErrorIs(t, h.o.CloseTrading(ctx, id), domain.ErrState)
	_, err = h.o.BuyOutcome(ctx, bob, id, domain.SidePass, d("10"), decimal.Zero, time.Time{})
	assert.ErrorIs(t, err, domain.ErrState)
	h.checkBooks(t)
}

// Scenario 5.
func TestResolveRejectsNearTie(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "10000")
	ctx := context.Background()

	h.clk.Advance(73 * time.Hour)
	require.NoError(t, h.o.CloseTrading(ctx, id))

	assert.ErrorIs(t, h.o.ResolveMarket(ctx, id), domain.ErrState, "before resolution time")
	h.clk.Advance(24 * time.Hour)
	assert.ErrorIs(t, h.o.ResolveMarket(ctx, id), domain.ErrConsistency)

	p, err := h.o.GetProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalClosed, p.State)
	assert.False(t, p.StakeReturned)

	assert.ErrorIs(t, h.o.EmergencyResolve(ctx, bob, id, false), domain.ErrAuthorization)
	require.NoError(t, h.o.EmergencyResolve(ctx, guardian, id, false))
	p, err = h.o.GetProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalResolved, p.State)
	assert.True(t, p.StakeReturned)
	require.NoError(t, h.o.RejectProposal(ctx, id))
	assert.ErrorIs(t, h.o.ExecuteProposal(ctx, id), domain.ErrState)
	h.checkBooks(t)
}

// Scenario 6.
func TestFullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "10000")

	h.clk.Advance(time.Hour)
	bobTokens := h.buy(t, bob, id, domain.SidePass, "4000")
	h.clk.Advance(time.Hour)
	carolTokens := h.buy(t, carol, id, domain.SideFail, "500")
	h.clk.Advance(time.Hour)
	daveTokens := h.buy(t, dave, id, domain.SidePass, "1000")
	require.NoError(t, h.o.Poke(ctx, id))
	h.checkBooks(t)

	h.clk.Set(t0.Add(73 * time.Hour))
	require.NoError(t, h.o.CloseTrading(ctx, id))
	assert.ErrorIs(t, h.o.ExecuteProposal(ctx, id), domain.ErrState)

	h.clk.Set(t0.Add(97 * time.Hour))
	require.NoError(t, h.o.ResolveMarket(ctx, id))
	p, err := h.o.GetProposal(ctx, id)
	require.NoError(t, err)
	require.True(t, p.PassWins)
	assert.True(t, p.StakeReturned)
	assert.True(t, h.vault.Balance(alice).Equal(d("90000")))
	assert.ErrorIs(t, h.o.RejectProposal(ctx, id), domain.ErrState)

	_, err = h.o.RedeemWinnings(ctx, bob, id)
	assert.ErrorIs(t, err, domain.ErrState, "redeem before execution")

	require.NoError(t, h.o.ExecuteProposal(ctx, id))
	assert.True(t, h.vault.Balance(target).Equal(d("2500")))
	assert.Len(t, h.exec.Executions(), 1)

	p, err = h.o.GetProposal(ctx, id)
	require.NoError(t, err)
	pool := p.Collateral
	supply := bobTokens.Add(daveTokens)
	assert.True(t, h.o.Supply(id, domain.SidePass).Supply.Equal(supply))

	bobBefore := h.vault.Balance(bob)
	paid, err := h.o.RedeemWinnings(ctx, bob, id)
	require.NoError(t, err)
	within(t, bobTokens.Mul(pool).Div(supply), paid, "0.000000000001")
	assert.True(t, h.vault.Balance(bob).Equal(bobBefore.Add(paid)))
	assert.True(t, h.o.BalanceOf(bob, id, domain.SidePass).IsZero())

	_, err = h.o.RedeemWinnings(ctx, bob, id)
	assert.ErrorIs(t, err, ErrNothingToRedeem)

	carolBefore := h.vault.Balance(carol)
	_, err = h.o.RedeemWinnings(ctx, carol, id)
	assert.ErrorIs(t, err, domain.ErrEconomic)
	assert.True(t, h.vault.Balance(carol).Equal(carolBefore))
	assert.True(t, h.o.BalanceOf(carol, id, domain.SideFail).Equal(carolTokens))

	davePaid, err := h.o.RedeemWinnings(ctx, dave, id)
	require.NoError(t, err)
	assert.True(t, paid.Add(davePaid).Equal(pool))

	p, err = h.o.GetProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalExecuted, p.State)
	assert.True(t, p.Collateral.IsZero())
	assert.True(t, h.o.Supply(id, domain.SidePass).Supply.IsZero())
	h.checkBooks(t)

	assert.Equal(t, []domain.EventType{
		domain.EventProposalCreated,
		domain.EventOutcomeBought,
		domain.EventOutcomeBought,
		domain.EventOutcomeBought,
		domain.EventOraclePoked,
		domain.EventTradingClosed,
		domain.EventProposalResolved,
		domain.EventProposalExecuted,
		domain.EventWinningsRedeemed,
		domain.EventWinningsRedeemed,
	}, h.events.types())
}

func TestExecuteFailureKeepsProposalResolved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "1000")
	h.buy(t, bob, id, domain.SidePass, "500")
	h.clk.Set(t0.Add(97 * time.Hour))
	require.NoError(t, h.o.CloseTrading(ctx, id))
	require.NoError(t, h.o.ResolveMarket(ctx, id))

	// Drain the treasury so the action cannot be paid.
	require.NoError(t, h.vault.Transfer(ctx, vaultAcc, carol, h.vault.Balance(vaultAcc)))
	assert.ErrorIs(t, h.o.ExecuteProposal(ctx, id), domain.ErrEconomic)

	p, err := h.o.GetProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalResolved, p.State)
	assert.Empty(t, h.exec.Executions())
}

func TestProposerCancelOnlyBeforeTrading(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	idle := h.create(t, "1000")
	assert.ErrorIs(t, h.o.CancelProposal(ctx, bob, idle), domain.ErrAuthorization)
	require.NoError(t, h.o.CancelProposal(ctx, alice, idle))
	assert.True(t, h.vault.Balance(alice).Equal(d("100000")))

	p, err := h.o.GetProposal(ctx, idle)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalCanceled, p.State)
	assert.ErrorIs(t, h.o.CancelProposal(ctx, alice, idle), domain.ErrState)

	traded := h.create(t, "1000")
	h.buy(t, bob, traded, domain.SidePass, "10")
	assert.ErrorIs(t, h.o.CancelProposal(ctx, alice, traded), domain.ErrState)
	h.checkBooks(t)
}

func TestGuardianCancelLetsHoldersRedeem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "1000")
	bobTokens := h.buy(t, bob, id, domain.SidePass, "300")
	carolTokens := h.buy(t, carol, id, domain.SideFail, "100")

	h.clk.Set(t0.Add(73 * time.Hour))
	require.NoError(t, h.o.CloseTrading(ctx, id))
	require.NoError(t, h.o.CancelProposal(ctx, guardian, id))
	assert.True(t, h.vault.Balance(alice).Equal(d("100000")))

	p, err := h.o.GetProposal(ctx, id)
	require.NoError(t, err)
	pool := p.Collateral
	within(t, d("400"), pool, "0.000001")

	bobPaid, err := h.o.RedeemWinnings(ctx, bob, id)
	require.NoError(t, err)
	within(t, bobTokens.Mul(pool).Div(bobTokens.Add(carolTokens)), bobPaid, "0.000000000001")
	carolPaid, err := h.o.RedeemWinnings(ctx, carol, id)
	require.NoError(t, err)
	assert.True(t, bobPaid.Add(carolPaid).Equal(pool))
	h.checkBooks(t)
}

func TestQuotesMatchExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "5000")

	q, err := h.o.QuoteBuy(ctx, id, domain.SidePass, d("250"))
	require.NoError(t, err)
	tokens := h.buy(t, bob, id, domain.SidePass, "250")
	assert.True(t, q.Tokens.Equal(tokens))
	assert.True(t, q.Amount.LessThanOrEqual(d("250")))

	sq, err := h.o.QuoteSell(ctx, id, domain.SidePass, tokens)
	require.NoError(t, err)
	returned, err := h.o.SellOutcome(ctx, bob, id, domain.SidePass, tokens, sq.Amount, time.Time{})
	require.NoError(t, err)
	assert.True(t, sq.Amount.Equal(returned))
}

func TestListProposalsFiltersAndPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "1000")
	h.clk.Advance(time.Minute)
	b := h.create(t, "1000")
	h.clk.Advance(time.Minute)
	c := h.create(t, "1000")
	require.NoError(t, h.o.CancelProposal(ctx, alice, b))

	active, err := h.o.ListProposals(ctx, domain.ProposalActive, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, a, active[0].ID)
	assert.Equal(t, c, active[1].ID)

	page, err := h.o.ListProposals(ctx, "", domain.ListOpts{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, b, page[0].ID)

	_, err = h.o.ListProposals(ctx, "bogus", domain.ListOpts{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRestoreRebuildsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "1000")
	tokens := h.buy(t, bob, id, domain.SidePass, "100")

	o2, err := New(h.o.Config(), Deps{
		Self:     engine,
		Guardian: guardian,
		Markets:  lmsr.New(engine, lmsr.DefaultConfig(), h.clk),
		Ledger:   ledger.New(engine),
		Store:    h.store,
		Transfer: h.transfer,
		Executor: h.exec,
		Clock:    h.clk,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, o2.Restore(ctx))

	assert.True(t, o2.BalanceOf(bob, id, domain.SidePass).Equal(tokens))
	want, err := h.o.Prices(ctx, id)
	require.NoError(t, err)
	got, err := o2.Prices(ctx, id)
	require.NoError(t, err)
	assert.True(t, want.Pass.Equal(got.Pass))
	require.NoError(t, o2.Verify())
	assert.True(t, o2.Obligations().Equal(h.o.Obligations()))
}

func TestConcurrentTradesSerialisePerProposal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "10000")
	other := h.create(t, "10000")

	var wg sync.WaitGroup
	for _, who := range []common.Address{bob, carol, dave} {
		for _, pid := range []string{id, other} {
			wg.Add(1)
			go func(who common.Address, pid string) {
				defer wg.Done()
				for i := 0; i < 5; i++ {
					_, err := h.o.BuyOutcome(ctx, who, pid, domain.SidePass, d("20"), decimal.Zero, time.Time{})
					assert.NoError(t, err)
				}
			}(who, pid)
		}
	}
	wg.Wait()

	for _, pid := range []string{id, other} {
		p, err := h.o.GetProposal(ctx, pid)
		require.NoError(t, err)
		assert.True(t, p.Collateral.LessThanOrEqual(d("10300")), "collateral %s", p.Collateral)
		within(t, d("10300"), p.Collateral, "0.000001")
	}
	h.checkBooks(t)
}

func TestCheckCustodyFlagsShortfall(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "10000")
	h.buy(t, bob, id, domain.SidePass, "500")
	h.checkBooks(t)

	short := h.o.Obligations().Sub(d("0.000001"))
	err := h.o.CheckCustody(func() decimal.Decimal { return short })
	require.ErrorIs(t, err, domain.ErrConsistency)
	assert.Contains(t, err.Error(), "does not cover")
}

func TestCheckCustodyDuringTrading(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t, "10000")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, err := h.o.BuyOutcome(ctx, bob, id, domain.SidePass, d("10"), decimal.Zero, time.Time{})
			assert.NoError(t, err)
			_, err = h.o.SellOutcome(ctx, bob, id, domain.SidePass, d("5"), decimal.Zero, time.Time{})
			assert.NoError(t, err)
		}
	}()
	for i := 0; i < 50; i++ {
		assert.NoError(t, h.o.CheckCustody(func() decimal.Decimal { return h.vault.Balance(escrow) }))
	}
	<-done
	h.checkBooks(t)
}
