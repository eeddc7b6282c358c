package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

var (
	engine = common.HexToAddress("0x00000000000000000000000000000000000e0001")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestMintBurnUpdatesTotals(t *testing.T) {
	l := New(engine)

	require.NoError(t, l.Mint(engine, alice, "p1", domain.SidePass, d(100)))
	require.NoError(t, l.Mint(engine, bob, "p1", domain.SidePass, d(50)))
	require.NoError(t, l.Burn(engine, alice, "p1", domain.SidePass, d(30)))

	assert.True(t, l.BalanceOf(alice, "p1", domain.SidePass).Equal(d(70)))
	tot := l.Totals("p1", domain.SidePass)
	assert.True(t, tot.Minted.Equal(d(150)))
	assert.True(t, tot.Redeemed.Equal(d(30)))
	assert.True(t, tot.Supply.Equal(d(120)))
	assert.True(t, l.Totals("p1", domain.SideFail).Supply.IsZero())
	require.NoError(t, l.Verify())
}

func TestUnauthorizedCaller(t *testing.T) {
	l := New(engine)

	err := l.Mint(alice, alice, "p1", domain.SidePass, d(1))
	assert.ErrorIs(t, err, domain.ErrAuthorization)
	assert.True(t, l.BalanceOf(alice, "p1", domain.SidePass).IsZero())
}

func TestBindAuthorityOnce(t *testing.T) {
	bound := New(engine)
	assert.ErrorIs(t, bound.BindAuthority(alice), domain.ErrAuthorization)
	assert.Equal(t, engine, bound.Authority())

	unbound := New(common.Address{})
	assert.ErrorIs(t, unbound.Mint(engine, alice, "p1", domain.SidePass, d(1)), domain.ErrAuthorization)
	require.NoError(t, unbound.BindAuthority(engine))
	assert.ErrorIs(t, unbound.BindAuthority(alice), domain.ErrAuthorization)
	require.NoError(t, unbound.Mint(engine, alice, "p1", domain.SidePass, d(1)))
}

func TestBurnInsufficientBalance(t *testing.T) {
	l := New(engine)
	require.NoError(t, l.Mint(engine, alice, "p1", domain.SideFail, d(5)))

	err := l.Burn(engine, alice, "p1", domain.SideFail, d(6))
	assert.ErrorIs(t, err, domain.ErrEconomic)
	assert.True(t, l.BalanceOf(alice, "p1", domain.SideFail).Equal(d(5)))
}

func TestZeroAmountRejected(t *testing.T) {
	l := New(engine)
	assert.ErrorIs(t, l.Mint(engine, alice, "p1", domain.SidePass, decimal.Zero), domain.ErrValidation)
}

func TestBatchIsAllOrNothing(t *testing.T) {
	l := New(engine)
	require.NoError(t, l.Mint(engine, alice, "p1", domain.SidePass, d(10)))

	err := l.BurnBatch(engine, alice,
		[]string{"p1", "p1"},
		[]domain.Side{domain.SidePass, domain.SidePass},
		[]decimal.Decimal{d(6), d(6)})
	assert.ErrorIs(t, err, domain.ErrEconomic)
	assert.True(t, l.BalanceOf(alice, "p1", domain.SidePass).Equal(d(10)))
	assert.True(t, l.Totals("p1", domain.SidePass).Redeemed.IsZero())

	require.NoError(t, l.MintBatch(engine, bob,
		[]string{"p1", "p2"},
		[]domain.Side{domain.SideFail, domain.SidePass},
		[]decimal.Decimal{d(3), d(4)}))
	assert.True(t, l.BalanceOf(bob, "p2", domain.SidePass).Equal(d(4)))
}

func TestBatchLengthMismatch(t *testing.T) {
	l := New(engine)
	err := l.MintBatch(engine, alice, []string{"p1"}, []domain.Side{domain.SidePass, domain.SideFail}, []decimal.Decimal{d(1)})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPreviewDoesNotApply(t *testing.T) {
	l := New(engine)
	res, err := l.Preview(engine, []Op{Mint(alice, "p1", domain.SidePass, d(7))})
	require.NoError(t, err)
	require.Len(t, res.Balances, 1)
	assert.True(t, res.Balances[0].Amount.Equal(d(7)))
	require.Len(t, res.Totals, 1)
	assert.True(t, res.Totals[0].Supply.Equal(d(7)))

	assert.True(t, l.BalanceOf(alice, "p1", domain.SidePass).IsZero())
	require.NoError(t, l.Check(engine, []Op{Mint(alice, "p1", domain.SidePass, d(7))}))
	assert.Error(t, l.Check(engine, []Op{Burn(alice, "p1", domain.SidePass, d(1))}))
}

func TestRestore(t *testing.T) {
	l := New(engine)
	err := l.Restore(engine,
		[]domain.Balance{{Holder: alice, ProposalID: "p1", Side: domain.SidePass, Amount: d(3)}},
		[]domain.SupplyTotals{{ProposalID: "p1", Side: domain.SidePass, Minted: d(5), Redeemed: d(2), Supply: d(3)}})
	require.NoError(t, err)
	assert.True(t, l.BalanceOf(alice, "p1", domain.SidePass).Equal(d(3)))
	require.NoError(t, l.Verify())
}

func TestLedgerProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &ledgerModel{
			ledger: New(engine),
			model:  make(map[domain.BalanceKey]int64),
		}
		t.Repeat(map[string]func(*rapid.T){
			"mint": m.mint,
			"burn": m.burn,
			"":     m.check,
		})
	})
}

type ledgerModel struct {
	ledger *Ledger
	model  map[domain.BalanceKey]int64
}

var (
	holders   = []common.Address{alice, bob}
	proposals = []string{"p1", "p2"}
)

func (m *ledgerModel) key(t *rapid.T) domain.BalanceKey {
	return domain.BalanceKey{
		Holder:     rapid.SampledFrom(holders).Draw(t, "holder"),
		ProposalID: rapid.SampledFrom(proposals).Draw(t, "proposal"),
		Side:       rapid.SampledFrom(domain.Sides[:]).Draw(t, "side"),
	}
}

func (m *ledgerModel) mint(t *rapid.T) {
	k := m.key(t)
	amount := rapid.Int64Range(1, 1_000).Draw(t, "amount")
	if err := m.ledger.Mint(engine, k.Holder, k.ProposalID, k.Side, d(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	m.model[k] += amount
}

func (m *ledgerModel) burn(t *rapid.T) {
	k := m.key(t)
	amount := rapid.Int64Range(1, 1_000).Draw(t, "amount")
	err := m.ledger.Burn(engine, k.Holder, k.ProposalID, k.Side, d(amount))
	if amount > m.model[k] {
		if err == nil {
			t.Fatalf("burn of %d over balance %d succeeded", amount, m.model[k])
		}
		return
	}
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	m.model[k] -= amount
}

func (m *ledgerModel) check(t *rapid.T) {
	require.NoError(t, m.ledger.Verify())
	for k, want := range m.model {
		got := m.ledger.BalanceOf(k.Holder, k.ProposalID, k.Side)
		require.True(t, got.Equal(d(want)), "balance %v = %s, want %d", k, got, want)
	}
	for _, p := range proposals {
		for _, s := range domain.Sides {
			tot := m.ledger.Totals(p, s)
			require.True(t, tot.Minted.Sub(tot.Redeemed).Equal(tot.Supply))
		}
	}
}
