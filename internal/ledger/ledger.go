// Package ledger tracks outcome-token balances per (holder, proposal, side)
// together with the mint/redeem totals the conservation check relies on.
// Only the authority bound at construction may mutate it.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

// OpKind is the direction of a ledger operation.
type OpKind string

const (
	OpMint OpKind = "mint"
	OpBurn OpKind = "burn"
)

// Op is one mint or burn.
type Op struct {
	Kind       OpKind
	Holder     common.Address
	ProposalID string
	Side       domain.Side
	Amount     decimal.Decimal
}

// Mint builds a mint op.
func Mint(holder common.Address, proposalID string, side domain.Side, amount decimal.Decimal) Op {
	return Op{Kind: OpMint, Holder: holder, ProposalID: proposalID, Side: side, Amount: amount}
}

// Burn builds a burn op.
func Burn(holder common.Address, proposalID string, side domain.Side, amount decimal.Decimal) Op {
	return Op{Kind: OpBurn, Holder: holder, ProposalID: proposalID, Side: side, Amount: amount}
}

// Ledger is the outcome-token ledger. It is safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	authority common.Address
	balances  map[domain.BalanceKey]decimal.Decimal
	totals    map[domain.SupplyKey]domain.SupplyTotals
}

// New returns a ledger whose mutations are restricted to authority. A zero
// authority leaves the ledger unbound until BindAuthority is called once.
func New(authority common.Address) *Ledger {
	return &Ledger{
		authority: authority,
		balances:  make(map[domain.BalanceKey]decimal.Decimal),
		totals:    make(map[domain.SupplyKey]domain.SupplyTotals),
	}
}

// Authority returns the bound authority.
func (l *Ledger) Authority() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.authority
}

// BindAuthority binds the mutation authority. It fails once an authority
// is set.
func (l *Ledger) BindAuthority(authority common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.authority != (common.Address{}) {
		return domain.AuthorizationErr("ledger.bind_authority", "authority already bound to %s", l.authority.Hex())
	}
	if authority == (common.Address{}) {
		return domain.ValidationErr("ledger.bind_authority", "zero authority")
	}
	l.authority = authority
	return nil
}

func (l *Ledger) authorize(op string, caller common.Address) error {
	if l.authority == (common.Address{}) || caller != l.authority {
		return domain.AuthorizationErr(op, "caller %s is not the ledger authority", caller.Hex())
	}
	return nil
}

// Mint credits amount tokens of (proposalID, side) to holder.
func (l *Ledger) Mint(caller, holder common.Address, proposalID string, side domain.Side, amount decimal.Decimal) error {
	return l.Apply(caller, []Op{Mint(holder, proposalID, side, amount)})
}

// Burn debits amount tokens of (proposalID, side) from holder.
func (l *Ledger) Burn(caller, holder common.Address, proposalID string, side domain.Side, amount decimal.Decimal) error {
	return l.Apply(caller, []Op{Burn(holder, proposalID, side, amount)})
}

// MintBatch mints proposalIDs[i]/sides[i]/amounts[i] to holder, all or
// nothing.
func (l *Ledger) MintBatch(caller, holder common.Address, proposalIDs []string, sides []domain.Side, amounts []decimal.Decimal) error {
	ops, err := batch(OpMint, holder, proposalIDs, sides, amounts)
	if err != nil {
		return err
	}
	return l.Apply(caller, ops)
}

// BurnBatch burns proposalIDs[i]/sides[i]/amounts[i] from holder, all or
// nothing.
func (l *Ledger) BurnBatch(caller, holder common.Address, proposalIDs []string, sides []domain.Side, amounts []decimal.Decimal) error {
	ops, err := batch(OpBurn, holder, proposalIDs, sides, amounts)
	if err != nil {
		return err
	}
	return l.Apply(caller, ops)
}

func batch(kind OpKind, holder common.Address, proposalIDs []string, sides []domain.Side, amounts []decimal.Decimal) ([]Op, error) {
	if len(proposalIDs) != len(sides) || len(sides) != len(amounts) {
		return nil, domain.ValidationErr("ledger."+string(kind)+"_batch",
			"mismatched batch lengths: %d proposals, %d sides, %d amounts", len(proposalIDs), len(sides), len(amounts))
	}
	if len(amounts) == 0 {
		return nil, domain.ValidationErr("ledger."+string(kind)+"_batch", "empty batch")
	}
	ops := make([]Op, len(amounts))
	for i := range amounts {
		ops[i] = Op{Kind: kind, Holder: holder, ProposalID: proposalIDs[i], Side: sides[i], Amount: amounts[i]}
	}
	return ops, nil
}

// Check validates ops against current state without applying them.
func (l *Ledger) Check(caller common.Address, ops []Op) error {
	_, err := l.Preview(caller, ops)
	return err
}

// Result is the post-state of every row a batch touches.
type Result struct {
	Balances []domain.Balance
	Totals   []domain.SupplyTotals
}

// Preview validates ops and returns the rows they would produce.
func (l *Ledger) Preview(caller common.Address, ops []Op) (Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.authorize("ledger.preview", caller); err != nil {
		return Result{}, err
	}
	bals, tots, err := l.simulate(ops)
	if err != nil {
		return Result{}, err
	}
	return toResult(bals, tots), nil
}

// Apply validates and applies ops atomically.
func (l *Ledger) Apply(caller common.Address, ops []Op) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.authorize("ledger.apply", caller); err != nil {
		return err
	}
	bals, tots, err := l.simulate(ops)
	if err != nil {
		return err
	}
	for k, v := range bals {
		if v.IsZero() {
			delete(l.balances, k)
			continue
		}
		l.balances[k] = v
	}
	for k, v := range tots {
		l.totals[k] = v
	}
	return nil
}

// simulate runs ops against copies of the touched rows. Callers hold mu.
func (l *Ledger) simulate(ops []Op) (map[domain.BalanceKey]decimal.Decimal, map[domain.SupplyKey]domain.SupplyTotals, error) {
	bals := make(map[domain.BalanceKey]decimal.Decimal)
	tots := make(map[domain.SupplyKey]domain.SupplyTotals)

	for i, op := range ops {
		if err := validate(op); err != nil {
			return nil, nil, fmt.Errorf("ledger: op %d: %w", i, err)
		}
		bk := domain.BalanceKey{Holder: op.Holder, ProposalID: op.ProposalID, Side: op.Side}
		sk := domain.SupplyKey{ProposalID: op.ProposalID, Side: op.Side}

		bal, ok := bals[bk]
		if !ok {
			bal = l.balances[bk]
		}
		tot, ok := tots[sk]
		if !ok {
			tot = l.totalsLocked(sk)
		}

		switch op.Kind {
		case OpMint:
			bal = bal.Add(op.Amount)
			tot.Minted = tot.Minted.Add(op.Amount)
			tot.Supply = tot.Supply.Add(op.Amount)
		case OpBurn:
			if bal.LessThan(op.Amount) {
				return nil, nil, domain.EconomicErr("ledger.burn",
					"insufficient balance: %s holds %s of %s/%s, burning %s", op.Holder.Hex(), bal, op.ProposalID, op.Side, op.Amount)
			}
			bal = bal.Sub(op.Amount)
			tot.Redeemed = tot.Redeemed.Add(op.Amount)
			tot.Supply = tot.Supply.Sub(op.Amount)
		}
		bals[bk] = bal
		tots[sk] = tot
	}
	return bals, tots, nil
}

func validate(op Op) error {
	name := "ledger." + string(op.Kind)
	switch {
	case op.Kind != OpMint && op.Kind != OpBurn:
		return domain.ValidationErr("ledger.op", "unknown op kind %q", op.Kind)
	case op.Amount.Sign() == 0:
		return domain.ValidationErr(name, "zero amount")
	case op.Amount.Sign() < 0:
		return domain.ValidationErr(name, "negative amount %s", op.Amount)
	case op.Holder == (common.Address{}):
		return domain.ValidationErr(name, "zero holder")
	case op.ProposalID == "":
		return domain.ValidationErr(name, "empty proposal id")
	case !op.Side.Valid():
		return domain.ValidationErr(name, "unknown side %q", op.Side)
	}
	return nil
}

func (l *Ledger) totalsLocked(k domain.SupplyKey) domain.SupplyTotals {
	if t, ok := l.totals[k]; ok {
		return t
	}
	return domain.SupplyTotals{ProposalID: k.ProposalID, Side: k.Side}
}

func toResult(bals map[domain.BalanceKey]decimal.Decimal, tots map[domain.SupplyKey]domain.SupplyTotals) Result {
	res := Result{
		Balances: make([]domain.Balance, 0, len(bals)),
		Totals:   make([]domain.SupplyTotals, 0, len(tots)),
	}
	for k, v := range bals {
		res.Balances = append(res.Balances, domain.Balance{Holder: k.Holder, ProposalID: k.ProposalID, Side: k.Side, Amount: v})
	}
	for _, t := range tots {
		res.Totals = append(res.Totals, t)
	}
	sort.Slice(res.Balances, func(i, j int) bool {
		a, b := res.Balances[i], res.Balances[j]
		if a.ProposalID != b.ProposalID {
			return a.ProposalID < b.ProposalID
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		return a.Holder.Cmp(b.Holder) < 0
	})
	sort.Slice(res.Totals, func(i, j int) bool {
		if res.Totals[i].ProposalID != res.Totals[j].ProposalID {
			return res.Totals[i].ProposalID < res.Totals[j].ProposalID
		}
		return res.Totals[i].Side < res.Totals[j].Side
	})
	return res
}

// BalanceOf returns holder's balance of (proposalID, side).
func (l *Ledger) BalanceOf(holder common.Address, proposalID string, side domain.Side) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[domain.BalanceKey{Holder: holder, ProposalID: proposalID, Side: side}]
}

// Totals returns the aggregate counters of (proposalID, side).
func (l *Ledger) Totals(proposalID string, side domain.Side) domain.SupplyTotals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalsLocked(domain.SupplyKey{ProposalID: proposalID, Side: side})
}

// Balances returns every non-zero balance of proposalID.
func (l *Ledger) Balances(proposalID string) []domain.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bals := make(map[domain.BalanceKey]decimal.Decimal)
	for k, v := range l.balances {
		if k.ProposalID == proposalID {
			bals[k] = v
		}
	}
	return toResult(bals, nil).Balances
}

// Verify checks minted - redeemed == supply and that supply equals the sum
// of holder balances for every outcome token.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sums := make(map[domain.SupplyKey]decimal.Decimal)
	for k, v := range l.balances {
		if v.Sign() < 0 {
			return domain.ArithmeticErr("ledger.verify", "negative balance %s for %s", v, k.Holder.Hex())
		}
		sk := domain.SupplyKey{ProposalID: k.ProposalID, Side: k.Side}
		sums[sk] = sums[sk].Add(v)
	}
	for k, t := range l.totals {
		if !t.Conserved() {
			return domain.ArithmeticErr("ledger.verify",
				"%s/%s: minted %s - redeemed %s != supply %s", k.ProposalID, k.Side, t.Minted, t.Redeemed, t.Supply)
		}
		if !sums[k].Equal(t.Supply) {
			return domain.ArithmeticErr("ledger.verify",
				"%s/%s: balances sum to %s, supply is %s", k.ProposalID, k.Side, sums[k], t.Supply)
		}
		delete(sums, k)
	}
	for k, s := range sums {
		if !s.IsZero() {
			return domain.ArithmeticErr("ledger.verify", "%s/%s: balances sum to %s with no totals", k.ProposalID, k.Side, s)
		}
	}
	return nil
}

// Restore replaces the ledger contents with persisted rows.
func (l *Ledger) Restore(caller common.Address, balances []domain.Balance, totals []domain.SupplyTotals) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.authorize("ledger.restore", caller); err != nil {
		return err
	}
	l.balances = make(map[domain.BalanceKey]decimal.Decimal, len(balances))
	l.totals = make(map[domain.SupplyKey]domain.SupplyTotals, len(totals))
	for _, b := range balances {
		if !b.Amount.IsZero() {
			l.balances[b.Key()] = b.Amount
		}
	}
	for _, t := range totals {
		l.totals[t.Key()] = t
	}
	return nil
}
