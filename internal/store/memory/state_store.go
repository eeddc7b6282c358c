// Package memory provides in-process implementations of the engine's store
// interfaces, used by the "memory" storage mode and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

var (
	_ domain.StateStore   = (*StateStore)(nil)
	_ domain.AuditStore   = (*AuditStore)(nil)
	_ domain.AccountStore = (*AccountStore)(nil)
)

// StateStore keeps engine state in maps. Commit is serialised, so the
// effect and the writes are atomic with respect to other commits.
type StateStore struct {
	mu        sync.Mutex
	proposals map[string]domain.Proposal
	markets   map[string]domain.Market
	balances  map[domain.BalanceKey]domain.Balance
	totals    map[domain.SupplyKey]domain.SupplyTotals
	commits   int
}

// NewStateStore returns an empty store.
func NewStateStore() *StateStore {
	return &StateStore{
		proposals: make(map[string]domain.Proposal),
		markets:   make(map[string]domain.Market),
		balances:  make(map[domain.BalanceKey]domain.Balance),
		totals:    make(map[domain.SupplyKey]domain.SupplyTotals),
	}
}

// Commit runs effect and, if it succeeds, writes cs.
func (s *StateStore) Commit(ctx context.Context, cs domain.Changeset, effect func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: commit: %w", err)
	}
	if effect != nil {
		if err := effect(ctx); err != nil {
			return err
		}
	}
	if cs.Proposal != nil {
		s.proposals[cs.Proposal.ID] = cs.Proposal.Clone()
	}
	for _, m := range cs.Markets {
		s.markets[m.ID] = m.Clone()
	}
	for _, b := range cs.Balances {
		if b.Amount.IsZero() {
			delete(s.balances, b.Key())
			continue
		}
		s.balances[b.Key()] = b
	}
	for _, t := range cs.Totals {
		s.totals[t.Key()] = t
	}
	s.commits++
	return nil
}

// Load returns every stored row.
func (s *StateStore) Load(ctx context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap domain.Snapshot
	for _, p := range s.proposals {
		snap.Proposals = append(snap.Proposals, p.Clone())
	}
	for _, m := range s.markets {
		snap.Markets = append(snap.Markets, m.Clone())
	}
	for _, b := range s.balances {
		snap.Balances = append(snap.Balances, b)
	}
	for _, t := range s.totals {
		snap.Totals = append(snap.Totals, t)
	}
	sort.Slice(snap.Proposals, func(i, j int) bool { return snap.Proposals[i].CreatedAt.Before(snap.Proposals[j].CreatedAt) })
	return snap, nil
}

// Commits returns how many commits succeeded.
func (s *StateStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// AuditStore is an in-memory append-only log.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// NewAuditStore returns an empty audit log.
func NewAuditStore() *AuditStore { return &AuditStore{} }

func (a *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (a *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AuditEntry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0; i-- {
		out = append(out, a.entries[i])
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// AccountStore keeps custody balances in memory.
type AccountStore struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
}

// NewAccountStore returns an empty account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[string]domain.Account)}
}

func (a *AccountStore) LoadAccounts(context.Context) ([]domain.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Account, 0, len(a.accounts))
	for _, acc := range a.accounts {
		out = append(out, acc)
	}
	return out, nil
}

func (a *AccountStore) SaveAccounts(_ context.Context, accounts []domain.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, acc := range accounts {
		a.accounts[acc.Address.Hex()] = acc
	}
	return nil
}
