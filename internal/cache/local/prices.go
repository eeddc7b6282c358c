package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

var _ domain.PriceCache = (*PriceCache)(nil)

// PriceCache keeps the latest quote per proposal in memory.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]domain.PriceQuote
}

// NewPriceCache returns an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]domain.PriceQuote)}
}

func (pc *PriceCache) SetPrices(_ context.Context, q domain.PriceQuote) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if cur, ok := pc.quotes[q.ProposalID]; ok && cur.At.After(q.At) {
		return nil
	}
	pc.quotes[q.ProposalID] = q
	return nil
}

func (pc *PriceCache) GetPrices(_ context.Context, proposalID string) (domain.PriceQuote, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	q, ok := pc.quotes[proposalID]
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("local: prices %s: %w", proposalID, domain.ErrNotFound)
	}
	return q, nil
}
