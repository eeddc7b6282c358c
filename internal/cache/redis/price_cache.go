package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

const priceTTL = 10 * time.Minute

var _ domain.PriceCache = (*PriceCache)(nil)

// PriceCache implements domain.PriceCache with one hash per proposal at
// "{ns}:prices:{proposalID}" holding fields pass, fail, and ts (Unix nanos).
type PriceCache struct {
	c *Client
}

// NewPriceCache returns a PriceCache backed by c.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

// SetPrices stores q and refreshes its TTL.
func (pc *PriceCache) SetPrices(ctx context.Context, q domain.PriceQuote) error {
	key := pc.c.Key("prices", q.ProposalID)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, quoteFields(q))
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set prices %s: %w", q.ProposalID, err)
	}
	return nil
}

// GetPrices returns the cached quote for proposalID, or domain.ErrNotFound.
func (pc *PriceCache) GetPrices(ctx context.Context, proposalID string) (domain.PriceQuote, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.Key("prices", proposalID)).Result()
	if err != nil && err != redis.Nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get prices %s: %w", proposalID, err)
	}
	if len(vals) == 0 {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	q, err := parseQuote(proposalID, vals)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get prices %s: %w", proposalID, err)
	}
	return q, nil
}

func quoteFields(q domain.PriceQuote) map[string]any {
	return map[string]any{
		"pass": q.Pass.String(),
		"fail": q.Fail.String(),
		"ts":   strconv.FormatInt(q.At.UnixNano(), 10),
	}
}

func parseQuote(proposalID string, vals map[string]string) (domain.PriceQuote, error) {
	pass, err := decimal.NewFromString(vals["pass"])
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("parse pass: %w", err)
	}
	fail, err := decimal.NewFromString(vals["fail"])
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("parse fail: %w", err)
	}
	ns, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("parse ts: %w", err)
	}
	return domain.PriceQuote{ProposalID: proposalID, Pass: pass, Fail: fail, At: time.Unix(0, ns).UTC()}, nil
}
