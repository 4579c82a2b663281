package oracle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paperledger/engine/internal/model"
)

// CachedOracle wraps a PriceOracle with a short-TTL Redis cache. Quotes go
// stale fast, so the TTL should stay in the low seconds; the point is to
// absorb bursts of lookups for the same instrument inside one batch pass,
// not to serve old prices.
type CachedOracle struct {
	upstream PriceOracle
	rdb      *redis.Client
	ttl      time.Duration
}

// NewCachedOracle creates a quote cache around an upstream oracle.
func NewCachedOracle(upstream PriceOracle, rdb *redis.Client, ttl time.Duration) *CachedOracle {
	return &CachedOracle{upstream: upstream, rdb: rdb, ttl: ttl}
}

func (o *CachedOracle) GetQuote(ctx context.Context, instrumentID string) (model.Quote, error) {
	if data, err := o.rdb.Get(ctx, quoteKey(instrumentID)).Bytes(); err == nil {
		var q model.Quote
		if json.Unmarshal(data, &q) == nil {
			return q, nil
		}
	}

	q, err := o.upstream.GetQuote(ctx, instrumentID)
	if err != nil {
		return model.Quote{}, err
	}
	o.cache(ctx, instrumentID, q)
	return q, nil
}

func (o *CachedOracle) GetQuotesBatch(ctx context.Context, instrumentIDs []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(instrumentIDs))
	var misses []string
	for _, id := range instrumentIDs {
		if data, err := o.rdb.Get(ctx, quoteKey(id)).Bytes(); err == nil {
			var q model.Quote
			if json.Unmarshal(data, &q) == nil {
				out[id] = q
				continue
			}
		}
		misses = append(misses, id)
	}

	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := o.upstream.GetQuotesBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for id, q := range fetched {
		out[id] = q
		o.cache(ctx, id, q)
	}
	return out, nil
}

func (o *CachedOracle) cache(ctx context.Context, instrumentID string, q model.Quote) {
	if data, err := json.Marshal(q); err == nil {
		o.rdb.Set(ctx, quoteKey(instrumentID), data, o.ttl)
	}
}

func quoteKey(id string) string { return "quote:" + id }
