package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftdesk/rebalance-engine/internal/model"
)

// CachedSource wraps a primary Source with a Redis read-through cache.
// The TTL bounds quote staleness: an expired entry forces a fresh read
// from the primary rather than serving an old price.
type CachedSource struct {
	primary Source
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedSource creates a cached wrapper around a primary source.
func NewCachedSource(primary Source, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedSource) GetPrice(ctx context.Context, symbol string) (model.PriceQuote, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, priceKey(symbol)).Bytes()
	if err == nil {
		var q model.PriceQuote
		if json.Unmarshal(data, &q) == nil {
			return q, nil
		}
	}

	// Cache miss: read from primary.
	q, err := s.primary.GetPrice(ctx, symbol)
	if err != nil {
		return model.PriceQuote{}, err
	}

	if data, err := json.Marshal(q); err == nil {
		s.rdb.Set(ctx, priceKey(symbol), data, s.ttl)
	}
	return q, nil
}

func priceKey(symbol string) string { return fmt.Sprintf("price:%s", symbol) }
