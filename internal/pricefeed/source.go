// Package pricefeed defines the price source consumed by the rebalance
// engine. Market-data retrieval itself lives outside the core; the engine
// only depends on the Source interface and treats a missing quote as fatal
// for the affected cycle; it never assumes a stale or zero price.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftdesk/rebalance-engine/internal/model"
)

// ErrPriceUnavailable is returned when the provider has no quote for a
// symbol. The current cycle skips rebalancing and retries on the next tick.
var ErrPriceUnavailable = errors.New("pricefeed: no quote available")

// Source supplies current USD unit prices for tracked token symbols.
type Source interface {
	GetPrice(ctx context.Context, symbol string) (model.PriceQuote, error)
}

// StaticSource serves quotes from an in-memory table. Used in tests and
// development setups without a market-data provider.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]model.PriceQuote
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{quotes: make(map[string]model.PriceQuote)}
}

// SetQuote installs or replaces the quote for a symbol.
func (s *StaticSource) SetQuote(symbol string, usdPrice decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = model.PriceQuote{
		Symbol:   symbol,
		USDPrice: usdPrice,
		AsOf:     time.Now().UTC(),
	}
}

// RemoveQuote drops a symbol's quote; subsequent reads fail with
// ErrPriceUnavailable.
func (s *StaticSource) RemoveQuote(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, symbol)
}

func (s *StaticSource) GetPrice(_ context.Context, symbol string) (model.PriceQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[symbol]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return q, nil
}
