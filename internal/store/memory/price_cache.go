package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
)

type pricePoint struct {
	price decimal.Decimal
	ts    time.Time
}

// PriceCache implements domain.PriceCache in memory.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]pricePoint)}
}

// SetPrice stores the latest price and timestamp for an instrument.
func (c *PriceCache) SetPrice(_ context.Context, instrumentID string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[instrumentID] = pricePoint{price: price, ts: ts}
	return nil
}

// GetPrice returns the latest price and timestamp for an instrument.
func (c *PriceCache) GetPrice(_ context.Context, instrumentID string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[instrumentID]
	if !ok {
		return decimal.Decimal{}, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

// GetPrices returns the latest prices for the given instruments; missing ones
// are omitted.
func (c *PriceCache) GetPrices(_ context.Context, instrumentIDs []string) (map[string]decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(instrumentIDs))
	for _, id := range instrumentIDs {
		if p, ok := c.prices[id]; ok {
			out[id] = p.price
		}
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
