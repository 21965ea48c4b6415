// Package memory implements the domain store and cache interfaces with
// mutex-guarded maps. It backs single-node deployments without external
// infrastructure and every service test in this repository.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// MarketStore implements domain.MarketStore in memory.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[string]domain.Market
}

// NewMarketStore creates an empty MarketStore.
func NewMarketStore() *MarketStore {
	return &MarketStore{markets: make(map[string]domain.Market)}
}

// Create inserts a new market.
func (s *MarketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.markets[m.ID] = m
	return nil
}

// GetByID returns the market with the given id.
func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

// Update replaces a market's state.
func (s *MarketStore) Update(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; !ok {
		return domain.ErrNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	s.markets[m.ID] = m
	return nil
}

// ListOpen returns unresolved markets, newest first.
func (s *MarketStore) ListOpen(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Market
	for _, m := range s.markets {
		if !m.Resolved {
			out = append(out, m)
		}
	}
	sortByCreatedDesc(out, func(m domain.Market) time.Time { return m.CreatedAt })
	return paginate(out, opts), nil
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
