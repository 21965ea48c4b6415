package memory

import (
	"context"
	"sync"
	"time"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// TradeStore implements domain.TradeStore in memory.
type TradeStore struct {
	mu     sync.RWMutex
	trades []domain.Trade
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{}
}

// Insert appends a trade record.
func (s *TradeStore) Insert(_ context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

// ListByUser returns a user's trades, newest first.
func (s *TradeStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sortByCreatedDesc(out, func(t domain.Trade) time.Time { return t.CreatedAt })
	return paginate(out, opts), nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
