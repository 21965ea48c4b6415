package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// PerpStore implements domain.PerpStore in memory.
type PerpStore struct {
	mu        sync.RWMutex
	positions map[string]domain.PerpPosition
}

// NewPerpStore creates an empty PerpStore.
func NewPerpStore() *PerpStore {
	return &PerpStore{positions: make(map[string]domain.PerpPosition)}
}

// Create inserts a new perp position.
func (s *PerpStore) Create(_ context.Context, p domain.PerpPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.positions[p.ID] = p
	return nil
}

// GetByID returns the position with the given id.
func (s *PerpStore) GetByID(_ context.Context, id string) (domain.PerpPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.PerpPosition{}, domain.ErrPositionNotFound
	}
	return p, nil
}

// ListOpenByUser returns a user's open positions.
func (s *PerpStore) ListOpenByUser(_ context.Context, userID string) ([]domain.PerpPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PerpPosition
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == domain.PerpStatusOpen {
			out = append(out, p)
		}
	}
	sortByCreatedDesc(out, func(p domain.PerpPosition) time.Time { return p.OpenedAt })
	return out, nil
}

// ListOpenByTicker returns all open positions on an instrument.
func (s *PerpStore) ListOpenByTicker(_ context.Context, ticker string) ([]domain.PerpPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PerpPosition
	for _, p := range s.positions {
		if p.Ticker == ticker && p.Status == domain.PerpStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListOpenTickers returns the distinct tickers with open interest.
func (s *PerpStore) ListOpenTickers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, p := range s.positions {
		if p.Status == domain.PerpStatusOpen && !seen[p.Ticker] {
			seen[p.Ticker] = true
			out = append(out, p.Ticker)
		}
	}
	return out, nil
}

// UpdateMark refreshes the denormalized mark-to-market fields.
func (s *PerpStore) UpdateMark(_ context.Context, id string, currentPrice, unrealizedPnL decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.ErrPositionNotFound
	}
	p.CurrentPrice = currentPrice
	p.UnrealizedPnL = unrealizedPnL
	s.positions[id] = p
	return nil
}

// AddFunding accumulates a signed funding payment into FundingPaid.
func (s *PerpStore) AddFunding(_ context.Context, id string, payment decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.ErrPositionNotFound
	}
	p.FundingPaid = p.FundingPaid.Add(payment)
	s.positions[id] = p
	return nil
}

// CloseCAS transitions OPEN -> status only when the position is still open.
// Exactly one of a racing user close and liquidation sweep wins; the loser
// gets ErrPositionAlreadyClosed.
func (s *PerpStore) CloseCAS(_ context.Context, id string, status domain.PerpStatus, exitPrice decimal.Decimal, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.ErrPositionNotFound
	}
	if p.Status != domain.PerpStatusOpen {
		return domain.ErrPositionAlreadyClosed
	}
	p.Status = status
	p.ExitPrice = &exitPrice
	p.ClosedAt = &closedAt
	p.CurrentPrice = exitPrice
	s.positions[id] = p
	return nil
}

// Compile-time interface check.
var _ domain.PerpStore = (*PerpStore)(nil)
