package memory

import (
	"context"
	"sync"
	"time"

	"github.com/babylonmarkets/exchange/internal/domain"
)

func positionKey(userID, marketID string, side domain.Outcome) string {
	return userID + "|" + marketID + "|" + string(side)
}

// PositionStore implements domain.PositionStore in memory.
type PositionStore struct {
	mu     sync.RWMutex
	byKey  map[string]domain.Position // (user, market, side) -> position
	byID   map[string]string          // position id -> key
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		byKey: make(map[string]domain.Position),
		byID:  make(map[string]string),
	}
}

// Upsert inserts or replaces the position for its (user, market, side) key.
func (s *PositionStore) Upsert(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(p.UserID, p.MarketID, p.Side)
	p.UpdatedAt = time.Now().UTC()
	s.byKey[key] = p
	s.byID[p.ID] = key
	return nil
}

// Get returns the position for (user, market, side).
func (s *PositionStore) Get(_ context.Context, userID, marketID string, side domain.Outcome) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byKey[positionKey(userID, marketID, side)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

// GetByID returns the position with the given id.
func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return s.byKey[key], nil
}

// ListByUser returns all of a user's positions.
func (s *PositionStore) ListByUser(_ context.Context, userID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.byKey {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sortByCreatedDesc(out, func(p domain.Position) time.Time { return p.CreatedAt })
	return out, nil
}

// ListByMarket returns all positions in a market.
func (s *PositionStore) ListByMarket(_ context.Context, marketID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.byKey {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

// Delete removes a position.
func (s *PositionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(s.byKey, key)
	delete(s.byID, id)
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
