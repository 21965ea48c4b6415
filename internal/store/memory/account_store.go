package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// AccountStore implements domain.AccountStore and domain.TransactionStore in
// memory. Both live behind one mutex so a balance write and its audit row
// commit together, mirroring the single pg transaction the postgres store
// uses.
type AccountStore struct {
	mu        sync.RWMutex
	accounts  map[string]domain.Account
	balanceTx []domain.BalanceTransaction
	pointsTx  []domain.PointsTransaction
}

// NewAccountStore creates an empty AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[string]domain.Account)}
}

// Ensure returns the account for userID, creating a zeroed one if absent.
func (s *AccountStore) Ensure(_ context.Context, userID string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(userID), nil
}

func (s *AccountStore) ensureLocked(userID string) domain.Account {
	if a, ok := s.accounts[userID]; ok {
		return a
	}
	a := domain.Account{
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	s.accounts[userID] = a
	return a
}

// Get returns the account for userID.
func (s *AccountStore) Get(_ context.Context, userID string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

// ApplyBalance mutates the balance and appends the paired transaction record
// atomically. A delta that would take the balance negative is rejected with
// ErrInsufficientBalance and nothing changes.
func (s *AccountStore) ApplyBalance(_ context.Context, change domain.BalanceChange) (domain.Account, domain.BalanceTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.ensureLocked(change.UserID)
	before := a.Balance
	after := before.Add(change.Delta)
	if after.Sign() < 0 {
		return domain.Account{}, domain.BalanceTransaction{}, domain.ErrInsufficientBalance
	}

	a.Balance = after
	a.LifetimePnL = a.LifetimePnL.Add(change.PnLDelta)
	a.TotalDeposited = a.TotalDeposited.Add(change.DepositDelta)
	a.TotalWithdrawn = a.TotalWithdrawn.Add(change.WithdrawDelta)
	a.UpdatedAt = time.Now().UTC()
	s.accounts[change.UserID] = a

	tx := domain.BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        change.UserID,
		Type:          change.Type,
		Amount:        change.Delta,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   change.Description,
		CreatedAt:     time.Now().UTC(),
	}
	s.balanceTx = append(s.balanceTx, tx)
	return a, tx, nil
}

// ApplyPoints mutates the points balance and appends the paired record.
func (s *AccountStore) ApplyPoints(_ context.Context, userID string, delta decimal.Decimal, txType domain.TransactionType, description string) (domain.Account, domain.PointsTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.ensureLocked(userID)
	before := a.Points
	after := before.Add(delta)
	if after.Sign() < 0 {
		return domain.Account{}, domain.PointsTransaction{}, domain.ErrInsufficientBalance
	}

	a.Points = after
	a.UpdatedAt = time.Now().UTC()
	s.accounts[userID] = a

	tx := domain.PointsTransaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		Type:         txType,
		Amount:       delta,
		PointsBefore: before,
		PointsAfter:  after,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	}
	s.pointsTx = append(s.pointsTx, tx)
	return a, tx, nil
}

// Leaderboard returns accounts ranked by criteria, ties broken by earliest
// account creation.
func (s *AccountStore) Leaderboard(_ context.Context, criteria domain.LeaderboardCriteria, opts domain.ListOpts) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	accounts := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	s.mu.RUnlock()

	score := func(a domain.Account) decimal.Decimal {
		switch criteria {
		case domain.LeaderboardByPoints:
			return a.Points
		case domain.LeaderboardByBalance:
			return a.Balance
		default:
			return a.LifetimePnL
		}
	}

	sort.SliceStable(accounts, func(i, j int) bool {
		si, sj := score(accounts[i]), score(accounts[j])
		if !si.Equal(sj) {
			return si.GreaterThan(sj)
		}
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})

	entries := make([]domain.LeaderboardEntry, 0, len(accounts))
	for i, a := range accounts {
		entries = append(entries, domain.LeaderboardEntry{
			Rank:      i + 1,
			UserID:    a.UserID,
			Score:     score(a),
			Balance:   a.Balance,
			Points:    a.Points,
			PnL:       a.LifetimePnL,
			CreatedAt: a.CreatedAt,
		})
	}
	return paginate(entries, opts), nil
}

// ListByUser returns a user's balance transactions, newest first.
func (s *AccountStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.BalanceTransaction
	for i := len(s.balanceTx) - 1; i >= 0; i-- {
		if s.balanceTx[i].UserID == userID {
			out = append(out, s.balanceTx[i])
		}
	}
	return paginate(out, opts), nil
}

// ListOlderThan returns up to limit transactions created before cutoff.
func (s *AccountStore) ListOlderThan(_ context.Context, cutoff time.Time, limit int) ([]domain.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.BalanceTransaction
	for _, tx := range s.balanceTx {
		if tx.CreatedAt.Before(cutoff) {
			out = append(out, tx)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// DeleteIDs removes exactly the archived transactions.
func (s *AccountStore) DeleteIDs(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := s.balanceTx[:0]
	var removed int64
	for _, tx := range s.balanceTx {
		if drop[tx.ID] {
			removed++
			continue
		}
		kept = append(kept, tx)
	}
	s.balanceTx = kept
	return removed, nil
}

// Compile-time interface checks.
var (
	_ domain.AccountStore     = (*AccountStore)(nil)
	_ domain.TransactionStore = (*AccountStore)(nil)
)
