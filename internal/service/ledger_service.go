package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/metrics"
)

// LedgerService is the only path through which balances change. Every
// mutation is paired 1:1 with a BalanceTransaction row by the account store;
// a pairing failure is surfaced as domain.ErrLedgerFault and never swallowed.
type LedgerService struct {
	accounts domain.AccountStore
	locks    domain.LockManager
	bus      domain.SignalBus
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(accounts domain.AccountStore, locks domain.LockManager, bus domain.SignalBus, m *metrics.Metrics, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		accounts: accounts,
		locks:    locks,
		bus:      bus,
		metrics:  m,
		logger:   logger,
	}
}

// Apply performs one ledger mutation. The caller must already hold the
// balance lock for change.UserID; engine operations that span entities take
// it before any market/position lock.
func (s *LedgerService) Apply(ctx context.Context, change domain.BalanceChange) (domain.Account, error) {
	account, tx, err := s.accounts.ApplyBalance(ctx, change)
	if err != nil {
		if errors.Is(err, domain.ErrLedgerFault) {
			s.fault(ctx, change, err)
		}
		return domain.Account{}, err
	}

	s.logger.DebugContext(ctx, "ledger: balance applied",
		slog.String("user_id", change.UserID),
		slog.String("type", string(change.Type)),
		slog.String("amount", change.Delta.String()),
		slog.String("balance_after", tx.BalanceAfter.String()),
	)
	return account, nil
}

// Deposit credits amount into the user's balance. This is an entry-point
// operation, so it takes the balance lock itself.
func (s *LedgerService) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (domain.Account, error) {
	if amount.Sign() <= 0 {
		return domain.Account{}, domain.ErrInvalidAmount
	}

	unlock, err := acquireLock(ctx, s.locks, balanceLockKey(userID), 0)
	if err != nil {
		return domain.Account{}, s.busy(err)
	}
	defer unlock()

	return s.Apply(ctx, domain.BalanceChange{
		UserID:       userID,
		Delta:        amount,
		Type:         domain.TxDeposit,
		Description:  "deposit",
		DepositDelta: amount,
	})
}

// Withdraw debits amount from the user's balance.
func (s *LedgerService) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (domain.Account, error) {
	if amount.Sign() <= 0 {
		return domain.Account{}, domain.ErrInvalidAmount
	}

	unlock, err := acquireLock(ctx, s.locks, balanceLockKey(userID), 0)
	if err != nil {
		return domain.Account{}, s.busy(err)
	}
	defer unlock()

	return s.Apply(ctx, domain.BalanceChange{
		UserID:        userID,
		Delta:         amount.Neg(),
		Type:          domain.TxWithdrawal,
		Description:   "withdrawal",
		WithdrawDelta: amount,
	})
}

// AwardPoints credits activity points. Failures here never fail the trade
// that triggered them; callers log and continue.
func (s *LedgerService) AwardPoints(ctx context.Context, userID string, points decimal.Decimal, txType domain.TransactionType, description string) error {
	if points.Sign() <= 0 {
		return nil
	}
	if _, _, err := s.accounts.ApplyPoints(ctx, userID, points, txType, description); err != nil {
		return fmt.Errorf("ledger: award points to %s: %w", userID, err)
	}
	return nil
}

// fault reports an audit-trail divergence: the one failure class the engine
// can never absorb silently. It is logged, counted, and raised on the
// engine_fault channel for the hub and notifier.
func (s *LedgerService) fault(ctx context.Context, change domain.BalanceChange, err error) {
	s.metrics.LedgerFaultsTotal.Inc()
	s.logger.ErrorContext(ctx, "ledger: audit trail fault",
		slog.String("user_id", change.UserID),
		slog.String("type", string(change.Type)),
		slog.String("error", err.Error()),
	)
	payload, _ := json.Marshal(map[string]any{
		"event":   "engine_fault",
		"source":  "ledger",
		"user_id": change.UserID,
		"type":    change.Type,
		"error":   err.Error(),
	})
	if pubErr := s.bus.Publish(ctx, "engine_fault", payload); pubErr != nil {
		s.logger.ErrorContext(ctx, "ledger: engine_fault publish failed",
			slog.String("error", pubErr.Error()),
		)
	}
}

// busy counts EngineBusy rejections on the way out.
func (s *LedgerService) busy(err error) error {
	if errors.Is(err, domain.ErrEngineBusy) {
		s.metrics.EngineBusyTotal.Inc()
	}
	return err
}
