package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists prediction markets and their pool state.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	// Update replaces the pool state and resolution flags. Callers hold the
	// market lock; the store does not serialize concurrent writers itself.
	Update(ctx context.Context, market Market) error
	ListOpen(ctx context.Context, opts ListOpts) ([]Market, error)
}

// PositionStore persists prediction-market positions. Positions are keyed by
// (user, market, side); Upsert and Reduce are called only from the AMM
// buy/sell/resolve paths.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Get(ctx context.Context, userID, marketID string, side Outcome) (Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListByUser(ctx context.Context, userID string) ([]Position, error)
	ListByMarket(ctx context.Context, marketID string) ([]Position, error)
	// Delete removes a position whose shares have reached zero.
	Delete(ctx context.Context, id string) error
}

// PerpStore persists perpetual positions.
type PerpStore interface {
	Create(ctx context.Context, pos PerpPosition) error
	GetByID(ctx context.Context, id string) (PerpPosition, error)
	ListOpenByUser(ctx context.Context, userID string) ([]PerpPosition, error)
	ListOpenByTicker(ctx context.Context, ticker string) ([]PerpPosition, error)
	ListOpenTickers(ctx context.Context) ([]string, error)
	// UpdateMark refreshes the denormalized mark-to-market fields.
	UpdateMark(ctx context.Context, id string, currentPrice, unrealizedPnL decimal.Decimal) error
	// AddFunding accumulates a signed funding payment into FundingPaid.
	AddFunding(ctx context.Context, id string, payment decimal.Decimal) error
	// CloseCAS transitions OPEN -> status if and only if the position is
	// still open, returning ErrPositionAlreadyClosed when it is not. This is
	// the single-winner guard between a user close and a liquidation sweep.
	CloseCAS(ctx context.Context, id string, status PerpStatus, exitPrice decimal.Decimal, closedAt time.Time) error
}

// BalanceChange describes one atomic ledger mutation. Delta is signed.
// PnLDelta, DepositDelta and WithdrawDelta adjust the account's lifetime
// aggregates in the same write.
type BalanceChange struct {
	UserID        string
	Delta         decimal.Decimal
	Type          TransactionType
	Description   string
	PnLDelta      decimal.Decimal
	DepositDelta  decimal.Decimal
	WithdrawDelta decimal.Decimal
}

// AccountStore persists ledger accounts. ApplyBalance is the only balance
// mutator: it updates the account row and inserts the paired
// BalanceTransaction in one atomic operation, returning ErrInsufficientBalance
// if the delta would take the balance negative and ErrLedgerFault if the
// audit row cannot be written.
type AccountStore interface {
	Ensure(ctx context.Context, userID string) (Account, error)
	Get(ctx context.Context, userID string) (Account, error)
	ApplyBalance(ctx context.Context, change BalanceChange) (Account, BalanceTransaction, error)
	ApplyPoints(ctx context.Context, userID string, delta decimal.Decimal, txType TransactionType, description string) (Account, PointsTransaction, error)
	Leaderboard(ctx context.Context, criteria LeaderboardCriteria, opts ListOpts) ([]LeaderboardEntry, error)
}

// TransactionStore reads the append-only audit trail. Writes happen inside
// AccountStore.ApplyBalance so the pair can never diverge.
type TransactionStore interface {
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]BalanceTransaction, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]BalanceTransaction, error)
	// DeleteIDs removes exactly the given audit rows, after they have been
	// archived elsewhere.
	DeleteIDs(ctx context.Context, ids []string) (int64, error)
}

// TradeStore persists the unified trade history.
type TradeStore interface {
	Insert(ctx context.Context, trade Trade) error
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Trade, error)
}
