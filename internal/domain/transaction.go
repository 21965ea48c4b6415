package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger mutation.
type TransactionType string

const (
	TxDeposit       TransactionType = "deposit"
	TxWithdrawal    TransactionType = "withdrawal"
	TxBuyShares     TransactionType = "buy_shares"
	TxSellShares    TransactionType = "sell_shares"
	TxResolvePayout TransactionType = "resolve_payout"
	TxPerpMargin    TransactionType = "perp_margin"
	TxPerpSettle    TransactionType = "perp_settle"
	TxFunding       TransactionType = "funding"
	TxLiquidation   TransactionType = "liquidation"
	TxPoints        TransactionType = "points_award"
)

// BalanceTransaction is an append-only audit record. It is write-once: the
// engine never updates or deletes a row, and every balance change produces
// exactly one. BalanceBefore/BalanceAfter snapshot the account around the
// mutation so the trail can be replayed and checked.
type BalanceTransaction struct {
	ID            string
	UserID        string
	Type          TransactionType
	Amount        decimal.Decimal // signed: credits positive, debits negative
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	CreatedAt     time.Time
}

// PointsTransaction mirrors BalanceTransaction for the points economy.
type PointsTransaction struct {
	ID           string
	UserID       string
	Type         TransactionType
	Amount       decimal.Decimal
	PointsBefore decimal.Decimal
	PointsAfter  decimal.Decimal
	Description  string
	CreatedAt    time.Time
}
