package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a user's or agent's ledger account. Balance only ever changes
// through the ledger service, which pairs every mutation with exactly one
// BalanceTransaction row.
type Account struct {
	UserID         string
	Balance        decimal.Decimal
	Points         decimal.Decimal
	TotalDeposited decimal.Decimal
	TotalWithdrawn decimal.Decimal
	LifetimePnL    decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeaderboardCriteria selects the ranking dimension for the leaderboard.
type LeaderboardCriteria string

const (
	LeaderboardByPnL     LeaderboardCriteria = "pnl"
	LeaderboardByPoints  LeaderboardCriteria = "points"
	LeaderboardByBalance LeaderboardCriteria = "balance"
)

// Valid reports whether c is a recognized criteria.
func (c LeaderboardCriteria) Valid() bool {
	switch c {
	case LeaderboardByPnL, LeaderboardByPoints, LeaderboardByBalance:
		return true
	}
	return false
}

// LeaderboardEntry is one ranked row. Ties on Score are broken by the
// earliest account creation time.
type LeaderboardEntry struct {
	Rank      int
	UserID    string
	Score     decimal.Decimal
	Balance   decimal.Decimal
	Points    decimal.Decimal
	PnL       decimal.Decimal
	CreatedAt time.Time
}
