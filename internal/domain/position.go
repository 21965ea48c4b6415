package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a user's prediction-market share holding. There is exactly one
// position per (user, market, side); it is created on first buy, reduced on
// sell, and deleted when shares reach zero. Only the AMM buy/sell/resolve
// paths mutate positions, which keeps the pool/position symmetry invariant:
// the sum of all positions' shares on a side equals that side's pool shares
// net of seed liquidity.
type Position struct {
	ID        string
	UserID    string
	MarketID  string
	Side      Outcome
	Shares    decimal.Decimal // always >= 0
	AvgPrice  decimal.Decimal // cost basis per share, in [0,1]
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CostBasis returns shares * avgPrice, the total amount paid for the
// currently held shares.
func (p Position) CostBasis() decimal.Decimal {
	return p.Shares.Mul(p.AvgPrice)
}
