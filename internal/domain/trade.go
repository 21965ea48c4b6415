package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeKind distinguishes prediction-market fills from perp lifecycle events
// in the unified trade history.
type TradeKind string

const (
	TradeBuy       TradeKind = "buy"
	TradeSell      TradeKind = "sell"
	TradePerpOpen  TradeKind = "perp_open"
	TradePerpClose TradeKind = "perp_close"
	TradeLiquidate TradeKind = "liquidate"
)

// Trade is one entry in a user's trade history.
type Trade struct {
	ID          string
	UserID      string
	Kind        TradeKind
	MarketID    string // prediction trades
	Ticker      string // perp trades
	Side        string // outcome or perp side
	Shares      decimal.Decimal
	Price       decimal.Decimal
	Amount      decimal.Decimal // money moved, always positive
	RealizedPnL decimal.Decimal
	CreatedAt   time.Time
}
