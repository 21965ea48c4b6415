package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PerpSide is the direction of a leveraged perpetual position.
type PerpSide string

const (
	PerpSideLong  PerpSide = "LONG"
	PerpSideShort PerpSide = "SHORT"
)

// Valid reports whether s is a recognized side.
func (s PerpSide) Valid() bool {
	return s == PerpSideLong || s == PerpSideShort
}

// PerpStatus is the lifecycle state of a perpetual position. OPEN positions
// receive funding and mark-to-market; CLOSED and LIQUIDATED are terminal.
type PerpStatus string

const (
	PerpStatusOpen       PerpStatus = "open"
	PerpStatusClosed     PerpStatus = "closed"
	PerpStatusLiquidated PerpStatus = "liquidated"
)

// PerpPosition is a leveraged long/short position on a perpetual instrument.
// CurrentPrice and UnrealizedPnL are denormalized caches refreshed on every
// tick; liquidation decisions always recompute from entry price, size, side,
// and leverage rather than trusting the stored values.
type PerpPosition struct {
	ID               string
	UserID           string
	Ticker           string
	Side             PerpSide
	Size             decimal.Decimal // > 0, in units of the instrument
	EntryPrice       decimal.Decimal // > 0
	Leverage         decimal.Decimal // in [1, maxLeverage]
	Margin           decimal.Decimal // posted collateral, size*entry/leverage
	CurrentPrice     decimal.Decimal
	LiquidationPrice decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	FundingPaid      decimal.Decimal // cumulative, signed (positive = paid out)
	Status           PerpStatus
	OpenedAt         time.Time
	ClosedAt         *time.Time
	ExitPrice        *decimal.Decimal
}

// Notional returns size * entryPrice, the notional value at open.
func (p PerpPosition) Notional() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}
