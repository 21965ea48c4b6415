// Package perp implements the position math for the leveraged perpetuals
// engine: liquidation price, mark-to-market, equity, and funding payments.
// All functions are pure decimal arithmetic; the service layer owns state.
package perp

import (
	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
)

var one = decimal.NewFromInt(1)

// LiquidationPrice returns the price at which a position's equity
// (margin + unrealized PnL) hits exactly the maintenance margin.
//
// For a LONG: entry * (1 - 1/leverage + maintRatio), below entry.
// For a SHORT: entry * (1 + 1/leverage - maintRatio), above entry.
//
// Derivation for LONG: margin = size*entry/lev, maintenance = maint*size*entry.
// Equity at price P is margin + size*(P-entry); setting equity equal to the
// maintenance margin and solving for P gives the expression above. At exactly
// that price the boundary holds with equality, which makes the <= liquidation
// comparison deterministic.
func LiquidationPrice(entryPrice, leverage, maintRatio decimal.Decimal, side domain.PerpSide) decimal.Decimal {
	invLev := one.Div(leverage)
	if side == domain.PerpSideLong {
		return entryPrice.Mul(one.Sub(invLev).Add(maintRatio))
	}
	return entryPrice.Mul(one.Add(invLev).Sub(maintRatio))
}

// UnrealizedPnL returns size*(price-entry) for LONG, negated for SHORT.
func UnrealizedPnL(pos domain.PerpPosition, markPrice decimal.Decimal) decimal.Decimal {
	pnl := pos.Size.Mul(markPrice.Sub(pos.EntryPrice))
	if pos.Side == domain.PerpSideShort {
		pnl = pnl.Neg()
	}
	return pnl
}

// Equity returns posted margin plus unrealized PnL at markPrice.
func Equity(pos domain.PerpPosition, markPrice decimal.Decimal) decimal.Decimal {
	return pos.Margin.Add(UnrealizedPnL(pos, markPrice))
}

// MaintenanceMargin returns the minimum equity the position must retain,
// computed against the entry notional.
func MaintenanceMargin(pos domain.PerpPosition, maintRatio decimal.Decimal) decimal.Decimal {
	return pos.Notional().Mul(maintRatio)
}

// ShouldLiquidate reports whether equity at markPrice has fallen to or below
// the maintenance margin. The boundary itself liquidates.
func ShouldLiquidate(pos domain.PerpPosition, markPrice, maintRatio decimal.Decimal) bool {
	return Equity(pos, markPrice).LessThanOrEqual(MaintenanceMargin(pos, maintRatio))
}

// FundingPayment returns the signed amount the position holder pays at a
// funding boundary: size*price*rate for LONG (pays when the rate is
// positive), negated for SHORT. A negative result is a credit to the holder.
func FundingPayment(pos domain.PerpPosition, markPrice, fundingRate decimal.Decimal) decimal.Decimal {
	payment := pos.Size.Mul(markPrice).Mul(fundingRate)
	if pos.Side == domain.PerpSideShort {
		payment = payment.Neg()
	}
	return payment
}

// CloseSettlement returns the balance credit owed when a position closes at
// exitPrice: the posted margin plus realized PnL, floored at zero so a single
// position can never drive a balance negative. The second return value is
// the realized PnL actually applied (capped at -margin on the loss side).
func CloseSettlement(pos domain.PerpPosition, exitPrice decimal.Decimal) (credit, realized decimal.Decimal) {
	realized = UnrealizedPnL(pos, exitPrice)
	if realized.LessThan(pos.Margin.Neg()) {
		realized = pos.Margin.Neg()
	}
	credit = pos.Margin.Add(realized)
	if credit.Sign() < 0 {
		credit = decimal.Zero
	}
	return credit, realized
}
