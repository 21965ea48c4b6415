// Package amm implements the share-pool pricing math for binary prediction
// markets. All functions are pure: they take a pool state and return the new
// state plus the fill, so callers own locking and persistence.
//
// Pricing rule: the implied price of a side is its share of the pool,
// yes/(yes+no), 0.5 when the pool is empty. A buy fills at the current
// implied price and then grows both sides — the bought side by the minted
// shares, the opposing side by the spent amount as virtual liquidity — so
// the bought side's price moves monotonically toward 1 and never leaves
// [0,1]. A sell solves the symmetric inverse, which guarantees an immediate
// round trip never pays out more than was paid in.
package amm

import (
	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/money"
)

var (
	half = decimal.NewFromFloat(0.5)
	two  = decimal.NewFromInt(2)
	four = decimal.NewFromInt(4)

	// Fill prices are clamped away from the boundaries so a one-sided pool
	// cannot quote a zero (division blow-up) or one (free-roll) fill.
	minFill = decimal.NewFromFloat(0.01)
	maxFill = decimal.NewFromFloat(0.99)
)

// Quote is the result of pricing a buy against the current pool.
type Quote struct {
	SharesOut    decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// Price returns the implied price of side given the pool state, clamped to
// [0,1]. An empty pool prices both sides at 0.5.
func Price(m domain.Market, side domain.Outcome) decimal.Decimal {
	total := m.YesShares.Add(m.NoShares)
	if total.IsZero() {
		return half
	}
	return money.ClampProb(m.SideShares(side).Div(total))
}

// fillPrice is the implied price bounded to the tradeable band.
func fillPrice(m domain.Market, side domain.Outcome) decimal.Decimal {
	p := Price(m, side)
	if p.LessThan(minFill) {
		return minFill
	}
	if p.GreaterThan(maxFill) {
		return maxFill
	}
	return p
}

// QuoteBuy prices a buy of amount on side without mutating the pool.
func QuoteBuy(m domain.Market, side domain.Outcome, amount decimal.Decimal) (Quote, error) {
	if amount.Sign() <= 0 {
		return Quote{}, domain.ErrInvalidAmount
	}
	p := fillPrice(m, side)
	return Quote{
		SharesOut:    amount.Div(p),
		AvgFillPrice: p,
	}, nil
}

// ApplyBuy executes a buy against the pool: the bought side grows by the
// minted shares, the opposing side by the spent amount (virtual liquidity),
// and the pool's collateral grows by the amount. It returns the new pool
// state and the fill.
func ApplyBuy(m domain.Market, side domain.Outcome, amount decimal.Decimal) (domain.Market, Quote, error) {
	q, err := QuoteBuy(m, side, amount)
	if err != nil {
		return m, Quote{}, err
	}

	if side == domain.OutcomeYes {
		m.YesShares = m.YesShares.Add(q.SharesOut)
		m.NoShares = m.NoShares.Add(amount)
		m.MintedYes = m.MintedYes.Add(q.SharesOut)
	} else {
		m.NoShares = m.NoShares.Add(q.SharesOut)
		m.YesShares = m.YesShares.Add(amount)
		m.MintedNo = m.MintedNo.Add(q.SharesOut)
	}
	m.Liquidity = m.Liquidity.Add(amount)
	return m, q, nil
}

// QuoteSell computes the proceeds of selling shares on side. The proceeds P
// satisfy the fixed point P = shares * priceAfter, i.e. selling is the exact
// inverse of buying, which expands to the quadratic
//
//	P^2 - (yes+no-shares)P + shares*(side-shares) = 0
//
// whose smaller root is the payout. If the pool cannot cover a consistent
// payout (no real root, possible only when the opposing side is nearly
// drained), the proceeds fall back to the current-price value capped by the
// opposing side's virtual liquidity.
func QuoteSell(m domain.Market, side domain.Outcome, shares decimal.Decimal) (decimal.Decimal, error) {
	if shares.Sign() <= 0 {
		return decimal.Zero, domain.ErrInvalidAmount
	}
	sideShares := m.SideShares(side)
	otherShares := m.SideShares(side.Opposite())
	if shares.GreaterThan(sideShares) {
		return decimal.Zero, domain.ErrInsufficientShares
	}

	remaining := sideShares.Sub(shares)
	b := remaining.Add(otherShares) // yes+no-shares
	disc := b.Mul(b).Sub(four.Mul(shares).Mul(remaining))

	var proceeds decimal.Decimal
	if disc.Sign() < 0 {
		proceeds = shares.Mul(Price(m, side))
		if proceeds.GreaterThan(otherShares) {
			proceeds = otherShares
		}
	} else {
		proceeds = b.Sub(money.Sqrt(disc)).Div(two)
	}

	if proceeds.Sign() < 0 {
		proceeds = decimal.Zero
	}
	if proceeds.GreaterThan(otherShares) {
		proceeds = otherShares
	}
	return proceeds, nil
}

// ApplySell executes a sell: the sold side shrinks by the shares, the
// opposing side by the proceeds, and the pool's collateral pays out the
// proceeds. It returns the new pool state and the proceeds.
func ApplySell(m domain.Market, side domain.Outcome, shares decimal.Decimal) (domain.Market, decimal.Decimal, error) {
	proceeds, err := QuoteSell(m, side, shares)
	if err != nil {
		return m, decimal.Zero, err
	}

	if side == domain.OutcomeYes {
		m.YesShares = m.YesShares.Sub(shares)
		m.NoShares = m.NoShares.Sub(proceeds)
		m.MintedYes = m.MintedYes.Sub(shares)
	} else {
		m.NoShares = m.NoShares.Sub(shares)
		m.YesShares = m.YesShares.Sub(proceeds)
		m.MintedNo = m.MintedNo.Sub(shares)
	}
	if m.YesShares.Sign() < 0 {
		m.YesShares = decimal.Zero
	}
	if m.NoShares.Sign() < 0 {
		m.NoShares = decimal.Zero
	}
	m.Liquidity = m.Liquidity.Sub(proceeds)
	return m, proceeds, nil
}

// MintedShares returns the user-held shares on side. The pool/position
// symmetry invariant compares this against the sum of open positions.
func MintedShares(m domain.Market, side domain.Outcome) decimal.Decimal {
	if side == domain.OutcomeYes {
		return m.MintedYes
	}
	return m.MintedNo
}
