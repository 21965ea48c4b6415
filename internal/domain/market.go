// Package domain defines the core entities of the exchange engine and the
// store/cache interfaces its services depend on. All monetary quantities are
// fixed-point decimals; binary floats never enter the ledger.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is a binary prediction market outcome.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is one of the two recognized outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the other side of a binary market.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Market is a binary prediction market with an AMM share pool. YesShares and
// NoShares are always non-negative; the implied YES probability is
// yes/(yes+no), 0.5 when the pool is empty.
type Market struct {
	ID        string
	Question  string
	YesShares decimal.Decimal
	NoShares  decimal.Decimal
	Liquidity decimal.Decimal
	// MintedYes/MintedNo count the user-held shares per side. The pool sides
	// also carry seed and virtual liquidity, so these are the figures the
	// pool/position symmetry invariant is checked against.
	MintedYes  decimal.Decimal
	MintedNo   decimal.Decimal
	Resolved   bool
	Resolution *Outcome
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SideShares returns the pool shares for the given outcome.
func (m Market) SideShares(side Outcome) decimal.Decimal {
	if side == OutcomeYes {
		return m.YesShares
	}
	return m.NoShares
}
