// Package money holds the fixed-point arithmetic primitives shared by the
// AMM and the perpetuals engine. Everything operates on shopspring decimals;
// binary floats never enter ledger math (a float seeds the Newton iteration
// only, the result is refined in decimal space).
package money

import (
	"math"

	"github.com/shopspring/decimal"
)

// sqrtPrecision is the number of fractional digits Newton iteration refines
// to. 16 digits is well past the epsilon any pool comparison uses.
const sqrtPrecision int32 = 16

var (
	two = decimal.NewFromInt(2)
	one = decimal.NewFromInt(1)

	// Epsilon is the rounding tolerance for pool/position symmetry checks.
	Epsilon = decimal.New(1, -9)
)

// Sqrt returns the square root of d, computed by Newton iteration to
// sqrtPrecision fractional digits. It panics on negative input; callers
// guard the discriminant before taking a root.
func Sqrt(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		panic("money: sqrt of negative decimal")
	}
	if d.IsZero() {
		return decimal.Zero
	}

	f, _ := d.Float64()
	seed := math.Sqrt(f)
	if seed <= 0 || math.IsInf(seed, 0) || math.IsNaN(seed) {
		seed = 1
	}
	guess := decimal.NewFromFloat(seed)

	for i := 0; i < 24; i++ {
		next := guess.Add(d.DivRound(guess, sqrtPrecision+4)).DivRound(two, sqrtPrecision+4)
		if next.Sub(guess).Abs().LessThan(decimal.New(1, -(sqrtPrecision + 2))) {
			return next.Round(sqrtPrecision)
		}
		guess = next
	}
	return guess.Round(sqrtPrecision)
}

// ClampProb clamps p to the [0,1] probability interval.
func ClampProb(p decimal.Decimal) decimal.Decimal {
	if p.Sign() < 0 {
		return decimal.Zero
	}
	if p.GreaterThan(one) {
		return one
	}
	return p
}

// WithinEpsilon reports whether a and b differ by no more than Epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}
