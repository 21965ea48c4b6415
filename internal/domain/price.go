package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind tags the two tradeable instrument families.
type InstrumentKind string

const (
	InstrumentPrediction InstrumentKind = "prediction"
	InstrumentPerpetual  InstrumentKind = "perpetual"
)

// PriceUpdate is one tick from the external price feed.
type PriceUpdate struct {
	InstrumentID string // perp ticker
	NewPrice     decimal.Decimal
	Source       string
	Reason       string
}

// AppliedUpdate reports the outcome of applying one PriceUpdate. Skipped
// updates carry the reason; they never abort the rest of the batch.
type AppliedUpdate struct {
	InstrumentID string
	Price        decimal.Decimal
	Applied      bool
	SkipReason   string
	Liquidations int
	AppliedAt    time.Time
}
