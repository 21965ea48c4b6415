package perp

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarkets/exchange/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func longPosition(entry, lev string) domain.PerpPosition {
	entryPrice := dec(entry)
	leverage := dec(lev)
	size := dec("10")
	return domain.PerpPosition{
		Side:       domain.PerpSideLong,
		Size:       size,
		EntryPrice: entryPrice,
		Leverage:   leverage,
		Margin:     size.Mul(entryPrice).Div(leverage),
		Status:     domain.PerpStatusOpen,
	}
}

func TestLiquidationPriceLong(t *testing.T) {
	// entry=100, lev=10, maint=0.005 -> liq at 90.5
	got := LiquidationPrice(dec("100"), dec("10"), dec("0.005"), domain.PerpSideLong)
	assert.True(t, got.Equal(dec("90.5")), "got %s", got)
}

func TestLiquidationPriceShort(t *testing.T) {
	got := LiquidationPrice(dec("100"), dec("10"), dec("0.005"), domain.PerpSideShort)
	assert.True(t, got.Equal(dec("109.5")), "got %s", got)
}

// Mark-to-market at exactly the liquidation price must yield equity equal to
// the maintenance margin, so the <= comparison is exact at the boundary.
func TestLiquidationBoundaryExact(t *testing.T) {
	maint := dec("0.005")
	for _, side := range []domain.PerpSide{domain.PerpSideLong, domain.PerpSideShort} {
		pos := longPosition("100", "10")
		pos.Side = side
		liq := LiquidationPrice(pos.EntryPrice, pos.Leverage, maint, side)

		equity := Equity(pos, liq)
		mm := MaintenanceMargin(pos, maint)
		require.True(t, equity.Equal(mm), "side %s: equity %s != mm %s", side, equity, mm)
		assert.True(t, ShouldLiquidate(pos, liq, maint))
	}
}

func TestUnrealizedPnL(t *testing.T) {
	pos := longPosition("100", "10")
	assert.True(t, UnrealizedPnL(pos, dec("105")).Equal(dec("50")))

	pos.Side = domain.PerpSideShort
	assert.True(t, UnrealizedPnL(pos, dec("105")).Equal(dec("-50")))
}

func TestFundingPaymentSign(t *testing.T) {
	pos := longPosition("100", "10")
	rate := dec("0.0001")

	// Long pays when the rate is positive.
	pay := FundingPayment(pos, dec("100"), rate)
	assert.True(t, pay.Equal(dec("0.1")), "got %s", pay)

	pos.Side = domain.PerpSideShort
	assert.True(t, FundingPayment(pos, dec("100"), rate).Equal(dec("-0.1")))
}

func TestCloseSettlementCapsLossAtMargin(t *testing.T) {
	pos := longPosition("100", "10") // margin = 100

	// Price collapse far past the liquidation point.
	credit, realized := CloseSettlement(pos, dec("50"))
	assert.True(t, credit.IsZero(), "credit %s", credit)
	assert.True(t, realized.Equal(pos.Margin.Neg()), "realized %s", realized)

	// Profitable close returns margin plus gains.
	credit, realized = CloseSettlement(pos, dec("110"))
	assert.True(t, realized.Equal(dec("100")))
	assert.True(t, credit.Equal(dec("200")))
}
