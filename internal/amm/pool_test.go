package amm

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/money"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seededMarket(yes, no string) domain.Market {
	return domain.Market{
		ID:        "m1",
		Question:  "Will it rain tomorrow?",
		YesShares: dec(yes),
		NoShares:  dec(no),
		Liquidity: dec(yes).Add(dec(no)),
	}
}

func TestPriceEmptyPoolIsHalf(t *testing.T) {
	m := domain.Market{}
	assert.True(t, Price(m, domain.OutcomeYes).Equal(dec("0.5")))
	assert.True(t, Price(m, domain.OutcomeNo).Equal(dec("0.5")))
}

func TestPriceStaysInUnitInterval(t *testing.T) {
	m := seededMarket("100", "100")
	for i := 0; i < 50; i++ {
		var err error
		m, _, err = ApplyBuy(m, domain.OutcomeYes, dec("25"))
		require.NoError(t, err)

		p := Price(m, domain.OutcomeYes)
		assert.True(t, p.Sign() >= 0 && p.LessThanOrEqual(dec("1")), "price %s out of range", p)
	}
}

func TestBuyMovesPriceTowardOne(t *testing.T) {
	m := seededMarket("100", "100")
	prev := Price(m, domain.OutcomeYes)
	for i := 0; i < 10; i++ {
		var err error
		m, _, err = ApplyBuy(m, domain.OutcomeYes, dec("50"))
		require.NoError(t, err)

		p := Price(m, domain.OutcomeYes)
		assert.True(t, p.GreaterThan(prev), "price did not rise: %s -> %s", prev, p)
		prev = p
	}
}

// Scenario from the market listing flow: 100/100 pool, a 50 buy on YES.
func TestBuyScenario(t *testing.T) {
	m := seededMarket("100", "100")

	m, q, err := ApplyBuy(m, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)

	// Fill at the pre-trade implied price of 0.5 mints 100 shares.
	assert.True(t, q.AvgFillPrice.Equal(dec("0.5")))
	assert.True(t, q.SharesOut.Equal(dec("100")))

	p := Price(m, domain.OutcomeYes)
	assert.True(t, p.GreaterThan(dec("0.5")) && p.LessThanOrEqual(dec("1")), "price %s", p)
	assert.True(t, m.MintedYes.Equal(dec("100")))
	assert.True(t, m.Liquidity.Equal(dec("250")))
}

func TestBuyInvalidAmount(t *testing.T) {
	m := seededMarket("100", "100")
	_, _, err := ApplyBuy(m, domain.OutcomeYes, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, _, err = ApplyBuy(m, domain.OutcomeYes, dec("-5"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

// An instant round trip must never pay out more than went in.
func TestRoundTripNeverProfits(t *testing.T) {
	for _, amount := range []string{"1", "10", "50", "200"} {
		m := seededMarket("100", "100")

		m, q, err := ApplyBuy(m, domain.OutcomeYes, dec(amount))
		require.NoError(t, err)

		_, proceeds, err := ApplySell(m, domain.OutcomeYes, q.SharesOut)
		require.NoError(t, err)

		assert.True(t, proceeds.LessThanOrEqual(dec(amount).Add(money.Epsilon)),
			"amount %s: proceeds %s exceed cost", amount, proceeds)
	}
}

// Selling everything just bought reverses the pool exactly.
func TestSellIsInverseOfBuy(t *testing.T) {
	start := seededMarket("100", "100")

	m, q, err := ApplyBuy(start, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)

	m, proceeds, err := ApplySell(m, domain.OutcomeYes, q.SharesOut)
	require.NoError(t, err)

	assert.True(t, money.WithinEpsilon(proceeds, dec("50")), "proceeds %s", proceeds)
	assert.True(t, money.WithinEpsilon(m.YesShares, start.YesShares), "yes %s", m.YesShares)
	assert.True(t, money.WithinEpsilon(m.NoShares, start.NoShares), "no %s", m.NoShares)
	assert.True(t, money.WithinEpsilon(m.Liquidity, start.Liquidity))
	assert.True(t, m.MintedYes.Abs().LessThanOrEqual(money.Epsilon))
}

func TestPartialSell(t *testing.T) {
	m := seededMarket("100", "100")
	m, q, err := ApplyBuy(m, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)

	half := q.SharesOut.Div(dec("2"))
	m2, proceeds, err := ApplySell(m, domain.OutcomeYes, half)
	require.NoError(t, err)

	assert.True(t, proceeds.Sign() > 0)
	assert.True(t, proceeds.LessThan(dec("50")))
	assert.True(t, m2.MintedYes.Equal(q.SharesOut.Sub(half)))
}

func TestSellMoreThanPool(t *testing.T) {
	m := seededMarket("100", "100")
	_, err := QuoteSell(m, domain.OutcomeYes, dec("500"))
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
}

func TestQuoteBuyDoesNotMutate(t *testing.T) {
	m := seededMarket("100", "100")
	_, err := QuoteBuy(m, domain.OutcomeNo, dec("30"))
	require.NoError(t, err)
	assert.True(t, m.YesShares.Equal(dec("100")))
	assert.True(t, m.NoShares.Equal(dec("100")))
}
