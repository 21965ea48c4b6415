package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarkets/exchange/internal/domain"
)

func TestPriceService_ApplyUpdates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	results, err := e.price.ApplyUpdates(ctx, []domain.PriceUpdate{
		{InstrumentID: "BTC", NewPrice: dec("50000"), Source: "feed"},
		{InstrumentID: "ETH", NewPrice: dec("3000"), Source: "feed"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Applied, "instrument %s", r.InstrumentID)
		assert.Empty(t, r.SkipReason)
	}

	p, _, err := e.prices.GetPrice(ctx, "BTC")
	require.NoError(t, err)
	requireDecimalEqual(t, dec("50000"), p)
}

func TestPriceService_SkipsBadTicks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.setPrice(t, "BTC", "100")

	// A bad tick in the middle must not stop the rest of the batch, and must
	// not clobber the cached price.
	results, err := e.price.ApplyUpdates(ctx, []domain.PriceUpdate{
		{InstrumentID: "BTC", NewPrice: dec("-5")},
		{InstrumentID: "", NewPrice: dec("10")},
		{InstrumentID: "ETH", NewPrice: dec("3000")},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.False(t, results[0].Applied)
	assert.Equal(t, "non-positive price", results[0].SkipReason)
	assert.False(t, results[1].Applied)
	assert.True(t, results[2].Applied)

	p, _, err := e.prices.GetPrice(ctx, "BTC")
	require.NoError(t, err)
	requireDecimalEqual(t, dec("100"), p)
}

func TestPriceService_TickTriggersLiquidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "100")
	e.setPrice(t, "BTC", "100")

	pos, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.NoError(t, err)

	results, err := e.price.ApplyUpdates(ctx, []domain.PriceUpdate{
		{InstrumentID: "BTC", NewPrice: dec("85"), Source: "feed"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Applied)
	assert.Equal(t, 1, results[0].Liquidations)

	closed, err := e.perps.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PerpStatusLiquidated, closed.Status)
}
