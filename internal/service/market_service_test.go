package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarkets/exchange/internal/amm"
	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/metrics"
	"github.com/babylonmarkets/exchange/internal/store/memory"
)

func TestMarketService_CreateMarket(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	m, err := e.market.CreateMarket(ctx, "Will it rain tomorrow?", dec("200"))
	require.NoError(t, err)

	requireDecimalEqual(t, dec("100"), m.YesShares)
	requireDecimalEqual(t, dec("100"), m.NoShares)
	requireDecimalEqual(t, dec("200"), m.Liquidity)
	requireDecimalEqual(t, dec("0.5"), amm.Price(m, domain.OutcomeYes))

	_, err = e.market.CreateMarket(ctx, "bad", dec("-1"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestMarketService_Buy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "1000")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)

	res, err := e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)

	// 100/100 pool fills at 0.5: 100 shares for 50.
	requireDecimalEqual(t, dec("0.5"), res.AvgFillPrice)
	requireDecimalEqual(t, dec("100"), res.SharesOut)
	requireDecimalEqual(t, dec("950"), e.balance(t, "alice"))

	updated, err := e.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	requireDecimalEqual(t, dec("200"), updated.YesShares)
	requireDecimalEqual(t, dec("150"), updated.NoShares)
	requireDecimalEqual(t, dec("250"), updated.Liquidity)
	assert.True(t, amm.Price(updated, domain.OutcomeYes).GreaterThan(dec("0.5")))

	pos := res.Position
	requireDecimalEqual(t, dec("100"), pos.Shares)
	requireDecimalEqual(t, dec("0.5"), pos.AvgPrice)

	trades, err := e.trades.ListByUser(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeBuy, trades[0].Kind)
}

func TestMarketService_Buy_Validation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "10")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)

	_, err = e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("0"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = e.market.Buy(ctx, "alice", m.ID, domain.Outcome("MAYBE"), dec("5"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("500"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	requireDecimalEqual(t, dec("10"), e.balance(t, "alice"))
}

func TestMarketService_Buy_WeightedAveragePrice(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "1000")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)

	first, err := e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)
	second, err := e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)

	// Second buy fills above 0.5, so the basis moves up but stays below the
	// second fill.
	assert.True(t, second.AvgFillPrice.GreaterThan(first.AvgFillPrice))

	pos, err := e.positions.Get(ctx, "alice", m.ID, domain.OutcomeYes)
	require.NoError(t, err)
	requireDecimalEqual(t, first.SharesOut.Add(second.SharesOut), pos.Shares)
	assert.True(t, pos.AvgPrice.GreaterThan(first.AvgFillPrice))
	assert.True(t, pos.AvgPrice.LessThan(second.AvgFillPrice))

	totalCost := pos.Shares.Mul(pos.AvgPrice)
	assert.True(t, totalCost.Sub(dec("100")).Abs().LessThan(dec("0.000001")))
}

func TestMarketService_PoolPositionSymmetry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "1000")
	e.fund(t, "bob", "1000")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)

	_, err = e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("80"))
	require.NoError(t, err)
	_, err = e.market.Buy(ctx, "bob", m.ID, domain.OutcomeYes, dec("40"))
	require.NoError(t, err)
	_, err = e.market.Buy(ctx, "bob", m.ID, domain.OutcomeNo, dec("25"))
	require.NoError(t, err)

	requireSymmetry(t, e, m.ID)

	// Partial sell keeps the invariant.
	alicePos, err := e.positions.Get(ctx, "alice", m.ID, domain.OutcomeYes)
	require.NoError(t, err)
	_, err = e.market.Sell(ctx, "alice", alicePos.ID, alicePos.Shares.Div(dec("2")))
	require.NoError(t, err)

	requireSymmetry(t, e, m.ID)
}

// requireSymmetry checks that each side's minted shares equal the sum of
// user-held positions on that side.
func requireSymmetry(t *testing.T, e *testEngine, marketID string) {
	t.Helper()
	ctx := context.Background()

	m, err := e.markets.GetByID(ctx, marketID)
	require.NoError(t, err)
	positions, err := e.positions.ListByMarket(ctx, marketID)
	require.NoError(t, err)

	held := map[domain.Outcome]decimal.Decimal{
		domain.OutcomeYes: decimal.Zero,
		domain.OutcomeNo:  decimal.Zero,
	}
	for _, p := range positions {
		held[p.Side] = held[p.Side].Add(p.Shares)
	}
	for _, side := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
		diff := amm.MintedShares(m, side).Sub(held[side]).Abs()
		assert.True(t, diff.LessThan(dec("0.000001")),
			"side %s: minted %s, held %s", side, amm.MintedShares(m, side), held[side])
	}
}

func TestMarketService_Sell_RoundTripNeverProfits(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "1000")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)

	res, err := e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)

	sell, err := e.market.Sell(ctx, "alice", res.Position.ID, res.SharesOut)
	require.NoError(t, err)

	assert.True(t, sell.Proceeds.LessThanOrEqual(dec("50")))
	assert.True(t, sell.RealizedPnL.LessThanOrEqual(decimal.Zero))
	assert.True(t, e.balance(t, "alice").LessThanOrEqual(dec("1000")))

	// Full sell removes the position.
	_, err = e.positions.GetByID(ctx, res.Position.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Pool collateral returns to the seed.
	updated, err := e.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	diff := updated.Liquidity.Sub(dec("200")).Abs()
	assert.True(t, diff.LessThan(dec("0.000001")), "liquidity %s", updated.Liquidity)
}

func TestMarketService_Sell_Validation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "1000")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)
	res, err := e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)

	_, err = e.market.Sell(ctx, "alice", res.Position.ID, dec("0"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = e.market.Sell(ctx, "alice", res.Position.ID, res.SharesOut.Add(dec("1")))
	require.ErrorIs(t, err, domain.ErrInsufficientShares)

	_, err = e.market.Sell(ctx, "alice", "no-such-position", dec("1"))
	require.ErrorIs(t, err, domain.ErrPositionNotFound)

	// Another user cannot sell alice's position.
	_, err = e.market.Sell(ctx, "bob", res.Position.ID, dec("1"))
	require.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestMarketService_Resolve(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "1000")
	e.fund(t, "bob", "1000")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)

	aliceBuy, err := e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)
	_, err = e.market.Buy(ctx, "bob", m.ID, domain.OutcomeNo, dec("50"))
	require.NoError(t, err)

	require.NoError(t, e.market.Resolve(ctx, m.ID, domain.OutcomeYes))

	// Winning shares pay 1.0, losing shares pay nothing.
	requireDecimalEqual(t, dec("950").Add(aliceBuy.SharesOut), e.balance(t, "alice"))
	requireDecimalEqual(t, dec("950"), e.balance(t, "bob"))

	// All positions are settled away.
	remaining, err := e.positions.ListByMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// Trading against a resolved market is rejected.
	_, err = e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("10"))
	require.ErrorIs(t, err, domain.ErrMarketResolved)
	_, err = e.market.Quote(ctx, m.ID, domain.OutcomeYes, dec("10"))
	require.ErrorIs(t, err, domain.ErrMarketResolved)
}

func TestMarketService_Resolve_Idempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "1000")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)
	_, err = e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)

	require.NoError(t, e.market.Resolve(ctx, m.ID, domain.OutcomeYes))
	after := e.balance(t, "alice")

	// Second resolve pays nothing out.
	require.NoError(t, e.market.Resolve(ctx, m.ID, domain.OutcomeYes))
	requireDecimalEqual(t, after, e.balance(t, "alice"))
}

// failingMarketStore refuses pool writes on demand.
type failingMarketStore struct {
	*memory.MarketStore
	failUpdate bool
}

func (s *failingMarketStore) Update(ctx context.Context, m domain.Market) error {
	if s.failUpdate {
		return errors.New("pool write refused")
	}
	return s.MarketStore.Update(ctx, m)
}

func TestMarketService_Buy_PoolWriteFailureRollsBack(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "1000")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)

	store := &failingMarketStore{MarketStore: e.markets}
	market := NewMarketService(store, e.positions, e.trades, e.ledger, memory.NewLockManager(), e.bus,
		metrics.NewUnregistered(), slog.New(slog.DiscardHandler), MarketServiceConfig{
			PointsPerTrade: dec("10"),
			LockWait:       time.Second,
		})

	store.failUpdate = true
	_, err = market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.Error(t, err)

	// The debit is refunded and the minted shares go with it.
	requireDecimalEqual(t, dec("1000"), e.balance(t, "alice"))
	positions, err := e.positions.ListByMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)
	requireSymmetry(t, e, m.ID)

	// A failed repeat fill restores the prior position, not a deletion.
	store.failUpdate = false
	first, err := market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)
	store.failUpdate = true
	_, err = market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.Error(t, err)

	pos, err := e.positions.Get(ctx, "alice", m.ID, domain.OutcomeYes)
	require.NoError(t, err)
	requireDecimalEqual(t, first.SharesOut, pos.Shares)
	requireDecimalEqual(t, first.AvgFillPrice, pos.AvgPrice)
	requireDecimalEqual(t, dec("950"), e.balance(t, "alice"))
	requireSymmetry(t, e, m.ID)
}

func TestMarketService_Resolve_PublishesResolutionEvent(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.fund(t, "alice", "1000")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)
	_, err = e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)

	events, err := e.bus.Subscribe(ctx, "market_resolved")
	require.NoError(t, err)

	require.NoError(t, e.market.Resolve(ctx, m.ID, domain.OutcomeYes))

	payload := recvEvent(t, events)
	assert.Equal(t, "market_resolved", payload["event"])
	assert.Equal(t, m.ID, payload["market_id"])
	assert.Equal(t, string(domain.OutcomeYes), payload["outcome"])
}

func TestMarketService_ConcurrentBuys_Serializable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const buyers = 8
	users := make([]string, buyers)
	for i := range users {
		users[i] = string(rune('a'+i)) + "-user"
		e.fund(t, users[i], "100")
	}

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.market.Buy(ctx, u, m.ID, domain.OutcomeYes, dec("10"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Total debits equal total spend, the pool absorbed exactly that much
	// collateral, and minted shares match held shares.
	updated, err := e.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	requireDecimalEqual(t, dec("280"), updated.Liquidity)
	for _, u := range users {
		requireDecimalEqual(t, dec("90"), e.balance(t, u))
	}
	requireSymmetry(t, e, m.ID)
}

func TestMarketService_AuditTrailPairsEveryBalanceChange(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "1000")

	m, err := e.market.CreateMarket(ctx, "q", dec("200"))
	require.NoError(t, err)
	res, err := e.market.Buy(ctx, "alice", m.ID, domain.OutcomeYes, dec("50"))
	require.NoError(t, err)
	_, err = e.market.Sell(ctx, "alice", res.Position.ID, res.SharesOut)
	require.NoError(t, err)

	txs, err := e.accounts.ListByUser(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, txs, 3) // deposit, buy, sell

	// Before/after snapshots chain: each row's after is the next row's
	// before (rows are newest first).
	for i := 0; i+1 < len(txs); i++ {
		requireDecimalEqual(t, txs[i+1].BalanceAfter, txs[i].BalanceBefore)
	}
	requireDecimalEqual(t, e.balance(t, "alice"), txs[0].BalanceAfter)
}
