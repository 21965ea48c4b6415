package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/metrics"
	"github.com/babylonmarkets/exchange/internal/store/memory"
)

func TestPerpService_Open(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "100")
	e.setPrice(t, "BTC", "100")

	pos, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.NoError(t, err)

	requireDecimalEqual(t, dec("100"), pos.EntryPrice)
	requireDecimalEqual(t, dec("10"), pos.Margin) // 100 notional / 10x
	requireDecimalEqual(t, dec("90"), e.balance(t, "alice"))
	// entry * (1 - 1/lev + maint) = 100 * 0.905
	requireDecimalEqual(t, dec("90.5"), pos.LiquidationPrice)
	assert.Equal(t, domain.PerpStatusOpen, pos.Status)
}

func TestPerpService_Open_Validation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "5")
	e.setPrice(t, "BTC", "100")

	_, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("0"), dec("10"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = e.perp.Open(ctx, "alice", "BTC", domain.PerpSide("SIDEWAYS"), dec("1"), dec("10"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("0.5"))
	require.ErrorIs(t, err, domain.ErrInvalidLeverage)
	_, err = e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("21"))
	require.ErrorIs(t, err, domain.ErrInvalidLeverage)

	// 100 notional / 10x = 10 margin, but alice only has 5.
	_, err = e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.ErrorIs(t, err, domain.ErrInsufficientMargin)
	requireDecimalEqual(t, dec("5"), e.balance(t, "alice"))

	// Unknown instrument has no mark price.
	_, err = e.perp.Open(ctx, "alice", "DOGE", domain.PerpSideLong, dec("1"), dec("2"))
	require.Error(t, err)
}

func TestPerpService_CloseWithProfit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "100")
	e.setPrice(t, "BTC", "100")

	pos, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.NoError(t, err)

	e.setPrice(t, "BTC", "110")
	closed, err := e.perp.Close(ctx, "alice", pos.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.PerpStatusClosed, closed.Status)
	require.NotNil(t, closed.ExitPrice)
	requireDecimalEqual(t, dec("110"), *closed.ExitPrice)
	// margin 10 back plus 10 profit
	requireDecimalEqual(t, dec("110"), e.balance(t, "alice"))

	acct, err := e.accounts.Get(ctx, "alice")
	require.NoError(t, err)
	requireDecimalEqual(t, dec("10"), acct.LifetimePnL)
}

func TestPerpService_Close_LossCappedAtMargin(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "100")
	e.setPrice(t, "BTC", "100")

	pos, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.NoError(t, err)

	// Price collapses far past the bankruptcy point; the ledger loss still
	// cannot exceed the posted margin.
	e.setPrice(t, "BTC", "20")
	_, err = e.perp.Close(ctx, "alice", pos.ID)
	require.NoError(t, err)

	requireDecimalEqual(t, dec("90"), e.balance(t, "alice"))
	acct, err := e.accounts.Get(ctx, "alice")
	require.NoError(t, err)
	requireDecimalEqual(t, dec("-10"), acct.LifetimePnL)
}

func TestPerpService_Close_Terminal(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "100")
	e.setPrice(t, "BTC", "100")

	pos, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.NoError(t, err)

	_, err = e.perp.Close(ctx, "alice", pos.ID)
	require.NoError(t, err)
	balance := e.balance(t, "alice")

	// A second close neither errors differently nor pays twice.
	_, err = e.perp.Close(ctx, "alice", pos.ID)
	require.ErrorIs(t, err, domain.ErrPositionAlreadyClosed)
	requireDecimalEqual(t, balance, e.balance(t, "alice"))

	_, err = e.perp.Close(ctx, "bob", pos.ID)
	require.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestPerpService_LiquidationAtThreshold(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "100")
	e.setPrice(t, "BTC", "100")

	pos, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.NoError(t, err)

	// Just above the liquidation price: survives.
	liquidated, err := e.perp.UpdatePositions(ctx, "BTC", dec("90.51"))
	require.NoError(t, err)
	assert.Empty(t, liquidated)

	marked, err := e.perps.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PerpStatusOpen, marked.Status)
	requireDecimalEqual(t, dec("90.51"), marked.CurrentPrice)
	requireDecimalEqual(t, dec("-9.49"), marked.UnrealizedPnL)

	// At the threshold: equity equals maintenance margin, which liquidates.
	liquidated, err = e.perp.UpdatePositions(ctx, "BTC", dec("90.5"))
	require.NoError(t, err)
	require.Len(t, liquidated, 1)
	assert.Equal(t, domain.PerpStatusLiquidated, liquidated[0].Status)

	closed, err := e.perps.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PerpStatusLiquidated, closed.Status)

	// Remaining equity at 90.5 is 10 - 9.5 = 0.5, returned to the user.
	requireDecimalEqual(t, dec("90.5"), e.balance(t, "alice"))

	// A later tick does not settle the position again.
	liquidated, err = e.perp.UpdatePositions(ctx, "BTC", dec("50"))
	require.NoError(t, err)
	assert.Empty(t, liquidated)
	requireDecimalEqual(t, dec("90.5"), e.balance(t, "alice"))
}

func TestPerpService_ShortLiquidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "100")
	e.setPrice(t, "BTC", "100")

	pos, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideShort, dec("1"), dec("10"))
	require.NoError(t, err)
	requireDecimalEqual(t, dec("109.5"), pos.LiquidationPrice)

	liquidated, err := e.perp.UpdatePositions(ctx, "BTC", dec("109.49"))
	require.NoError(t, err)
	assert.Empty(t, liquidated)

	liquidated, err = e.perp.UpdatePositions(ctx, "BTC", dec("109.5"))
	require.NoError(t, err)
	require.Len(t, liquidated, 1)
}

func TestPerpService_SettleFunding(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "200")
	e.fund(t, "bob", "200")
	e.setPrice(t, "BTC", "100")

	long, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("10"), dec("10"))
	require.NoError(t, err)
	short, err := e.perp.Open(ctx, "bob", "BTC", domain.PerpSideShort, dec("10"), dec("10"))
	require.NoError(t, err)

	// rate 0.0001 on 1000 notional: longs pay 0.1, shorts receive 0.1.
	require.NoError(t, e.perp.SettleFunding(ctx, dec("0.0001")))

	longPos, err := e.perps.GetByID(ctx, long.ID)
	require.NoError(t, err)
	requireDecimalEqual(t, dec("0.1"), longPos.FundingPaid)
	shortPos, err := e.perps.GetByID(ctx, short.ID)
	require.NoError(t, err)
	requireDecimalEqual(t, dec("-0.1"), shortPos.FundingPaid)

	// Margin of 100 left each account at 100; funding moved 0.1 long -> short.
	requireDecimalEqual(t, dec("99.9"), e.balance(t, "alice"))
	requireDecimalEqual(t, dec("100.1"), e.balance(t, "bob"))

	// Funding accumulates across intervals.
	require.NoError(t, e.perp.SettleFunding(ctx, dec("0.0001")))
	longPos, err = e.perps.GetByID(ctx, long.ID)
	require.NoError(t, err)
	requireDecimalEqual(t, dec("0.2"), longPos.FundingPaid)
}

func TestPerpService_TradeEventsReachTradesChannel(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.fund(t, "alice", "100")
	e.setPrice(t, "BTC", "100")

	events, err := e.bus.Subscribe(ctx, "trades")
	require.NoError(t, err)

	pos, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.NoError(t, err)
	payload := recvEvent(t, events)
	assert.Equal(t, "perp_opened", payload["event"])
	assert.Equal(t, pos.ID, payload["position_id"])

	_, err = e.perp.Close(ctx, "alice", pos.ID)
	require.NoError(t, err)
	payload = recvEvent(t, events)
	assert.Equal(t, "perp_closed", payload["event"])
	assert.Equal(t, pos.ID, payload["position_id"])
}

func TestPerpService_Close_LedgerFailureLeavesPositionOpen(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "100")
	e.setPrice(t, "BTC", "100")

	pos, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.NoError(t, err)

	accounts := &failingAccountStore{
		AccountStore: e.accounts,
		failOn:       map[domain.TransactionType]error{domain.TxPerpSettle: errors.New("audit write refused")},
	}
	locks := memory.NewLockManager()
	logger := slog.New(slog.DiscardHandler)
	m := metrics.NewUnregistered()
	ledger := NewLedgerService(accounts, locks, e.bus, m, logger)
	flaky := NewPerpService(e.perps, e.trades, e.prices, ledger, locks, e.bus, m, logger, PerpServiceConfig{
		MaxLeverage:            dec("20"),
		MaintenanceMarginRatio: dec("0.005"),
		PointsPerTrade:         dec("10"),
		LockWait:               time.Second,
	})

	e.setPrice(t, "BTC", "110")
	_, err = flaky.Close(ctx, "alice", pos.ID)
	require.Error(t, err)

	// Nothing was paid and the position is still open, so the close can be
	// retried once the ledger recovers.
	requireDecimalEqual(t, dec("90"), e.balance(t, "alice"))
	stored, err := e.perps.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PerpStatusOpen, stored.Status)

	closed, err := e.perp.Close(ctx, "alice", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PerpStatusClosed, closed.Status)
	requireDecimalEqual(t, dec("110"), e.balance(t, "alice"))
}

func TestPerpService_FundingLedgerFailureAccruesNothing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "10")
	e.setPrice(t, "BTC", "100")

	// Margin consumes the whole balance, so the funding debit overdrafts.
	pos, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.NoError(t, err)
	requireDecimalEqual(t, dec("0"), e.balance(t, "alice"))

	// rate 0.01 on 100 notional: the long owes 1 it cannot pay. Funding it
	// never collected must not be recorded against the position.
	require.NoError(t, e.perp.SettleFunding(ctx, dec("0.01")))
	stored, err := e.perps.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	requireDecimalEqual(t, dec("0"), stored.FundingPaid)
	requireDecimalEqual(t, dec("0"), e.balance(t, "alice"))

	// Once funded, the charge lands and the accrual matches the cash moved.
	e.fund(t, "alice", "5")
	require.NoError(t, e.perp.SettleFunding(ctx, dec("0.01")))
	stored, err = e.perps.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	requireDecimalEqual(t, dec("1"), stored.FundingPaid)
	requireDecimalEqual(t, dec("4"), e.balance(t, "alice"))
}

func TestPerpService_FundingSkipsUnpricedInstrument(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.fund(t, "alice", "100")
	e.setPrice(t, "BTC", "100")

	_, err := e.perp.Open(ctx, "alice", "BTC", domain.PerpSideLong, dec("1"), dec("10"))
	require.NoError(t, err)

	// Poison the cached mark with a non-positive value; funding must skip
	// the instrument and leave balances alone.
	e.setPrice(t, "BTC", "0")
	before := e.balance(t, "alice")
	require.NoError(t, e.perp.SettleFunding(ctx, dec("0.0001")))
	requireDecimalEqual(t, before, e.balance(t, "alice"))
}
