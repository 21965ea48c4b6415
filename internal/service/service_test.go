package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/metrics"
	"github.com/babylonmarkets/exchange/internal/store/memory"
)

// testEngine wires every service against the in-memory stores.
type testEngine struct {
	accounts  *memory.AccountStore
	markets   *memory.MarketStore
	positions *memory.PositionStore
	perps     *memory.PerpStore
	trades    *memory.TradeStore
	prices    *memory.PriceCache
	bus       *memory.SignalBus

	ledger *LedgerService
	market *MarketService
	perp   *PerpService
	price  *PriceService
	query  *QueryService
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	m := metrics.NewUnregistered()
	locks := memory.NewLockManager()

	e := &testEngine{
		accounts:  memory.NewAccountStore(),
		markets:   memory.NewMarketStore(),
		positions: memory.NewPositionStore(),
		perps:     memory.NewPerpStore(),
		trades:    memory.NewTradeStore(),
		prices:    memory.NewPriceCache(),
		bus:       memory.NewSignalBus(),
	}

	e.ledger = NewLedgerService(e.accounts, locks, e.bus, m, logger)
	e.market = NewMarketService(e.markets, e.positions, e.trades, e.ledger, locks, e.bus, m, logger, MarketServiceConfig{
		PointsPerTrade: dec("10"),
		LockWait:       time.Second,
	})
	e.perp = NewPerpService(e.perps, e.trades, e.prices, e.ledger, locks, e.bus, m, logger, PerpServiceConfig{
		MaxLeverage:            dec("20"),
		MaintenanceMarginRatio: dec("0.005"),
		PointsPerTrade:         dec("10"),
		LockWait:               time.Second,
	})
	e.price = NewPriceService(e.prices, e.perp, e.bus, m, logger)
	e.query = NewQueryService(e.accounts, e.accounts, e.markets, e.positions, e.perps, e.trades, e.prices, logger)
	return e
}

// fund deposits amount into a fresh account.
func (e *testEngine) fund(t *testing.T, userID string, amount string) {
	t.Helper()
	_, err := e.ledger.Deposit(context.Background(), userID, dec(amount))
	require.NoError(t, err)
}

func (e *testEngine) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	acct, err := e.accounts.Get(context.Background(), userID)
	require.NoError(t, err)
	return acct.Balance
}

func (e *testEngine) setPrice(t *testing.T, ticker, price string) {
	t.Helper()
	err := e.prices.SetPrice(context.Background(), ticker, dec(price), time.Now())
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// requireDecimalEqual compares decimals by value, not representation.
func requireDecimalEqual(t *testing.T, want, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.True(t, want.Equal(got), "want %s, got %s: %v", want, got, msgAndArgs)
}

// recvEvent waits for one bus payload and decodes it.
func recvEvent(t *testing.T, events <-chan []byte) map[string]any {
	t.Helper()
	select {
	case data := <-events:
		var payload map[string]any
		require.NoError(t, json.Unmarshal(data, &payload))
		return payload
	case <-time.After(time.Second):
		t.Fatal("no event published within a second")
		return nil
	}
}

// failingAccountStore fails ApplyBalance for the configured transaction types
// and delegates everything else to the in-memory store.
type failingAccountStore struct {
	*memory.AccountStore
	failOn map[domain.TransactionType]error
}

func (s *failingAccountStore) ApplyBalance(ctx context.Context, change domain.BalanceChange) (domain.Account, domain.BalanceTransaction, error) {
	if err := s.failOn[change.Type]; err != nil {
		return domain.Account{}, domain.BalanceTransaction{}, err
	}
	return s.AccountStore.ApplyBalance(ctx, change)
}
