package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarkets/exchange/internal/metrics"
	"github.com/babylonmarkets/exchange/internal/service"
	"github.com/babylonmarkets/exchange/internal/store/memory"
)

// testStack wires the handlers over in-memory stores.
type testStack struct {
	ledger *service.LedgerService
	market *service.MarketService
	perp   *service.PerpService
	price  *service.PriceService
	query  *service.QueryService

	prices *memory.PriceCache

	marketH  *MarketHandler
	perpH    *PerpHandler
	accountH *AccountHandler
	priceH   *PriceHandler
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	m := metrics.NewUnregistered()
	locks := memory.NewLockManager()

	accounts := memory.NewAccountStore()
	markets := memory.NewMarketStore()
	positions := memory.NewPositionStore()
	perps := memory.NewPerpStore()
	trades := memory.NewTradeStore()
	prices := memory.NewPriceCache()
	bus := memory.NewSignalBus()

	s := &testStack{prices: prices}
	s.ledger = service.NewLedgerService(accounts, locks, bus, m, logger)
	s.market = service.NewMarketService(markets, positions, trades, s.ledger, locks, bus, m, logger, service.MarketServiceConfig{
		PointsPerTrade: decimal.NewFromInt(10),
		LockWait:       time.Second,
	})
	s.perp = service.NewPerpService(perps, trades, prices, s.ledger, locks, bus, m, logger, service.PerpServiceConfig{
		MaxLeverage:            decimal.NewFromInt(20),
		MaintenanceMarginRatio: decimal.RequireFromString("0.005"),
		PointsPerTrade:         decimal.NewFromInt(10),
		LockWait:               time.Second,
	})
	s.price = service.NewPriceService(prices, s.perp, bus, m, logger)
	s.query = service.NewQueryService(accounts, accounts, markets, positions, perps, trades, prices, logger)

	s.marketH = NewMarketHandler(s.market, logger)
	s.perpH = NewPerpHandler(s.perp, logger)
	s.accountH = NewAccountHandler(s.ledger, s.query, logger)
	s.priceH = NewPriceHandler(s.price, logger)
	return s
}

// do runs a handler with an optional JSON body and path values.
func do(handler http.HandlerFunc, method, target, body string, pathValues map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, target, reader)
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}

	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// requireDecimalField compares a decimal JSON field by value so trailing
// zeros in the wire representation do not matter.
func requireDecimalField(t *testing.T, body map[string]any, key, want string) {
	t.Helper()
	raw, ok := body[key].(string)
	require.True(t, ok, "field %s missing or not a string: %v", key, body[key])
	got := decimal.RequireFromString(raw)
	require.True(t, got.Equal(decimal.RequireFromString(want)),
		"field %s: got %s, want %s", key, raw, want)
}

func TestMarketHandler_CreateAndBuy(t *testing.T) {
	s := newTestStack(t)

	rec := do(s.marketH.CreateMarket, http.MethodPost, "/api/markets",
		`{"question":"Will it rain tomorrow?","seed_liquidity":100}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decodeBody(t, rec)
	marketID, _ := created["id"].(string)
	require.NotEmpty(t, marketID)
	requireDecimalField(t, created, "yes_price", "0.5")

	_, err := s.ledger.Deposit(context.Background(), "alice", decimal.NewFromInt(100))
	require.NoError(t, err)

	rec = do(s.marketH.Buy, http.MethodPost, "/api/markets/"+marketID+"/buy",
		`{"user_id":"alice","side":"yes","amount":50}`,
		map[string]string{"id": marketID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bought := decodeBody(t, rec)
	require.NotEmpty(t, bought["position_id"])
	require.NotEmpty(t, bought["shares_bought"])
}

func TestMarketHandler_BuyErrorMapping(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	m, err := s.market.CreateMarket(ctx, "Test?", decimal.NewFromInt(100))
	require.NoError(t, err)

	// Invalid side.
	rec := do(s.marketH.Buy, http.MethodPost, "/api/markets/"+m.ID+"/buy",
		`{"user_id":"alice","side":"MAYBE","amount":10}`,
		map[string]string{"id": m.ID})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// No funds.
	rec = do(s.marketH.Buy, http.MethodPost, "/api/markets/"+m.ID+"/buy",
		`{"user_id":"alice","side":"YES","amount":10}`,
		map[string]string{"id": m.ID})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Unknown market.
	rec = do(s.marketH.Buy, http.MethodPost, "/api/markets/nope/buy",
		`{"user_id":"alice","side":"YES","amount":10}`,
		map[string]string{"id": "nope"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Resolved market conflicts.
	require.NoError(t, s.market.Resolve(ctx, m.ID, "YES"))
	_, err = s.ledger.Deposit(ctx, "alice", decimal.NewFromInt(100))
	require.NoError(t, err)
	rec = do(s.marketH.Buy, http.MethodPost, "/api/markets/"+m.ID+"/buy",
		`{"user_id":"alice","side":"YES","amount":10}`,
		map[string]string{"id": m.ID})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAccountHandler_DepositWithdraw(t *testing.T) {
	s := newTestStack(t)

	rec := do(s.accountH.Deposit, http.MethodPost, "/api/users/bob/deposit",
		`{"amount":100}`, map[string]string{"id": "bob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	requireDecimalField(t, decodeBody(t, rec), "balance", "100")

	rec = do(s.accountH.Withdraw, http.MethodPost, "/api/users/bob/withdraw",
		`{"amount":40}`, map[string]string{"id": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	requireDecimalField(t, decodeBody(t, rec), "balance", "60")

	// Overdraft.
	rec = do(s.accountH.Withdraw, http.MethodPost, "/api/users/bob/withdraw",
		`{"amount":500}`, map[string]string{"id": "bob"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Zero amount.
	rec = do(s.accountH.Deposit, http.MethodPost, "/api/users/bob/deposit",
		`{"amount":0}`, map[string]string{"id": "bob"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s.accountH.GetTransactions, http.MethodGet, "/api/users/bob/transactions",
		"", map[string]string{"id": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	txs, _ := body["transactions"].([]any)
	require.Len(t, txs, 2)
}

func TestPerpHandler_OpenClose(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, s.prices.SetPrice(ctx, "BTC", decimal.NewFromInt(100), time.Now()))
	_, err := s.ledger.Deposit(ctx, "carol", decimal.NewFromInt(100))
	require.NoError(t, err)

	rec := do(s.perpH.Open, http.MethodPost, "/api/perps",
		`{"user_id":"carol","ticker":"BTC","side":"long","size":1,"leverage":10}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	opened := decodeBody(t, rec)
	posID, _ := opened["position_id"].(string)
	require.NotEmpty(t, posID)
	requireDecimalField(t, opened, "margin", "10")
	requireDecimalField(t, opened, "liquidation_price", "90.5")

	rec = do(s.perpH.Close, http.MethodPost, "/api/perps/"+posID+"/close",
		`{"user_id":"carol"}`, map[string]string{"id": posID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Second close conflicts.
	rec = do(s.perpH.Close, http.MethodPost, "/api/perps/"+posID+"/close",
		`{"user_id":"carol"}`, map[string]string{"id": posID})
	require.Equal(t, http.StatusConflict, rec.Code)

	// Unpriced ticker cannot be opened.
	rec = do(s.perpH.Open, http.MethodPost, "/api/perps",
		`{"user_id":"carol","ticker":"DOGE","side":"long","size":1,"leverage":2}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Leverage outside bounds.
	rec = do(s.perpH.Open, http.MethodPost, "/api/perps",
		`{"user_id":"carol","ticker":"BTC","side":"long","size":1,"leverage":50}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPriceHandler_ApplyUpdates(t *testing.T) {
	s := newTestStack(t)

	rec := do(s.priceH.ApplyUpdates, http.MethodPost, "/api/prices",
		`{"updates":[{"ticker":"BTC","price":101.5},{"ticker":"","price":5},{"ticker":"ETH","price":-1}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	results, _ := body["results"].([]any)
	require.Len(t, results, 3)

	first := results[0].(map[string]any)
	require.Equal(t, true, first["applied"])

	second := results[1].(map[string]any)
	require.Equal(t, false, second["applied"])
	require.NotEmpty(t, second["skip_reason"])

	rec = do(s.priceH.GetPrice, http.MethodGet, "/api/prices/BTC",
		"", map[string]string{"ticker": "BTC"})
	require.Equal(t, http.StatusOK, rec.Code)
	requireDecimalField(t, decodeBody(t, rec), "price", "101.5")

	// Empty batch rejected.
	rec = do(s.priceH.ApplyUpdates, http.MethodPost, "/api/prices", `{"updates":[]}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
