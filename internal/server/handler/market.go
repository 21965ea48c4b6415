package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/amm"
	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/service"
)

// MarketService defines the methods the market handler requires from the
// service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, question string, seedLiquidity decimal.Decimal) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Quote(ctx context.Context, marketID string, side domain.Outcome, amount decimal.Decimal) (amm.Quote, error)
	Buy(ctx context.Context, userID, marketID string, side domain.Outcome, amount decimal.Decimal) (service.BuyResult, error)
	Resolve(ctx context.Context, marketID string, outcome domain.Outcome) error
}

// MarketHandler serves prediction-market HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

// marketView is the wire shape of a market. Share quantities are rendered as
// decimal strings so clients never see binary-float rounding.
type marketView struct {
	ID         string          `json:"id"`
	Question   string          `json:"question"`
	YesPrice   decimal.Decimal `json:"yes_price"`
	NoPrice    decimal.Decimal `json:"no_price"`
	Liquidity  decimal.Decimal `json:"liquidity"`
	Resolved   bool            `json:"resolved"`
	Resolution *domain.Outcome `json:"resolution,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func toMarketView(m domain.Market) marketView {
	return marketView{
		ID:         m.ID,
		Question:   m.Question,
		YesPrice:   amm.Price(m, domain.OutcomeYes),
		NoPrice:    amm.Price(m, domain.OutcomeNo),
		Liquidity:  m.Liquidity,
		Resolved:   m.Resolved,
		Resolution: m.Resolution,
		CreatedAt:  m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// listMarketsResponse wraps the list endpoint output with pagination echo.
type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "list markets")
		return
	}

	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, toMarketView(m))
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get market")
		return
	}

	writeJSON(w, http.StatusOK, toMarketView(market))
}

type createMarketRequest struct {
	Question      string          `json:"question"`
	SeedLiquidity decimal.Decimal `json:"seed_liquidity"`
}

// CreateMarket opens a new binary market seeded with the given liquidity.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "missing question")
		return
	}

	market, err := h.markets.CreateMarket(r.Context(), req.Question, req.SeedLiquidity)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "create market")
		return
	}

	writeJSON(w, http.StatusCreated, toMarketView(market))
}

// Quote prices a buy without executing it.
// GET /api/markets/{id}/quote?side=YES&amount=25
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	side := parseOutcome(r.URL.Query().Get("side"))

	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	quote, err := h.markets.Quote(r.Context(), id, side, amount)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "quote")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":      id,
		"side":           side,
		"amount":         amount,
		"shares_out":     quote.SharesOut,
		"avg_fill_price": quote.AvgFillPrice,
	})
}

type buyRequest struct {
	UserID string          `json:"user_id"`
	Side   string          `json:"side"`
	Amount decimal.Decimal `json:"amount"`
}

// Buy executes a buy of outcome shares for the given user.
// POST /api/markets/{id}/buy
func (h *MarketHandler) Buy(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req buyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	res, err := h.markets.Buy(r.Context(), req.UserID, id, parseOutcome(req.Side), req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "buy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position_id":    res.Position.ID,
		"shares_bought":  res.SharesOut,
		"avg_fill_price": res.AvgFillPrice,
		"total_shares":   res.Position.Shares,
		"avg_price":      res.Position.AvgPrice,
	})
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

// Resolve settles a market at the given outcome and pays out every winning
// position.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome := parseOutcome(req.Outcome)
	if !outcome.Valid() {
		writeError(w, http.StatusBadRequest, "outcome must be YES or NO")
		return
	}

	if err := h.markets.Resolve(r.Context(), id, outcome); err != nil {
		writeDomainError(w, r, h.logger, err, "resolve")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"outcome":   outcome,
		"resolved":  true,
	})
}

// parseOutcome normalizes a client-supplied side string. Validation is left
// to the service so invalid sides map through the usual error path.
func parseOutcome(s string) domain.Outcome {
	return domain.Outcome(strings.ToUpper(strings.TrimSpace(s)))
}
