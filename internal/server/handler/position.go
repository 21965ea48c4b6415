package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/service"
)

// PositionTrader is the slice of the market service the position handler
// needs to exit prediction positions.
type PositionTrader interface {
	Sell(ctx context.Context, userID, positionID string, shares decimal.Decimal) (service.SellResult, error)
}

// PortfolioReader values a user's open holdings.
type PortfolioReader interface {
	GetPositions(ctx context.Context, userID string) (service.Portfolio, error)
}

// PositionHandler serves position HTTP endpoints.
type PositionHandler struct {
	trader    PositionTrader
	portfolio PortfolioReader
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(trader PositionTrader, portfolio PortfolioReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		trader:    trader,
		portfolio: portfolio,
		logger:    logHandler(logger, "position"),
	}
}

type sellRequest struct {
	UserID string          `json:"user_id"`
	Shares decimal.Decimal `json:"shares"`
}

// Sell exits part or all of a prediction position at the current pool price.
// POST /api/positions/{id}/sell
func (h *PositionHandler) Sell(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req sellRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	res, err := h.trader.Sell(r.Context(), req.UserID, id, req.Shares)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "sell")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position_id":  id,
		"proceeds":     res.Proceeds,
		"realized_pnl": res.RealizedPnL,
	})
}

// GetPositions returns the user's open prediction and perpetual holdings,
// each valued at the latest price.
// GET /api/users/{id}/positions
func (h *PositionHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	pf, err := h.portfolio.GetPositions(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get positions")
		return
	}

	predictions := make([]map[string]any, 0, len(pf.Predictions))
	for _, p := range pf.Predictions {
		predictions = append(predictions, map[string]any{
			"position_id":    p.Position.ID,
			"market_id":      p.Position.MarketID,
			"side":           p.Position.Side,
			"shares":         p.Position.Shares,
			"avg_price":      p.Position.AvgPrice,
			"current_price":  p.CurrentPrice,
			"current_value":  p.CurrentValue,
			"unrealized_pnl": p.UnrealizedPnL,
		})
	}

	perps := make([]map[string]any, 0, len(pf.Perps))
	for _, p := range pf.Perps {
		perps = append(perps, map[string]any{
			"position_id":       p.Position.ID,
			"ticker":            p.Position.Ticker,
			"side":              p.Position.Side,
			"size":              p.Position.Size,
			"entry_price":       p.Position.EntryPrice,
			"leverage":          p.Position.Leverage,
			"margin":            p.Position.Margin,
			"mark_price":        p.MarkPrice,
			"liquidation_price": p.Position.LiquidationPrice,
			"unrealized_pnl":    p.UnrealizedPnL,
			"equity":            p.Equity,
			"funding_paid":      p.Position.FundingPaid,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"predictions": predictions,
		"perps":       perps,
	})
}
