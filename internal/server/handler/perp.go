package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// PerpService defines what the perp handler needs from the perpetuals engine.
type PerpService interface {
	Open(ctx context.Context, userID, ticker string, side domain.PerpSide, size, leverage decimal.Decimal) (domain.PerpPosition, error)
	Close(ctx context.Context, userID, positionID string) (domain.PerpPosition, error)
}

// PerpHandler serves perpetual-position HTTP endpoints.
type PerpHandler struct {
	perps  PerpService
	logger *slog.Logger
}

// NewPerpHandler creates a PerpHandler.
func NewPerpHandler(perps PerpService, logger *slog.Logger) *PerpHandler {
	return &PerpHandler{
		perps:  perps,
		logger: logHandler(logger, "perp"),
	}
}

type openPerpRequest struct {
	UserID   string          `json:"user_id"`
	Ticker   string          `json:"ticker"`
	Side     string          `json:"side"`
	Size     decimal.Decimal `json:"size"`
	Leverage decimal.Decimal `json:"leverage"`
}

// Open opens a leveraged long or short at the latest mark price.
// POST /api/perps
func (h *PerpHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openPerpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Ticker == "" {
		writeError(w, http.StatusBadRequest, "missing user_id or ticker")
		return
	}

	side := domain.PerpSide(strings.ToUpper(strings.TrimSpace(req.Side)))
	pos, err := h.perps.Open(r.Context(), req.UserID, req.Ticker, side, req.Size, req.Leverage)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "open perp")
		return
	}

	writeJSON(w, http.StatusCreated, perpView(pos))
}

type closePerpRequest struct {
	UserID string `json:"user_id"`
}

// Close settles an open position at the latest mark price. Closing is
// terminal; a second close on the same position returns 409.
// POST /api/perps/{id}/close
func (h *PerpHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req closePerpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	pos, err := h.perps.Close(r.Context(), req.UserID, id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "close perp")
		return
	}

	writeJSON(w, http.StatusOK, perpView(pos))
}

// perpView renders a perp position for the wire.
func perpView(p domain.PerpPosition) map[string]any {
	v := map[string]any{
		"position_id":       p.ID,
		"user_id":           p.UserID,
		"ticker":            p.Ticker,
		"side":              p.Side,
		"size":              p.Size,
		"entry_price":       p.EntryPrice,
		"leverage":          p.Leverage,
		"margin":            p.Margin,
		"liquidation_price": p.LiquidationPrice,
		"current_price":     p.CurrentPrice,
		"unrealized_pnl":    p.UnrealizedPnL,
		"funding_paid":      p.FundingPaid,
		"status":            p.Status,
		"opened_at":         p.OpenedAt,
	}
	if p.ExitPrice != nil {
		v["exit_price"] = *p.ExitPrice
	}
	if p.ClosedAt != nil {
		v["closed_at"] = *p.ClosedAt
	}
	return v
}
