package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// maxPriceBatch bounds a single ingress request.
const maxPriceBatch = 1000

// PriceService applies price ticks to the mark cache and open positions.
type PriceService interface {
	ApplyUpdates(ctx context.Context, updates []domain.PriceUpdate) ([]domain.AppliedUpdate, error)
	GetPrice(ctx context.Context, instrumentID string) (decimal.Decimal, time.Time, error)
}

// PriceHandler serves the price ingress and lookup endpoints.
type PriceHandler struct {
	prices PriceService
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices PriceService, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{
		prices: prices,
		logger: logHandler(logger, "price"),
	}
}

type priceUpdateRequest struct {
	Ticker string          `json:"ticker"`
	Price  decimal.Decimal `json:"price"`
	Source string          `json:"source"`
	Reason string          `json:"reason"`
}

type applyPricesRequest struct {
	Updates []priceUpdateRequest `json:"updates"`
}

// ApplyUpdates ingests a batch of price ticks. Bad ticks are skipped with a
// per-tick reason; they never fail the batch.
// POST /api/prices
func (h *PriceHandler) ApplyUpdates(w http.ResponseWriter, r *http.Request) {
	var req applyPricesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Updates) == 0 {
		writeError(w, http.StatusBadRequest, "empty update batch")
		return
	}
	if len(req.Updates) > maxPriceBatch {
		writeError(w, http.StatusBadRequest, "update batch too large")
		return
	}

	updates := make([]domain.PriceUpdate, 0, len(req.Updates))
	for _, u := range req.Updates {
		updates = append(updates, domain.PriceUpdate{
			InstrumentID: u.Ticker,
			NewPrice:     u.Price,
			Source:       u.Source,
			Reason:       u.Reason,
		})
	}

	results, err := h.prices.ApplyUpdates(r.Context(), updates)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "apply prices")
		return
	}

	views := make([]map[string]any, 0, len(results))
	for _, res := range results {
		v := map[string]any{
			"ticker":  res.InstrumentID,
			"applied": res.Applied,
		}
		if res.Applied {
			v["price"] = res.Price
			v["liquidations"] = res.Liquidations
		} else {
			v["skip_reason"] = res.SkipReason
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": views})
}

// GetPrice returns the cached mark price for a ticker.
// GET /api/prices/{ticker}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	ticker := pathParam(r, "ticker")
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "missing ticker")
		return
	}

	price, ts, err := h.prices.GetPrice(r.Context(), ticker)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get price")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ticker":     ticker,
		"price":      price,
		"updated_at": ts,
	})
}
