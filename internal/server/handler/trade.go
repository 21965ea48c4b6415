package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// TradeReader serves trade history and leaderboard queries.
type TradeReader interface {
	GetTradeHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error)
	GetLeaderboard(ctx context.Context, criteria domain.LeaderboardCriteria, opts domain.ListOpts) ([]domain.LeaderboardEntry, error)
}

// TradeHandler serves trade history and leaderboard HTTP endpoints.
type TradeHandler struct {
	reader TradeReader
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(reader TradeReader, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		reader: reader,
		logger: logHandler(logger, "trade"),
	}
}

// GetTradeHistory returns the user's executed trades, newest first.
// GET /api/users/{id}/trades?limit=50&offset=0
func (h *TradeHandler) GetTradeHistory(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	opts := parseListOpts(r)
	trades, err := h.reader.GetTradeHistory(r.Context(), userID, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get trades")
		return
	}

	views := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		v := map[string]any{
			"id":           t.ID,
			"kind":         t.Kind,
			"side":         t.Side,
			"shares":       t.Shares,
			"price":        t.Price,
			"amount":       t.Amount,
			"realized_pnl": t.RealizedPnL,
			"created_at":   t.CreatedAt,
		}
		if t.MarketID != "" {
			v["market_id"] = t.MarketID
		}
		if t.Ticker != "" {
			v["ticker"] = t.Ticker
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"trades":  views,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// GetLeaderboard ranks accounts by pnl, points, or balance.
// GET /api/leaderboard?by=pnl&limit=50
func (h *TradeHandler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	by := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("by")))
	if by == "" {
		by = string(domain.LeaderboardByPnL)
	}

	criteria := domain.LeaderboardCriteria(by)
	if !criteria.Valid() {
		writeError(w, http.StatusBadRequest, "by must be pnl, points, or balance")
		return
	}

	opts := parseListOpts(r)
	entries, err := h.reader.GetLeaderboard(r.Context(), criteria, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get leaderboard")
		return
	}

	views := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		views = append(views, map[string]any{
			"rank":    e.Rank,
			"user_id": e.UserID,
			"score":   e.Score,
			"balance": e.Balance,
			"points":  e.Points,
			"pnl":     e.PnL,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"by":      criteria,
		"entries": views,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}
