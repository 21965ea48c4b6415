package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/amm"
	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/perp"
)

// QueryService serves read paths: balances, portfolios, trade history, and
// the leaderboard. It never takes locks or mutates state; values are priced
// at read time from the current pools and mark prices.
type QueryService struct {
	accounts     domain.AccountStore
	transactions domain.TransactionStore
	markets      domain.MarketStore
	positions    domain.PositionStore
	perps        domain.PerpStore
	trades       domain.TradeStore
	prices       domain.PriceCache
	logger       *slog.Logger
}

// NewQueryService creates a QueryService.
func NewQueryService(
	accounts domain.AccountStore,
	transactions domain.TransactionStore,
	markets domain.MarketStore,
	positions domain.PositionStore,
	perps domain.PerpStore,
	trades domain.TradeStore,
	prices domain.PriceCache,
	logger *slog.Logger,
) *QueryService {
	return &QueryService{
		accounts:     accounts,
		transactions: transactions,
		markets:      markets,
		positions:    positions,
		perps:        perps,
		trades:       trades,
		prices:       prices,
		logger:       logger,
	}
}

// GetBalance returns the user's account, creating it on first touch.
func (s *QueryService) GetBalance(ctx context.Context, userID string) (domain.Account, error) {
	acct, err := s.accounts.Ensure(ctx, userID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("query_service: ensure account %s: %w", userID, err)
	}
	return acct, nil
}

// PredictionHolding is a prediction-market position valued at the current
// pool price.
type PredictionHolding struct {
	Position      domain.Position
	CurrentPrice  decimal.Decimal
	CurrentValue  decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// PerpHolding is an open perpetual position valued at the latest mark price.
type PerpHolding struct {
	Position      domain.PerpPosition
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Equity        decimal.Decimal
}

// Portfolio is a user's open holdings across both instrument families.
type Portfolio struct {
	Predictions []PredictionHolding
	Perps       []PerpHolding
}

// GetPositions values every open holding of the user at read time. A market
// or price that cannot be loaded degrades that one holding to its stored
// values rather than failing the whole portfolio.
func (s *QueryService) GetPositions(ctx context.Context, userID string) (Portfolio, error) {
	var pf Portfolio

	positions, err := s.positions.ListByUser(ctx, userID)
	if err != nil {
		return Portfolio{}, fmt.Errorf("query_service: list positions %s: %w", userID, err)
	}
	for _, pos := range positions {
		h := PredictionHolding{Position: pos, CurrentPrice: pos.AvgPrice}
		if m, err := s.markets.GetByID(ctx, pos.MarketID); err == nil {
			h.CurrentPrice = amm.Price(m, pos.Side)
		} else {
			s.logger.WarnContext(ctx, "query_service: market load failed",
				slog.String("market_id", pos.MarketID),
				slog.String("error", err.Error()),
			)
		}
		h.CurrentValue = pos.Shares.Mul(h.CurrentPrice)
		h.UnrealizedPnL = h.CurrentValue.Sub(pos.CostBasis())
		pf.Predictions = append(pf.Predictions, h)
	}

	open, err := s.perps.ListOpenByUser(ctx, userID)
	if err != nil {
		return Portfolio{}, fmt.Errorf("query_service: list perps %s: %w", userID, err)
	}
	for _, pos := range open {
		mark := pos.CurrentPrice
		if p, _, err := s.prices.GetPrice(ctx, pos.Ticker); err == nil && p.Sign() > 0 {
			mark = p
		}
		upnl := perp.UnrealizedPnL(pos, mark)
		pf.Perps = append(pf.Perps, PerpHolding{
			Position:      pos,
			MarkPrice:     mark,
			UnrealizedPnL: upnl,
			Equity:        pos.Margin.Add(upnl),
		})
	}

	return pf, nil
}

// GetTradeHistory returns the user's trades, newest first.
func (s *QueryService) GetTradeHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.trades.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("query_service: trade history %s: %w", userID, err)
	}
	return trades, nil
}

// GetTransactions returns the user's ledger audit trail, newest first.
func (s *QueryService) GetTransactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.BalanceTransaction, error) {
	txs, err := s.transactions.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("query_service: transactions %s: %w", userID, err)
	}
	return txs, nil
}

// GetLeaderboard ranks accounts by the given criteria.
func (s *QueryService) GetLeaderboard(ctx context.Context, criteria domain.LeaderboardCriteria, opts domain.ListOpts) ([]domain.LeaderboardEntry, error) {
	if !criteria.Valid() {
		return nil, fmt.Errorf("query_service: criteria %q: %w", criteria, domain.ErrInvalidAmount)
	}
	entries, err := s.accounts.Leaderboard(ctx, criteria, opts)
	if err != nil {
		return nil, fmt.Errorf("query_service: leaderboard: %w", err)
	}
	return entries, nil
}
