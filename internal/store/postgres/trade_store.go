package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Insert appends one trade-history entry.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, user_id, kind, market_id, ticker, side,
			shares, price, amount, realized_pnl, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	var marketID, ticker *string
	if t.MarketID != "" {
		marketID = &t.MarketID
	}
	if t.Ticker != "" {
		ticker = &t.Ticker
	}

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.UserID, string(t.Kind), marketID, ticker, t.Side,
		t.Shares, t.Price, t.Amount, t.RealizedPnL, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListByUser returns a user's trades, newest first.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `
		SELECT id, user_id, kind, market_id, ticker, side,
			shares, price, amount, realized_pnl, created_at
		FROM trades
		WHERE user_id = $1
		ORDER BY created_at DESC`
	args := []any{userID}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var kind string
		var marketID, ticker *string
		if err := rows.Scan(
			&t.ID, &t.UserID, &kind, &marketID, &ticker, &t.Side,
			&t.Shares, &t.Price, &t.Amount, &t.RealizedPnL, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Kind = domain.TradeKind(kind)
		if marketID != nil {
			t.MarketID = *marketID
		}
		if ticker != nil {
			t.Ticker = *ticker
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
