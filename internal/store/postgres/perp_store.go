package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// PerpStore implements domain.PerpStore using PostgreSQL.
type PerpStore struct {
	pool *pgxpool.Pool
}

var _ domain.PerpStore = (*PerpStore)(nil)

// NewPerpStore creates a new PerpStore backed by the given connection pool.
func NewPerpStore(pool *pgxpool.Pool) *PerpStore {
	return &PerpStore{pool: pool}
}

const perpSelectCols = `id, user_id, ticker, side, size, entry_price, leverage,
	margin, current_price, liquidation_price, unrealized_pnl, funding_paid,
	status, opened_at, closed_at, exit_price`

func scanPerpRow(row pgx.Row) (domain.PerpPosition, error) {
	var p domain.PerpPosition
	var side, status string

	err := row.Scan(
		&p.ID, &p.UserID, &p.Ticker, &side,
		&p.Size, &p.EntryPrice, &p.Leverage,
		&p.Margin, &p.CurrentPrice, &p.LiquidationPrice,
		&p.UnrealizedPnL, &p.FundingPaid,
		&status, &p.OpenedAt, &p.ClosedAt, &p.ExitPrice,
	)
	if err != nil {
		return domain.PerpPosition{}, err
	}
	p.Side = domain.PerpSide(side)
	p.Status = domain.PerpStatus(status)
	return p, nil
}

// Create inserts a new perpetual position.
func (s *PerpStore) Create(ctx context.Context, p domain.PerpPosition) error {
	const query = `
		INSERT INTO perp_positions (
			id, user_id, ticker, side, size, entry_price, leverage,
			margin, current_price, liquidation_price, unrealized_pnl,
			funding_paid, status, opened_at, closed_at, exit_price
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.Ticker, string(p.Side),
		p.Size, p.EntryPrice, p.Leverage,
		p.Margin, p.CurrentPrice, p.LiquidationPrice, p.UnrealizedPnL,
		p.FundingPaid, string(p.Status), p.OpenedAt, p.ClosedAt, p.ExitPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: create perp %s: %w", p.ID, err)
	}
	return nil
}

// GetByID fetches one perpetual position.
func (s *PerpStore) GetByID(ctx context.Context, id string) (domain.PerpPosition, error) {
	query := `SELECT ` + perpSelectCols + ` FROM perp_positions WHERE id = $1`

	p, err := scanPerpRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PerpPosition{}, domain.ErrNotFound
		}
		return domain.PerpPosition{}, fmt.Errorf("postgres: get perp %s: %w", id, err)
	}
	return p, nil
}

// ListOpenByUser returns a user's open positions, newest first.
func (s *PerpStore) ListOpenByUser(ctx context.Context, userID string) ([]domain.PerpPosition, error) {
	query := `SELECT ` + perpSelectCols + `
		FROM perp_positions
		WHERE user_id = $1 AND status = 'open'
		ORDER BY opened_at DESC`
	return s.list(ctx, query, userID)
}

// ListOpenByTicker returns all open positions on an instrument.
func (s *PerpStore) ListOpenByTicker(ctx context.Context, ticker string) ([]domain.PerpPosition, error) {
	query := `SELECT ` + perpSelectCols + `
		FROM perp_positions
		WHERE ticker = $1 AND status = 'open'
		ORDER BY opened_at DESC`
	return s.list(ctx, query, ticker)
}

// ListOpenTickers returns the distinct instruments with open positions.
func (s *PerpStore) ListOpenTickers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ticker FROM perp_positions WHERE status = 'open' ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("postgres: scan ticker: %w", err)
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

func (s *PerpStore) list(ctx context.Context, query string, args ...any) ([]domain.PerpPosition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list perps: %w", err)
	}
	defer rows.Close()

	var positions []domain.PerpPosition
	for rows.Next() {
		p, err := scanPerpRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan perp: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdateMark refreshes the denormalized mark-to-market fields of an open
// position. A position that is no longer open is left untouched.
func (s *PerpStore) UpdateMark(ctx context.Context, id string, currentPrice, unrealizedPnL decimal.Decimal) error {
	const query = `
		UPDATE perp_positions SET
			current_price  = $2,
			unrealized_pnl = $3
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, currentPrice, unrealizedPnL)
	if err != nil {
		return fmt.Errorf("postgres: update mark %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPositionAlreadyClosed
	}
	return nil
}

// AddFunding accumulates a signed funding payment into an open position.
func (s *PerpStore) AddFunding(ctx context.Context, id string, payment decimal.Decimal) error {
	const query = `
		UPDATE perp_positions SET
			funding_paid = funding_paid + $2
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, payment)
	if err != nil {
		return fmt.Errorf("postgres: add funding %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPositionAlreadyClosed
	}
	return nil
}

// CloseCAS transitions OPEN -> status if and only if the position is still
// open. The WHERE clause is the single-winner guard between a user close and
// a liquidation sweep.
func (s *PerpStore) CloseCAS(ctx context.Context, id string, status domain.PerpStatus, exitPrice decimal.Decimal, closedAt time.Time) error {
	const query = `
		UPDATE perp_positions SET
			status         = $2,
			exit_price     = $3,
			closed_at      = $4,
			current_price  = $3,
			unrealized_pnl = 0
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, string(status), exitPrice, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: close perp %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPositionAlreadyClosed
	}
	return nil
}
