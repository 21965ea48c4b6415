package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

var _ domain.MarketStore = (*MarketStore)(nil)

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, question, yes_shares, no_shares, liquidity,
	minted_yes, minted_no, resolved, resolution, created_at, updated_at`

func scanMarketRow(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var resolution *string

	err := row.Scan(
		&m.ID, &m.Question,
		&m.YesShares, &m.NoShares, &m.Liquidity,
		&m.MintedYes, &m.MintedNo,
		&m.Resolved, &resolution,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	if resolution != nil {
		o := domain.Outcome(*resolution)
		m.Resolution = &o
	}
	return m, nil
}

// Create inserts a new market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, yes_shares, no_shares, liquidity,
			minted_yes, minted_no, resolved, resolution, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	var resolution *string
	if m.Resolution != nil {
		r := string(*m.Resolution)
		resolution = &r
	}

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Question,
		m.YesShares, m.NoShares, m.Liquidity,
		m.MintedYes, m.MintedNo,
		m.Resolved, resolution,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID fetches one market.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE id = $1`

	m, err := scanMarketRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// Update replaces the pool state and resolution flags.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	const query = `
		UPDATE markets SET
			yes_shares = $2,
			no_shares  = $3,
			liquidity  = $4,
			minted_yes = $5,
			minted_no  = $6,
			resolved   = $7,
			resolution = $8,
			updated_at = NOW()
		WHERE id = $1`

	var resolution *string
	if m.Resolution != nil {
		r := string(*m.Resolution)
		resolution = &r
	}

	tag, err := s.pool.Exec(ctx, query,
		m.ID,
		m.YesShares, m.NoShares, m.Liquidity,
		m.MintedYes, m.MintedNo,
		m.Resolved, resolution,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOpen returns unresolved markets, newest first.
func (s *MarketStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + `
		FROM markets
		WHERE NOT resolved
		ORDER BY created_at DESC`
	args := []any{}
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
		return nil, fmt.Errorf("postgres: list open markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarketRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}
