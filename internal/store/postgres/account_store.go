package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// AccountStore implements domain.AccountStore and domain.TransactionStore
// using PostgreSQL. ApplyBalance runs the account update and the audit insert
// in one transaction so the pair can never diverge.
type AccountStore struct {
	pool *pgxpool.Pool
}

var (
	_ domain.AccountStore     = (*AccountStore)(nil)
	_ domain.TransactionStore = (*AccountStore)(nil)
)

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const accountSelectCols = `user_id, balance, points, total_deposited,
	total_withdrawn, lifetime_pnl, created_at, updated_at`

func scanAccountRow(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.UserID, &a.Balance, &a.Points,
		&a.TotalDeposited, &a.TotalWithdrawn, &a.LifetimePnL,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// Ensure returns the account, creating it with zero balances on first touch.
func (s *AccountStore) Ensure(ctx context.Context, userID string) (domain.Account, error) {
	query := `
		INSERT INTO accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING ` + accountSelectCols

	a, err := scanAccountRow(s.pool.QueryRow(ctx, query, userID))
	if err != nil {
		return domain.Account{}, fmt.Errorf("postgres: ensure account %s: %w", userID, err)
	}
	return a, nil
}

// Get fetches one account.
func (s *AccountStore) Get(ctx context.Context, userID string) (domain.Account, error) {
	query := `SELECT ` + accountSelectCols + ` FROM accounts WHERE user_id = $1`

	a, err := scanAccountRow(s.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", userID, err)
	}
	return a, nil
}

// ApplyBalance atomically mutates the balance and inserts the paired audit
// row. The balance CHECK constraint enforces non-negativity at the database
// level as well; the explicit pre-check keeps the error typed.
func (s *AccountStore) ApplyBalance(ctx context.Context, change domain.BalanceChange) (domain.Account, domain.BalanceTransaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Account{}, domain.BalanceTransaction{}, fmt.Errorf("postgres: begin apply balance: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the account row for the duration of the mutation.
	ensure := `
		INSERT INTO accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`
	if _, err := tx.Exec(ctx, ensure, change.UserID); err != nil {
		return domain.Account{}, domain.BalanceTransaction{}, fmt.Errorf("postgres: ensure account %s: %w", change.UserID, err)
	}

	var before decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`,
		change.UserID,
	).Scan(&before)
	if err != nil {
		return domain.Account{}, domain.BalanceTransaction{}, fmt.Errorf("postgres: lock account %s: %w", change.UserID, err)
	}

	after := before.Add(change.Delta)
	if after.Sign() < 0 {
		return domain.Account{}, domain.BalanceTransaction{}, domain.ErrInsufficientBalance
	}

	update := `
		UPDATE accounts SET
			balance         = $2,
			total_deposited = total_deposited + $3,
			total_withdrawn = total_withdrawn + $4,
			lifetime_pnl    = lifetime_pnl + $5,
			updated_at      = NOW()
		WHERE user_id = $1
		RETURNING ` + accountSelectCols

	account, err := scanAccountRow(tx.QueryRow(ctx, update,
		change.UserID, after,
		change.DepositDelta, change.WithdrawDelta, change.PnLDelta,
	))
	if err != nil {
		return domain.Account{}, domain.BalanceTransaction{}, fmt.Errorf("postgres: update account %s: %w", change.UserID, err)
	}

	record := domain.BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        change.UserID,
		Type:          change.Type,
		Amount:        change.Delta,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   change.Description,
		CreatedAt:     time.Now().UTC(),
	}
	insert := `
		INSERT INTO balance_transactions (
			id, user_id, type, amount, balance_before, balance_after,
			description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.Exec(ctx, insert,
		record.ID, record.UserID, string(record.Type), record.Amount,
		record.BalanceBefore, record.BalanceAfter,
		record.Description, record.CreatedAt,
	); err != nil {
		return domain.Account{}, domain.BalanceTransaction{}, fmt.Errorf("postgres: insert audit row: %w: %w", domain.ErrLedgerFault, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, domain.BalanceTransaction{}, fmt.Errorf("postgres: commit apply balance: %w", err)
	}
	return account, record, nil
}

// ApplyPoints atomically mutates points and inserts the paired audit row.
func (s *AccountStore) ApplyPoints(ctx context.Context, userID string, delta decimal.Decimal, txType domain.TransactionType, description string) (domain.Account, domain.PointsTransaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Account{}, domain.PointsTransaction{}, fmt.Errorf("postgres: begin apply points: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ensure := `
		INSERT INTO accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`
	if _, err := tx.Exec(ctx, ensure, userID); err != nil {
		return domain.Account{}, domain.PointsTransaction{}, fmt.Errorf("postgres: ensure account %s: %w", userID, err)
	}

	var before decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT points FROM accounts WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&before)
	if err != nil {
		return domain.Account{}, domain.PointsTransaction{}, fmt.Errorf("postgres: lock account %s: %w", userID, err)
	}

	after := before.Add(delta)
	update := `
		UPDATE accounts SET points = $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING ` + accountSelectCols

	account, err := scanAccountRow(tx.QueryRow(ctx, update, userID, after))
	if err != nil {
		return domain.Account{}, domain.PointsTransaction{}, fmt.Errorf("postgres: update points %s: %w", userID, err)
	}

	record := domain.PointsTransaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		Type:         txType,
		Amount:       delta,
		PointsBefore: before,
		PointsAfter:  after,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	}
	insert := `
		INSERT INTO points_transactions (
			id, user_id, type, amount, points_before, points_after,
			description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.Exec(ctx, insert,
		record.ID, record.UserID, string(record.Type), record.Amount,
		record.PointsBefore, record.PointsAfter,
		record.Description, record.CreatedAt,
	); err != nil {
		return domain.Account{}, domain.PointsTransaction{}, fmt.Errorf("postgres: insert points audit row: %w: %w", domain.ErrLedgerFault, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, domain.PointsTransaction{}, fmt.Errorf("postgres: commit apply points: %w", err)
	}
	return account, record, nil
}

// Leaderboard ranks accounts by the given criteria, ties broken by the
// earliest account creation time.
func (s *AccountStore) Leaderboard(ctx context.Context, criteria domain.LeaderboardCriteria, opts domain.ListOpts) ([]domain.LeaderboardEntry, error) {
	var scoreCol string
	switch criteria {
	case domain.LeaderboardByPnL:
		scoreCol = "lifetime_pnl"
	case domain.LeaderboardByPoints:
		scoreCol = "points"
	case domain.LeaderboardByBalance:
		scoreCol = "balance"
	default:
		return nil, fmt.Errorf("postgres: leaderboard criteria %q: %w", criteria, domain.ErrNotFound)
	}

	query := fmt.Sprintf(`
		SELECT user_id, %s AS score, balance, points, lifetime_pnl, created_at
		FROM accounts
		ORDER BY score DESC, created_at ASC`, scoreCol)
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
		return nil, fmt.Errorf("postgres: leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	rank := opts.Offset
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Score, &e.Balance, &e.Points, &e.PnL, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan leaderboard row: %w", err)
		}
		rank++
		e.Rank = rank
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListByUser returns the user's audit trail, newest first.
func (s *AccountStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.BalanceTransaction, error) {
	query := `
		SELECT id, user_id, type, amount, balance_before, balance_after,
			description, created_at
		FROM balance_transactions
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

	return s.listTransactions(ctx, query, args...)
}

// ListOlderThan returns up to limit audit rows older than cutoff, oldest
// first, for archival export.
func (s *AccountStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.BalanceTransaction, error) {
	query := `
		SELECT id, user_id, type, amount, balance_before, balance_after,
			description, created_at
		FROM balance_transactions
		WHERE created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`
	return s.listTransactions(ctx, query, cutoff, limit)
}

// DeleteIDs prunes exactly the archived audit rows.
func (s *AccountStore) DeleteIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM balance_transactions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete archived transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *AccountStore) listTransactions(ctx context.Context, query string, args ...any) ([]domain.BalanceTransaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.BalanceTransaction
	for rows.Next() {
		var t domain.BalanceTransaction
		var txType string
		if err := rows.Scan(
			&t.ID, &t.UserID, &txType, &t.Amount,
			&t.BalanceBefore, &t.BalanceAfter,
			&t.Description, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		t.Type = domain.TransactionType(txType)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
