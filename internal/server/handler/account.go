package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/domain"
)

// LedgerService is the slice of the ledger the account handler mutates
// through.
type LedgerService interface {
	Deposit(ctx context.Context, userID string, amount decimal.Decimal) (domain.Account, error)
	Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (domain.Account, error)
}

// AccountReader serves account lookups and audit history.
type AccountReader interface {
	GetBalance(ctx context.Context, userID string) (domain.Account, error)
	GetTransactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.BalanceTransaction, error)
}

// AccountHandler serves account HTTP endpoints.
type AccountHandler struct {
	ledger LedgerService
	reader AccountReader
	logger *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(ledger LedgerService, reader AccountReader, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		ledger: ledger,
		reader: reader,
		logger: logHandler(logger, "account"),
	}
}

// accountView is the wire shape of an account.
type accountView struct {
	UserID         string          `json:"user_id"`
	Balance        decimal.Decimal `json:"balance"`
	Points         decimal.Decimal `json:"points"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn"`
	LifetimePnL    decimal.Decimal `json:"lifetime_pnl"`
}

func toAccountView(a domain.Account) accountView {
	return accountView{
		UserID:         a.UserID,
		Balance:        a.Balance,
		Points:         a.Points,
		TotalDeposited: a.TotalDeposited,
		TotalWithdrawn: a.TotalWithdrawn,
		LifetimePnL:    a.LifetimePnL,
	}
}

// GetBalance returns the account, creating it with a zero balance on first
// touch.
// GET /api/users/{id}/balance
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	acct, err := h.reader.GetBalance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get balance")
		return
	}

	writeJSON(w, http.StatusOK, toAccountView(acct))
}

type fundsRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Deposit credits the account.
// POST /api/users/{id}/deposit
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.applyFunds(w, r, h.ledger.Deposit, "deposit")
}

// Withdraw debits the account; overdrafts are rejected.
// POST /api/users/{id}/withdraw
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.applyFunds(w, r, h.ledger.Withdraw, "withdraw")
}

func (h *AccountHandler) applyFunds(
	w http.ResponseWriter,
	r *http.Request,
	apply func(context.Context, string, decimal.Decimal) (domain.Account, error),
	op string,
) {
	userID := pathParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	var req fundsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, err := apply(r.Context(), userID, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, err, op)
		return
	}

	writeJSON(w, http.StatusOK, toAccountView(acct))
}

// GetTransactions returns the account's balance audit trail, newest first.
// GET /api/users/{id}/transactions?limit=50&offset=0
func (h *AccountHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	opts := parseListOpts(r)
	txs, err := h.reader.GetTransactions(r.Context(), userID, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get transactions")
		return
	}

	views := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		views = append(views, map[string]any{
			"id":             tx.ID,
			"type":           tx.Type,
			"amount":         tx.Amount,
			"balance_before": tx.BalanceBefore,
			"balance_after":  tx.BalanceAfter,
			"description":    tx.Description,
			"created_at":     tx.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"transactions": views,
		"limit":        opts.Limit,
		"offset":       opts.Offset,
	})
}
