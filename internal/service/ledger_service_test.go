package service

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/metrics"
	"github.com/babylonmarkets/exchange/internal/store/memory"
)

func TestLedgerService_DepositWithdraw(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.ledger.Deposit(ctx, "alice", dec("100"))
	require.NoError(t, err)
	requireDecimalEqual(t, dec("100"), acct.Balance)
	requireDecimalEqual(t, dec("100"), acct.TotalDeposited)

	acct, err = e.ledger.Withdraw(ctx, "alice", dec("40"))
	require.NoError(t, err)
	requireDecimalEqual(t, dec("60"), acct.Balance)
	requireDecimalEqual(t, dec("40"), acct.TotalWithdrawn)

	_, err = e.ledger.Withdraw(ctx, "alice", dec("100"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	requireDecimalEqual(t, dec("60"), e.balance(t, "alice"))

	_, err = e.ledger.Deposit(ctx, "alice", dec("0"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = e.ledger.Withdraw(ctx, "alice", dec("-5"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestLedgerService_EveryMutationHasAuditRow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ledger.Deposit(ctx, "alice", dec("100"))
	require.NoError(t, err)
	_, err = e.ledger.Withdraw(ctx, "alice", dec("25"))
	require.NoError(t, err)

	txs, err := e.accounts.ListByUser(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, txs, 2)

	// Newest first: the withdrawal.
	assert.Equal(t, domain.TxWithdrawal, txs[0].Type)
	requireDecimalEqual(t, dec("-25"), txs[0].Amount)
	requireDecimalEqual(t, dec("100"), txs[0].BalanceBefore)
	requireDecimalEqual(t, dec("75"), txs[0].BalanceAfter)

	assert.Equal(t, domain.TxDeposit, txs[1].Type)
	requireDecimalEqual(t, dec("100"), txs[1].Amount)
}

func TestLedgerService_AuditFaultRaisesEngineFault(t *testing.T) {
	bus := memory.NewSignalBus()
	accounts := &failingAccountStore{
		AccountStore: memory.NewAccountStore(),
		failOn: map[domain.TransactionType]error{
			domain.TxDeposit: fmt.Errorf("audit row write: %w", domain.ErrLedgerFault),
		},
	}
	ledger := NewLedgerService(accounts, memory.NewLockManager(), bus,
		metrics.NewUnregistered(), slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx, "engine_fault")
	require.NoError(t, err)

	_, err = ledger.Deposit(ctx, "alice", dec("100"))
	require.ErrorIs(t, err, domain.ErrLedgerFault)

	payload := recvEvent(t, events)
	assert.Equal(t, "engine_fault", payload["event"])
	assert.Equal(t, "ledger", payload["source"])
	assert.Equal(t, "alice", payload["user_id"])
}

func TestLedgerService_AwardPoints(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.ledger.AwardPoints(ctx, "alice", dec("10"), domain.TxPoints, "trade activity"))
	require.NoError(t, e.ledger.AwardPoints(ctx, "alice", dec("10"), domain.TxPoints, "trade activity"))

	acct, err := e.accounts.Get(ctx, "alice")
	require.NoError(t, err)
	requireDecimalEqual(t, dec("20"), acct.Points)
	requireDecimalEqual(t, dec("0"), acct.Balance)
}
