package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/metrics"
	"github.com/babylonmarkets/exchange/internal/store/memory"
)

type capturingWriter struct {
	paths      []string
	bodies     [][]byte
	multiparts int
}

func (w *capturingWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.paths = append(w.paths, path)
	w.bodies = append(w.bodies, body)
	return nil
}

func (w *capturingWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	w.multiparts++
	return w.Put(context.Background(), path, data, "application/x-ndjson")
}

func TestArchiver_ExportsAndPrunesOldRows(t *testing.T) {
	ctx := context.Background()
	accounts := memory.NewAccountStore()

	for i := 0; i < 5; i++ {
		_, _, err := accounts.ApplyBalance(ctx, domain.BalanceChange{
			UserID: "alice",
			Delta:  decimal.NewFromInt(10),
			Type:   domain.TxDeposit,
		})
		require.NoError(t, err)
	}

	// Everything written above is older than a cutoff taken after the fact.
	time.Sleep(5 * time.Millisecond)

	writer := &capturingWriter{}
	a := NewArchiver(accounts, writer, 0, 2, metrics.NewUnregistered(), slog.New(slog.DiscardHandler))

	require.NoError(t, a.Run(ctx))

	remaining, err := accounts.ListOlderThan(ctx, time.Now().UTC(), 100)
	require.NoError(t, err)
	require.Empty(t, remaining, "all aged rows should be pruned")

	require.NotEmpty(t, writer.paths)
	for _, path := range writer.paths {
		require.True(t, strings.HasPrefix(path, "ledger/"), "path %q", path)
		require.True(t, strings.HasSuffix(path, ".jsonl"), "path %q", path)
	}

	var rows int
	seen := make(map[string]bool)
	for _, body := range writer.bodies {
		rows += bytes.Count(body, []byte("\n"))
		for _, line := range bytes.Split(bytes.TrimSpace(body), []byte("\n")) {
			var row struct {
				ID string `json:"id"`
			}
			require.NoError(t, json.Unmarshal(line, &row))
			require.False(t, seen[row.ID], "row %s exported twice", row.ID)
			seen[row.ID] = true
		}
	}
	require.Equal(t, 5, rows, "every audit row is exported exactly once")
	require.Zero(t, writer.multiparts, "small batches use the single-shot upload")
}

func TestArchiver_KeepsRowsInsideRetention(t *testing.T) {
	ctx := context.Background()
	accounts := memory.NewAccountStore()

	_, _, err := accounts.ApplyBalance(ctx, domain.BalanceChange{
		UserID: "bob",
		Delta:  decimal.NewFromInt(25),
		Type:   domain.TxDeposit,
	})
	require.NoError(t, err)

	writer := &capturingWriter{}
	a := NewArchiver(accounts, writer, 90, 100, metrics.NewUnregistered(), slog.New(slog.DiscardHandler))

	require.NoError(t, a.Run(ctx))

	require.Empty(t, writer.paths, "fresh rows stay in the primary store")

	txs, err := accounts.ListByUser(ctx, "bob", domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, txs, 1)
}
