// Package pipeline contains the exchange's background jobs. The archiver
// exports aged ledger audit rows to cold storage and prunes them from the
// primary database.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/metrics"
)

// multipartThreshold is the JSONL buffer size above which the archiver
// switches to a multipart upload.
const multipartThreshold = 4 * 1024 * 1024

// TransactionArchiveStore is the slice of the audit trail the archiver
// exports from and prunes.
type TransactionArchiveStore interface {
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.BalanceTransaction, error)
	DeleteIDs(ctx context.Context, ids []string) (int64, error)
}

// BlobWriter uploads archive objects. The S3 writer satisfies this; large
// batches take the multipart path.
type BlobWriter interface {
	domain.BlobWriter
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver exports balance transactions older than the retention window to
// JSONL objects in cold storage, then deletes the exported rows. Rows are
// only pruned after their object upload succeeds, so a failed run leaves the
// audit trail intact and the next run re-exports.
type Archiver struct {
	txs           TransactionArchiveStore
	writer        BlobWriter
	retentionDays int
	batchSize     int
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(txs TransactionArchiveStore, writer BlobWriter, retentionDays, batchSize int, m *metrics.Metrics, logger *slog.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = 10_000
	}
	return &Archiver{
		txs:           txs,
		writer:        writer,
		retentionDays: retentionDays,
		batchSize:     batchSize,
		metrics:       m,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// archivedTx is the JSONL row shape. Decimals are rendered as strings.
type archivedTx struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Type          string    `json:"type"`
	Amount        string    `json:"amount"`
	BalanceBefore string    `json:"balance_before"`
	BalanceAfter  string    `json:"balance_after"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Run executes a single archive pass, exporting batches until no rows older
// than the retention cutoff remain.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	var total int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := a.txs.ListOlderThan(ctx, cutoff, a.batchSize)
		if err != nil {
			return fmt.Errorf("archiver: list transactions: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		if err := a.exportBatch(ctx, batch); err != nil {
			return err
		}

		// Prune exactly the exported rows. An upload that succeeds but dies
		// before the delete is re-exported on the next run; nothing is ever
		// deleted unexported.
		ids := make([]string, len(batch))
		for i, tx := range batch {
			ids[i] = tx.ID
		}
		deleted, err := a.txs.DeleteIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("archiver: prune transactions: %w", err)
		}

		total += deleted
		if a.metrics != nil {
			a.metrics.ArchivedRowsTotal.Add(float64(deleted))
		}
	}

	a.logger.Info("archive run complete", slog.Int64("rows_archived", total))
	return nil
}

// exportBatch serializes one batch to JSONL and uploads it.
func (a *Archiver) exportBatch(ctx context.Context, batch []domain.BalanceTransaction) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, tx := range batch {
		row := archivedTx{
			ID:            tx.ID,
			UserID:        tx.UserID,
			Type:          string(tx.Type),
			Amount:        tx.Amount.String(),
			BalanceBefore: tx.BalanceBefore.String(),
			BalanceAfter:  tx.BalanceAfter.String(),
			Description:   tx.Description,
			CreatedAt:     tx.CreatedAt.UTC(),
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("archiver: encode row %s: %w", tx.ID, err)
		}
	}

	newest := batch[len(batch)-1].CreatedAt.UTC()
	path := fmt.Sprintf("ledger/%s/transactions-%s.jsonl",
		newest.Format("2006/01/02"),
		newest.Format("20060102T150405.000000000Z"),
	)

	reader := bytes.NewReader(buf.Bytes())
	var err error
	if buf.Len() >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, reader, int64(buf.Len()))
	} else {
		err = a.writer.Put(ctx, path, reader, "application/x-ndjson")
	}
	if err != nil {
		return fmt.Errorf("archiver: upload %s: %w", path, err)
	}

	a.logger.Info("archived batch",
		slog.String("path", path),
		slog.Int("rows", len(batch)),
		slog.Int("bytes", buf.Len()),
	)
	return nil
}

// RunLoop runs archive passes on the given interval until ctx is cancelled.
// A failed pass is logged and retried on the next tick.
func (a *Archiver) RunLoop(ctx context.Context, interval time.Duration) error {
	a.logger.Info("archiver loop started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
