package domain

import (
	"context"
	"io"
)

// BlobWriter writes objects to cold storage (S3-compatible). The ledger
// archiver uses it to export aged transaction history.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
