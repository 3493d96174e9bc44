// Package source reads rows from the external spreadsheet that acts as the
// system of record, in quota-friendly batches.
package source

import (
	"context"

	"github.com/rpattn/sheetsync/internal/domain"
)

// Reader fetches a window of normalized rows for a scope. Implementations
// return *domain.QuotaExceededError when the source rejects a read for
// quota reasons; every other error is treated as the source being
// unreachable.
type Reader interface {
	FetchRows(ctx context.Context, scope string, offset, limit int) ([]domain.SourceRecord, error)
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(ctx context.Context, scope string, offset, limit int) ([]domain.SourceRecord, error)

func (f ReaderFunc) FetchRows(ctx context.Context, scope string, offset, limit int) ([]domain.SourceRecord, error) {
	return f(ctx, scope, offset, limit)
}
