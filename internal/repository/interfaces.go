package repository

import (
	"context"

	"github.com/rpattn/sheetsync/internal/domain"
)

// RecordRepository defines the keyed CRUD operations over stored records.
type RecordRepository interface {
	// ListActive returns every non-deleted record in scope.
	ListActive(ctx context.Context, scope string) ([]domain.StoredRecord, error)
	// GetByKey returns a record by business key, including soft-deleted ones.
	GetByKey(ctx context.Context, businessKey string) (domain.StoredRecord, error)
	// Insert creates a record. A taken business key yields domain.ErrDuplicateKey.
	Insert(ctx context.Context, record domain.StoredRecord) (domain.StoredRecord, error)
	// ApplyFields merges fields into the record and baseline into its
	// last-synced snapshot in one statement, guarded by record.Version.
	// A version mismatch yields domain.ErrStaleRecord.
	ApplyFields(ctx context.Context, record domain.StoredRecord, fields domain.Fields, baseline domain.Fields) (domain.StoredRecord, error)
}

// DeletionRepository is the soft-delete and audit store. It is the only
// writer of deleted_at and of deletion audits.
type DeletionRepository interface {
	// SoftDelete writes the audit snapshot and the deleted_at marker
	// atomically.
	SoftDelete(ctx context.Context, record domain.StoredRecord, reason string, deletedBy string) (domain.DeletionAudit, error)
	// Recover restores the record from its audit snapshot. It fails with
	// *domain.NotRecoverableError when recovery is not allowed.
	Recover(ctx context.Context, businessKey string, recoveredBy string) (domain.StoredRecord, error)
	GetAudit(ctx context.Context, businessKey string) (domain.DeletionAudit, error)
	ListAudits(ctx context.Context, scope string, limit int) ([]domain.DeletionAudit, error)
	// MarkUnrecoverable flips can_recover to false, for example after a purge.
	MarkUnrecoverable(ctx context.Context, businessKey string) error
}

// SyncRunRepository stores run logs for observability. Rows are append-only.
type SyncRunRepository interface {
	Record(ctx context.Context, run domain.SyncRunLog) error
	List(ctx context.Context, scope string, limit int) ([]domain.SyncRunLog, error)
}
