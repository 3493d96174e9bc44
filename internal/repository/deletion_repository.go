package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/sheetsync/internal/db"
	"github.com/rpattn/sheetsync/internal/domain"
)

const auditColumns = `business_key, scope, deleted_at, deleted_by, reason, full_snapshot, can_recover, recovered_at, recovered_by`

type deletionRepository struct {
	pool *pgxpool.Pool
}

// NewDeletionRepository wires a soft-delete store backed by pgxpool.
func NewDeletionRepository(pool *pgxpool.Pool) DeletionRepository {
	return &deletionRepository{pool: pool}
}

// SoftDelete marks the record deleted and writes its audit row in one
// transaction. The update is guarded by the record version so a record
// edited after it was validated is left alone.
func (r *deletionRepository) SoftDelete(ctx context.Context, record domain.StoredRecord, reason string, deletedBy string) (domain.DeletionAudit, error) {
	snapshot, err := record.Snapshot()
	if err != nil {
		return domain.DeletionAudit{}, err
	}

	var audit domain.DeletionAudit
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var deletedAt time.Time
		err := tx.QueryRow(
			ctx,
			`UPDATE records
			 SET deleted_at = now(), version = version + 1
			 WHERE business_key = $1 AND version = $2 AND deleted_at IS NULL
			 RETURNING deleted_at`,
			record.BusinessKey,
			record.Version,
		).Scan(&deletedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("soft delete %s at version %d: %w", record.BusinessKey, record.Version, domain.ErrStaleRecord)
		}
		if err != nil {
			return classifyError("soft delete "+record.BusinessKey, err)
		}

		row := tx.QueryRow(
			ctx,
			`INSERT INTO deletion_audits (business_key, scope, deleted_at, deleted_by, reason, full_snapshot, can_recover)
			 VALUES ($1, $2, $3, $4, $5, $6, TRUE)
			 ON CONFLICT (business_key) DO UPDATE
			 SET scope = EXCLUDED.scope,
			     deleted_at = EXCLUDED.deleted_at,
			     deleted_by = EXCLUDED.deleted_by,
			     reason = EXCLUDED.reason,
			     full_snapshot = EXCLUDED.full_snapshot,
			     can_recover = TRUE,
			     recovered_at = NULL,
			     recovered_by = NULL
			 RETURNING `+auditColumns,
			record.BusinessKey,
			record.Scope,
			deletedAt,
			deletedBy,
			reason,
			[]byte(snapshot),
		)
		audit, err = scanAudit(row)
		return err
	})
	if err != nil {
		return domain.DeletionAudit{}, classifyError("soft delete "+record.BusinessKey, err)
	}

	return audit, nil
}

// Recover restores a soft-deleted record from its audit snapshot. The
// restored record gets a fresh updated_at so the recency rule shields it
// from being deleted again by the next cycle.
func (r *deletionRepository) Recover(ctx context.Context, businessKey string, recoveredBy string) (domain.StoredRecord, error) {
	key := domain.NormalizeKey(businessKey)

	var restored domain.StoredRecord
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		audit, err := scanAudit(tx.QueryRow(
			ctx,
			`SELECT `+auditColumns+` FROM deletion_audits WHERE business_key = $1 FOR UPDATE`,
			key,
		))
		if errors.Is(err, domain.ErrRecordNotFound) {
			return &domain.NotRecoverableError{BusinessKey: key, Reason: "no deletion audit"}
		}
		if err != nil {
			return err
		}
		if !audit.CanRecover {
			return &domain.NotRecoverableError{BusinessKey: key, Reason: "audit is marked unrecoverable"}
		}
		if audit.RecoveredAt != nil {
			return &domain.NotRecoverableError{BusinessKey: key, Reason: "already recovered"}
		}

		snapshot, err := domain.RecordFromSnapshot(audit.FullSnapshot)
		if err != nil {
			return err
		}
		fieldsJSON, baselineJSON, err := encodeFieldPair(snapshot.Fields, snapshot.LastSyncedFields)
		if err != nil {
			return err
		}

		restored, err = scanRecord(tx.QueryRow(
			ctx,
			`INSERT INTO records (id, scope, business_key, fields, last_synced_fields, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, 1, COALESCE($6, now()), now())
			 ON CONFLICT (business_key) DO UPDATE
			 SET fields = EXCLUDED.fields,
			     last_synced_fields = EXCLUDED.last_synced_fields,
			     version = records.version + 1,
			     updated_at = now(),
			     deleted_at = NULL
			 WHERE records.deleted_at IS NOT NULL
			 RETURNING `+recordColumns,
			snapshot.ID,
			audit.Scope,
			key,
			fieldsJSON,
			baselineJSON,
			nullableTime(snapshot.CreatedAt),
		))
		if errors.Is(err, domain.ErrRecordNotFound) {
			return &domain.NotRecoverableError{BusinessKey: key, Reason: "record is already active"}
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(
			ctx,
			`UPDATE deletion_audits SET recovered_at = now(), recovered_by = $2 WHERE business_key = $1`,
			key,
			recoveredBy,
		)
		if err != nil {
			return classifyError("stamp recovery "+key, err)
		}
		return nil
	})
	if err != nil {
		return domain.StoredRecord{}, classifyError("recover "+key, err)
	}

	return restored, nil
}

func (r *deletionRepository) GetAudit(ctx context.Context, businessKey string) (domain.DeletionAudit, error) {
	return scanAudit(r.pool.QueryRow(
		ctx,
		`SELECT `+auditColumns+` FROM deletion_audits WHERE business_key = $1`,
		domain.NormalizeKey(businessKey),
	))
}

func (r *deletionRepository) ListAudits(ctx context.Context, scope string, limit int) ([]domain.DeletionAudit, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+auditColumns+`
		 FROM deletion_audits
		 WHERE scope = $1
		 ORDER BY deleted_at DESC
		 LIMIT $2`,
		scope,
		limit,
	)
	if err != nil {
		return nil, classifyError("list deletion audits", err)
	}
	defer rows.Close()

	audits := []domain.DeletionAudit{}
	for rows.Next() {
		audit, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		audits = append(audits, audit)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("iterate deletion audits", err)
	}

	return audits, nil
}

func (r *deletionRepository) MarkUnrecoverable(ctx context.Context, businessKey string) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE deletion_audits SET can_recover = FALSE WHERE business_key = $1`,
		domain.NormalizeKey(businessKey),
	)
	if err != nil {
		return classifyError("mark unrecoverable", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark unrecoverable %s: %w", businessKey, domain.ErrRecordNotFound)
	}
	return nil
}

func scanAudit(row pgx.Row) (domain.DeletionAudit, error) {
	var (
		audit       domain.DeletionAudit
		snapshot    []byte
		recoveredAt pgtype.Timestamptz
		recoveredBy pgtype.Text
	)
	if err := row.Scan(
		&audit.BusinessKey,
		&audit.Scope,
		&audit.DeletedAt,
		&audit.DeletedBy,
		&audit.Reason,
		&snapshot,
		&audit.CanRecover,
		&recoveredAt,
		&recoveredBy,
	); err != nil {
		return domain.DeletionAudit{}, classifyError("scan deletion audit", err)
	}

	audit.DeletedAt = audit.DeletedAt.UTC()
	audit.FullSnapshot = json.RawMessage(snapshot)
	if recoveredAt.Valid {
		value := recoveredAt.Time.UTC()
		audit.RecoveredAt = &value
	}
	if recoveredBy.Valid {
		value := recoveredBy.String
		audit.RecoveredBy = &value
	}

	return audit, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
