package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/sheetsync/internal/domain"
)

const recordColumns = `id, scope, business_key, fields, last_synced_fields, version, created_at, updated_at, deleted_at`

// recordRepository implements RecordRepository
type recordRepository struct {
	pool *pgxpool.Pool
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(pool *pgxpool.Pool) RecordRepository {
	return &recordRepository{pool: pool}
}

// ListActive retrieves all non-deleted records for a scope
func (r *recordRepository) ListActive(ctx context.Context, scope string) ([]domain.StoredRecord, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+recordColumns+`
		 FROM records
		 WHERE scope = $1 AND deleted_at IS NULL
		 ORDER BY business_key`,
		scope,
	)
	if err != nil {
		return nil, classifyError("list records", err)
	}
	defer rows.Close()

	records := []domain.StoredRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("iterate records", err)
	}

	return records, nil
}

// GetByKey retrieves a record by business key, deleted or not
func (r *recordRepository) GetByKey(ctx context.Context, businessKey string) (domain.StoredRecord, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+recordColumns+` FROM records WHERE business_key = $1`,
		domain.NormalizeKey(businessKey),
	)
	return scanRecord(row)
}

// Insert creates a new record
func (r *recordRepository) Insert(ctx context.Context, record domain.StoredRecord) (domain.StoredRecord, error) {
	fieldsJSON, baselineJSON, err := encodeFieldPair(record.Fields, record.LastSyncedFields)
	if err != nil {
		return domain.StoredRecord{}, err
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO records (id, scope, business_key, fields, last_synced_fields, version)
		 VALUES ($1, $2, $3, $4, $5, 1)
		 RETURNING `+recordColumns,
		record.ID,
		record.Scope,
		domain.NormalizeKey(record.BusinessKey),
		fieldsJSON,
		baselineJSON,
	)
	inserted, err := scanRecord(row)
	if err != nil {
		return domain.StoredRecord{}, classifyError("insert record "+record.BusinessKey, err)
	}
	return inserted, nil
}

// ApplyFields merges the changed fields and advances the baseline in the
// same statement so the two can never diverge.
func (r *recordRepository) ApplyFields(ctx context.Context, record domain.StoredRecord, fields domain.Fields, baseline domain.Fields) (domain.StoredRecord, error) {
	fieldsJSON, baselineJSON, err := encodeFieldPair(fields, baseline)
	if err != nil {
		return domain.StoredRecord{}, err
	}

	row := r.pool.QueryRow(
		ctx,
		`UPDATE records
		 SET fields = fields || $2::jsonb,
		     last_synced_fields = last_synced_fields || $3::jsonb,
		     version = version + 1,
		     updated_at = CASE WHEN $2::jsonb = '{}'::jsonb THEN updated_at ELSE now() END
		 WHERE business_key = $1 AND version = $4 AND deleted_at IS NULL
		 RETURNING `+recordColumns,
		record.BusinessKey,
		fieldsJSON,
		baselineJSON,
		record.Version,
	)
	updated, err := scanRecord(row)
	if err != nil {
		classified := classifyError("update record "+record.BusinessKey, err)
		if errorsIsNotFound(classified) {
			return domain.StoredRecord{}, fmt.Errorf("update record %s at version %d: %w", record.BusinessKey, record.Version, domain.ErrStaleRecord)
		}
		return domain.StoredRecord{}, classified
	}
	return updated, nil
}

func encodeFieldPair(fields, baseline domain.Fields) ([]byte, []byte, error) {
	if fields == nil {
		fields = domain.Fields{}
	}
	if baseline == nil {
		baseline = domain.Fields{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	baselineJSON, err := json.Marshal(baseline)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal baseline: %w", err)
	}
	return fieldsJSON, baselineJSON, nil
}

func scanRecord(row pgx.Row) (domain.StoredRecord, error) {
	var (
		record       domain.StoredRecord
		fieldsJSON   []byte
		baselineJSON []byte
		createdAt    time.Time
		updatedAt    time.Time
		deletedAt    pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&record.Scope,
		&record.BusinessKey,
		&fieldsJSON,
		&baselineJSON,
		&record.Version,
		&createdAt,
		&updatedAt,
		&deletedAt,
	); err != nil {
		return domain.StoredRecord{}, classifyError("scan record", err)
	}

	record.Fields = domain.Fields{}
	if err := json.Unmarshal(fieldsJSON, &record.Fields); err != nil {
		return domain.StoredRecord{}, fmt.Errorf("failed to decode fields for record %s: %w", record.BusinessKey, err)
	}
	record.LastSyncedFields = domain.Fields{}
	if err := json.Unmarshal(baselineJSON, &record.LastSyncedFields); err != nil {
		return domain.StoredRecord{}, fmt.Errorf("failed to decode baseline for record %s: %w", record.BusinessKey, err)
	}

	record.CreatedAt = createdAt.UTC()
	record.UpdatedAt = updatedAt.UTC()
	if deletedAt.Valid {
		value := deletedAt.Time.UTC()
		record.DeletedAt = &value
	}

	return record, nil
}
