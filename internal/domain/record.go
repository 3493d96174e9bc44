package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceRecord is one normalized spreadsheet row. It is rebuilt every cycle.
type SourceRecord struct {
	BusinessKey string `json:"business_key"`
	Fields      Fields `json:"fields"`
	Row         int    `json:"row,omitempty"`
}

// StoredRecord is the persisted entity. LastSyncedFields is the baseline used
// for three-way comparison; it only advances together with a successful
// write of the same field.
type StoredRecord struct {
	ID               uuid.UUID  `json:"id"`
	Scope            string     `json:"scope"`
	BusinessKey      string     `json:"business_key"`
	Fields           Fields     `json:"fields"`
	LastSyncedFields Fields     `json:"last_synced_fields"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// NewStoredRecord builds the record created by a first-time insert: fields
// and baseline both equal the source row.
func NewStoredRecord(scope string, source SourceRecord) StoredRecord {
	now := time.Now().UTC()
	return StoredRecord{
		ID:               uuid.New(),
		Scope:            scope,
		BusinessKey:      NormalizeKey(source.BusinessKey),
		Fields:           source.Fields.Clone(),
		LastSyncedFields: source.Fields.Clone(),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsDeleted reports whether the record carries a soft-delete marker.
func (r StoredRecord) IsDeleted() bool { return r.DeletedAt != nil }

// Snapshot serializes the full record for the deletion audit.
func (r StoredRecord) Snapshot() (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot record %s: %w", r.BusinessKey, err)
	}
	return raw, nil
}

// RecordFromSnapshot rebuilds a record from an audit snapshot.
func RecordFromSnapshot(raw json.RawMessage) (StoredRecord, error) {
	var record StoredRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return StoredRecord{}, fmt.Errorf("failed to decode record snapshot: %w", err)
	}
	if record.Fields == nil {
		record.Fields = Fields{}
	}
	if record.LastSyncedFields == nil {
		record.LastSyncedFields = Fields{}
	}
	return record, nil
}

// NormalizeKey case-folds a business key and collapses whitespace so that
// formatting differences in the sheet never orphan a record.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.Join(strings.Fields(key), " "))
}
