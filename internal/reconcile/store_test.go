package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/sheetsync/internal/domain"
)

// memoryStore implements the record, deletion and run repositories with the
// same guards as the SQL versions.
type memoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]domain.StoredRecord
	audits  map[string]domain.DeletionAudit
	runs    []domain.SyncRunLog

	inserts    int
	applyCalls int
	insertErr  map[string]error
	applyErr   map[string]error
	listErr    error
	// beforeApply runs before every ApplyFields, outside the lock.
	beforeApply func(key string)
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{
		now:       now,
		records:   make(map[string]domain.StoredRecord),
		audits:    make(map[string]domain.DeletionAudit),
		insertErr: make(map[string]error),
		applyErr:  make(map[string]error),
	}
}

func cloneRecord(record domain.StoredRecord) domain.StoredRecord {
	record.Fields = record.Fields.Clone()
	record.LastSyncedFields = record.LastSyncedFields.Clone()
	if record.DeletedAt != nil {
		deletedAt := *record.DeletedAt
		record.DeletedAt = &deletedAt
	}
	return record
}

func (m *memoryStore) put(record domain.StoredRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.Version == 0 {
		record.Version = 1
	}
	record.BusinessKey = domain.NormalizeKey(record.BusinessKey)
	m.records[record.BusinessKey] = cloneRecord(record)
}

func (m *memoryStore) get(key string) (domain.StoredRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[domain.NormalizeKey(key)]
	return cloneRecord(record), ok
}

func (m *memoryStore) ListActive(ctx context.Context, scope string) ([]domain.StoredRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := []domain.StoredRecord{}
	for _, record := range m.records {
		if record.Scope == scope && !record.IsDeleted() {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessKey < out[j].BusinessKey })
	return out, nil
}

func (m *memoryStore) GetByKey(ctx context.Context, businessKey string) (domain.StoredRecord, error) {
	record, ok := m.get(businessKey)
	if !ok {
		return domain.StoredRecord{}, domain.ErrRecordNotFound
	}
	return record, nil
}

func (m *memoryStore) Insert(ctx context.Context, record domain.StoredRecord) (domain.StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.NormalizeKey(record.BusinessKey)
	if err, ok := m.insertErr[key]; ok {
		return domain.StoredRecord{}, err
	}
	if _, exists := m.records[key]; exists {
		return domain.StoredRecord{}, fmt.Errorf("insert %s: %w", key, domain.ErrDuplicateKey)
	}
	m.inserts++
	record.BusinessKey = key
	record.Version = 1
	record.CreatedAt = m.now()
	record.UpdatedAt = m.now()
	m.records[key] = cloneRecord(record)
	return cloneRecord(record), nil
}

func (m *memoryStore) ApplyFields(ctx context.Context, record domain.StoredRecord, fields domain.Fields, baseline domain.Fields) (domain.StoredRecord, error) {
	if m.beforeApply != nil {
		m.beforeApply(record.BusinessKey)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	if err, ok := m.applyErr[record.BusinessKey]; ok {
		return domain.StoredRecord{}, err
	}
	current, ok := m.records[record.BusinessKey]
	if !ok || current.IsDeleted() || current.Version != record.Version {
		return domain.StoredRecord{}, fmt.Errorf("update %s: %w", record.BusinessKey, domain.ErrStaleRecord)
	}
	current = cloneRecord(current)
	for name, value := range fields {
		current.Fields[name] = value
	}
	for name, value := range baseline {
		current.LastSyncedFields[name] = value
	}
	current.Version++
	if len(fields) > 0 {
		current.UpdatedAt = m.now()
	}
	m.records[record.BusinessKey] = current
	return cloneRecord(current), nil
}

func (m *memoryStore) SoftDelete(ctx context.Context, record domain.StoredRecord, reason string, deletedBy string) (domain.DeletionAudit, error) {
	snapshot, err := record.Snapshot()
	if err != nil {
		return domain.DeletionAudit{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[record.BusinessKey]
	if !ok || current.IsDeleted() || current.Version != record.Version {
		return domain.DeletionAudit{}, fmt.Errorf("soft delete %s: %w", record.BusinessKey, domain.ErrStaleRecord)
	}
	deletedAt := m.now()
	current.DeletedAt = &deletedAt
	current.Version++
	m.records[record.BusinessKey] = current

	audit := domain.DeletionAudit{
		BusinessKey:  record.BusinessKey,
		Scope:        record.Scope,
		DeletedAt:    deletedAt,
		DeletedBy:    deletedBy,
		Reason:       reason,
		FullSnapshot: snapshot,
		CanRecover:   true,
	}
	m.audits[record.BusinessKey] = audit
	return audit, nil
}

func (m *memoryStore) Recover(ctx context.Context, businessKey string, recoveredBy string) (domain.StoredRecord, error) {
	key := domain.NormalizeKey(businessKey)
	m.mu.Lock()
	defer m.mu.Unlock()
	audit, ok := m.audits[key]
	if !ok {
		return domain.StoredRecord{}, &domain.NotRecoverableError{BusinessKey: key, Reason: "no deletion audit"}
	}
	if !audit.CanRecover {
		return domain.StoredRecord{}, &domain.NotRecoverableError{BusinessKey: key, Reason: "audit is marked unrecoverable"}
	}
	if audit.RecoveredAt != nil {
		return domain.StoredRecord{}, &domain.NotRecoverableError{BusinessKey: key, Reason: "already recovered"}
	}
	if current, ok := m.records[key]; ok && !current.IsDeleted() {
		return domain.StoredRecord{}, &domain.NotRecoverableError{BusinessKey: key, Reason: "record is already active"}
	}
	snapshot, err := domain.RecordFromSnapshot(audit.FullSnapshot)
	if err != nil {
		return domain.StoredRecord{}, err
	}
	restored := snapshot
	restored.DeletedAt = nil
	restored.UpdatedAt = m.now()
	if current, ok := m.records[key]; ok {
		restored.Version = current.Version + 1
	}
	m.records[key] = cloneRecord(restored)

	recoveredAt := m.now()
	audit.RecoveredAt = &recoveredAt
	audit.RecoveredBy = &recoveredBy
	m.audits[key] = audit
	return cloneRecord(restored), nil
}

func (m *memoryStore) GetAudit(ctx context.Context, businessKey string) (domain.DeletionAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	audit, ok := m.audits[domain.NormalizeKey(businessKey)]
	if !ok {
		return domain.DeletionAudit{}, domain.ErrRecordNotFound
	}
	return audit, nil
}

func (m *memoryStore) ListAudits(ctx context.Context, scope string, limit int) ([]domain.DeletionAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.DeletionAudit{}
	for _, audit := range m.audits {
		if audit.Scope == scope {
			out = append(out, audit)
		}
	}
	return out, nil
}

func (m *memoryStore) MarkUnrecoverable(ctx context.Context, businessKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.NormalizeKey(businessKey)
	audit, ok := m.audits[key]
	if !ok {
		return domain.ErrRecordNotFound
	}
	audit.CanRecover = false
	m.audits[key] = audit
	return nil
}

func (m *memoryStore) Record(ctx context.Context, run domain.SyncRunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memoryStore) List(ctx context.Context, scope string, limit int) ([]domain.SyncRunLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.SyncRunLog{}
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].Scope == scope {
			out = append(out, m.runs[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
