// Package reconcile drives a sync run: it applies matched source rows to
// the datastore, decides what happens to orphaned records and schedules runs
// per scope.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/sheetsync/internal/domain"
	"github.com/rpattn/sheetsync/internal/repository"
)

// DefaultWorkers bounds concurrent record writes when none is configured.
const DefaultWorkers = 4

// ApplyStats aggregates one apply stage.
type ApplyStats struct {
	Added     int
	Updated   int
	Unchanged int
	Failed    int
	Skipped   int
	Errors    []domain.RecordError
	Conflicts []domain.RecordConflict
	Reviews   []domain.ReviewItem
}

// Applier is the only writer of record fields and baselines.
type Applier struct {
	records repository.RecordRepository
	workers int
	logger  *zap.SugaredLogger
}

// NewApplier creates an apply engine running at most workers writes at once.
func NewApplier(records repository.RecordRepository, workers int, logger *zap.SugaredLogger) *Applier {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Applier{records: records, workers: workers, logger: logger}
}

// InsertOutcome tells the caller what an insert ended up doing.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	// AlreadyExists means the key was taken, usually by a concurrent run.
	AlreadyExists
	// ExistsDeleted means the key belongs to a soft-deleted record.
	ExistsDeleted
)

// Insert creates a record whose fields and baseline both equal the source
// row. Blank and unparseable cells are left out; the unparseable ones are
// returned as record errors so they surface as conflicts on later runs
// instead of landing in the store as text. A key already owned by another
// scope is an error.
func (a *Applier) Insert(ctx context.Context, scope string, row domain.SourceRecord) (InsertOutcome, []domain.RecordError, error) {
	fields := domain.Fields{}
	var warnings []domain.RecordError
	for name, value := range row.Fields {
		switch {
		case value.IsNull():
		case value.Kind == domain.KindUnparsed:
			warnings = append(warnings, domain.RecordError{
				BusinessKey: row.BusinessKey,
				Message:     fmt.Sprintf("field %s not stored: %s", name, value.ParseError),
			})
		default:
			fields[name] = value
		}
	}
	sort.Slice(warnings, func(i, j int) bool { return warnings[i].Message < warnings[j].Message })

	record := domain.NewStoredRecord(scope, domain.SourceRecord{BusinessKey: row.BusinessKey, Fields: fields, Row: row.Row})
	if _, err := a.records.Insert(ctx, record); err != nil {
		if !errors.Is(err, domain.ErrDuplicateKey) {
			return Inserted, nil, err
		}
		existing, getErr := a.records.GetByKey(ctx, record.BusinessKey)
		if getErr != nil {
			return Inserted, nil, getErr
		}
		if existing.Scope != scope {
			return Inserted, nil, fmt.Errorf("business key %s is owned by scope %s: %w", record.BusinessKey, existing.Scope, domain.ErrDuplicateKey)
		}
		if existing.IsDeleted() {
			a.logger.Infow("insert skipped, key belongs to a soft-deleted record", "scope", scope, "business_key", record.BusinessKey)
			return ExistsDeleted, nil, nil
		}
		a.logger.Infow("insert skipped, key already exists", "scope", scope, "business_key", record.BusinessKey)
		return AlreadyExists, nil, nil
	}

	a.logger.Debugw("record inserted", "scope", scope, "business_key", record.BusinessKey, "fields", len(fields))
	return Inserted, warnings, nil
}

// ApplySafeUpdates writes the safe updates of result and advances the
// baseline of exactly those fields plus any baseline adoptions. Conflicting
// fields are not touched.
func (a *Applier) ApplySafeUpdates(ctx context.Context, stored domain.StoredRecord, result domain.ConflictResult) (domain.StoredRecord, error) {
	if !result.HasWrites() {
		return stored, nil
	}

	baseline := result.BaselineAdoptions.Clone()
	for name, value := range result.SafeUpdates {
		baseline[name] = value
	}

	updated, err := a.records.ApplyFields(ctx, stored, result.SafeUpdates, baseline)
	if err != nil {
		return domain.StoredRecord{}, err
	}
	a.logger.Debugw("record updated", "business_key", stored.BusinessKey, "fields", len(result.SafeUpdates), "baseline_only", len(result.BaselineAdoptions))
	return updated, nil
}

// Apply runs inserts and reconciliations for a match with a bounded worker
// pool. A record-level failure is collected and the rest carry on. A
// transport failure stops the stage and is returned. Writes already started
// are allowed to finish when ctx is cancelled; unstarted ones are skipped.
func (a *Applier) Apply(ctx context.Context, scope string, match domain.MatchResult) (ApplyStats, error) {
	stats := ApplyStats{
		Errors:    []domain.RecordError{},
		Conflicts: []domain.RecordConflict{},
		Reviews:   []domain.ReviewItem{},
	}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.workers)
	writeCtx := context.WithoutCancel(ctx)

	fail := func(key string, err error) error {
		if errors.Is(err, domain.ErrTransport) {
			return err
		}
		a.logger.Warnw("record write failed", "scope", scope, "business_key", key, "error", err)
		mu.Lock()
		stats.Failed++
		stats.Errors = append(stats.Errors, domain.RecordError{BusinessKey: key, Message: err.Error()})
		mu.Unlock()
		return nil
	}
	skipped := func() bool {
		if groupCtx.Err() == nil {
			return false
		}
		mu.Lock()
		stats.Skipped++
		mu.Unlock()
		return true
	}

	for _, row := range match.ToInsert {
		row := row
		group.Go(func() error {
			if skipped() {
				return nil
			}
			outcome, warnings, err := a.Insert(writeCtx, scope, row)
			if err != nil {
				return fail(row.BusinessKey, err)
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case Inserted:
				stats.Added++
				stats.Errors = append(stats.Errors, warnings...)
			case ExistsDeleted:
				stats.Unchanged++
				stats.Reviews = append(stats.Reviews, domain.ReviewItem{
					BusinessKey: row.BusinessKey,
					Reason:      "row reappeared in the sheet but the record is soft-deleted; recover it to resume syncing",
					Details:     map[string]any{"suggested_action": "recover"},
				})
			default:
				stats.Unchanged++
			}
			return nil
		})
	}

	for _, pair := range match.ToReconcile {
		pair := pair
		group.Go(func() error {
			if skipped() {
				return nil
			}
			result := domain.DetectConflicts(pair.Stored, pair.Source)
			if len(result.Conflicts) > 0 {
				a.logger.Infow("conflict detected", "scope", scope, "business_key", pair.Stored.BusinessKey, "fields", conflictFieldNames(result.Conflicts))
				mu.Lock()
				stats.Conflicts = append(stats.Conflicts, domain.RecordConflict{
					BusinessKey: pair.Stored.BusinessKey,
					Conflicts:   result.Conflicts,
				})
				mu.Unlock()
			}

			if !result.HasWrites() {
				mu.Lock()
				stats.Unchanged++
				mu.Unlock()
				return nil
			}

			if _, err := a.ApplySafeUpdates(writeCtx, pair.Stored, result); err != nil {
				return fail(pair.Stored.BusinessKey, err)
			}
			mu.Lock()
			if len(result.SafeUpdates) > 0 {
				stats.Updated++
			} else {
				stats.Unchanged++
			}
			mu.Unlock()
			return nil
		})
	}

	err := group.Wait()

	sort.SliceStable(stats.Errors, func(i, j int) bool { return stats.Errors[i].BusinessKey < stats.Errors[j].BusinessKey })
	sort.Slice(stats.Conflicts, func(i, j int) bool { return stats.Conflicts[i].BusinessKey < stats.Conflicts[j].BusinessKey })
	sort.Slice(stats.Reviews, func(i, j int) bool { return stats.Reviews[i].BusinessKey < stats.Reviews[j].BusinessKey })

	return stats, err
}

func conflictFieldNames(conflicts []domain.ConflictInfo) []string {
	names := make([]string, 0, len(conflicts))
	for _, conflict := range conflicts {
		names = append(names, conflict.FieldName)
	}
	return names
}
