package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/rpattn/sheetsync/internal/domain"
	"github.com/rpattn/sheetsync/internal/metrics"
	"github.com/rpattn/sheetsync/internal/repository"
	"github.com/rpattn/sheetsync/internal/source"
)

// Run stages. A run walks them in order and ends in completed or failed.
const (
	StageFetching            = "fetching"
	StageMatching            = "matching"
	StageApplying            = "applying"
	StageValidatingDeletions = "validating_deletions"
	StageSoftDeleting        = "soft_deleting"
	StageCompleted           = "completed"
	StageFailed              = "failed"

	eventMatch      = "match"
	eventApply      = "apply"
	eventValidate   = "validate"
	eventSoftDelete = "soft_delete"
	eventComplete   = "complete"
	eventFail       = "fail"
)

var activeStages = []string{
	StageFetching,
	StageMatching,
	StageApplying,
	StageValidatingDeletions,
	StageSoftDeleting,
}

// Scope is the per-scope run configuration.
type Scope struct {
	Name     string
	Batch    source.BatchConfig
	Deletion domain.DeletionConfig
}

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Reader    source.Reader
	Records   repository.RecordRepository
	Deletions repository.DeletionRepository
	Runs      repository.SyncRunRepository
	Workers   int
	Logger    *zap.SugaredLogger
	// Now is the clock used by deletion rules and run timestamps.
	Now func() time.Time
}

// Orchestrator runs sync cycles, at most one at a time per scope.
type Orchestrator struct {
	reader    source.Reader
	records   repository.RecordRepository
	deletions repository.DeletionRepository
	runs      repository.SyncRunRepository
	applier   *Applier
	scopes    map[string]Scope
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu     sync.Mutex
	active map[string]bool
}

// NewOrchestrator wires an orchestrator for the given scopes.
func NewOrchestrator(deps Dependencies, scopes []Scope) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	byName := make(map[string]Scope, len(scopes))
	for _, scope := range scopes {
		byName[scope.Name] = scope
	}

	return &Orchestrator{
		reader:    deps.Reader,
		records:   deps.Records,
		deletions: deps.Deletions,
		runs:      deps.Runs,
		applier:   NewApplier(deps.Records, deps.Workers, logger.Named("apply")),
		scopes:    byName,
		logger:    logger,
		now:       now,
		active:    make(map[string]bool),
	}
}

// Scopes lists the configured scope names in order.
func (o *Orchestrator) Scopes() []string {
	names := make([]string, 0, len(o.scopes))
	for name := range o.scopes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) acquire(scope string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[scope] {
		return false
	}
	o.active[scope] = true
	metrics.SetRunning(scope, true)
	return true
}

func (o *Orchestrator) release(scope string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, scope)
	metrics.SetRunning(scope, false)
}

func newRunMachine(logger *zap.SugaredLogger) *fsm.FSM {
	return fsm.NewFSM(
		StageFetching,
		fsm.Events{
			{Name: eventMatch, Src: []string{StageFetching}, Dst: StageMatching},
			{Name: eventApply, Src: []string{StageMatching}, Dst: StageApplying},
			{Name: eventValidate, Src: []string{StageApplying}, Dst: StageValidatingDeletions},
			{Name: eventSoftDelete, Src: []string{StageValidatingDeletions}, Dst: StageSoftDeleting},
			{Name: eventComplete, Src: activeStages, Dst: StageCompleted},
			{Name: eventFail, Src: activeStages, Dst: StageFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debugw("run stage", "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// runState carries one cycle through its stages.
type runState struct {
	log       domain.SyncRunLog
	machine   *fsm.FSM
	cancelled bool
	partial   bool
}

func (s *runState) advance(ctx context.Context, event string) {
	// Transitions are static and only driven from this file. The machine
	// must still reach a terminal state after cancellation.
	_ = s.machine.Event(context.WithoutCancel(ctx), event)
}

// RunSync executes one cycle for scope. The returned log is finalized and
// persisted even when err is non-nil. A second call for a scope with a run
// in progress returns domain.ErrRunInProgress without doing anything.
func (o *Orchestrator) RunSync(ctx context.Context, scopeName string, trigger domain.Trigger) (domain.SyncRunLog, error) {
	scope, ok := o.scopes[scopeName]
	if !ok {
		return domain.SyncRunLog{}, fmt.Errorf("%w: %s", domain.ErrUnknownScope, scopeName)
	}
	if !o.acquire(scopeName) {
		metrics.RecordDroppedTrigger(scopeName)
		o.logger.Warnw("trigger dropped, run in progress", "scope", scopeName, "trigger", trigger)
		return domain.SyncRunLog{}, fmt.Errorf("scope %s: %w", scopeName, domain.ErrRunInProgress)
	}
	defer o.release(scopeName)

	logger := o.logger.With("scope", scopeName)
	state := &runState{
		log:     domain.NewSyncRunLog(scopeName, trigger, o.now().UTC()),
		machine: newRunMachine(logger),
	}
	logger.Infow("sync run started", "run_id", state.log.ID, "trigger", trigger)

	runErr := o.execute(ctx, scope, state, logger)
	return o.finalize(ctx, state, runErr, logger)
}

func (o *Orchestrator) execute(ctx context.Context, scope Scope, state *runState, logger *zap.SugaredLogger) error {
	batcher := source.NewBatcher(o.reader, scope.Batch, logger.Named("batcher"))
	fetched, err := batcher.FetchAll(ctx, scope.Name)
	metrics.RecordFetch(scope.Name, fetched.Retries, len(fetched.Failed))
	for _, failure := range fetched.Failed {
		state.log.Errors = append(state.log.Errors, domain.RecordError{
			Message: fmt.Sprintf("batch %d (rows %d-%d) failed: %s", failure.Index, failure.Offset, failure.Offset+failure.Limit-1, failure.Reason),
		})
	}
	if !fetched.Complete() {
		state.partial = true
	}
	if err != nil {
		if isCancellation(err) {
			state.cancelled = true
			return nil
		}
		return err
	}

	state.advance(ctx, eventMatch)
	stored, err := o.records.ListActive(ctx, scope.Name)
	if err != nil {
		if isCancellation(err) {
			state.cancelled = true
			return nil
		}
		return err
	}
	match := domain.Match(fetched.Records, stored)
	state.log.Counts.Failed += len(match.Duplicates)
	state.log.Errors = append(state.log.Errors, match.Duplicates...)
	logger.Infow("rows matched", "source_rows", len(fetched.Records), "stored", len(stored),
		"insert", len(match.ToInsert), "reconcile", len(match.ToReconcile), "orphaned", len(match.Orphaned))

	state.advance(ctx, eventApply)
	stats, err := o.applier.Apply(ctx, scope.Name, match)
	state.log.Counts.Added += stats.Added
	state.log.Counts.Updated += stats.Updated
	state.log.Counts.Unchanged += stats.Unchanged
	state.log.Counts.Failed += stats.Failed
	state.log.Counts.Conflicts += len(stats.Conflicts)
	state.log.Errors = append(state.log.Errors, stats.Errors...)
	state.log.Conflicts = append(state.log.Conflicts, stats.Conflicts...)
	state.log.Reviews = append(state.log.Reviews, stats.Reviews...)
	state.log.Counts.ManualReview += len(stats.Reviews)
	if err != nil {
		return err
	}
	if ctx.Err() != nil || stats.Skipped > 0 {
		state.cancelled = true
		return nil
	}

	state.advance(ctx, eventValidate)
	if !fetched.Complete() {
		logger.Warnw("deletion phase skipped, source view is incomplete", "failed_batches", len(fetched.Failed))
		return nil
	}
	validator := domain.NewDeletionValidator(scope.Deletion, o.now)
	results := validator.ValidateAll(match.Orphaned)
	orphans := make(map[string]domain.StoredRecord, len(match.Orphaned))
	for _, record := range match.Orphaned {
		orphans[record.BusinessKey] = record
	}

	state.advance(ctx, eventSoftDelete)
	for _, result := range results {
		switch result.Outcome {
		case domain.DeletionBlocked:
			state.log.Counts.Blocked++
			logger.Infow("deletion blocked", "business_key", result.BusinessKey, "reason", result.Reason)
		case domain.DeletionReview:
			state.log.Counts.ManualReview++
			state.log.Reviews = append(state.log.Reviews, domain.ReviewItem{
				BusinessKey: result.BusinessKey,
				Reason:      result.Reason,
				Details:     result.Details,
			})
			logger.Infow("deletion needs manual review", "business_key", result.BusinessKey, "reason", result.Reason)
		case domain.DeletionDisabled:
			logger.Debugw("orphan kept, deletion disabled", "business_key", result.BusinessKey)
		case domain.DeletionAuto:
			if ctx.Err() != nil {
				state.cancelled = true
				return nil
			}
			deletedBy := "sync:" + scope.Name
			if _, err := o.deletions.SoftDelete(ctx, orphans[result.BusinessKey], result.Reason, deletedBy); err != nil {
				if errors.Is(err, domain.ErrTransport) {
					return err
				}
				if isCancellation(err) {
					state.cancelled = true
					return nil
				}
				state.log.Counts.Failed++
				state.log.Errors = append(state.log.Errors, domain.RecordError{BusinessKey: result.BusinessKey, Message: err.Error()})
				logger.Warnw("soft delete failed", "business_key", result.BusinessKey, "error", err)
				continue
			}
			state.log.Counts.Deleted++
			logger.Infow("record soft-deleted", "business_key", result.BusinessKey, "reason", result.Reason)
		}
	}

	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, state *runState, runErr error, logger *zap.SugaredLogger) (domain.SyncRunLog, error) {
	run := &state.log
	run.CompletedAt = o.now().UTC()
	if run.CompletedAt.Before(run.StartedAt) {
		run.CompletedAt = run.StartedAt
	}

	switch {
	case runErr != nil:
		failedIn := state.machine.Current()
		state.advance(ctx, eventFail)
		run.Status = domain.RunStatusError
		run.Errors = append(run.Errors, domain.RecordError{Message: fmt.Sprintf("run aborted during %s: %v", failedIn, runErr)})
		runErr = fmt.Errorf("sync run %s failed during %s: %w", run.Scope, failedIn, runErr)
	case state.cancelled || state.partial || run.Counts.Failed > 0:
		state.advance(ctx, eventComplete)
		run.Status = domain.RunStatusPartialSuccess
	default:
		state.advance(ctx, eventComplete)
		run.Status = domain.RunStatusSuccess
	}

	metrics.RecordRun(*run)
	if err := o.runs.Record(context.WithoutCancel(ctx), *run); err != nil {
		logger.Errorw("failed to record sync run", "run_id", run.ID, "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("record sync run: %w", err)
		}
	}

	logger.Infow("sync run finished",
		"run_id", run.ID,
		"status", run.Status,
		"cancelled", state.cancelled,
		"duration", run.Duration(),
		"added", run.Counts.Added,
		"updated", run.Counts.Updated,
		"unchanged", run.Counts.Unchanged,
		"failed", run.Counts.Failed,
		"deleted", run.Counts.Deleted,
		"manual_review", run.Counts.ManualReview,
		"blocked", run.Counts.Blocked,
		"conflicts", run.Counts.Conflicts,
	)

	return *run, runErr
}

// RunHistory returns the most recent runs for scope, newest first.
func (o *Orchestrator) RunHistory(ctx context.Context, scope string, limit int) ([]domain.SyncRunLog, error) {
	if _, ok := o.scopes[scope]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownScope, scope)
	}
	return o.runs.List(ctx, scope, limit)
}

// RecoverRecord restores a soft-deleted record from its audit snapshot.
func (o *Orchestrator) RecoverRecord(ctx context.Context, businessKey string, recoveredBy string) (domain.StoredRecord, error) {
	if recoveredBy == "" {
		recoveredBy = "operator"
	}
	record, err := o.deletions.Recover(ctx, businessKey, recoveredBy)
	if err != nil {
		o.logger.Warnw("recovery rejected", "business_key", businessKey, "error", err)
		return domain.StoredRecord{}, err
	}
	o.logger.Infow("record recovered", "business_key", record.BusinessKey, "scope", record.Scope, "recovered_by", recoveredBy)
	return record, nil
}

// DeletionAudits lists the soft deletes recorded for scope, newest first.
func (o *Orchestrator) DeletionAudits(ctx context.Context, scope string, limit int) ([]domain.DeletionAudit, error) {
	if _, ok := o.scopes[scope]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownScope, scope)
	}
	return o.deletions.ListAudits(ctx, scope, limit)
}

// ForgetDeletion marks a deletion audit as no longer recoverable.
func (o *Orchestrator) ForgetDeletion(ctx context.Context, businessKey string) error {
	if err := o.deletions.MarkUnrecoverable(ctx, businessKey); err != nil {
		return err
	}
	o.logger.Infow("deletion marked unrecoverable", "business_key", domain.NormalizeKey(businessKey))
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
