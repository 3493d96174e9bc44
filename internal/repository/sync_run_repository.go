package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/sheetsync/internal/domain"
)

type syncRunRepository struct {
	pool *pgxpool.Pool
}

// NewSyncRunRepository wires a run log store backed by pgxpool.
func NewSyncRunRepository(pool *pgxpool.Pool) SyncRunRepository {
	return &syncRunRepository{pool: pool}
}

func (r *syncRunRepository) Record(ctx context.Context, run domain.SyncRunLog) error {
	if r.pool == nil {
		return fmt.Errorf("sync run repository not initialized")
	}

	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("failed to marshal run counts: %w", err)
	}
	errs, err := json.Marshal(nonNil(run.Errors))
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}
	conflicts, err := json.Marshal(nonNil(run.Conflicts))
	if err != nil {
		return fmt.Errorf("failed to marshal run conflicts: %w", err)
	}
	reviews, err := json.Marshal(nonNil(run.Reviews))
	if err != nil {
		return fmt.Errorf("failed to marshal run reviews: %w", err)
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO sync_runs (id, scope, run_trigger, started_at, completed_at, status, counts, errors, conflicts, reviews)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID,
		run.Scope,
		string(run.Trigger),
		run.StartedAt,
		run.CompletedAt,
		string(run.Status),
		counts,
		errs,
		conflicts,
		reviews,
	)
	if err != nil {
		return classifyError("record sync run", err)
	}

	return nil
}

func (r *syncRunRepository) List(ctx context.Context, scope string, limit int) ([]domain.SyncRunLog, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("sync run repository not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, scope, run_trigger, started_at, completed_at, status, counts, errors, conflicts, reviews
		 FROM sync_runs
		 WHERE scope = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		scope,
		limit,
	)
	if err != nil {
		return nil, classifyError("list sync runs", err)
	}
	defer rows.Close()

	runs := []domain.SyncRunLog{}
	for rows.Next() {
		var (
			run                              domain.SyncRunLog
			trigger, status                  string
			counts, errs, conflicts, reviews []byte
		)
		if scanErr := rows.Scan(
			&run.ID,
			&run.Scope,
			&trigger,
			&run.StartedAt,
			&run.CompletedAt,
			&status,
			&counts,
			&errs,
			&conflicts,
			&reviews,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", scanErr)
		}

		run.Trigger = domain.Trigger(trigger)
		run.Status = domain.RunStatus(status)
		run.StartedAt = run.StartedAt.UTC()
		run.CompletedAt = run.CompletedAt.UTC()
		if err := decodeRunColumns(&run, counts, errs, conflicts, reviews); err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, classifyError("iterate sync runs", rowsErr)
	}

	return runs, nil
}

func decodeRunColumns(run *domain.SyncRunLog, counts, errs, conflicts, reviews []byte) error {
	if err := json.Unmarshal(counts, &run.Counts); err != nil {
		return fmt.Errorf("failed to decode counts for run %s: %w", run.ID, err)
	}
	run.Errors = []domain.RecordError{}
	if err := json.Unmarshal(errs, &run.Errors); err != nil {
		return fmt.Errorf("failed to decode errors for run %s: %w", run.ID, err)
	}
	run.Conflicts = []domain.RecordConflict{}
	if err := json.Unmarshal(conflicts, &run.Conflicts); err != nil {
		return fmt.Errorf("failed to decode conflicts for run %s: %w", run.ID, err)
	}
	run.Reviews = []domain.ReviewItem{}
	if err := json.Unmarshal(reviews, &run.Reviews); err != nil {
		return fmt.Errorf("failed to decode reviews for run %s: %w", run.ID, err)
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
