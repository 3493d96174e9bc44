package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the final status of one orchestrator cycle.
type RunStatus string

const (
	RunStatusSuccess        RunStatus = "success"
	RunStatusPartialSuccess RunStatus = "partial_success"
	RunStatusError          RunStatus = "error"
)

// Trigger records why a run started.
type Trigger string

const (
	TriggerPeriodic Trigger = "periodic"
	TriggerManual   Trigger = "manual"
)

// RecordError is a record-level failure captured without aborting the run.
type RecordError struct {
	BusinessKey string `json:"business_key"`
	Message     string `json:"message"`
}

// RunCounts aggregates the outcome of one run.
type RunCounts struct {
	Added        int `json:"added"`
	Updated      int `json:"updated"`
	Unchanged    int `json:"unchanged"`
	Failed       int `json:"failed"`
	Deleted      int `json:"deleted"`
	ManualReview int `json:"manual_review"`
	Blocked      int `json:"blocked"`
	Conflicts    int `json:"conflicts"`
}

// SyncRunLog is the append-only record of one orchestrator cycle.
type SyncRunLog struct {
	ID          uuid.UUID        `json:"id"`
	Scope       string           `json:"scope"`
	Trigger     Trigger          `json:"trigger"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Status      RunStatus        `json:"status"`
	Counts      RunCounts        `json:"counts"`
	Errors      []RecordError    `json:"errors"`
	Conflicts   []RecordConflict `json:"conflicts"`
	Reviews     []ReviewItem     `json:"reviews"`
}

// NewSyncRunLog starts a run record for scope.
func NewSyncRunLog(scope string, trigger Trigger, startedAt time.Time) SyncRunLog {
	return SyncRunLog{
		ID:        uuid.New(),
		Scope:     scope,
		Trigger:   trigger,
		StartedAt: startedAt,
		Errors:    []RecordError{},
		Conflicts: []RecordConflict{},
		Reviews:   []ReviewItem{},
	}
}

// Duration returns the wall time of the run.
func (l SyncRunLog) Duration() time.Duration {
	if l.CompletedAt.IsZero() {
		return 0
	}
	return l.CompletedAt.Sub(l.StartedAt)
}
