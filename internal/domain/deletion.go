package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// DeletionOutcome classifies the decision for an orphaned record.
type DeletionOutcome string

const (
	DeletionAuto     DeletionOutcome = "auto_delete"
	DeletionReview   DeletionOutcome = "manual_review"
	DeletionBlocked  DeletionOutcome = "blocked"
	DeletionDisabled DeletionOutcome = "disabled"
)

// DeletionConfig controls the safety rules applied to orphaned records.
type DeletionConfig struct {
	Enabled             bool     `mapstructure:"enabled"`
	StrictValidation    bool     `mapstructure:"strict_validation"`
	RecentActivityDays  int      `mapstructure:"recent_activity_days"`
	MaxDeletionsPerSync int      `mapstructure:"max_deletions_per_sync"`
	RelationshipFields  []string `mapstructure:"relationship_fields"`
	ActivityField       string   `mapstructure:"activity_field"`
}

// DefaultDeletionConfig returns the production defaults.
func DefaultDeletionConfig() DeletionConfig {
	return DeletionConfig{
		Enabled:             true,
		StrictValidation:    false,
		RecentActivityDays:  90,
		MaxDeletionsPerSync: 10,
	}
}

// ValidationResult is the outcome of the deletion rules for one record. It
// always carries the rationale shown to a reviewer.
type ValidationResult struct {
	BusinessKey          string          `json:"business_key"`
	CanDelete            bool            `json:"can_delete"`
	RequiresManualReview bool            `json:"requires_manual_review"`
	Outcome              DeletionOutcome `json:"outcome"`
	Reason               string          `json:"reason,omitempty"`
	Details              map[string]any  `json:"details,omitempty"`
}

// ReviewItem is an orphaned record awaiting a human decision.
type ReviewItem struct {
	BusinessKey string         `json:"business_key"`
	Reason      string         `json:"reason"`
	Details     map[string]any `json:"details,omitempty"`
}

// DeletionAudit is the recoverable record of a soft delete.
type DeletionAudit struct {
	BusinessKey  string          `json:"business_key"`
	Scope        string          `json:"scope"`
	DeletedAt    time.Time       `json:"deleted_at"`
	DeletedBy    string          `json:"deleted_by"`
	Reason       string          `json:"reason"`
	FullSnapshot json.RawMessage `json:"full_snapshot"`
	CanRecover   bool            `json:"can_recover"`
	RecoveredAt  *time.Time      `json:"recovered_at,omitempty"`
	RecoveredBy  *string         `json:"recovered_by,omitempty"`
}

// DeletionValidator evaluates orphaned records. Rules run in order and the
// first hard block wins:
//  1. an active relationship flag blocks deletion outright
//  2. activity inside the recency window requires manual review
//  3. anything else may be deleted automatically
//
// Last activity is the later of the record's updated_at and the configured
// activity column. Any write to the record, including a safe update from the
// sheet or a recovery, restarts the recency window.
type DeletionValidator struct {
	cfg DeletionConfig
	now func() time.Time
}

// NewDeletionValidator creates a validator. now defaults to time.Now.
func NewDeletionValidator(cfg DeletionConfig, now func() time.Time) *DeletionValidator {
	if now == nil {
		now = time.Now
	}
	return &DeletionValidator{cfg: cfg, now: now}
}

// ValidateAll evaluates every orphan and then applies the per-run circuit
// breaker: when the auto-deletable candidates exceed MaxDeletionsPerSync,
// all of them are sent to manual review instead. A mass disappearance of
// rows usually means a broken sheet filter, not real deletions.
func (v *DeletionValidator) ValidateAll(records []StoredRecord) []ValidationResult {
	results := make([]ValidationResult, 0, len(records))
	autoCount := 0
	for _, record := range records {
		result := v.Validate(record)
		if result.Outcome == DeletionAuto {
			autoCount++
		}
		results = append(results, result)
	}

	limit := v.cfg.MaxDeletionsPerSync
	if limit > 0 && autoCount > limit {
		for i := range results {
			if results[i].Outcome != DeletionAuto {
				continue
			}
			results[i].CanDelete = false
			results[i].RequiresManualReview = true
			results[i].Outcome = DeletionReview
			results[i].Reason = fmt.Sprintf("circuit breaker: %d deletions in one run exceed the limit of %d", autoCount, limit)
			results[i].Details["circuit_breaker"] = true
		}
	}

	return results
}

// Validate evaluates a single orphaned record without the circuit breaker.
func (v *DeletionValidator) Validate(record StoredRecord) ValidationResult {
	result := ValidationResult{
		BusinessKey: record.BusinessKey,
		Details:     map[string]any{},
	}

	if !v.cfg.Enabled {
		result.Outcome = DeletionDisabled
		result.Reason = "automatic deletion is disabled"
		return result
	}

	for _, field := range v.cfg.RelationshipFields {
		active, ambiguous := relationshipActive(record.Fields.Get(field), v.now())
		if ambiguous {
			result.Details["ambiguous_relationship_field"] = field
			if v.cfg.StrictValidation {
				return review(result, fmt.Sprintf("relationship flag %q has an ambiguous value %q", field, record.Fields.Get(field).String()))
			}
			active = true
		}
		if active {
			result.Outcome = DeletionBlocked
			result.Reason = fmt.Sprintf("active relationship: %s = %s", field, record.Fields.Get(field).String())
			result.Details["relationship_field"] = field
			return result
		}
	}

	lastActivity, ambiguity := v.lastActivity(record)
	if ambiguity != "" {
		result.Details["activity_ambiguity"] = ambiguity
		if v.cfg.StrictValidation {
			return review(result, ambiguity)
		}
	}
	result.Details["last_activity"] = lastActivity.Format(time.RFC3339)

	window := time.Duration(v.cfg.RecentActivityDays) * 24 * time.Hour
	age := v.now().Sub(lastActivity)
	result.Details["days_since_activity"] = int(math.Floor(age.Hours() / 24))
	if age < window {
		return review(result, fmt.Sprintf("recent activity %s (within %d days)", lastActivity.Format(dateLayout), v.cfg.RecentActivityDays))
	}

	result.CanDelete = true
	result.Outcome = DeletionAuto
	result.Reason = fmt.Sprintf("absent from source, no activity for %d days", result.Details["days_since_activity"])
	return result
}

func review(result ValidationResult, reason string) ValidationResult {
	result.CanDelete = false
	result.RequiresManualReview = true
	result.Outcome = DeletionReview
	result.Reason = reason
	return result
}

// lastActivity returns the most recent activity timestamp for the record and
// a description of any ambiguity found while determining it.
func (v *DeletionValidator) lastActivity(record StoredRecord) (time.Time, string) {
	fallback := record.UpdatedAt
	if v.cfg.ActivityField == "" {
		return fallback, ""
	}

	value := record.Fields.Get(v.cfg.ActivityField)
	var activity time.Time
	switch value.Kind {
	case KindDate:
		activity = value.Date
	case KindString, KindUnparsed:
		parsed := ParseValue(FieldTypeDate, value.Str)
		if parsed.Kind != KindDate {
			return fallback, fmt.Sprintf("activity field %q holds unparseable value %q", v.cfg.ActivityField, value.Str)
		}
		activity = parsed.Date
	case KindNull, "":
		return fallback, fmt.Sprintf("activity field %q is empty", v.cfg.ActivityField)
	default:
		return fallback, fmt.Sprintf("activity field %q is not a date", v.cfg.ActivityField)
	}

	if activity.After(v.now()) {
		return activity, fmt.Sprintf("activity field %q is in the future (%s)", v.cfg.ActivityField, activity.Format(dateLayout))
	}
	if fallback.After(activity) {
		return fallback, ""
	}
	return activity, ""
}

// relationshipActive interprets a flag column. Dates count as active while
// they lie in the future, for example a contract end date.
func relationshipActive(value Value, now time.Time) (active bool, ambiguous bool) {
	switch value.Kind {
	case KindNull, "":
		return false, false
	case KindBool:
		return value.Bool, false
	case KindNumber:
		return value.Num != 0, false
	case KindDate:
		return !value.Date.Before(DateValue(now).Date), false
	case KindString:
		b, err := parseBool(value.Str)
		if err != nil {
			switch strings.ToLower(value.Str) {
			case "active", "open":
				return true, false
			case "none", "closed", "inactive":
				return false, false
			}
			return false, true
		}
		return b, false
	default:
		return false, true
	}
}
