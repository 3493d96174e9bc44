package domain

import (
	"fmt"
	"sort"
)

// ConflictInfo describes a field edited on both sides since the last sync.
// ExpectedValue is the baseline recorded at that sync.
type ConflictInfo struct {
	FieldName     string `json:"field_name"`
	DBValue       Value  `json:"db_value"`
	SourceValue   Value  `json:"source_value"`
	ExpectedValue Value  `json:"expected_value"`
	Reason        string `json:"reason"`
}

// RecordConflict groups the conflicts reported for one business key.
type RecordConflict struct {
	BusinessKey string         `json:"business_key"`
	Conflicts   []ConflictInfo `json:"conflicts"`
}

// ConflictResult is the field-level classification of one matched pair.
type ConflictResult struct {
	// SafeUpdates are fields changed only in the source.
	SafeUpdates Fields
	// Conflicts are fields changed on both sides to different values, or
	// fields whose values could not be compared.
	Conflicts []ConflictInfo
	// BaselineAdoptions are fields where the store already holds the source
	// value but the baseline is missing or stale. Writing them moves only
	// the baseline.
	BaselineAdoptions Fields
}

// HasWrites reports whether applying the result touches the store.
func (r ConflictResult) HasWrites() bool {
	return len(r.SafeUpdates) > 0 || len(r.BaselineAdoptions) > 0
}

// DetectConflicts runs the three-way comparison between the stored value,
// the incoming source value and the baseline for every field in the source
// row. Fields that are blank or absent in the source are skipped: a blank
// cell carries no information and never clears a stored value.
//
// A field without a baseline is treated as source-wins.
func DetectConflicts(stored StoredRecord, source SourceRecord) ConflictResult {
	result := ConflictResult{
		SafeUpdates:       Fields{},
		Conflicts:         []ConflictInfo{},
		BaselineAdoptions: Fields{},
	}

	names := make([]string, 0, len(source.Fields))
	for name := range source.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sourceValue := source.Fields[name]
		if sourceValue.IsNull() {
			continue
		}

		dbValue := stored.Fields.Get(name)
		baseline, hasBaseline := stored.LastSyncedFields[name]
		if hasBaseline && baseline.IsNull() {
			hasBaseline = false
		}

		conflict := ConflictInfo{
			FieldName:     name,
			DBValue:       dbValue,
			SourceValue:   sourceValue,
			ExpectedValue: baseline,
		}
		if !hasBaseline {
			conflict.ExpectedValue = NullValue()
		}

		if sourceValue.Kind == KindUnparsed {
			conflict.Reason = fmt.Sprintf("source value could not be parsed: %s", sourceValue.ParseError)
			result.Conflicts = append(result.Conflicts, conflict)
			continue
		}

		same, err := dbValue.Equal(sourceValue)
		matchesSource := err == nil && same

		if !hasBaseline {
			if matchesSource {
				result.BaselineAdoptions[name] = sourceValue
			} else {
				result.SafeUpdates[name] = sourceValue
			}
			continue
		}

		if dbUnchanged, cmpErr := dbValue.Equal(baseline); cmpErr == nil && dbUnchanged {
			if !matchesSource {
				result.SafeUpdates[name] = sourceValue
			}
			continue
		}

		// The stored value moved away from the baseline: a local edit.
		if matchesSource {
			result.BaselineAdoptions[name] = sourceValue
			continue
		}
		if err != nil {
			conflict.Reason = fmt.Sprintf("values could not be compared: %v", err)
			result.Conflicts = append(result.Conflicts, conflict)
			continue
		}

		sourceUnchanged, err := sourceValue.Equal(baseline)
		if err != nil {
			conflict.Reason = fmt.Sprintf("source value could not be compared with baseline: %v", err)
			result.Conflicts = append(result.Conflicts, conflict)
			continue
		}
		if sourceUnchanged {
			// The sheet is stale; keep the local edit.
			continue
		}

		conflict.Reason = "edited in both the datastore and the sheet since the last sync"
		result.Conflicts = append(result.Conflicts, conflict)
	}

	return result
}
