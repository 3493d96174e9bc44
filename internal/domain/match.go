package domain

import (
	"fmt"
	"sort"
)

// MatchedPair couples a stored record with the source row carrying its key.
type MatchedPair struct {
	Stored StoredRecord
	Source SourceRecord
}

// MatchResult partitions one scope into disjoint sets.
type MatchResult struct {
	ToInsert    []SourceRecord
	ToReconcile []MatchedPair
	Orphaned    []StoredRecord
	// Duplicates lists source rows whose key already appeared earlier in the
	// sheet. The first occurrence wins.
	Duplicates []RecordError
}

// Match pairs source rows with non-deleted stored records by normalized
// business key. It has no side effects and returns the same partitions for
// the same input. Output slices are ordered by business key.
func Match(source []SourceRecord, stored []StoredRecord) MatchResult {
	result := MatchResult{
		ToInsert:    []SourceRecord{},
		ToReconcile: []MatchedPair{},
		Orphaned:    []StoredRecord{},
		Duplicates:  []RecordError{},
	}

	storedByKey := make(map[string]StoredRecord, len(stored))
	for _, record := range stored {
		if record.IsDeleted() {
			continue
		}
		storedByKey[NormalizeKey(record.BusinessKey)] = record
	}

	seen := make(map[string]int, len(source))
	for _, row := range source {
		key := NormalizeKey(row.BusinessKey)
		if key == "" {
			result.Duplicates = append(result.Duplicates, RecordError{
				BusinessKey: row.BusinessKey,
				Message:     fmt.Sprintf("row %d has an empty business key", row.Row),
			})
			continue
		}
		if firstRow, dup := seen[key]; dup {
			result.Duplicates = append(result.Duplicates, RecordError{
				BusinessKey: key,
				Message:     fmt.Sprintf("duplicate business key in row %d (first seen in row %d)", row.Row, firstRow),
			})
			continue
		}
		seen[key] = row.Row

		normalized := SourceRecord{BusinessKey: key, Fields: row.Fields, Row: row.Row}
		if existing, ok := storedByKey[key]; ok {
			result.ToReconcile = append(result.ToReconcile, MatchedPair{Stored: existing, Source: normalized})
			continue
		}
		result.ToInsert = append(result.ToInsert, normalized)
	}

	for key, record := range storedByKey {
		if _, ok := seen[key]; !ok {
			result.Orphaned = append(result.Orphaned, record)
		}
	}

	sort.Slice(result.ToInsert, func(i, j int) bool {
		return result.ToInsert[i].BusinessKey < result.ToInsert[j].BusinessKey
	})
	sort.Slice(result.ToReconcile, func(i, j int) bool {
		return result.ToReconcile[i].Source.BusinessKey < result.ToReconcile[j].Source.BusinessKey
	})
	sort.Slice(result.Orphaned, func(i, j int) bool {
		return result.Orphaned[i].BusinessKey < result.Orphaned[j].BusinessKey
	})

	return result
}
