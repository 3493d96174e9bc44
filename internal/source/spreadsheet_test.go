package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/sheetsync/internal/domain"
)

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestSpreadsheetReaderCSV(t *testing.T) {
	csvData := append([]byte{}, byteOrderMark...)
	csvData = append(csvData, []byte("Site ID,Status,Capacity,Last Visit,Active\n"+
		"a-1,open,12,2024-05-01,yes\n"+
		",,,,\n"+
		"a-2, closed ,abc,05/02/2024,no\n")...)
	path := writeFile(t, "sites.csv", csvData)

	reader := NewSpreadsheetReader(map[string]SheetConfig{
		"sites": {
			Path:      path,
			KeyColumn: "Site ID",
			FieldTypes: map[string]domain.FieldType{
				"capacity":   domain.FieldTypeNumber,
				"Last Visit": domain.FieldTypeDate,
				"active":     domain.FieldTypeBoolean,
			},
		},
	})

	rows, err := reader.FetchRows(context.Background(), "sites", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, "a-1", first.BusinessKey)
	assert.Equal(t, 2, first.Row)
	assert.Equal(t, domain.StringValue("open"), first.Fields["status"])
	assert.Equal(t, domain.NumberValue(12), first.Fields["capacity"])
	assert.Equal(t, "2024-05-01", first.Fields["last_visit"].String())
	assert.Equal(t, domain.BoolValue(true), first.Fields["active"])
	_, hasKey := first.Fields["site_id"]
	assert.False(t, hasKey)

	second := rows[1]
	assert.Equal(t, 4, second.Row)
	assert.Equal(t, "closed", second.Fields["status"].Str)
	assert.Equal(t, domain.KindUnparsed, second.Fields["capacity"].Kind)
	assert.Equal(t, "2024-05-02", second.Fields["last_visit"].String())
}

func TestSpreadsheetReaderPaging(t *testing.T) {
	path := writeFile(t, "rows.csv", []byte("key,value\nk1,1\nk2,2\nk3,3\n"))
	reader := NewSpreadsheetReader(map[string]SheetConfig{"s": {Path: path}})

	page, err := reader.FetchRows(context.Background(), "s", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "k3", page[0].BusinessKey)

	empty, err := reader.FetchRows(context.Background(), "s", 5, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSpreadsheetReaderReloadsChangedFile(t *testing.T) {
	path := writeFile(t, "rows.csv", []byte("key,value\nk1,1\n"))
	reader := NewSpreadsheetReader(map[string]SheetConfig{"s": {Path: path}})

	rows, err := reader.FetchRows(context.Background(), "s", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, os.WriteFile(path, []byte("key,value\nk1,1\nk2,2\n"), 0o600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	rows, err = reader.FetchRows(context.Background(), "s", 0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSpreadsheetReaderXLSXDateSerials(t *testing.T) {
	f := excelize.NewFile()
	sheet := "Sites"
	_, err := f.NewSheet(sheet)
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Code", "Installed", "Live"}))
	require.NoError(t, f.SetCellValue(sheet, "A2", "X-9"))
	require.NoError(t, f.SetCellValue(sheet, "B2", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, f.SetCellValue(sheet, "C2", true))

	path := filepath.Join(t.TempDir(), "sites.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	reader := NewSpreadsheetReader(map[string]SheetConfig{
		"sites": {
			Path:      path,
			Sheet:     sheet,
			KeyColumn: "code",
			FieldTypes: map[string]domain.FieldType{
				"installed": domain.FieldTypeDate,
				"live":      domain.FieldTypeBoolean,
			},
		},
	})

	rows, err := reader.FetchRows(context.Background(), "sites", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "X-9", rows[0].BusinessKey)
	assert.Equal(t, "2024-05-01", rows[0].Fields["installed"].String())
	assert.Equal(t, domain.BoolValue(true), rows[0].Fields["live"])
}

func TestSpreadsheetReaderErrors(t *testing.T) {
	path := writeFile(t, "rows.csv", []byte("key,value\nk1,1\n"))
	reader := NewSpreadsheetReader(map[string]SheetConfig{
		"bad-key": {Path: path, KeyColumn: "missing"},
		"bad-ext": {Path: writeFile(t, "rows.txt", []byte("x"))},
	})

	_, err := reader.FetchRows(context.Background(), "bad-key", 0, 10)
	assert.ErrorIs(t, err, ErrKeyColumnMissing)

	_, err = reader.FetchRows(context.Background(), "bad-ext", 0, 10)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = reader.FetchRows(context.Background(), "nope", 0, 10)
	assert.ErrorIs(t, err, domain.ErrUnknownScope)
}

func TestSanitizeHeaders(t *testing.T) {
	assert.Equal(t,
		[]string{"site_id", "status", "status_2", "column_4", "last_visit"},
		sanitizeHeaders([]string{" Site  ID ", "Status", "status", "", "last-visit"}),
	)
}
