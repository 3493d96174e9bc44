package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/sheetsync/internal/domain"
)

var (
	// ErrUnsupportedFormat is returned for workbook extensions we cannot read.
	ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")
	// ErrKeyColumnMissing is returned when the configured key column is not
	// among the sheet headers.
	ErrKeyColumnMissing = errors.New("key column not found in header row")
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// SheetConfig binds a scope to a workbook on disk.
type SheetConfig struct {
	Path string `mapstructure:"path"`
	// Sheet names the worksheet to read; empty selects the first one.
	Sheet     string `mapstructure:"sheet"`
	KeyColumn string `mapstructure:"key_column"`
	// HeaderRow is the 1-based header row; zero picks the first non-empty row.
	HeaderRow  int                         `mapstructure:"header_row"`
	FieldTypes map[string]domain.FieldType `mapstructure:"field_types"`
}

type cachedTable struct {
	modTime time.Time
	size    int64
	records []domain.SourceRecord
}

// SpreadsheetReader serves rows from xlsx or csv files. A parsed file is
// cached until its size or modification time changes, so paging through a
// sheet costs one parse per run.
type SpreadsheetReader struct {
	mu     sync.Mutex
	sheets map[string]SheetConfig
	cache  map[string]cachedTable
}

// NewSpreadsheetReader creates a reader for the given scopes.
func NewSpreadsheetReader(sheets map[string]SheetConfig) *SpreadsheetReader {
	return &SpreadsheetReader{
		sheets: sheets,
		cache:  make(map[string]cachedTable),
	}
}

// FetchRows returns rows [offset, offset+limit) of the scope's sheet.
func (r *SpreadsheetReader) FetchRows(ctx context.Context, scope string, offset, limit int) ([]domain.SourceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records, err := r.load(scope)
	if err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []domain.SourceRecord{}, nil
	}
	end := len(records)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]domain.SourceRecord, end-offset)
	copy(out, records[offset:end])
	return out, nil
}

func (r *SpreadsheetReader) load(scope string) ([]domain.SourceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.sheets[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownScope, scope)
	}

	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", cfg.Path, err)
	}
	if cached, ok := r.cache[scope]; ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.records, nil
	}

	payload, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", cfg.Path, err)
	}

	records, err := parseSheet(cfg, payload)
	if err != nil {
		return nil, fmt.Errorf("scope %s: %w", scope, err)
	}

	r.cache[scope] = cachedTable{modTime: info.ModTime(), size: info.Size(), records: records}
	return records, nil
}

func parseSheet(cfg SheetConfig, payload []byte) ([]domain.SourceRecord, error) {
	ext := strings.ToLower(filepath.Ext(cfg.Path))
	switch ext {
	case ".csv":
		rows, err := readCSV(payload)
		if err != nil {
			return nil, err
		}
		return buildRecords(cfg, rows, false)
	case ".xlsx", ".xlsm":
		rows, err := readExcel(payload, cfg.Sheet)
		if err != nil {
			return nil, err
		}
		return buildRecords(cfg, rows, true)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func readCSV(payload []byte) ([][]string, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	rows, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return rows, nil
}

// readExcel returns raw cell values so date cells arrive as serial numbers
// instead of whatever display format the sheet author picked.
func readExcel(payload []byte, sheet string) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload), excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("excel file has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from sheet %q: %w", sheet, err)
	}
	return rows, nil
}

func buildRecords(cfg SheetConfig, rows [][]string, excelSerials bool) ([]domain.SourceRecord, error) {
	headerIndex, err := findHeaderRow(rows, cfg.HeaderRow)
	if err != nil {
		return nil, err
	}
	headers := sanitizeHeaders(rows[headerIndex])

	keyIndex := 0
	if cfg.KeyColumn != "" {
		keyIndex = -1
		want := sanitizeHeader(cfg.KeyColumn, 0)
		for idx, header := range headers {
			if header == want {
				keyIndex = idx
				break
			}
		}
		if keyIndex < 0 {
			return nil, fmt.Errorf("%w: %s", ErrKeyColumnMissing, cfg.KeyColumn)
		}
	}

	fieldTypes := make(map[string]domain.FieldType, len(cfg.FieldTypes))
	for name, fieldType := range cfg.FieldTypes {
		fieldTypes[sanitizeHeader(name, 0)] = fieldType
	}

	records := []domain.SourceRecord{}
	for idx := headerIndex + 1; idx < len(rows); idx++ {
		row := padRow(rows[idx], len(headers))
		if isBlankRow(row) {
			continue
		}

		fields := make(domain.Fields, len(headers)-1)
		for col, header := range headers {
			if col == keyIndex {
				continue
			}
			fieldType, ok := fieldTypes[header]
			if !ok {
				fieldType = domain.FieldTypeString
			}
			fields[header] = cellValue(fieldType, row[col], excelSerials)
		}

		records = append(records, domain.SourceRecord{
			BusinessKey: strings.TrimSpace(row[keyIndex]),
			Fields:      fields,
			Row:         idx + 1,
		})
	}

	return records, nil
}

func findHeaderRow(rows [][]string, headerRow int) (int, error) {
	if len(rows) == 0 {
		return 0, errors.New("no rows found in sheet")
	}
	if headerRow > 0 {
		idx := headerRow - 1
		if idx >= len(rows) {
			return 0, fmt.Errorf("header row %d out of range", headerRow)
		}
		if isBlankRow(rows[idx]) {
			return 0, fmt.Errorf("selected header row %d is empty", headerRow)
		}
		return idx, nil
	}
	for idx, row := range rows {
		if !isBlankRow(row) {
			return idx, nil
		}
	}
	return 0, errors.New("header row could not be detected")
}

// cellValue parses a raw cell. Workbook date cells hold serial day numbers.
func cellValue(fieldType domain.FieldType, raw string, excelSerials bool) domain.Value {
	if excelSerials && fieldType == domain.FieldTypeDate {
		if serial, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			if ts, err := excelize.ExcelDateToTime(serial, false); err == nil {
				return domain.DateValue(ts)
			}
		}
	}
	return domain.ParseValue(fieldType, raw)
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := sanitizeHeader(value, idx+1)

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

// NormalizeHeader converts a column title to the field name records use,
// for example "Has Contract" to "has_contract". Config that names sheet
// columns must go through it to match stored fields.
func NormalizeHeader(value string) string {
	return sanitizeHeader(value, 0)
}

func sanitizeHeader(value string, position int) string {
	name := strings.ToLower(strings.TrimSpace(value))
	name = strings.Join(strings.Fields(name), "_")
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.Trim(name, "_")
	if name == "" && position > 0 {
		name = fmt.Sprintf("column_%d", position)
	}
	return name
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
