package core

// upload.go turns an uploaded CSV or XLSX file into tabular records.
//
// CSV input is decoded through a BOM-aware UTF-8 transformer so files saved
// by Excel on Windows parse cleanly and invalid bytes become U+FFFD. Empty
// rows are skipped but keep their line number, so diagnostics point at the
// line a user sees in their spreadsheet.

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultMaxFileSize is the default upload size limit (10MB).
const DefaultMaxFileSize = 10 << 20

// DefaultMaxRows is the default limit on data rows per import.
const DefaultMaxRows = 10000

// FileLimits configures what the file source accepts.
type FileLimits struct {
	MaxFileSize       int64
	MaxRows           int
	Delimiter         rune
	AllowedExtensions []string
}

// DefaultFileLimits returns the limits used when none are configured.
func DefaultFileLimits() FileLimits {
	return FileLimits{
		MaxFileSize:       DefaultMaxFileSize,
		MaxRows:           DefaultMaxRows,
		Delimiter:         ',',
		AllowedExtensions: []string{".csv", ".xlsx"},
	}
}

func (l FileLimits) withDefaults() FileLimits {
	d := DefaultFileLimits()
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = d.MaxFileSize
	}
	if l.MaxRows <= 0 {
		l.MaxRows = d.MaxRows
	}
	if l.Delimiter == 0 {
		l.Delimiter = d.Delimiter
	}
	if len(l.AllowedExtensions) == 0 {
		l.AllowedExtensions = d.AllowedExtensions
	}
	return l
}

// ParseFile parses a whole file into an ImportPreview.
func ParseFile(fileName string, data []byte, limits FileLimits) (*ImportPreview, error) {
	limits = limits.withDefaults()
	raw, err := readTable(fileName, data, limits)
	if err != nil {
		return nil, err
	}
	headers := cleanHeaders(raw[0].cells)
	return buildPreview(fileName, headers, raw[1:], limits)
}

// rawRow is one parsed row and the 1-based line it starts on.
type rawRow struct {
	line  int
	cells []string
}

// readTable checks the file against limits and returns its raw rows,
// header first.
func readTable(fileName string, data []byte, limits FileLimits) ([]rawRow, error) {
	if int64(len(data)) > limits.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFileTooLarge, len(data), limits.MaxFileSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if !slices.Contains(limits.AllowedExtensions, ext) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}

	var (
		records []rawRow
		err     error
	)
	switch ext {
	case ".xlsx":
		records, err = parseXLSX(data)
	default:
		records, err = parseCSV(data, limits.Delimiter)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}

	if len(records) == 0 || isEmptyRow(records[0].cells) {
		return nil, fmt.Errorf("%w: missing header row", ErrEmptyFile)
	}
	return records, nil
}

// buildPreview converts raw data rows into records keyed by header.
func buildPreview(fileName string, headers []string, rows []rawRow, limits FileLimits) (*ImportPreview, error) {
	preview := &ImportPreview{
		FileName: fileName,
		Headers:  headers,
		Rows:     make([]Record, 0, len(rows)),
	}

	for _, row := range rows {
		if isEmptyRow(row.cells) {
			continue
		}
		if len(preview.Rows) >= limits.MaxRows {
			return nil, fmt.Errorf("%w: more than %d data rows", ErrTooManyRows, limits.MaxRows)
		}

		values := make(map[string]string, len(headers))
		for col, h := range headers {
			if col < len(row.cells) {
				values[h] = row.cells[col]
			} else {
				values[h] = ""
			}
		}
		preview.Rows = append(preview.Rows, Record{Row: row.line, Values: values})
	}

	if len(preview.Rows) == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrEmptyFile)
	}
	preview.TotalRows = len(preview.Rows)
	return preview, nil
}

// cleanHeaders trims headers, names blank ones by position and suffixes
// repeated names so every column can be addressed.
func cleanHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	counts := make(map[string]int, len(raw))
	for i, h := range raw {
		h = CleanCell(h)
		if h == "" {
			h = fmt.Sprintf("Column %d", i+1)
		}
		counts[strings.ToLower(h)]++
		if n := counts[strings.ToLower(h)]; n > 1 {
			h = fmt.Sprintf("%s (%d)", h, n)
		}
		headers[i] = h
	}
	return headers
}

// parseCSV reads every record with the line it starts on. encoding/csv
// drops blank lines, so positions come from the reader.
func parseCSV(data []byte, delimiter rune) ([]rawRow, error) {
	decoded := transform.NewReader(bytes.NewReader(data), unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	r := csv.NewReader(decoded)
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var records []rawRow
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		line, _ := r.FieldPos(0)
		records = append(records, rawRow{line: line, cells: rec})
	}
}

// parseXLSX reads the active sheet, falling back to the first one.
func parseXLSX(data []byte) ([]rawRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	records := make([]rawRow, len(rows))
	for i, cells := range rows {
		records[i] = rawRow{line: i + 1, cells: cells}
	}
	return records, nil
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
