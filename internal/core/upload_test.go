package core

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// ============================================================================
// CSV Tests
// ============================================================================

func TestParseFile_CSV(t *testing.T) {
	data := "Email,First Name,Last Name\n" +
		"ada@example.com,Ada,Lovelace\n" +
		",,\n" +
		"grace@example.com,Grace,Hopper\n"

	preview, err := ParseFile("people.csv", []byte(data), FileLimits{})
	require.NoError(t, err)

	assert.Equal(t, "people.csv", preview.FileName)
	assert.Equal(t, []string{"Email", "First Name", "Last Name"}, preview.Headers)
	assert.Equal(t, 2, preview.TotalRows)
	require.Len(t, preview.Rows, 2)
	assert.Equal(t, 2, preview.Rows[0].Row)
	assert.Equal(t, 4, preview.Rows[1].Row, "blank rows keep their line number")
	assert.Equal(t, "Hopper", preview.Rows[1].Values["Last Name"])
}

func TestParseFile_CSVBlankLinesKeepLineNumbers(t *testing.T) {
	data := "Email,First,Last\n" +
		"\n" +
		"\n" +
		"ann@example.com,Ann,Lee\n" +
		"\n" +
		"\"bo@example.com\",\"Bo\nJr\",Ray\n" +
		"cy@example.com,Cy,Fox\n"

	preview, err := ParseFile("gaps.csv", []byte(data), FileLimits{})
	require.NoError(t, err)
	require.Len(t, preview.Rows, 3)
	assert.Equal(t, 4, preview.Rows[0].Row)
	assert.Equal(t, 6, preview.Rows[1].Row)
	assert.Equal(t, 8, preview.Rows[2].Row, "multi-line fields advance the line count")
}

func TestParseFile_CSVWithBOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("Email,First,Last\nada@example.com,Ada,Lovelace\n")...)

	preview, err := ParseFile("bom.csv", data, FileLimits{})
	require.NoError(t, err)
	assert.Equal(t, "Email", preview.Headers[0], "BOM is stripped from the first header")
}

func TestParseFile_InvalidUTF8Replaced(t *testing.T) {
	data := []byte("Email,First,Last\nada@example.com,Ad\x80a,Lovelace\n")

	preview, err := ParseFile("latin.csv", data, FileLimits{})
	require.NoError(t, err)
	assert.Equal(t, "Ad\uFFFDa", preview.Rows[0].Values["First"])
}

func TestParseFile_ShortAndLongRows(t *testing.T) {
	data := "Email,First,Last\n" +
		"ada@example.com\n" +
		"grace@example.com,Grace,Hopper,extra\n"

	preview, err := ParseFile("ragged.csv", []byte(data), FileLimits{})
	require.NoError(t, err)
	assert.Equal(t, "", preview.Rows[0].Values["Last"])
	assert.Equal(t, "Hopper", preview.Rows[1].Values["Last"])
	assert.Len(t, preview.Rows[1].Values, 3)
}

func TestParseFile_CustomDelimiter(t *testing.T) {
	data := "Email;First;Last\nada@example.com;Ada;Lovelace\n"

	preview, err := ParseFile("semi.csv", []byte(data), FileLimits{Delimiter: ';'})
	require.NoError(t, err)
	assert.Equal(t, "Ada", preview.Rows[0].Values["First"])
}

func TestCleanHeaders(t *testing.T) {
	got := cleanHeaders([]string{" Email ", "", "Name", "name", `="Phone"`})
	assert.Equal(t, []string{"Email", "Column 2", "Name", "name (2)", "Phone"}, got)
}

// ============================================================================
// Limit Tests
// ============================================================================

func TestParseFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		data    string
		limits  FileLimits
		wantErr error
	}{
		{name: "empty", file: "a.csv", data: "", wantErr: ErrEmptyFile},
		{name: "whitespace only", file: "a.csv", data: " \n\n", wantErr: ErrEmptyFile},
		{name: "header only", file: "a.csv", data: "Email,First,Last\n", wantErr: ErrEmptyFile},
		{name: "unsupported extension", file: "a.txt", data: "Email\nx\n", wantErr: ErrUnsupportedFile},
		{name: "too large", file: "a.csv", data: "Email\nada@example.com\n", limits: FileLimits{MaxFileSize: 8}, wantErr: ErrFileTooLarge},
		{name: "too many rows", file: "a.csv", data: "Email\na\nb\nc\n", limits: FileLimits{MaxRows: 2}, wantErr: ErrTooManyRows},
		{name: "not a workbook", file: "a.xlsx", data: "plain text", wantErr: ErrMalformedFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile(tt.file, []byte(tt.data), tt.limits)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseFile_ExtensionCaseInsensitive(t *testing.T) {
	_, err := ParseFile("PEOPLE.CSV", []byte("Email\nada@example.com\n"), FileLimits{})
	assert.NoError(t, err)
}

// ============================================================================
// XLSX Tests
// ============================================================================

func TestParseFile_XLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	rows := [][]any{
		{"Email", "First", "Last", "Group"},
		{"ada@example.com", "Ada", "Lovelace", 7},
		{"grace@example.com", "Grace", "Hopper", nil},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	preview, err := ParseFile("people.xlsx", buf.Bytes(), FileLimits{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Email", "First", "Last", "Group"}, preview.Headers)
	require.Len(t, preview.Rows, 2)
	assert.Equal(t, "7", preview.Rows[0].Values["Group"])
	assert.Equal(t, "", preview.Rows[1].Values["Group"])
	assert.Equal(t, 3, preview.Rows[1].Row)
}

func TestParseFile_LargeCSV(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("Email,First,Last\n")
	for i := range 5000 {
		b.WriteString(strings.Repeat("x", i%7+1))
		b.WriteString("@example.com,First,Last\n")
	}

	preview, err := ParseFile("big.csv", b.Bytes(), FileLimits{})
	require.NoError(t, err)
	assert.Equal(t, 5000, preview.TotalRows)
	assert.Equal(t, 5001, preview.Rows[4999].Row)
}
