package core

// convert.go turns raw spreadsheet cells into typed account values.
//
// Account files come from CRMs, HR exports and hand-edited sheets, so the
// converters accept several date layouts, yes/no style booleans and Excel
// formula prefixes. Every ToPg* function returns a pgtype value with
// Valid=false for empty or unreadable input so the store writes NULL.

import (
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// TwoDigitYearPivot defines how 2-digit years are interpreted. Years more
// than this far in the future are moved to the previous century.
var TwoDigitYearPivot = 0

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "January 2, 2006", "2 Jan 2006",
		"20060102",
		time.RFC3339,
	}
)

// ToPgText converts a cell to pgtype.Text.
func ToPgText(s string) pgtype.Text {
	s = CleanCell(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgDate converts a cell to pgtype.Date.
// Birthdays cannot be in the future, so 2-digit years past the pivot are
// moved back a century.
func ToPgDate(s string) pgtype.Date {
	s = CleanCell(s)
	if s == "" {
		return pgtype.Date{Valid: false}
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Date{Time: t, Valid: true}
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return pgtype.Date{Time: t, Valid: true}
		}
	}

	return pgtype.Date{Valid: false}
}

// ToPgBool converts a cell to pgtype.Bool.
// Accepts true/false, yes/no, t/f, y/n, 1/0, on/off and active/inactive.
func ToPgBool(s string) pgtype.Bool {
	switch strings.ToLower(CleanCell(s)) {
	case "":
		return pgtype.Bool{Valid: false}
	case "true", "t", "yes", "y", "1", "active", "enabled", "on":
		return pgtype.Bool{Bool: true, Valid: true}
	case "false", "f", "no", "n", "0", "inactive", "disabled", "off":
		return pgtype.Bool{Bool: false, Valid: true}
	default:
		return pgtype.Bool{Valid: false}
	}
}

// ToPgSex converts a sex cell to pgtype.Bool where true means male.
// Plain boolean spellings are accepted as well.
func ToPgSex(s string) pgtype.Bool {
	switch strings.ToLower(CleanCell(s)) {
	case "m", "male", "man":
		return pgtype.Bool{Bool: true, Valid: true}
	case "female", "woman", "w":
		return pgtype.Bool{Bool: false, Valid: true}
	}
	return ToPgBool(s)
}

// ToPgInt4 converts a cell to pgtype.Int4. Thousands separators and a
// trailing ".0" left by spreadsheets are tolerated.
func ToPgInt4(s string) pgtype.Int4 {
	s = strings.ReplaceAll(CleanCell(s), ",", "")
	s = strings.TrimSuffix(s, ".0")
	if s == "" {
		return pgtype.Int4{Valid: false}
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return pgtype.Int4{Valid: false}
	}
	return pgtype.Int4{Int32: int32(n), Valid: true}
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// surrounding whitespace, an Excel formula prefix (="...") and quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.TrimSpace(strings.Trim(s, `"'`))
}
