package core

// report.go formats finished results for display and export.
//
// Formatting is side-effect free. Storing a report and handing out a
// download link is the job of a ReportPublisher.

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/a-h/templ"
)

// ReportKind says which result a report carries.
type ReportKind string

const (
	ReportBulk   ReportKind = "bulk"
	ReportImport ReportKind = "import"
)

// ReportFormat is a downloadable report encoding.
type ReportFormat string

const (
	FormatText ReportFormat = "text"
	FormatCSV  ReportFormat = "csv"
	FormatJSON ReportFormat = "json"
	FormatHTML ReportFormat = "html"
)

// ParseReportFormat validates a format name. Empty means JSON.
func ParseReportFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatText, FormatCSV, FormatJSON, FormatHTML:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown report format %q", ErrInvalidRequest, s)
	}
}

// Report is the structured payload of a downloadable report.
type Report struct {
	ID          string               `json:"id"`
	Kind        ReportKind           `json:"kind"`
	Title       string               `json:"title"`
	Status      RunStatus            `json:"status"`
	GeneratedAt time.Time            `json:"generatedAt"`
	Bulk        *BulkOperationResult `json:"bulk,omitempty"`
	Import      *ImportResponse      `json:"import,omitempty"`
}

// ReportPublisher stores a report and returns the URL it can be fetched from.
type ReportPublisher interface {
	Publish(ctx context.Context, r Report) (string, error)
}

// NewBulkReport builds a report for one bulk run.
func NewBulkReport(runID string, op BulkOperationType, status RunStatus, result BulkOperationResult) Report {
	result = result.clone()
	return Report{
		ID:          runID,
		Kind:        ReportBulk,
		Title:       fmt.Sprintf("Bulk %s", strings.ReplaceAll(string(op), "_", " ")),
		Status:      status,
		GeneratedAt: time.Now().UTC(),
		Bulk:        &result,
	}
}

// NewImportReport builds a report for one import commit.
func NewImportReport(commitID, fileName string, status RunStatus, resp ImportResponse) Report {
	resp = resp.clone()
	title := "Account import"
	if fileName != "" {
		title += " " + fileName
	}
	return Report{
		ID:          commitID,
		Kind:        ReportImport,
		Title:       title,
		Status:      status,
		GeneratedAt: time.Now().UTC(),
		Import:      &resp,
	}
}

// ClipboardText lists bulk errors as "{email or id}: {message}" lines in
// their original order.
func ClipboardText(r BulkOperationResult) string {
	var b strings.Builder
	for _, e := range r.Errors {
		who := e.UserEmail
		if who == "" {
			who = e.UserID
		}
		fmt.Fprintf(&b, "%s: %s\n", who, e.Error)
	}
	return b.String()
}

// ImportClipboardText lists import errors as "row {n}: {field}: {message}"
// lines, omitting the field when a diagnostic has none.
func ImportClipboardText(r ImportResponse) string {
	var b strings.Builder
	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "row %d: %s: %s\n", e.Row, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "row %d: %s\n", e.Row, e.Message)
		}
	}
	return b.String()
}

// ContentType returns the MIME type for f.
func (f ReportFormat) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatText:
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}

// FileName returns a download file name for the report in format f.
func (r Report) FileName(f ReportFormat) string {
	ext := string(f)
	if f == FormatText {
		ext = "txt"
	}
	return fmt.Sprintf("%s_report_%s.%s", r.Kind, r.GeneratedAt.Format("20060102_150405"), ext)
}

// Render writes the report in format f.
func (r Report) Render(ctx context.Context, w io.Writer, f ReportFormat) error {
	switch f {
	case FormatText:
		_, err := io.WriteString(w, r.text())
		return err
	case FormatCSV:
		return r.writeCSV(w)
	case FormatHTML:
		return r.HTML().Render(ctx, w)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
}

func (r Report) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", r.Title, r.Status)
	b.WriteString(r.summaryLine())
	b.WriteString("\n\n")
	switch {
	case r.Bulk != nil:
		b.WriteString(ClipboardText(*r.Bulk))
	case r.Import != nil:
		b.WriteString(ImportClipboardText(*r.Import))
	}
	return b.String()
}

func (r Report) summaryLine() string {
	switch {
	case r.Bulk != nil:
		return fmt.Sprintf("total %d, success %d, failed %d, skipped %d",
			r.Bulk.Total, r.Bulk.Success, r.Bulk.Failed, r.Bulk.Skipped)
	case r.Import != nil:
		s := r.Import.Summary
		return fmt.Sprintf("total %d, created %d, updated %d, skipped %d, invalid %d",
			s.TotalRows, s.Created, s.Updated, s.Skipped, s.InvalidRows)
	}
	return ""
}

func (r Report) writeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	switch {
	case r.Bulk != nil:
		cw.Write([]string{"kind", "user_id", "user_email", "user_name", "code", "message", "timestamp"})
		for _, e := range r.Bulk.Errors {
			cw.Write([]string{"error", e.UserID, e.UserEmail, e.UserName, e.Code, e.Error, e.Timestamp.Format(time.RFC3339)})
		}
		for _, e := range r.Bulk.Warnings {
			cw.Write([]string{"warning", e.UserID, e.UserEmail, e.UserName, e.Code, e.Warning, e.Timestamp.Format(time.RFC3339)})
		}
	case r.Import != nil:
		cw.Write([]string{"kind", "row", "field", "message", "value"})
		for _, e := range r.Import.Errors {
			cw.Write([]string{"error", strconv.Itoa(e.Row), e.Field, e.Message, e.Value})
		}
		for _, e := range r.Import.Warnings {
			cw.Write([]string{"warning", strconv.Itoa(e.Row), e.Field, e.Message, e.Value})
		}
	}
	cw.Flush()
	return cw.Error()
}

// HTML renders the report as a standalone page.
func (r Report) HTML() templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		esc := templ.EscapeString[string]

		b.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>")
		b.WriteString(esc(r.Title))
		b.WriteString("</title></head><body><h1>")
		b.WriteString(esc(r.Title))
		fmt.Fprintf(&b, "</h1><p>Status: %s</p><p>%s</p>", esc(string(r.Status)), esc(r.summaryLine()))

		switch {
		case r.Bulk != nil:
			b.WriteString("<table><thead><tr><th>Account</th><th>Code</th><th>Message</th></tr></thead><tbody>")
			for _, e := range r.Bulk.Errors {
				who := e.UserEmail
				if who == "" {
					who = e.UserID
				}
				fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td></tr>", esc(who), esc(e.Code), esc(e.Error))
			}
			b.WriteString("</tbody></table>")
		case r.Import != nil:
			b.WriteString("<table><thead><tr><th>Row</th><th>Field</th><th>Message</th></tr></thead><tbody>")
			for _, e := range r.Import.Errors {
				fmt.Fprintf(&b, "<tr><td>%d</td><td>%s</td><td>%s</td></tr>", e.Row, esc(e.Field), esc(e.Message))
			}
			b.WriteString("</tbody></table>")
		}
		b.WriteString("</body></html>")

		_, err := io.WriteString(w, b.String())
		return err
	})
}

// MergeResults folds a retry chain into one combined view. Each result after
// the first must target exactly the failed items of the one before it, which
// is what RetryFailedOnly produces. The core never merges on its own.
func MergeResults(results ...BulkOperationResult) BulkOperationResult {
	if len(results) == 0 {
		return BulkOperationResult{}
	}

	first, last := results[0], results[len(results)-1]
	merged := BulkOperationResult{
		Total:       first.Total,
		Failed:      last.Failed,
		Errors:      append([]ItemError(nil), last.Errors...),
		StartedAt:   first.StartedAt,
		CompletedAt: last.CompletedAt,
		ExportURL:   last.ExportURL,
	}
	for _, r := range results {
		merged.Success += r.Success
		merged.Skipped += r.Skipped
		merged.Duration += r.Duration
		merged.Warnings = append(merged.Warnings, r.Warnings...)
	}
	return merged
}
