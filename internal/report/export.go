// Package report exports a finished batch as JSON, CSV, HTML or PDF.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jung-kurt/gofpdf"

	"github.com/NikhilSetiya/repograde/internal/orchestrator"
	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/logging"
)

// Format is a report file format
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatCSV, FormatHTML, FormatPDF:
		return f, nil
	}
	return "", apperrors.NewValidationError(fmt.Sprintf("unsupported report format: %s", s))
}

// Category is the outcome bucket a task ended in
type Category string

const (
	CategoryCompleted   Category = "completed"
	CategoryFailed      Category = "failed"
	CategoryCloneFailed Category = "clone_failed"
	CategorySkipped     Category = "skipped"
	CategoryCancelled   Category = "cancelled"
)

// Row is one repository in a report
type Row struct {
	Repository string                 `json:"repository"`
	SourceURL  string                 `json:"source_url"`
	Category   Category               `json:"category"`
	Status     string                 `json:"status"`
	Score      string                 `json:"score,omitempty"`
	Tokens     int                    `json:"tokens"`
	Duration   time.Duration          `json:"duration"`
	TimedOut   bool                   `json:"timed_out,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
}

// Report is the exported view of a BatchResult
type Report struct {
	BatchID     string              `json:"batch_id"`
	GeneratedAt time.Time           `json:"generated_at"`
	StartedAt   time.Time           `json:"started_at"`
	Duration    time.Duration       `json:"duration"`
	Summary     orchestrator.Counts `json:"summary"`
	Rows        []Row               `json:"rows"`
}

// Build flattens a batch result into report rows, grouped by category
func Build(result *orchestrator.BatchResult, now time.Time) *Report {
	r := &Report{
		BatchID:     result.BatchID,
		GeneratedAt: now,
		StartedAt:   result.StartedAt,
		Duration:    result.Duration,
		Summary:     result.Counts(),
	}

	groups := []struct {
		category Category
		tasks    []orchestrator.TaskSnapshot
	}{
		{CategoryCompleted, result.Completed},
		{CategoryFailed, result.Failed},
		{CategoryCloneFailed, result.CloneFailed},
		{CategorySkipped, result.Skipped},
		{CategoryCancelled, result.Cancelled},
	}
	for _, g := range groups {
		for _, t := range g.tasks {
			r.Rows = append(r.Rows, rowOf(g.category, t))
		}
	}
	return r
}

func rowOf(category Category, t orchestrator.TaskSnapshot) Row {
	row := Row{
		Repository: t.ID,
		SourceURL:  t.SourceURL,
		Category:   category,
		Status:     string(t.Status),
		Tokens:     t.TokensUsed.Total(),
		Duration:   t.Duration,
		TimedOut:   t.TimedOut,
		Error:      t.LastError,
	}
	if t.Result != nil {
		row.Output = t.Result.Output
		if score, ok := t.Result.Output["score"]; ok {
			row.Score = formatScore(score)
		}
	}
	return row
}

func formatScore(v interface{}) string {
	switch s := v.(type) {
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}

// ExportResult describes a written report file
type ExportResult struct {
	ID          uuid.UUID `json:"id"`
	Format      Format    `json:"format"`
	Filename    string    `json:"filename"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Exporter writes reports into a directory
type Exporter struct {
	dir    string
	now    func() time.Time
	logger *logging.Logger
}

// NewExporter creates an Exporter writing into dir
func NewExporter(dir string) *Exporter {
	return &Exporter{
		dir:    dir,
		now:    time.Now,
		logger: logging.GetLogger(),
	}
}

// Export renders result in format and writes it to the export directory
func (e *Exporter) Export(ctx context.Context, result *orchestrator.BatchResult, format Format) (*ExportResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	generatedAt := e.now()
	var buf bytes.Buffer
	if err := Render(&buf, Build(result, generatedAt), format); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, apperrors.NewInternalError("failed to create report directory").WithCause(err)
	}
	filename := fmt.Sprintf("grades_%s.%s", generatedAt.Format("20060102_150405"), format)
	path := filepath.Join(e.dir, filename)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, apperrors.NewInternalError("failed to write report").WithCause(err)
	}

	e.logger.Info("Report written",
		"batch_id", result.BatchID,
		"format", format,
		"path", path,
		"size", buf.Len(),
	)

	return &ExportResult{
		ID:          uuid.New(),
		Format:      format,
		Filename:    filename,
		Path:        path,
		Size:        int64(buf.Len()),
		GeneratedAt: generatedAt,
	}, nil
}

// Render writes the report to w in format
func Render(w io.Writer, r *Report, format Format) error {
	switch format {
	case FormatJSON:
		return renderJSON(w, r)
	case FormatCSV:
		return renderCSV(w, r)
	case FormatHTML:
		return renderHTML(w, r)
	case FormatPDF:
		return renderPDF(w, r)
	}
	_, err := ParseFormat(string(format))
	return err
}

func renderJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return apperrors.NewInternalError("failed to marshal JSON report").WithCause(err)
	}
	return nil
}

var csvHeader = []string{"repository", "category", "status", "score", "tokens", "duration_seconds", "timed_out", "error", "output"}

func renderCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return apperrors.NewInternalError("failed to write CSV report").WithCause(err)
	}

	for _, row := range r.Rows {
		output := ""
		if len(row.Output) > 0 {
			// json.Marshal sorts map keys, so the column is stable.
			data, err := json.Marshal(row.Output)
			if err != nil {
				return apperrors.NewInternalError("failed to encode grading output").WithCause(err)
			}
			output = string(data)
		}

		record := []string{
			row.Repository,
			string(row.Category),
			row.Status,
			row.Score,
			strconv.Itoa(row.Tokens),
			strconv.FormatFloat(row.Duration.Seconds(), 'f', 1, 64),
			strconv.FormatBool(row.TimedOut),
			row.Error,
			output,
		}
		if err := cw.Write(record); err != nil {
			return apperrors.NewInternalError("failed to write CSV report").WithCause(err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return apperrors.NewInternalError("failed to write CSV report").WithCause(err)
	}
	return nil
}

func renderPDF(w io.Writer, r *Report) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, "Repository Grading Report")
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 9)
	pdf.Cell(40, 5, fmt.Sprintf("Batch %s, generated %s", r.BatchID, r.GeneratedAt.Format(time.RFC1123)))
	pdf.Ln(10)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(40, 10, "Summary")
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 10)
	summary := []struct {
		label string
		value int
	}{
		{"Repositories", r.Summary.Total},
		{"Completed", r.Summary.Completed},
		{"Grading failed", r.Summary.Failed},
		{"Timed out", r.Summary.TimedOut},
		{"Clone failed", r.Summary.CloneFailed},
		{"Skipped", r.Summary.Skipped},
		{"Cancelled", r.Summary.Cancelled},
	}
	for _, s := range summary {
		pdf.Cell(40, 6, fmt.Sprintf("%s: %d", s.label, s.value))
		pdf.Ln(6)
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(40, 10, "Repositories")
	pdf.Ln(10)

	for i, row := range r.Rows {
		if i > 0 {
			pdf.Ln(4)
		}

		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(40, 6, tr(fmt.Sprintf("%d. %s", i+1, row.Repository)))
		pdf.Ln(6)

		pdf.SetFont("Arial", "", 9)
		meta := fmt.Sprintf("Outcome: %s | Tokens: %d | Duration: %s", row.Category, row.Tokens, row.Duration.Round(time.Second))
		if row.Score != "" {
			meta = fmt.Sprintf("Score: %s | %s", row.Score, meta)
		}
		pdf.Cell(40, 5, meta)
		pdf.Ln(5)

		if row.Error != "" {
			pdf.MultiCell(0, 4, tr("Error: "+row.Error), "", "", false)
		}
		if feedback := feedbackOf(row.Output); feedback != "" {
			pdf.MultiCell(0, 4, tr(feedback), "", "", false)
		}

		if pdf.GetY() > 250 {
			pdf.AddPage()
		}
	}

	if err := pdf.Output(w); err != nil {
		return apperrors.NewInternalError("failed to generate PDF report").WithCause(err)
	}
	return nil
}

// feedbackOf renders the non-score output keys as "key: value" lines
func feedbackOf(output map[string]interface{}) string {
	keys := make([]string, 0, len(output))
	for k := range output {
		if k != "score" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %v\n", k, output[k])
	}
	return buf.String()
}

var htmlTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Repository Grading Report</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .summary { background: #f5f5f5; padding: 20px; margin-bottom: 30px; border-radius: 5px; }
        table { border-collapse: collapse; width: 100%; }
        td, th { border: 1px solid #ddd; padding: 6px; text-align: left; }
        .completed { border-left: 5px solid #16a34a; }
        .failed, .clone_failed { border-left: 5px solid #dc2626; }
        .skipped, .cancelled { border-left: 5px solid #6b7280; }
    </style>
</head>
<body>
    <h1>Repository Grading Report</h1>
    <p>Batch {{.BatchID}}, generated {{.GeneratedAt.Format "2006-01-02 15:04:05"}}</p>
    <div class="summary">
        <p>Repositories: {{.Summary.Total}}</p>
        <p>Completed: {{.Summary.Completed}}</p>
        <p>Grading failed: {{.Summary.Failed}} ({{.Summary.TimedOut}} timed out)</p>
        <p>Clone failed: {{.Summary.CloneFailed}}</p>
        <p>Skipped: {{.Summary.Skipped}}, cancelled: {{.Summary.Cancelled}}</p>
    </div>
    <table>
        <tr><th>Repository</th><th>Outcome</th><th>Score</th><th>Tokens</th><th>Error</th></tr>
        {{range .Rows}}
        <tr class="{{.Category}}"><td>{{.Repository}}</td><td>{{.Category}}</td><td>{{.Score}}</td><td>{{.Tokens}}</td><td>{{.Error}}</td></tr>
        {{end}}
    </table>
</body>
</html>
`))

func renderHTML(w io.Writer, r *Report) error {
	if err := htmlTemplate.Execute(w, r); err != nil {
		return apperrors.NewInternalError("failed to render HTML report").WithCause(err)
	}
	return nil
}
