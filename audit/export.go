package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// Format is an export file format.
type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

var (
	// ErrInvalidExportName rejects download names outside the export pattern.
	ErrInvalidExportName = errors.New("audit: invalid export file name")
	// ErrExportNotFound signals the export file does not exist.
	ErrExportNotFound = errors.New("audit: export not found")
	// ErrUnsupportedFormat signals an unknown export format.
	ErrUnsupportedFormat = errors.New("audit: unsupported export format")
)

var exportNamePattern = regexp.MustCompile(`^audit-logs-\d{8}-\d{6}(-\d{1,3})?\.(csv|pdf)$`)

const exportBatch = 500

// Source is the read side used by exports.
type Source interface {
	Query(ctx context.Context, filters Filters) ([]Entry, int, error)
}

// Exporter writes filtered audit entries to files in a single directory.
type Exporter struct {
	source  Source
	dir     string
	maxRows int
	now     func() time.Time
}

func NewExporter(source Source, dir string) *Exporter {
	return &Exporter{
		source:  source,
		dir:     dir,
		maxRows: 10000,
		now:     time.Now,
	}
}

func (x *Exporter) WithClock(now func() time.Time) *Exporter {
	x.now = now
	return x
}

// Export renders entries matching filters and returns the file name.
func (x *Exporter) Export(ctx context.Context, format Format, filters Filters) (string, error) {
	if format != FormatCSV && format != FormatPDF {
		return "", ErrUnsupportedFormat
	}
	if err := os.MkdirAll(x.dir, 0o750); err != nil {
		return "", fmt.Errorf("audit: create export dir: %w", err)
	}

	entries, err := x.collect(ctx, filters)
	if err != nil {
		return "", err
	}

	f, name, err := x.create(format)
	if err != nil {
		return "", err
	}

	switch format {
	case FormatCSV:
		err = WriteCSV(f, entries)
	case FormatPDF:
		err = WritePDF(f, entries, x.now())
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(filepath.Join(x.dir, name))
		return "", fmt.Errorf("audit: write %s export: %w", format, err)
	}
	return name, nil
}

// Open returns a previously exported file. The name must match the export
// pattern and resolve inside the export directory.
func (x *Exporter) Open(name string) (*os.File, error) {
	if err := ValidateExportName(name); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(x.dir)
	if err != nil {
		return nil, fmt.Errorf("audit: resolve export dir: %w", err)
	}
	full := filepath.Join(root, name)
	if filepath.Dir(full) != root {
		return nil, ErrInvalidExportName
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrExportNotFound
		}
		return nil, fmt.Errorf("audit: open export: %w", err)
	}
	return f, nil
}

// ValidateExportName rejects anything that is not a bare export file name.
func ValidateExportName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || filepath.Base(name) != name {
		return ErrInvalidExportName
	}
	if !exportNamePattern.MatchString(name) {
		return ErrInvalidExportName
	}
	return nil
}

func (x *Exporter) collect(ctx context.Context, filters Filters) ([]Entry, error) {
	filters.PageSize = exportBatch
	var out []Entry
	for page := 1; len(out) < x.maxRows; page++ {
		filters.Page = page
		batch, _, err := x.source.Query(ctx, filters)
		if err != nil {
			return nil, fmt.Errorf("audit: export query: %w", err)
		}
		out = append(out, batch...)
		if len(batch) < exportBatch {
			break
		}
	}
	if len(out) > x.maxRows {
		out = out[:x.maxRows]
	}
	return out, nil
}

func (x *Exporter) create(format Format) (*os.File, string, error) {
	base := "audit-logs-" + x.now().UTC().Format("20060102-150405")
	for i := 0; i < 100; i++ {
		name := base + "." + string(format)
		if i > 0 {
			name = base + "-" + strconv.Itoa(i) + "." + string(format)
		}
		f, err := os.OpenFile(filepath.Join(x.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("audit: create export file: %w", err)
		}
	}
	return nil, "", fmt.Errorf("audit: too many exports for %s", base)
}

var csvHeader = []string{"ID", "Date", "Event Type", "Action", "Auditable Type", "Auditable ID", "User ID", "IP Address", "User Agent", "URL", "Changes"}

// WriteCSV writes entries with a header row.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		userID := ""
		if e.UserID != nil {
			userID = *e.UserID
		}
		record := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.EventType),
			e.Action,
			e.AuditableType,
			e.AuditableID,
			userID,
			e.IPAddress,
			e.UserAgent,
			e.URL,
			ChangeSummary(e),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WritePDF renders entries as a landscape table.
func WritePDF(w io.Writer, entries []Entry, generatedAt time.Time) error {
	pdf := fpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Audit Log Export", true)
	pdf.SetAutoPageBreak(true, 12)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, "Audit Log Export", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated %s - %d entries", generatedAt.UTC().Format(time.RFC1123), len(entries)), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	widths := []float64{14, 34, 30, 28, 36, 28, 107}
	headers := []string{"ID", "Date", "Event", "Action", "Auditable", "IP", "Changes"}

	pdf.SetFont("Helvetica", "B", 8)
	pdf.SetFillColor(230, 230, 230)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 7)
	for _, e := range entries {
		auditable := e.AuditableType
		if e.AuditableID != "" {
			auditable += " " + shorten(e.AuditableID, 8)
		}
		cells := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			string(e.EventType),
			e.Action,
			auditable,
			e.IPAddress,
			shorten(ChangeSummary(e), 110),
		}
		for i, c := range cells {
			pdf.CellFormat(widths[i], 6, tr(c), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	return pdf.Output(w)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
