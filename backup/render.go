package backup

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	badStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// RenderStatus formats a status report for the terminal.
func RenderStatus(r StatusReport) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Backup status"))
	sb.WriteString("\n\n")

	rows := [][]string{
		lastRow("Database", r.LastDatabase),
		lastRow("Files", r.LastFiles),
	}
	sb.WriteString(table([]string{"Type", "Last success", "Size", "File"}, rows))
	sb.WriteString("\n")

	counts := [][]string{}
	for _, st := range []Status{StatusCompleted, StatusFailed, StatusRunning, StatusPending} {
		counts = append(counts, []string{string(st), fmt.Sprint(r.Counts[st])})
	}
	sb.WriteString(table([]string{"Status", "Count"}, counts))
	sb.WriteString("\n")

	sb.WriteString("Total size: " + HumanSize(r.TotalSize) + "\n")
	if r.Healthy {
		sb.WriteString("Health: " + okStyle.Render("OK") + "\n")
	} else {
		sb.WriteString("Health: " + badStyle.Render("NO DATABASE BACKUP IN 24H") + "\n")
	}
	return sb.String()
}

// RenderCleanup formats a cleanup report.
func RenderCleanup(r CleanupReport) string {
	verb := "Removed"
	if r.DryRun {
		verb = "Would remove"
	}
	if len(r.Removed) == 0 {
		return mutedStyle.Render("No expired backups.") + "\n"
	}
	rows := make([][]string, 0, len(r.Removed))
	for _, b := range r.Removed {
		rows = append(rows, []string{string(b.Type), b.CreatedAt.UTC().Format(time.DateTime), HumanSize(b.FileSize), b.FilePath})
	}
	return table([]string{"Type", "Created", "Size", "File"}, rows) +
		fmt.Sprintf("\n%s %d backup(s), %s\n", verb, len(r.Removed), HumanSize(r.Freed))
}

func lastRow(label string, b *Backup) []string {
	if b == nil || b.CompletedAt == nil {
		return []string{label, "never", "-", "-"}
	}
	return []string{label, b.CompletedAt.UTC().Format(time.DateTime), HumanSize(b.FileSize), b.FilePath}
}

func table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	for i := range widths {
		widths[i] += 2
	}

	var sb strings.Builder
	for i, h := range headers {
		sb.WriteString(headerStyle.Width(widths[i]).Render(h))
	}
	sb.WriteString("\n")
	total := 0
	for _, w := range widths {
		total += w
	}
	sb.WriteString(mutedStyle.Render(strings.Repeat("-", total)) + "\n")
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				sb.WriteString(cellStyle.Width(widths[i]).Render(cell))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// HumanSize formats bytes with binary units.
func HumanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
