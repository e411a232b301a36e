package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = map[string]*template.Template{
	"package_status":      parse("package_status"),
	"consolidated_status": parse("consolidated_status"),
	"broadcast":           parse("broadcast"),
}

func parse(name string) *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html"))
}

type StatusData struct {
	Subject        string
	Name           string
	TrackingNumber string
	Description    string
	Status         string
	PreviousStatus string
	PackageCount   int
}

type BroadcastData struct {
	Subject    string
	Name       string
	Paragraphs []string
}

// NewBroadcastData splits content on blank lines into paragraphs.
func NewBroadcastData(subject, name, content string) BroadcastData {
	var paras []string
	for _, p := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return BroadcastData{Subject: subject, Name: name, Paragraphs: paras}
}

// Render executes the named template.
func Render(name string, data any) (string, error) {
	t, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("mail: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", fmt.Errorf("mail: render %s: %w", name, err)
	}
	return buf.String(), nil
}
