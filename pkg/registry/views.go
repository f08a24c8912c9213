package registry

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	ViewSuccess = "success"
	ViewFail    = "fail"
)

type ViewData struct {
	Title       string
	Message     string
	Identity    string
	RedirectURL string
}

type Views struct {
	tmpl *template.Template
}

func NewViews() (*Views, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Views{tmpl: tmpl}, nil
}

// Render executes the named view into a buffer first so a template error
// never leaves a half-written page.
func (v *Views) Render(w http.ResponseWriter, status int, name string, data ViewData) error {
	var buf bytes.Buffer
	if err := v.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
