package report

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/model"
	"github.com/teranos/checkrun/sym"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var htmlTemplate = template.Must(
	template.New("report.html.tmpl").Funcs(template.FuncMap{
		"ms":     formatMs,
		"symbol": func(s model.RunStatus) string { return sym.ForStatus(string(s)) },
		"lower":  func(s any) string { return strings.ToLower(fmt.Sprint(s)) },
		"ts":     func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
		"pct":    func(f float64) string { return fmt.Sprintf("%.1f%%", f*100) },
	}).ParseFS(templateFS, "templates/report.html.tmpl"),
)

// Writer serializes reports into the artifact store.
type Writer struct {
	store *ArtifactStore
	log   *zap.SugaredLogger
}

// NewWriter creates a report writer. A nil logger disables logging.
func NewWriter(store *ArtifactStore, log *zap.SugaredLogger) *Writer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Writer{store: store, log: log}
}

// Store returns the artifact store the writer writes into.
func (w *Writer) Store() *ArtifactStore { return w.store }

// WriteJSON writes the report as indented JSON and returns its relative path.
func (w *Writer) WriteJSON(r *model.Report, runID string) (string, error) {
	if err := checkRunID(runID); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode report for run %s", runID)
	}
	rel := path.Join(reportsDir, runID+".json")
	if err := writeFileAtomic(w.store.Abs(rel), append(data, '\n')); err != nil {
		return "", err
	}
	w.log.Debugw("Wrote JSON report", "run_id", runID, "path", rel)
	return rel, nil
}

// WriteHTML renders the report as a standalone HTML page and returns its
// relative path.
func (w *Writer) WriteHTML(r *model.Report, runID string) (string, error) {
	if err := checkRunID(runID); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, r); err != nil {
		return "", errors.Wrapf(err, "failed to render HTML report for run %s", runID)
	}
	rel := path.Join(reportsDir, runID+".html")
	if err := writeFileAtomic(w.store.Abs(rel), buf.Bytes()); err != nil {
		return "", err
	}
	w.log.Debugw("Wrote HTML report", "run_id", runID, "path", rel)
	return rel, nil
}

func formatMs(ms float64) string {
	switch {
	case ms >= 1000:
		return fmt.Sprintf("%.2fs", ms/1000)
	case ms >= 10:
		return fmt.Sprintf("%.0fms", ms)
	default:
		return fmt.Sprintf("%.2fms", ms)
	}
}
