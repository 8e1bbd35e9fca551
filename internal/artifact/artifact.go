package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"retrace/internal/activity"
	"retrace/internal/analysis"
)

// Writer renders markdown artifacts for sessions, habits and summaries under
// a fixed root. Rendering is deterministic: the same inputs always produce
// byte-identical files.
type Writer struct {
	root string
}

func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

var sessionTmpl = template.Must(template.New("session").Parse(`# {{.Title}}

- **Start**: {{.Start}}
- **End**: {{.End}}
- **Duration**: {{.Duration}}
- **Application**: {{.AppName}}
- **Category**: {{.Category}}
- **Average productivity**: {{printf "%.1f" .AvgProductivity}}/10
{{- if .Tags}}
- **Tags**: {{.Tags}}
{{- end}}

{{if .Narrative}}{{.Narrative}}

{{end}}## Segments
{{range .Segments}}
- {{.Time}} — {{.App}}{{if .Summary}}: {{.Summary}}{{end}}
{{- end}}
{{if .Accomplishments}}
## Accomplishments
{{range .Accomplishments}}
- {{.}}
{{- end}}
{{end}}`))

type sessionView struct {
	Title           string
	Start, End      string
	Duration        string
	AppName         string
	Category        string
	AvgProductivity float64
	Tags            string
	Narrative       string
	Segments        []segmentView
	Accomplishments []string
}

type segmentView struct {
	Time    string
	App     string
	Summary string
}

// WriteSession renders the session artifact and returns its path.
func (w *Writer) WriteSession(s *activity.Session, members []analysis.Record) (string, error) {
	view := sessionView{
		Title:           s.Title,
		Start:           s.StartedAt.Local().Format("2006-01-02 15:04"),
		End:             s.EndedAt.Local().Format("2006-01-02 15:04"),
		Duration:        formatDuration(time.Duration(s.DurationSecs) * time.Second),
		AppName:         s.AppName,
		Category:        string(s.Category),
		AvgProductivity: s.AvgProductivity,
		Tags:            strings.Join(s.Tags, ", "),
		Narrative:       s.Narrative,
	}
	for _, rec := range members {
		view.Segments = append(view.Segments, segmentView{
			Time:    rec.CapturedAt.Local().Format("15:04"),
			App:     rec.AppName,
			Summary: rec.Summary,
		})
		view.Accomplishments = append(view.Accomplishments, rec.Accomplishments...)
	}

	dir := filepath.Join(w.root, "sessions", s.StartedAt.Local().Format("2006"), s.StartedAt.Local().Format("01"))
	path := filepath.Join(dir, fmt.Sprintf("session-%d.md", s.ID))
	if err := w.render(path, sessionTmpl, view); err != nil {
		return "", err
	}
	return path, nil
}

var habitTmpl = template.Must(template.New("habit").Parse(`# Habit: {{.Name}}

- **Type**: {{.Kind}}
- **Confidence**: {{printf "%.2f" .Confidence}}
- **Occurrences**: {{.Occurrences}}
{{- if .Frequency}}
- **Frequency**: {{.Frequency}}
{{- end}}
{{- if .TypicalTime}}
- **Typical time**: {{.TypicalTime}}
{{- end}}
{{- if .TriggerCondition}}
- **Trigger**: {{.TriggerCondition}}
{{- end}}
- **Last seen**: {{.LastSeen}}
`))

type habitView struct {
	Name             string
	Kind             string
	Confidence       float64
	Occurrences      int
	Frequency        string
	TypicalTime      string
	TriggerCondition string
	LastSeen         string
}

// HabitPath is the deterministic artifact location for a habit. WriteHabit
// renders into it; callers may persist the path before rendering happens.
func (w *Writer) HabitPath(h *activity.Habit) string {
	return filepath.Join(w.root, "habits",
		fmt.Sprintf("%s-%s.md", h.Kind, sanitizeName(h.Signature)))
}

// WriteHabit renders the habit artifact and returns its path.
func (w *Writer) WriteHabit(h *activity.Habit) (string, error) {
	view := habitView{
		Name:             h.Name,
		Kind:             string(h.Kind),
		Confidence:       h.Confidence,
		Occurrences:      h.Occurrences,
		Frequency:        h.Frequency,
		TypicalTime:      h.TypicalTime,
		TriggerCondition: h.TriggerCondition,
		LastSeen:         h.LastSeen.Local().Format("2006-01-02"),
	}
	path := w.HabitPath(h)
	if err := w.render(path, habitTmpl, view); err != nil {
		return "", err
	}
	return path, nil
}

// WriteSummary writes the already-rendered summary content and returns its
// path. Summary narrative rendering lives with the generator; this only
// places the file.
func (w *Writer) WriteSummary(sum *activity.Summary) (string, error) {
	path := filepath.Join(w.root, "summaries",
		fmt.Sprintf("%s-%s.md", sum.Kind, sum.DateStart.Local().Format("2006-01-02")))
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sum.Content), 0644); err != nil {
		return "", fmt.Errorf("failed to write summary artifact: %w", err)
	}
	return path, nil
}

func (w *Writer) render(path string, tmpl *template.Template, view interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer f.Close()
	if err := tmpl.Execute(f, view); err != nil {
		return fmt.Errorf("failed to render artifact %s: %w", path, err)
	}
	return nil
}

// sanitizeName keeps signatures filesystem-safe.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if len(name) > 80 {
		name = name[:80]
	}
	return name
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%ds", d/time.Second)
}
