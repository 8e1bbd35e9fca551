package summary

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"text/template"
	"time"

	"retrace/internal/activity"
	"retrace/internal/artifact"
	"retrace/internal/storage"
)

// Config holds the generation tunables.
type Config struct {
	MinSessions   int // below this the period gets an insufficient-data summary
	MaxTopApps    int
	MaxHighlights int
}

func DefaultConfig() Config {
	return Config{
		MinSessions:   2,
		MaxTopApps:    3,
		MaxHighlights: 5,
	}
}

// Generator produces period rollups. Generation is deterministic: the same
// closed history renders byte-identical content, so regeneration replaces a
// summary with itself.
type Generator struct {
	store     storage.Store
	artifacts *artifact.Writer
	cfg       Config
}

func NewGenerator(store storage.Store, cfg Config, artifacts *artifact.Writer) *Generator {
	return &Generator{store: store, artifacts: artifacts, cfg: cfg}
}

// PeriodFor maps an anchor instant to its local period boundaries. The end
// is exclusive: it is the start of the following period.
func PeriodFor(kind activity.SummaryKind, anchor time.Time) (start, end time.Time) {
	local := anchor.Local()
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)
	switch kind {
	case activity.SummaryWeekly:
		// Weeks start on Monday.
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case activity.SummaryMonthly:
		start = time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, time.Local)
		return start, start.AddDate(0, 1, 0)
	default:
		return day, day.AddDate(0, 0, 1)
	}
}

var contentTmpl = template.Must(template.New("summary").Parse(`# {{.Heading}}

{{.Lead}}

## Totals

- **Sessions**: {{.SessionCount}}
- **Active time**: {{.ActiveTime}}
- **Average productivity**: {{printf "%.1f" .AvgProductivity}}/10
{{- if .Categories}}

## By category
{{range .Categories}}
- {{.Name}}: {{.Minutes}} min{{end}}
{{- end}}
{{- if .TopApps}}

## Most used
{{range .TopApps}}
- {{.Name}}: {{.Minutes}} min{{end}}
{{- end}}
{{- if .Projects}}

## Projects touched
{{range .Projects}}
- {{.}}{{end}}
{{- end}}
{{- if .Habits}}

## Habits observed
{{range .Habits}}
- {{.}}{{end}}
{{- end}}
{{- if .Highlights}}

## Highlights
{{range .Highlights}}
- {{.}}{{end}}
{{- end}}
`))

var insufficientTmpl = template.Must(template.New("insufficient").Parse(`# {{.Heading}}

Not enough recorded activity in this period to build a meaningful summary
({{.SessionCount}} session(s), need at least {{.MinSessions}}).
`))

type bucket struct {
	Name    string
	Minutes int64
}

type contentView struct {
	Heading         string
	Lead            string
	SessionCount    int
	MinSessions     int
	ActiveTime      string
	AvgProductivity float64
	Categories      []bucket
	TopApps         []bucket
	Projects        []string
	Habits          []string
	Highlights      []string
}

// Generate builds, persists and returns the summary for the period the
// anchor falls in, replacing any previous one for the same period.
func (g *Generator) Generate(ctx context.Context, kind activity.SummaryKind, anchor time.Time) (*activity.Summary, error) {
	start, end := PeriodFor(kind, anchor)
	rangeEnd := end.Add(-time.Second)

	sessions, err := g.store.SessionsRange(ctx, start, rangeEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions for %s summary: %w", kind, err)
	}
	var closed []activity.Session
	for _, sess := range sessions {
		if sess.State == activity.SessionClosed {
			closed = append(closed, sess)
		}
	}

	sum := &activity.Summary{
		Kind:      kind,
		DateStart: start,
		DateEnd:   end,
	}
	heading := periodHeading(kind, start)

	if len(closed) < g.cfg.MinSessions {
		// Insufficiency is a result, not an error: the summary says so and
		// is persisted like any other.
		var buf bytes.Buffer
		view := contentView{
			Heading:      heading,
			SessionCount: len(closed),
			MinSessions:  g.cfg.MinSessions,
		}
		if err := insufficientTmpl.Execute(&buf, view); err != nil {
			return nil, fmt.Errorf("failed to render insufficient summary: %w", err)
		}
		sum.Content = buf.String()
		sum.Insufficient = true
		return g.persist(ctx, sum)
	}

	view, sessionIDs, projectIDs, err := g.buildView(ctx, heading, closed, start, rangeEnd)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := contentTmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("failed to render summary: %w", err)
	}
	sum.Content = buf.String()
	sum.SessionIDs = sessionIDs
	sum.ProjectIDs = projectIDs
	return g.persist(ctx, sum)
}

func (g *Generator) persist(ctx context.Context, sum *activity.Summary) (*activity.Summary, error) {
	path, err := g.artifacts.WriteSummary(sum)
	if err != nil {
		log.Printf("Warning: failed to write artifact for %s summary: %v", sum.Kind, err)
	} else {
		sum.ArtifactPath = path
	}
	if err := g.store.UpsertSummary(ctx, sum); err != nil {
		return nil, fmt.Errorf("failed to persist %s summary: %w", sum.Kind, err)
	}
	return sum, nil
}

func (g *Generator) buildView(ctx context.Context, heading string, closed []activity.Session, start, rangeEnd time.Time) (contentView, []int64, []int64, error) {
	view := contentView{Heading: heading, SessionCount: len(closed), MinSessions: g.cfg.MinSessions}

	var totalSecs int64
	var prodWeighted float64
	catMinutes := make(map[string]int64)
	appMinutes := make(map[string]int64)
	sessionIDs := make([]int64, 0, len(closed))
	for _, sess := range closed {
		sessionIDs = append(sessionIDs, sess.ID)
		totalSecs += sess.DurationSecs
		prodWeighted += sess.AvgProductivity * float64(sess.DurationSecs)
		catMinutes[string(sess.Category)] += sess.DurationSecs / 60
		if sess.AppName != "" {
			appMinutes[sess.AppName] += sess.DurationSecs / 60
		}
	}
	view.ActiveTime = formatMinutes(totalSecs / 60)
	view.Lead = fmt.Sprintf("Tracked %d session(s) totalling %s of active time.",
		len(closed), view.ActiveTime)
	if totalSecs > 0 {
		view.AvgProductivity = prodWeighted / float64(totalSecs)
	} else {
		// All zero-length sessions: fall back to a plain mean.
		var sumProd float64
		for _, sess := range closed {
			sumProd += sess.AvgProductivity
		}
		view.AvgProductivity = sumProd / float64(len(closed))
	}
	view.Categories = sortedBuckets(catMinutes, 0)
	view.TopApps = sortedBuckets(appMinutes, g.cfg.MaxTopApps)

	recs, err := g.store.AnalysesRange(ctx, start, rangeEnd, true)
	if err != nil {
		return view, nil, nil, fmt.Errorf("failed to load analyses for summary: %w", err)
	}
	seen := make(map[string]struct{})
	for _, rec := range recs {
		for _, acc := range rec.Accomplishments {
			acc = strings.TrimSpace(acc)
			if acc == "" {
				continue
			}
			if _, dup := seen[strings.ToLower(acc)]; dup {
				continue
			}
			seen[strings.ToLower(acc)] = struct{}{}
			view.Highlights = append(view.Highlights, acc)
			if len(view.Highlights) >= g.cfg.MaxHighlights {
				break
			}
		}
		if len(view.Highlights) >= g.cfg.MaxHighlights {
			break
		}
	}

	habits, err := g.store.HabitsSeenInRange(ctx, start, rangeEnd)
	if err != nil {
		return view, nil, nil, fmt.Errorf("failed to load habits for summary: %w", err)
	}
	for _, h := range habits {
		view.Habits = append(view.Habits, h.Name)
	}
	sort.Strings(view.Habits)

	projects, err := g.store.ProjectsForSessions(ctx, sessionIDs)
	if err != nil {
		return view, nil, nil, fmt.Errorf("failed to load projects for summary: %w", err)
	}
	projectIDs := make([]int64, 0, len(projects))
	for _, p := range projects {
		view.Projects = append(view.Projects, p.Name)
		projectIDs = append(projectIDs, p.ID)
	}
	sort.Strings(view.Projects)
	sort.Slice(projectIDs, func(i, j int) bool { return projectIDs[i] < projectIDs[j] })

	return view, sessionIDs, projectIDs, nil
}

func periodHeading(kind activity.SummaryKind, start time.Time) string {
	switch kind {
	case activity.SummaryWeekly:
		return "Week of " + start.Format("January 2, 2006")
	case activity.SummaryMonthly:
		return start.Format("January 2006")
	default:
		return start.Format("Monday, January 2, 2006")
	}
}

func sortedBuckets(m map[string]int64, limit int) []bucket {
	buckets := make([]bucket, 0, len(m))
	for name, minutes := range m {
		if name == "" {
			continue
		}
		buckets = append(buckets, bucket{Name: name, Minutes: minutes})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Minutes != buckets[j].Minutes {
			return buckets[i].Minutes > buckets[j].Minutes
		}
		return buckets[i].Name < buckets[j].Name
	})
	if limit > 0 && len(buckets) > limit {
		buckets = buckets[:limit]
	}
	return buckets
}

func formatMinutes(minutes int64) string {
	h := minutes / 60
	m := minutes % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
