package grouper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"retrace/internal/activity"
	"retrace/internal/analysis"
	"retrace/internal/artifact"
	"retrace/internal/storage"
)

// ErrOutOfOrder is returned when an analysis arrives with a capture time
// before the open session's last member. The pipeline keeps capture order,
// so hitting this means the record must wait for the backlog drain.
var ErrOutOfOrder = errors.New("analysis out of capture order")

// Config holds the grouping tunables. All of them are configuration-exposed
// rather than hard-coded and may be swapped at runtime via SetConfig.
type Config struct {
	MergeThreshold     float64
	MaxIdleGap         time.Duration
	WeightContinuation float64
	WeightAppMatch     float64
	WeightTagOverlap   float64
}

// Grouper decides, one analysis at a time in capture order, whether the
// record extends the open session or starts a new one, and persists each
// decision as one transaction.
type Grouper struct {
	store     storage.Store
	artifacts *artifact.Writer
	onClosed  func(*activity.Session)

	mu   sync.Mutex
	cfg  Config
	open *openState
}

// openState mirrors the single persisted open session.
type openState struct {
	session     *activity.Session
	lastApp     string
	lastCapture time.Time
	tagSet      map[string]struct{}
	appCount    map[string]int
	catCount    map[analysis.Category]int
	prodSum     float64
	members     []analysis.Record
}

func New(store storage.Store, cfg Config, artifacts *artifact.Writer, onClosed func(*activity.Session)) *Grouper {
	return &Grouper{
		store:     store,
		artifacts: artifacts,
		onClosed:  onClosed,
		cfg:       cfg,
	}
}

// SetConfig swaps the tunables; the next decision uses the new values.
func (g *Grouper) SetConfig(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// SetOnClosed installs the callback invoked after a session is persisted as
// closed. The callback runs on the grouping goroutine and must not call back
// into the grouper.
func (g *Grouper) SetOnClosed(fn func(*activity.Session)) {
	g.mu.Lock()
	g.onClosed = fn
	g.mu.Unlock()
}

// Resume reloads a persisted open session after a restart so grouping
// continues where it left off.
func (g *Grouper) Resume(ctx context.Context) error {
	sess, err := g.store.OpenSessionRow(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load open session: %w", err)
	}

	state := &openState{
		session:  sess,
		tagSet:   make(map[string]struct{}),
		appCount: make(map[string]int),
		catCount: make(map[analysis.Category]int),
	}
	for _, ref := range sess.Members {
		rec, err := g.store.GetAnalysis(ctx, ref.SegmentID)
		if err != nil {
			return fmt.Errorf("failed to load member %s of open session: %w", ref.SegmentID, err)
		}
		state.absorb(rec)
	}

	g.mu.Lock()
	g.open = state
	g.mu.Unlock()
	log.Printf("Resumed open session %d with %d member(s).", sess.ID, len(sess.Members))
	return nil
}

// Ingest processes the next valid analysis in capture order.
func (g *Grouper) Ingest(ctx context.Context, rec *analysis.Record) error {
	if !rec.Valid {
		return fmt.Errorf("refusing to group invalid analysis %s", rec.SegmentID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open == nil {
		return g.openNewLocked(ctx, rec)
	}
	if rec.CapturedAt.Before(g.open.lastCapture) {
		return ErrOutOfOrder
	}

	gap := rec.CapturedAt.Sub(g.open.lastCapture)
	if gap > g.cfg.MaxIdleGap {
		if err := g.closeOpenLocked(ctx); err != nil {
			return err
		}
		return g.openNewLocked(ctx, rec)
	}

	score := g.continuationScoreLocked(rec)
	if score >= g.cfg.MergeThreshold {
		return g.appendLocked(ctx, rec)
	}
	if err := g.closeOpenLocked(ctx); err != nil {
		return err
	}
	return g.openNewLocked(ctx, rec)
}

// Flush closes the open session, if any. Safe to call repeatedly.
func (g *Grouper) Flush(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeOpenLocked(ctx)
}

// OpenSessionID reports the id of the current open session, 0 when none.
func (g *Grouper) OpenSessionID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == nil {
		return 0
	}
	return g.open.session.ID
}

// continuationScoreLocked combines the AI continuation flag, app equality
// against the most recent member and the tag-overlap ratio against the
// session's accumulated tag set.
func (g *Grouper) continuationScoreLocked(rec *analysis.Record) float64 {
	var score float64
	if rec.Continuation {
		score += g.cfg.WeightContinuation
	}
	if strings.EqualFold(rec.AppName, g.open.lastApp) {
		score += g.cfg.WeightAppMatch
	}
	if len(rec.Tags) > 0 {
		matched := 0
		for _, tag := range rec.Tags {
			if _, ok := g.open.tagSet[strings.ToLower(tag)]; ok {
				matched++
			}
		}
		score += g.cfg.WeightTagOverlap * float64(matched) / float64(len(rec.Tags))
	}
	return score
}

func (g *Grouper) openNewLocked(ctx context.Context, rec *analysis.Record) error {
	sess := &activity.Session{
		StartedAt:       rec.CapturedAt,
		EndedAt:         rec.CapturedAt,
		DurationSecs:    0,
		AppName:         rec.AppName,
		Category:        rec.Category,
		Tags:            normalizeTags(rec.Tags),
		AvgProductivity: float64(rec.Productivity),
		State:           activity.SessionOpen,
		Members: []activity.SegmentRef{
			{SegmentID: rec.SegmentID, Position: 0, Summary: rec.Summary},
		},
	}
	if _, err := g.store.OpenSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	state := &openState{
		session:  sess,
		tagSet:   make(map[string]struct{}),
		appCount: make(map[string]int),
		catCount: make(map[analysis.Category]int),
	}
	state.absorb(rec)
	g.open = state
	return nil
}

func (g *Grouper) appendLocked(ctx context.Context, rec *analysis.Record) error {
	state := g.open
	state.absorb(rec)

	sess := state.session
	sess.EndedAt = rec.CapturedAt
	sess.DurationSecs = int64(sess.EndedAt.Sub(sess.StartedAt) / time.Second)
	sess.AppName = state.dominantApp()
	sess.Category = state.dominantCategory()
	sess.Tags = state.sortedTags()
	sess.AvgProductivity = state.prodSum / float64(len(state.members))

	ref := activity.SegmentRef{
		SegmentID: rec.SegmentID,
		Position:  len(state.members) - 1,
		Summary:   rec.Summary,
	}
	upd := storage.SessionUpdate{
		EndedAt:         sess.EndedAt,
		DurationSecs:    sess.DurationSecs,
		AppName:         sess.AppName,
		Category:        sess.Category,
		Tags:            sess.Tags,
		AvgProductivity: sess.AvgProductivity,
	}
	if err := g.store.AppendSegment(ctx, sess.ID, ref, upd); err != nil {
		return fmt.Errorf("failed to append segment to session %d: %w", sess.ID, err)
	}
	sess.Members = append(sess.Members, ref)
	return nil
}

func (g *Grouper) closeOpenLocked(ctx context.Context) error {
	if g.open == nil {
		return nil
	}
	state := g.open
	sess := state.session

	sess.Title = buildTitle(state)
	sess.Narrative = buildNarrative(state)

	// The artifact is presentation output; failing to render it must not
	// keep the session open.
	artifactPath, err := g.artifacts.WriteSession(sess, state.members)
	if err != nil {
		log.Printf("Warning: failed to write artifact for session %d: %v", sess.ID, err)
		artifactPath = ""
	}

	fin := storage.SessionFinal{
		Title:        sess.Title,
		Narrative:    sess.Narrative,
		ArtifactPath: artifactPath,
	}
	if err := g.store.CloseSession(ctx, sess.ID, fin); err != nil {
		return fmt.Errorf("failed to close session %d: %w", sess.ID, err)
	}
	sess.ArtifactPath = artifactPath
	sess.State = activity.SessionClosed
	sess.Indexed = true
	g.open = nil

	log.Printf("Closed session %d (%q, %d member(s), %s).",
		sess.ID, sess.Title, len(sess.Members), sess.EndedAt.Sub(sess.StartedAt).Round(time.Second))
	if g.onClosed != nil {
		g.onClosed(sess)
	}
	return nil
}

func (st *openState) absorb(rec *analysis.Record) {
	st.members = append(st.members, *rec)
	st.lastApp = rec.AppName
	st.lastCapture = rec.CapturedAt
	st.appCount[strings.ToLower(rec.AppName)]++
	st.catCount[rec.Category]++
	st.prodSum += float64(rec.Productivity)
	for _, tag := range rec.Tags {
		st.tagSet[strings.ToLower(tag)] = struct{}{}
	}
}

// dominantApp returns the most frequent member application, preferring the
// earliest seen on ties so the result is deterministic.
func (st *openState) dominantApp() string {
	best, bestCount := "", -1
	for _, rec := range st.members {
		count := st.appCount[strings.ToLower(rec.AppName)]
		if count > bestCount {
			best, bestCount = rec.AppName, count
		}
	}
	return best
}

func (st *openState) dominantCategory() analysis.Category {
	best, bestCount := analysis.CategoryOther, -1
	for _, rec := range st.members {
		count := st.catCount[rec.Category]
		if count > bestCount {
			best, bestCount = rec.Category, count
		}
	}
	return best
}

func (st *openState) sortedTags() []string {
	tags := make([]string, 0, len(st.tagSet))
	for tag := range st.tagSet {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func normalizeTags(tags []string) []string {
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		set[strings.ToLower(tag)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func buildTitle(st *openState) string {
	app := st.dominantApp()
	for _, rec := range st.members {
		if rec.Summary != "" {
			return fmt.Sprintf("%s: %s", app, truncate(rec.Summary, 60))
		}
	}
	return fmt.Sprintf("%s (%s)", app, st.dominantCategory())
}

func buildNarrative(st *openState) string {
	sess := st.session
	narrative := fmt.Sprintf("%d segment(s) of %s activity in %s from %s to %s.",
		len(st.members), st.dominantCategory(), st.dominantApp(),
		sess.StartedAt.Local().Format("15:04"), st.lastCapture.Local().Format("15:04"))

	var highlights []string
	for _, rec := range st.members {
		highlights = append(highlights, rec.Accomplishments...)
		if len(highlights) >= 2 {
			break
		}
	}
	if len(highlights) > 2 {
		highlights = highlights[:2]
	}
	if len(highlights) > 0 {
		narrative += " Highlights: " + strings.Join(highlights, "; ") + "."
	}
	return narrative
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
