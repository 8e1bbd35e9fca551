package query

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"retrace/internal/activity"
	"retrace/internal/pipeline"
	"retrace/internal/storage"
	"retrace/internal/suggest"

	lru "github.com/hashicorp/golang-lru/v2"
)

const detailCacheSize = 128

// Search limits applied when the caller passes none.
const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// Facade is the read/respond surface the socket serves. It answers only from
// committed store state: while the store is still migrating or the pipeline
// is disabled it fails with storage.ErrUnavailable rather than returning
// partial data. Status and settings stay reachable so a disabled pipeline
// can be inspected and re-enabled.
type Facade struct {
	store  storage.Store
	pipe   *pipeline.Pipeline
	engine *suggest.Engine

	// Closed sessions never change after close, so their detail rows are
	// safe to cache. Open sessions are always read through.
	details *lru.Cache[int64, *activity.Session]
}

func NewFacade(store storage.Store, pipe *pipeline.Pipeline, engine *suggest.Engine) (*Facade, error) {
	details, err := lru.New[int64, *activity.Session](detailCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create detail cache: %w", err)
	}
	return &Facade{
		store:   store,
		pipe:    pipe,
		engine:  engine,
		details: details,
	}, nil
}

func (f *Facade) available() error {
	if !f.store.Ready() {
		return storage.ErrUnavailable
	}
	if !f.pipe.Enabled() {
		return storage.ErrUnavailable
	}
	return nil
}

// --- Activity Queries ---

// SearchActivities runs ranked free-text search over closed sessions.
func (f *Facade) SearchActivities(ctx context.Context, query string, limit int) ([]activity.SearchHit, error) {
	if err := f.available(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	return f.store.SearchSessions(ctx, query, limit)
}

// ActivityDetail returns one session with its member segments.
func (f *Facade) ActivityDetail(ctx context.Context, id int64) (*activity.Session, error) {
	if err := f.available(); err != nil {
		return nil, err
	}
	if sess, ok := f.details.Get(id); ok {
		return sess, nil
	}
	sess, err := f.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State == activity.SessionClosed {
		f.details.Add(id, sess)
	}
	return sess, nil
}

// ActivitiesRange returns sessions overlapping [start, end], oldest first.
func (f *Facade) ActivitiesRange(ctx context.Context, start, end time.Time) ([]activity.Session, error) {
	if err := f.available(); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("range end %s is before start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return f.store.SessionsRange(ctx, start, end)
}

// --- Suggestions ---

func (f *Facade) PendingSuggestions(ctx context.Context) ([]activity.Suggestion, error) {
	if err := f.available(); err != nil {
		return nil, err
	}
	return f.store.PendingSuggestions(ctx)
}

// RespondSuggestion records the user's accept/dismiss decision.
func (f *Facade) RespondSuggestion(ctx context.Context, id string, status activity.SuggestionStatus, response string) error {
	if err := f.available(); err != nil {
		return err
	}
	return f.engine.Respond(ctx, id, status, response, time.Time{})
}

// --- Summaries ---

func (f *Facade) SummariesRange(ctx context.Context, kind activity.SummaryKind, start, end time.Time) ([]activity.Summary, error) {
	if err := f.available(); err != nil {
		return nil, err
	}
	if err := validateSummaryKind(kind); err != nil {
		return nil, err
	}
	return f.store.SummariesRange(ctx, kind, start, end)
}

// GenerateSummary regenerates the summary covering the period that contains
// anchor, replacing any prior one for the same period.
func (f *Facade) GenerateSummary(ctx context.Context, kind activity.SummaryKind, anchor time.Time) (*activity.Summary, error) {
	if err := f.available(); err != nil {
		return nil, err
	}
	if err := validateSummaryKind(kind); err != nil {
		return nil, err
	}
	if anchor.IsZero() {
		anchor = time.Now()
	}
	return f.pipe.RunSummary(ctx, kind, anchor)
}

func validateSummaryKind(kind activity.SummaryKind) error {
	switch kind {
	case activity.SummaryDaily, activity.SummaryWeekly, activity.SummaryMonthly:
		return nil
	default:
		return fmt.Errorf("unknown summary kind %q", kind)
	}
}

// --- Status ---

// Status is the daemon-health snapshot served to clients. It is always
// reachable, even while the store migrates or the pipeline is disabled.
type Status struct {
	SchemaVersion      uint              `json:"schema_version"`
	StoreReady         bool              `json:"store_ready"`
	Pipeline           pipeline.Snapshot `json:"pipeline"`
	OpenSessions       int64             `json:"open_sessions"`
	ClosedSessions     int64             `json:"closed_sessions"`
	TotalAnalyses      int64             `json:"total_analyses"`
	InvalidAnalyses    int64             `json:"invalid_analyses"`
	Backlog            int               `json:"backlog"`
	PendingSuggestions int               `json:"pending_suggestions"`
}

func (f *Facade) Status(ctx context.Context) (Status, error) {
	st := Status{
		SchemaVersion: f.store.SchemaVersion(),
		StoreReady:    f.store.Ready(),
		Pipeline:      f.pipe.Status(),
	}
	if !st.StoreReady {
		return st, nil
	}
	open, closed, err := f.store.CountSessions(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to count sessions: %w", err)
	}
	st.OpenSessions, st.ClosedSessions = open, closed

	total, invalid, err := f.store.CountAnalyses(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to count analyses: %w", err)
	}
	st.TotalAnalyses, st.InvalidAnalyses = total, invalid

	backlog, err := f.store.UngroupedAnalyses(ctx, 0)
	if err != nil {
		return st, fmt.Errorf("failed to read backlog: %w", err)
	}
	st.Backlog = len(backlog)

	pending, err := f.store.PendingSuggestions(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to read pending suggestions: %w", err)
	}
	st.PendingSuggestions = len(pending)
	return st, nil
}

// --- Settings ---

// Settings returns the persisted runtime knobs, filling absent keys with
// their defaults so callers always see the full set.
func (f *Facade) Settings(ctx context.Context) (map[string]string, error) {
	if !f.store.Ready() {
		return nil, storage.ErrUnavailable
	}
	out := map[string]string{
		storage.SettingPipelineEnabled: "true",
		storage.SettingCaptureInterval: strconv.Itoa(storage.DefaultCaptureIntervalSecs),
		storage.SettingSegmentSeconds:  strconv.Itoa(storage.DefaultSegmentSecs),
	}
	persisted, err := f.store.AllSettings(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range persisted {
		out[k] = v
	}
	return out, nil
}

// SetSetting validates, clamps and persists one runtime knob, returning the
// value actually applied. Out-of-range numbers are clamped with a logged
// warning rather than rejected. Setting pipeline_enabled toggles the
// pipeline immediately.
func (f *Facade) SetSetting(ctx context.Context, key, value string) (string, error) {
	if !f.store.Ready() {
		return "", storage.ErrUnavailable
	}
	switch key {
	case storage.SettingPipelineEnabled:
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("setting %s wants a boolean, got %q", key, value)
		}
		if err := f.pipe.SetEnabled(ctx, enabled); err != nil {
			return "", err
		}
		return strconv.FormatBool(enabled), nil
	case storage.SettingCaptureInterval:
		return f.setClamped(ctx, key, value, storage.MinCaptureIntervalSecs, storage.MaxCaptureIntervalSecs)
	case storage.SettingSegmentSeconds:
		return f.setClamped(ctx, key, value, storage.MinSegmentSecs, storage.MaxSegmentSecs)
	default:
		return "", fmt.Errorf("unknown setting %q", key)
	}
}

func (f *Facade) setClamped(ctx context.Context, key, value string, min, max int) (string, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return "", fmt.Errorf("setting %s wants an integer, got %q", key, value)
	}
	clamped := n
	if clamped < min {
		clamped = min
	}
	if clamped > max {
		clamped = max
	}
	if clamped != n {
		log.Printf("Warning: %s=%d outside [%d, %d], clamped to %d", key, n, min, max, clamped)
	}
	applied := strconv.Itoa(clamped)
	if err := f.store.SetSetting(ctx, key, applied); err != nil {
		return "", err
	}
	return applied, nil
}
