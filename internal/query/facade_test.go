package query

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retrace/internal/activity"
	"retrace/internal/analysis"
	"retrace/internal/artifact"
	"retrace/internal/grouper"
	"retrace/internal/habits"
	"retrace/internal/pipeline"
	"retrace/internal/projects"
	"retrace/internal/storage"
	"retrace/internal/storage/sqlite"
	"retrace/internal/suggest"
	"retrace/internal/summary"
)

func newTestFacade(t *testing.T) (*Facade, *pipeline.Pipeline, storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store := sqlite.NewStore(filepath.Join(dir, "test.db"))
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })

	artifacts := artifact.NewWriter(filepath.Join(dir, "artifacts"))
	gcfg := grouper.Config{
		MergeThreshold:     0.5,
		MaxIdleGap:         10 * time.Minute,
		WeightContinuation: 0.5,
		WeightAppMatch:     0.3,
		WeightTagOverlap:   0.2,
	}
	notifier := pipeline.NewNotifier()
	t.Cleanup(notifier.Close)

	engine := suggest.NewEngine(store, suggest.DefaultConfig())
	pipe := pipeline.New(store,
		grouper.New(store, gcfg, artifacts, nil),
		projects.NewExtractor(store),
		engine,
		habits.NewDetector(store, habits.DefaultConfig(), artifacts, nil),
		summary.NewGenerator(store, summary.DefaultConfig(), artifacts),
		notifier, pipeline.DefaultConfig())
	require.NoError(t, pipe.Start(context.Background()))
	t.Cleanup(pipe.Stop)

	facade, err := NewFacade(store, pipe, engine)
	require.NoError(t, err)
	return facade, pipe, store
}

var segCounter int

func record(capturedAt time.Time, app, summaryText string) *analysis.Record {
	segCounter++
	return &analysis.Record{
		SegmentID:    fmt.Sprintf("query-seg-%04d", segCounter),
		CapturedAt:   capturedAt,
		AppName:      app,
		Category:     analysis.CategoryWork,
		Productivity: 7,
		Focus:        analysis.FocusNormal,
		Interaction:  analysis.InteractionTyping,
		Continuation: false,
		Summary:      summaryText,
	}
}

// ingestClosed pushes records through the pipeline and flushes so they end
// up in one closed, indexed session.
func ingestClosed(t *testing.T, pipe *pipeline.Pipeline, recs ...*analysis.Record) {
	t.Helper()
	ctx := context.Background()
	before := pipe.Status().Ingested
	for i, rec := range recs {
		rec.Continuation = i > 0
		require.NoError(t, pipe.Submit(ctx, rec))
	}
	require.Eventually(t, func() bool {
		return pipe.Status().Ingested >= before+int64(len(recs))
	}, 2*time.Second, 20*time.Millisecond)
	require.NoError(t, pipe.Flush(ctx))
}

func TestFacadeSearchFindsClosedSessions(t *testing.T) {
	facade, pipe, _ := newTestFacade(t)
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Hour)
	ingestClosed(t, pipe,
		record(base, "VS Code", "Refactoring the tokenizer"),
		record(base.Add(10*time.Second), "VS Code", "Refactoring the tokenizer"))

	hits, err := facade.SearchActivities(ctx, "tokenizer", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "VS Code", hits[0].AppName)
	assert.Greater(t, hits[0].Relevance, 0.0)

	hits, err = facade.SearchActivities(ctx, "spreadsheet", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = facade.SearchActivities(ctx, "   ", 0)
	assert.Error(t, err, "blank query is rejected")
}

func TestFacadeDetailCachesClosedSessions(t *testing.T) {
	facade, pipe, store := newTestFacade(t)
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Hour)
	ingestClosed(t, pipe, record(base, "VS Code", "writing tests"))

	closed, err := store.RecentClosedSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	first, err := facade.ActivityDetail(ctx, closed[0].ID)
	require.NoError(t, err)
	second, err := facade.ActivityDetail(ctx, closed[0].ID)
	require.NoError(t, err)
	assert.Same(t, first, second, "closed session detail is served from cache")

	_, err = facade.ActivityDetail(ctx, 99999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFacadeDetailReadsOpenSessionThrough(t *testing.T) {
	facade, pipe, store := newTestFacade(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, pipe.Submit(ctx, record(base, "VS Code", "draft")))
	require.Eventually(t, func() bool {
		return pipe.Status().Ingested == 1
	}, 2*time.Second, 20*time.Millisecond)

	open, err := store.OpenSessionRow(ctx)
	require.NoError(t, err)

	first, err := facade.ActivityDetail(ctx, open.ID)
	require.NoError(t, err)
	require.Equal(t, activity.SessionOpen, first.State)
	second, err := facade.ActivityDetail(ctx, open.ID)
	require.NoError(t, err)
	assert.NotSame(t, first, second, "open sessions are never cached")
}

func TestFacadeActivitiesRange(t *testing.T) {
	facade, pipe, _ := newTestFacade(t)
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Hour)
	ingestClosed(t, pipe, record(base, "VS Code", "morning work"))

	sessions, err := facade.ActivitiesRange(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	_, err = facade.ActivitiesRange(ctx, base, base.Add(-time.Hour))
	assert.Error(t, err, "inverted range is rejected")
}

func TestFacadeUnavailableWhileDisabled(t *testing.T) {
	facade, pipe, _ := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, pipe.SetEnabled(ctx, false))

	_, err := facade.SearchActivities(ctx, "anything", 0)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	_, err = facade.ActivityDetail(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	_, err = facade.PendingSuggestions(ctx)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	_, err = facade.SummariesRange(ctx, activity.SummaryDaily, time.Now().Add(-24*time.Hour), time.Now())
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	// Status and settings stay reachable so the pipeline can be inspected
	// and turned back on.
	st, err := facade.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.StoreReady)
	assert.False(t, st.Pipeline.Enabled)

	applied, err := facade.SetSetting(ctx, storage.SettingPipelineEnabled, "true")
	require.NoError(t, err)
	assert.Equal(t, "true", applied)

	_, err = facade.SearchActivities(ctx, "anything", 0)
	require.NoError(t, err)
}

func TestFacadeSettingsClampAndPersist(t *testing.T) {
	facade, _, _ := newTestFacade(t)
	ctx := context.Background()

	applied, err := facade.SetSetting(ctx, storage.SettingCaptureInterval, "99")
	require.NoError(t, err)
	assert.Equal(t, "15", applied)

	applied, err = facade.SetSetting(ctx, storage.SettingSegmentSeconds, "10")
	require.NoError(t, err)
	assert.Equal(t, "30", applied)

	settings, err := facade.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "15", settings[storage.SettingCaptureInterval])
	assert.Equal(t, "30", settings[storage.SettingSegmentSeconds])
	assert.Equal(t, "true", settings[storage.SettingPipelineEnabled])

	_, err = facade.SetSetting(ctx, "unknown_knob", "1")
	assert.Error(t, err)
	_, err = facade.SetSetting(ctx, storage.SettingCaptureInterval, "fast")
	assert.Error(t, err)
}

func TestFacadeRespondSuggestion(t *testing.T) {
	facade, _, store := newTestFacade(t)
	ctx := context.Background()

	sug := &activity.Suggestion{
		ID:        "facade-sug-1",
		Trigger:   activity.TriggerIdleBreak,
		Signature: "idle_break",
		Priority:  activity.PriorityLow,
		Title:     "Time for a break",
		Message:   "You have been idle a while.",
		Status:    activity.SuggestionPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.InsertSuggestion(ctx, sug))

	pending, err := facade.PendingSuggestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, facade.RespondSuggestion(ctx, sug.ID, activity.SuggestionAccepted, "taking one"))

	pending, err = facade.PendingSuggestions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = facade.RespondSuggestion(ctx, sug.ID, activity.SuggestionDismissed, "")
	assert.ErrorIs(t, err, storage.ErrAlreadyResolved)
}

func TestFacadeGenerateSummary(t *testing.T) {
	facade, pipe, _ := newTestFacade(t)
	ctx := context.Background()

	// Fixed anchor keeps both sessions inside one daily period.
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	ingestClosed(t, pipe,
		record(base, "VS Code", "feature work"),
		record(base.Add(10*time.Second), "VS Code", "feature work"))
	ingestClosed(t, pipe,
		record(base.Add(time.Hour), "Firefox", "reading docs"),
		record(base.Add(time.Hour+10*time.Second), "Firefox", "reading docs"))

	sum, err := facade.GenerateSummary(ctx, activity.SummaryDaily, base)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.False(t, sum.Insufficient)

	start, end := summary.PeriodFor(activity.SummaryDaily, base)
	got, err := facade.SummariesRange(ctx, activity.SummaryDaily, start, end)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = facade.GenerateSummary(ctx, activity.SummaryKind("yearly"), base)
	assert.Error(t, err, "unknown summary kind is rejected")
}

func TestFacadeStatusCounters(t *testing.T) {
	facade, pipe, _ := newTestFacade(t)
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Hour)
	ingestClosed(t, pipe,
		record(base, "VS Code", "counting"),
		record(base.Add(10*time.Second), "VS Code", "counting"))

	st, err := facade.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.StoreReady)
	assert.True(t, st.Pipeline.Enabled)
	assert.EqualValues(t, 3, st.SchemaVersion)
	assert.EqualValues(t, 2, st.TotalAnalyses)
	assert.Zero(t, st.InvalidAnalyses)
	assert.EqualValues(t, 1, st.ClosedSessions)
	assert.Zero(t, st.OpenSessions)
	assert.Zero(t, st.Backlog)
}
