package sqlite

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
	"retrace/internal/storage"
)

func setupTestDB(t *testing.T) (storage.Store, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test_retrace.db")
	store := NewStore(dbPath)
	ctx := context.Background()
	err := store.Init(ctx)
	require.NoError(t, err, "Failed to initialize test database")

	cleanup := func() {
		err := store.Close()
		assert.NoError(t, err, "Failed to close test database")
	}

	return store, cleanup
}

var segSeq int

func seedAnalysis(t *testing.T, store storage.Store, capturedAt time.Time, app, summary string) *analysis.Record {
	t.Helper()
	segSeq++
	rec := &analysis.Record{
		SegmentID:    fmt.Sprintf("sql-seg-%04d", segSeq),
		CapturedAt:   capturedAt,
		AppName:      app,
		Category:     analysis.CategoryWork,
		Productivity: 7,
		Focus:        analysis.FocusNormal,
		Interaction:  analysis.InteractionTyping,
		Summary:      summary,
		Valid:        true,
	}
	require.NoError(t, store.SaveAnalysis(context.Background(), rec))
	return rec
}

// seedClosedSession persists one closed single-member session with the
// given searchable text.
func seedClosedSession(t *testing.T, store storage.Store, start time.Time, app, title, narrative, summary string) int64 {
	t.Helper()
	ctx := context.Background()
	rec := seedAnalysis(t, store, start, app, summary)

	sess := &activity.Session{
		StartedAt: start,
		EndedAt:   start.Add(time.Minute),
		AppName:   app,
		Category:  analysis.CategoryWork,
		Members:   []activity.SegmentRef{{SegmentID: rec.SegmentID, Position: 0, Summary: summary}},
	}
	id, err := store.OpenSession(ctx, sess)
	require.NoError(t, err)
	require.NoError(t, store.CloseSession(ctx, id, storage.SessionFinal{Title: title, Narrative: narrative}))
	return id
}

func TestMigrationsApplyCleanly(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test_retrace.db")
	ctx := context.Background()

	store := NewStore(dbPath)
	require.NoError(t, store.Init(ctx))
	assert.EqualValues(t, 3, store.SchemaVersion())
	assert.True(t, store.Ready())
	require.NoError(t, store.Close())
	assert.False(t, store.Ready())

	// Reopening an already-migrated database is a no-op, not an error.
	reopened := NewStore(dbPath)
	require.NoError(t, reopened.Init(ctx))
	assert.EqualValues(t, 3, reopened.SchemaVersion())
	require.NoError(t, reopened.Close())
}

func TestSaveAndGetAnalysis(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	capturedAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	rec := &analysis.Record{
		SegmentID:       "seg-roundtrip",
		CapturedAt:      capturedAt,
		AppName:         "VS Code",
		WindowTitle:     "payments.go - retrace",
		URL:             "https://pkg.go.dev/database/sql",
		Category:        analysis.CategoryWork,
		Productivity:    8,
		Focus:           analysis.FocusDeep,
		Interaction:     analysis.InteractionTyping,
		Continuation:    true,
		Description:     "Editing the payment retry loop",
		Summary:         "Refactoring payment retries",
		Accomplishments: []string{"extracted retry helper"},
		Tags:            []string{"golang", "payments"},
		ProjectName:     "Billing Service",
		People:          []string{"dana"},
		Technologies:    []string{"Go", "SQLite"},
		OCRText:         "func retryPayment(ctx context.Context)",
		FileNames:       []string{"payments.go"},
		ErrorIndicators: []string{"TODO: backoff"},
		Raw:             `{"segment_id":"seg-roundtrip"}`,
		Valid:           true,
	}
	require.NoError(t, store.SaveAnalysis(ctx, rec))

	got, err := store.GetAnalysis(ctx, "seg-roundtrip")
	require.NoError(t, err)
	assert.Equal(t, rec.SegmentID, got.SegmentID)
	assert.WithinDuration(t, capturedAt, got.CapturedAt, time.Second)
	assert.Equal(t, rec.AppName, got.AppName)
	assert.Equal(t, rec.WindowTitle, got.WindowTitle)
	assert.Equal(t, rec.URL, got.URL)
	assert.Equal(t, rec.Category, got.Category)
	assert.Equal(t, rec.Productivity, got.Productivity)
	assert.Equal(t, rec.Focus, got.Focus)
	assert.Equal(t, rec.Interaction, got.Interaction)
	assert.True(t, got.Continuation)
	assert.Equal(t, rec.Tags, got.Tags)
	assert.Equal(t, rec.ProjectName, got.ProjectName)
	assert.Equal(t, rec.People, got.People)
	assert.Equal(t, rec.Technologies, got.Technologies)
	assert.Equal(t, rec.Raw, got.Raw)
	assert.True(t, got.Valid)
	assert.False(t, got.Grouped)

	_, err = store.GetAnalysis(ctx, "seg-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveAnalysisReplacesOnReprocess(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := seedAnalysis(t, store, start, "VS Code", "first pass")

	// Group the segment into a session, then reprocess the analysis.
	sess := &activity.Session{
		StartedAt: start,
		EndedAt:   start,
		AppName:   "VS Code",
		Category:  analysis.CategoryWork,
		Members:   []activity.SegmentRef{{SegmentID: rec.SegmentID, Position: 0}},
	}
	_, err := store.OpenSession(ctx, sess)
	require.NoError(t, err)

	rec.Productivity = 3
	rec.Summary = "second pass"
	require.NoError(t, store.SaveAnalysis(ctx, rec))

	got, err := store.GetAnalysis(ctx, rec.SegmentID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Productivity)
	assert.Equal(t, "second pass", got.Summary)
	assert.True(t, got.Grouped, "reprocessing must not detach the segment from its session")

	total, invalid, err := store.CountAnalyses(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total, "reprocessing replaces the row, not duplicates it")
	assert.Zero(t, invalid)
}

func TestAnalysesRangeValidOnly(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	seedAnalysis(t, store, base, "VS Code", "a")
	seedAnalysis(t, store, base.Add(time.Minute), "Firefox", "b")
	bad := &analysis.Record{
		SegmentID:  "seg-malformed",
		CapturedAt: base.Add(2 * time.Minute),
		AppName:    "Unknown",
		Category:   analysis.Category("nonsense"),
		Valid:      false,
	}
	require.NoError(t, store.SaveAnalysis(ctx, bad))

	all, err := store.AnalysesRange(ctx, base, base.Add(time.Hour), false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	valid, err := store.AnalysesRange(ctx, base, base.Add(time.Hour), true)
	require.NoError(t, err)
	require.Len(t, valid, 2)
	assert.True(t, valid[0].CapturedAt.Before(valid[1].CapturedAt), "oldest first")

	total, invalid, err := store.CountAnalyses(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.EqualValues(t, 1, invalid)
}

func TestUngroupedAnalyses(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	grouped := seedAnalysis(t, store, base, "VS Code", "grouped segment")
	second := seedAnalysis(t, store, base.Add(time.Minute), "Firefox", "waiting")
	first := seedAnalysis(t, store, base.Add(30*time.Second), "Slack", "also waiting")
	require.NoError(t, store.SaveAnalysis(ctx, &analysis.Record{
		SegmentID:  "seg-invalid",
		CapturedAt: base.Add(2 * time.Minute),
		AppName:    "Unknown",
		Valid:      false,
	}))

	sess := &activity.Session{
		StartedAt: base,
		EndedAt:   base,
		AppName:   "VS Code",
		Category:  analysis.CategoryWork,
		Members:   []activity.SegmentRef{{SegmentID: grouped.SegmentID, Position: 0}},
	}
	_, err := store.OpenSession(ctx, sess)
	require.NoError(t, err)

	backlog, err := store.UngroupedAnalyses(ctx, 0)
	require.NoError(t, err)
	require.Len(t, backlog, 2, "grouped and invalid records stay out of the backlog")
	assert.Equal(t, first.SegmentID, backlog[0].SegmentID, "oldest first")
	assert.Equal(t, second.SegmentID, backlog[1].SegmentID)

	limited, err := store.UngroupedAnalyses(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, first.SegmentID, limited[0].SegmentID)
}

func TestSessionLifecycle(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	seed := seedAnalysis(t, store, start, "VS Code", "opening the editor")
	next := seedAnalysis(t, store, start.Add(time.Minute), "VS Code", "writing the parser")

	sess := &activity.Session{
		StartedAt:       start,
		EndedAt:         start,
		AppName:         "VS Code",
		Category:        analysis.CategoryWork,
		Tags:            []string{"golang"},
		AvgProductivity: 8,
		Members:         []activity.SegmentRef{{SegmentID: seed.SegmentID, Position: 0, Summary: "opening the editor"}},
	}
	id, err := store.OpenSession(ctx, sess)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	open, err := store.OpenSessionRow(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, open.ID)
	assert.Equal(t, activity.SessionOpen, open.State)

	err = store.AppendSegment(ctx, id,
		activity.SegmentRef{SegmentID: next.SegmentID, Position: 1, Summary: "writing the parser"},
		storage.SessionUpdate{
			EndedAt:         start.Add(time.Minute),
			DurationSecs:    60,
			AppName:         "VS Code",
			Category:        analysis.CategoryWork,
			Tags:            []string{"golang", "parser"},
			AvgProductivity: 7.5,
		})
	require.NoError(t, err)

	require.NoError(t, store.CloseSession(ctx, id, storage.SessionFinal{
		Title:     "VS Code: parser work",
		Narrative: "Wrote the first version of the parser.",
	}))

	got, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, activity.SessionClosed, got.State)
	assert.Equal(t, "VS Code: parser work", got.Title)
	assert.Equal(t, "Wrote the first version of the parser.", got.Narrative)
	assert.True(t, got.Indexed)
	assert.EqualValues(t, 60, got.DurationSecs)
	assert.Equal(t, []string{"golang", "parser"}, got.Tags)
	require.Len(t, got.Members, 2)
	assert.Equal(t, seed.SegmentID, got.Members[0].SegmentID)
	assert.Equal(t, next.SegmentID, got.Members[1].SegmentID)

	// Closing again is an idempotent no-op and must not double-index.
	require.NoError(t, store.CloseSession(ctx, id, storage.SessionFinal{Title: "ignored"}))
	got, err = store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "VS Code: parser work", got.Title)

	raw := store.(*Store)
	var ftsRows int
	require.NoError(t, raw.db.QueryRow(
		`SELECT COUNT(*) FROM session_fts WHERE rowid = ?`, id).Scan(&ftsRows))
	assert.Equal(t, 1, ftsRows)

	_, err = store.OpenSessionRow(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	openCount, closedCount, err := store.CountSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, openCount)
	assert.EqualValues(t, 1, closedCount)

	latest, err := store.LatestSessionEnd(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, start.Add(time.Minute), latest, time.Second)
}

func TestAppendToClosedSessionFails(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	id := seedClosedSession(t, store, start, "VS Code", "done", "", "done already")

	late := seedAnalysis(t, store, start.Add(time.Minute), "VS Code", "too late")
	err := store.AppendSegment(ctx, id,
		activity.SegmentRef{SegmentID: late.SegmentID, Position: 1},
		storage.SessionUpdate{EndedAt: start.Add(time.Minute), AppName: "VS Code", Category: analysis.CategoryWork})
	assert.Error(t, err)
}

func TestSessionsRangeOverlap(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	seedClosedSession(t, store, base, "VS Code", "morning work", "", "typing")
	seedClosedSession(t, store, base.Add(3*time.Hour), "Firefox", "afternoon reading", "", "reading")

	// A window cutting through the first session still returns it.
	got, err := store.SessionsRange(ctx, base.Add(30*time.Second), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "morning work", got[0].Title)

	got, err = store.SessionsRange(ctx, base.Add(-time.Hour), base.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].StartedAt.Before(got[1].StartedAt), "ordered by start time")

	got, err = store.SessionsRange(ctx, base.Add(10*time.Hour), base.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProjectUpsertMerges(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	sessA := seedClosedSession(t, store, base, "VS Code", "billing work", "", "billing")
	sessB := seedClosedSession(t, store, base.Add(time.Hour), "VS Code", "more billing", "", "billing again")

	p1, err := store.UpsertProject(ctx, "Billing Service", []string{"Go", "SQLite"}, sessA, base)
	require.NoError(t, err)
	assert.Equal(t, "billing service", p1.NormalizedName)

	// Different casing and spacing resolve to the same project.
	p2, err := store.UpsertProject(ctx, "billing   SERVICE", []string{"go", "Docker"}, sessB, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, []string{"Docker", "Go", "SQLite"}, p2.Technologies)
	assert.WithinDuration(t, base.Add(time.Hour), p2.LastSeen, time.Second)
	assert.WithinDuration(t, base, p2.FirstSeen, time.Second)

	projects, err := store.GetProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, []int64{sessA, sessB}, projects[0].SessionIDs)

	linked, err := store.ProjectsForSessions(ctx, []int64{sessB})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, p1.ID, linked[0].ID)

	none, err := store.ProjectsForSessions(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHabitUpsertChangedFlag(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	h := &activity.Habit{
		Name:        "VS Code work around 09:00",
		Kind:        activity.HabitTimeBased,
		Signature:   "vs code|work",
		Confidence:  0.6,
		TypicalTime: "09:00",
		Frequency:   "daily",
		LastSeen:    time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC),
		Occurrences: 5,
	}

	changed, err := store.UpsertHabit(ctx, h)
	require.NoError(t, err)
	assert.True(t, changed, "first sight counts as a change")
	firstID := h.ID
	assert.Greater(t, firstID, int64(0))

	// Re-running detection over unchanged history changes nothing.
	changed, err = store.UpsertHabit(ctx, h)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, firstID, h.ID)

	h.Occurrences = 6
	h.Confidence = 0.7
	changed, err = store.UpsertHabit(ctx, h)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, firstID, h.ID, "same (kind, signature) row is updated in place")

	got, err := store.GetHabitBySignature(ctx, activity.HabitTimeBased, "vs code|work")
	require.NoError(t, err)
	assert.Equal(t, 6, got.Occurrences)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
	assert.Equal(t, "09:00", got.TypicalTime)

	_, err = store.GetHabitBySignature(ctx, activity.HabitTriggerBased, "vs code|work")
	assert.ErrorIs(t, err, storage.ErrNotFound, "kind is part of the identity")

	strong, err := store.GetHabits(ctx, 0.65)
	require.NoError(t, err)
	assert.Len(t, strong, 1)
	stronger, err := store.GetHabits(ctx, 0.9)
	require.NoError(t, err)
	assert.Empty(t, stronger)

	seen, err := store.HabitsSeenInRange(ctx,
		time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

func TestSummaryUpsertReplaces(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24*time.Hour - time.Nanosecond)

	first := &activity.Summary{
		Kind:       activity.SummaryDaily,
		DateStart:  dayStart,
		DateEnd:    dayEnd,
		Content:    "# Daily Summary\nFirst version.",
		SessionIDs: []int64{1, 2},
	}
	require.NoError(t, store.UpsertSummary(ctx, first))
	assert.Greater(t, first.ID, int64(0))

	second := &activity.Summary{
		Kind:       activity.SummaryDaily,
		DateStart:  dayStart,
		DateEnd:    dayEnd,
		Content:    "# Daily Summary\nRegenerated.",
		SessionIDs: []int64{1, 2, 3},
	}
	require.NoError(t, store.UpsertSummary(ctx, second))

	got, err := store.GetSummary(ctx, activity.SummaryDaily, dayStart, dayEnd)
	require.NoError(t, err)
	assert.Equal(t, "# Daily Summary\nRegenerated.", got.Content)
	assert.Equal(t, []int64{1, 2, 3}, got.SessionIDs)

	// A different kind over the same dates is a separate row.
	weekly := &activity.Summary{
		Kind:      activity.SummaryWeekly,
		DateStart: dayStart,
		DateEnd:   dayEnd,
		Content:   "weekly",
	}
	require.NoError(t, store.UpsertSummary(ctx, weekly))

	daily, err := store.SummariesRange(ctx, activity.SummaryDaily, dayStart.Add(-time.Hour), dayEnd.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, daily, 1, "regeneration replaced the prior daily row")

	_, err = store.GetSummary(ctx, activity.SummaryMonthly, dayStart, dayEnd)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSuggestionStoreLifecycle(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	sg := &activity.Suggestion{
		ID:        "sug-1",
		Trigger:   activity.TriggerIdleBreak,
		Signature: "idle_break",
		Priority:  activity.PriorityLow,
		Title:     "Time for a break",
		Message:   "No activity for a while.",
		CreatedAt: now,
	}
	require.NoError(t, store.InsertSuggestion(ctx, sg))

	// A second pending suggestion with the same signature is rejected by
	// the partial unique index.
	dup := &activity.Suggestion{
		ID:        "sug-2",
		Trigger:   activity.TriggerIdleBreak,
		Signature: "idle_break",
		Priority:  activity.PriorityLow,
		Title:     "Another break",
		Message:   "Still idle.",
		CreatedAt: now.Add(time.Minute),
	}
	err := store.InsertSuggestion(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateSignature)

	resolvedAt := now.Add(5 * time.Minute)
	require.NoError(t, store.ResolveSuggestion(ctx, "sug-1", activity.SuggestionAccepted, "stretching", resolvedAt))

	pending, err := store.PendingSuggestions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Terminal statuses are final.
	err = store.ResolveSuggestion(ctx, "sug-1", activity.SuggestionDismissed, "", resolvedAt.Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrAlreadyResolved)

	err = store.ResolveSuggestion(ctx, "sug-missing", activity.SuggestionAccepted, "", resolvedAt)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	last, err := store.LastResolvedAt(ctx, "idle_break")
	require.NoError(t, err)
	assert.WithinDuration(t, resolvedAt, last, time.Second)

	// Once resolved, the signature is free for a new pending suggestion.
	require.NoError(t, store.InsertSuggestion(ctx, dup))
	pending, err = store.PendingSuggestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sug-2", pending[0].ID)
}

func TestExpirePendingBefore(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	old := &activity.Suggestion{
		ID: "sug-old", Trigger: activity.TriggerIdleBreak, Signature: "sig-old",
		Priority: activity.PriorityLow, Title: "old", Message: "old",
		CreatedAt: now.Add(-30 * time.Hour),
	}
	fresh := &activity.Suggestion{
		ID: "sug-fresh", Trigger: activity.TriggerIdleBreak, Signature: "sig-fresh",
		Priority: activity.PriorityLow, Title: "fresh", Message: "fresh",
		CreatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, store.InsertSuggestion(ctx, old))
	require.NoError(t, store.InsertSuggestion(ctx, fresh))

	expired, err := store.ExpirePendingBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, expired)

	pending, err := store.PendingSuggestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sug-fresh", pending[0].ID)

	// Nothing left past the cutoff on a second sweep.
	expired, err = store.ExpirePendingBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestPendingSuggestionsOrdering(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	for i, p := range []activity.Priority{activity.PriorityLow, activity.PriorityHigh, activity.PriorityNormal} {
		require.NoError(t, store.InsertSuggestion(ctx, &activity.Suggestion{
			ID:        fmt.Sprintf("sug-%d", i),
			Trigger:   activity.TriggerIdleBreak,
			Signature: fmt.Sprintf("sig-%d", i),
			Priority:  p,
			Title:     string(p),
			Message:   string(p),
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	pending, err := store.PendingSuggestions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, activity.PriorityHigh, pending[0].Priority)
	assert.Equal(t, activity.PriorityNormal, pending[1].Priority)
	assert.Equal(t, activity.PriorityLow, pending[2].Priority)
}

func TestSettingsRoundtrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	_, err := store.GetSetting(ctx, storage.SettingCaptureInterval)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.SetSetting(ctx, storage.SettingCaptureInterval, "5"))
	got, err := store.GetSetting(ctx, storage.SettingCaptureInterval)
	require.NoError(t, err)
	assert.Equal(t, "5", got)

	// Overwrite in place.
	require.NoError(t, store.SetSetting(ctx, storage.SettingCaptureInterval, "10"))
	got, err = store.GetSetting(ctx, storage.SettingCaptureInterval)
	require.NoError(t, err)
	assert.Equal(t, "10", got)

	require.NoError(t, store.SetSetting(ctx, storage.SettingPipelineEnabled, "false"))
	all, err := store.AllSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		storage.SettingCaptureInterval: "10",
		storage.SettingPipelineEnabled: "false",
	}, all)
}

func TestSearchSessionsRanking(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	strongID := seedClosedSession(t, store, base, "VS Code",
		"Payment gateway refactor",
		"Reworked the payment gateway retry logic and added payment idempotency keys.",
		"Editing the payment gateway client in Go")
	weakID := seedClosedSession(t, store, base.Add(time.Hour), "Firefox",
		"Reading build logs",
		"Scrolled CI output, one payment test mentioned.",
		"Reading continuous integration logs")

	hits, err := store.SearchSessions(ctx, "payment", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, strongID, hits[0].SessionID, "session mentioning the term throughout ranks first")
	assert.Equal(t, weakID, hits[1].SessionID)
	for _, hit := range hits {
		assert.Greater(t, hit.Relevance, 0.0)
		assert.LessOrEqual(t, hit.Relevance, 1.0)
	}

	// Multi-term queries AND their terms.
	hits, err = store.SearchSessions(ctx, "payment gateway", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, strongID, hits[0].SessionID)

	// Quotes in user input must not break the match syntax.
	_, err = store.SearchSessions(ctx, `payment "gateway`, 10)
	assert.NoError(t, err)

	hits, err = store.SearchSessions(ctx, "kubernetes", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.SearchSessions(ctx, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestOpenSessionsAreNotSearchable(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := seedAnalysis(t, store, base, "VS Code", "drafting the zeppelin module")

	sess := &activity.Session{
		StartedAt: base,
		EndedAt:   base,
		AppName:   "VS Code",
		Category:  analysis.CategoryWork,
		Members:   []activity.SegmentRef{{SegmentID: rec.SegmentID, Position: 0, Summary: "drafting the zeppelin module"}},
	}
	id, err := store.OpenSession(ctx, sess)
	require.NoError(t, err)

	hits, err := store.SearchSessions(ctx, "zeppelin", 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "open sessions are indexed only at close")

	require.NoError(t, store.CloseSession(ctx, id, storage.SessionFinal{Title: "Zeppelin module draft"}))
	hits, err = store.SearchSessions(ctx, "zeppelin", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestCloseDB(t *testing.T) {
	store, cleanup := setupTestDB(t)
	// Call cleanup explicitly to test Close
	cleanup()

	ctx := context.Background()
	err := store.SaveAnalysis(ctx, &analysis.Record{
		SegmentID:  "seg-after-close",
		CapturedAt: time.Now(),
		AppName:    "VS Code",
		Category:   analysis.CategoryWork,
		Valid:      true,
	})
	assert.Error(t, err) // Expecting "sql: database is closed" or similar
}
