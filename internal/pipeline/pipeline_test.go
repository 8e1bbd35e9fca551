package pipeline

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
	"retrace/internal/projects"
	"retrace/internal/storage"
	"retrace/internal/storage/sqlite"
	"retrace/internal/suggest"
	"retrace/internal/summary"
)

func newTestPipeline(t *testing.T) (*Pipeline, storage.Store) {
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
	notifier := NewNotifier()
	t.Cleanup(notifier.Close)

	p := New(store,
		grouper.New(store, gcfg, artifacts, nil),
		projects.NewExtractor(store),
		suggest.NewEngine(store, suggest.DefaultConfig()),
		habits.NewDetector(store, habits.DefaultConfig(), artifacts, nil),
		summary.NewGenerator(store, summary.DefaultConfig(), artifacts),
		notifier, DefaultConfig())
	return p, store
}

var segCounter int

func record(capturedAt time.Time, app string, continuation bool) *analysis.Record {
	segCounter++
	return &analysis.Record{
		SegmentID:    fmt.Sprintf("pipe-seg-%04d", segCounter),
		CapturedAt:   capturedAt,
		AppName:      app,
		Category:     analysis.CategoryWork,
		Productivity: 8,
		Focus:        analysis.FocusDeep,
		Interaction:  analysis.InteractionTyping,
		Continuation: continuation,
		Summary:      "test segment",
	}
}

func TestPipelineGroupsSubmittedRecords(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, p.Submit(ctx, record(base, "VS Code", false)))
	require.NoError(t, p.Submit(ctx, record(base.Add(10*time.Second), "VS Code", true)))
	require.NoError(t, p.Submit(ctx, record(base.Add(20*time.Second), "VS Code", true)))

	require.Eventually(t, func() bool {
		sess, err := store.OpenSessionRow(ctx)
		return err == nil && len(sess.Members) == 3
	}, 2*time.Second, 20*time.Millisecond)

	snap := p.Status()
	assert.EqualValues(t, 3, snap.Ingested)
	assert.Zero(t, snap.Malformed)
	assert.NotZero(t, snap.OpenSessionID)
}

func TestPipelineStoresMalformedWithoutGrouping(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	base := time.Now().Add(-time.Hour)
	bad := record(base, "", false) // no app name: fails validation
	require.NoError(t, p.Submit(ctx, bad))

	require.Eventually(t, func() bool {
		_, invalid, err := store.CountAnalyses(ctx)
		return err == nil && invalid == 1
	}, 2*time.Second, 20*time.Millisecond)

	stored, err := store.GetAnalysis(ctx, bad.SegmentID)
	require.NoError(t, err)
	assert.False(t, stored.Valid)
	assert.False(t, stored.Grouped)

	_, err = store.OpenSessionRow(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.EqualValues(t, 1, p.Status().Malformed)
}

func TestPipelineOutOfOrderStoredUngrouped(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, p.Submit(ctx, record(base, "VS Code", false)))
	require.NoError(t, p.Submit(ctx, record(base.Add(10*time.Second), "VS Code", true)))

	require.Eventually(t, func() bool {
		return p.Status().Ingested == 2
	}, 2*time.Second, 20*time.Millisecond)

	stale := record(base.Add(-time.Minute), "VS Code", true)
	require.NoError(t, p.Submit(ctx, stale))

	require.Eventually(t, func() bool {
		return p.Status().OutOfOrder == 1
	}, 2*time.Second, 20*time.Millisecond)

	stored, err := store.GetAnalysis(ctx, stale.SegmentID)
	require.NoError(t, err)
	assert.True(t, stored.Valid)
	assert.False(t, stored.Grouped, "stale record stays stored but ungrouped")

	sess, err := store.OpenSessionRow(ctx)
	require.NoError(t, err)
	assert.Len(t, sess.Members, 2)
}

func TestPipelineDrainsBacklogOnStart(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	// Records stored while no pipeline was running, e.g. across a restart.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		rec := record(base.Add(time.Duration(i)*10*time.Second), "VS Code", i > 0)
		rec.Valid = true
		require.NoError(t, store.SaveAnalysis(ctx, rec))
	}

	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	pending, err := store.UngroupedAnalyses(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "backlog should be grouped during start")

	sess, err := store.OpenSessionRow(ctx)
	require.NoError(t, err)
	assert.Len(t, sess.Members, 3)
}

func TestPipelineDisableFlushesAndRefuses(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, p.Submit(ctx, record(base, "VS Code", false)))
	require.Eventually(t, func() bool {
		return p.Status().Ingested == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, p.SetEnabled(ctx, false))

	err := p.Submit(ctx, record(base.Add(10*time.Second), "VS Code", true))
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = store.OpenSessionRow(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound, "disable closes the open session")

	closed, err := store.RecentClosedSessions(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestPipelineEnabledSettingSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store := sqlite.NewStore(dbPath)
	require.NoError(t, store.Init(context.Background()))
	defer store.Close()
	ctx := context.Background()

	artifacts := artifact.NewWriter(filepath.Join(dir, "artifacts"))
	gcfg := grouper.Config{MergeThreshold: 0.5, MaxIdleGap: 10 * time.Minute, WeightContinuation: 0.5, WeightAppMatch: 0.3, WeightTagOverlap: 0.2}
	build := func() *Pipeline {
		notifier := NewNotifier()
		return New(store,
			grouper.New(store, gcfg, artifacts, nil),
			projects.NewExtractor(store),
			suggest.NewEngine(store, suggest.DefaultConfig()),
			habits.NewDetector(store, habits.DefaultConfig(), artifacts, nil),
			summary.NewGenerator(store, summary.DefaultConfig(), artifacts),
			notifier, DefaultConfig())
	}

	first := build()
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.SetEnabled(ctx, false))
	first.Stop()

	second := build()
	require.NoError(t, second.Start(ctx))
	defer second.Stop()
	assert.False(t, second.Enabled(), "disabled state must survive a restart")
}

func TestSchedulerRejectsBadExpression(t *testing.T) {
	_, err := NewScheduler(Job{Name: "bad", Expr: "not a cron", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)

	s, err := NewScheduler(Job{Name: "ok", Expr: "*/5 * * * *", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestNotifierDropsWhenSubscriberFull(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	ch, unsubscribe := n.Subscribe(1)
	defer unsubscribe()

	n.Publish(Event{Kind: EventSessionClosed})
	n.Publish(Event{Kind: EventSessionClosed}) // buffer full: dropped, not blocked

	var got []Event
	for {
		select {
		case evt := <-ch:
			got = append(got, evt)
			continue
		default:
		}
		break
	}
	assert.Len(t, got, 1)
}

func TestNotifierUnsubscribeCloses(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	ch, unsubscribe := n.Subscribe(1)
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	n.Publish(Event{Kind: EventHabitUpdated, Payload: &activity.Habit{}})
}
