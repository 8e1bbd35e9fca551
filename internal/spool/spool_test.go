package spool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retrace/internal/analysis"
	"retrace/internal/pipeline"
	"retrace/internal/provider"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	refuse bool
	recs   []*analysis.Record
}

func (f *fakeSubmitter) Submit(_ context.Context, rec *analysis.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return pipeline.ErrQueueFull
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeSubmitter) setRefuse(refuse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse = refuse
}

func (f *fakeSubmitter) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.recs))
	for _, rec := range f.recs {
		out = append(out, rec.SegmentID)
	}
	return out
}

func writePayload(t *testing.T, dir, name string, rec *analysis.Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func payloadRecord(segID string) *analysis.Record {
	return &analysis.Record{
		SegmentID:    segID,
		CapturedAt:   time.Now().Add(-time.Hour),
		AppName:      "VS Code",
		Category:     analysis.CategoryWork,
		Productivity: 7,
		Focus:        analysis.FocusNormal,
		Interaction:  analysis.InteractionTyping,
		Summary:      "spooled segment",
	}
}

func startWatcher(t *testing.T, dir string, submit Submitter) *Watcher {
	t.Helper()
	w, err := New(dir, provider.PayloadAnalyzer{}, submit)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestSpoolIngestsFilesInNameOrder(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}

	// Written out of order on purpose; the scan sorts by name.
	writePayload(t, dir, "0002.json", payloadRecord("seg-b"))
	writePayload(t, dir, "0001.json", payloadRecord("seg-a"))
	writePayload(t, dir, "0003.json", payloadRecord("seg-c"))

	startWatcher(t, dir, sub)

	require.Eventually(t, func() bool {
		return len(sub.ids()) == 3
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"seg-a", "seg-b", "seg-c"}, sub.ids())

	archived, err := os.ReadDir(filepath.Join(dir, archiveDir))
	require.NoError(t, err)
	assert.Len(t, archived, 3)
}

func TestSpoolPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	startWatcher(t, dir, sub)

	writePayload(t, dir, "late.json", payloadRecord("seg-late"))

	require.Eventually(t, func() bool {
		return len(sub.ids()) == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"seg-late"}, sub.ids())
}

func TestSpoolMovesUndecodableToFailed(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	startWatcher(t, dir, sub)

	require.Eventually(t, func() bool {
		failed, err := os.ReadDir(filepath.Join(dir, failedDir))
		return err == nil && len(failed) == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Empty(t, sub.ids())
}

func TestSpoolLeavesRefusedFilesForRetry(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{refuse: true}

	writePayload(t, dir, "0001.json", payloadRecord("seg-a"))
	startWatcher(t, dir, sub)

	// Refused on the initial scan: the file must stay put.
	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, sub.ids())
	_, err := os.Stat(filepath.Join(dir, "0001.json"))
	require.NoError(t, err)

	sub.setRefuse(false)
	// A new file triggers a fresh scan, which retries the older one first.
	writePayload(t, dir, "0002.json", payloadRecord("seg-b"))

	require.Eventually(t, func() bool {
		return len(sub.ids()) == 2
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"seg-a", "seg-b"}, sub.ids())
}

func TestSpoolFillsSegmentIDFromFilename(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}

	// Payload without a segment id: the file name is the fallback identity.
	payload := map[string]interface{}{
		"captured_at":  time.Now().Add(-time.Hour).Format(time.RFC3339),
		"app_name":     "Firefox",
		"category":     "learning",
		"productivity": 6,
		"focus":        "normal",
		"interaction":  "reading",
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fallback-id.json"), data, 0o644))

	startWatcher(t, dir, sub)

	require.Eventually(t, func() bool {
		return len(sub.ids()) == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"fallback-id"}, sub.ids())
}
