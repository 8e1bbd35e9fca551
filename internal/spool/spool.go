package spool

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"retrace/internal/analysis"
	"retrace/internal/pipeline"
	"retrace/internal/provider"

	"github.com/fsnotify/fsnotify"
)

const (
	// rescanInterval bounds how long a file can sit unnoticed if its
	// fsnotify event was missed or its submission was refused.
	rescanInterval = 30 * time.Second
	// debounceDelay lets a burst of events settle into one scan.
	debounceDelay = 200 * time.Millisecond

	archiveDir = "archive"
	failedDir  = "failed"
)

// Submitter is the pipeline half the spool needs.
type Submitter interface {
	Submit(ctx context.Context, rec *analysis.Record) error
}

// Watcher ingests analysis payloads dropped as JSON files into a spool
// directory. Files are processed in name order; ingested files move to
// archive/, undecodable ones to failed/. Producers are expected to rename
// finished files into place rather than write them in the spool directly.
type Watcher struct {
	dir      string
	analyzer provider.Analyzer
	submit   Submitter

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(dir string, analyzer provider.Analyzer, submit Submitter) (*Watcher, error) {
	for _, d := range []string{dir, filepath.Join(dir, archiveDir), filepath.Join(dir, failedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		analyzer: analyzer,
		submit:   submit,
		fsw:      fsw,
	}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	log.Printf("Spool watcher started on %s", w.dir)
	return nil
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	// Drain whatever accumulated while no daemon was running.
	w.scan(ctx)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if relevantEvent(event) {
				debounce = time.After(debounceDelay)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("Warning: spool watcher error: %v", err)

		case <-debounce:
			debounce = nil
			w.scan(ctx)

		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func relevantEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	return strings.EqualFold(filepath.Ext(event.Name), ".json")
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("Warning: failed to read spool directory %s: %v", w.dir, err)
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	// Name order is the ingest order contract for spooled payloads.
	sort.Strings(names)
	for _, name := range names {
		if !w.processFile(ctx, name) {
			return
		}
	}
}

// processFile ingests one spool file. It reports whether the scan should
// move on to the next file; a refused submission stops the scan so order is
// preserved when the pipeline is disabled or backed up.
func (w *Watcher) processFile(ctx context.Context, name string) bool {
	path := filepath.Join(w.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("Warning: failed to read spool file %s: %v", path, err)
		return true
	}

	rec, err := w.analyzer.Analyze(ctx, provider.Capture{
		SegmentID: strings.TrimSuffix(name, filepath.Ext(name)),
		Payload:   data,
	})
	if err != nil {
		log.Printf("Warning: spool file %s is not a decodable payload, moving to failed: %v", name, err)
		w.move(name, failedDir)
		return true
	}

	if err := w.submit.Submit(ctx, rec); err != nil {
		if !errors.Is(err, pipeline.ErrDisabled) && !errors.Is(err, pipeline.ErrQueueFull) {
			log.Printf("Warning: failed to submit spool file %s: %v", name, err)
		}
		// Leave the file in place; the periodic rescan retries it.
		return false
	}
	w.move(name, archiveDir)
	return true
}

func (w *Watcher) move(name, subdir string) {
	from := filepath.Join(w.dir, name)
	to := filepath.Join(w.dir, subdir, name)
	if err := os.Rename(from, to); err != nil {
		log.Printf("Warning: failed to move spool file %s to %s: %v", name, subdir, err)
	}
}
