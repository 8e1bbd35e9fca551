package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"retrace/internal/activity"
	"retrace/internal/analysis"
	"retrace/internal/grouper"
	"retrace/internal/habits"
	"retrace/internal/projects"
	"retrace/internal/storage"
	"retrace/internal/suggest"
	"retrace/internal/summary"
)

var (
	// ErrDisabled is returned by Submit while the pipeline is disabled.
	ErrDisabled = errors.New("pipeline is disabled")
	// ErrQueueFull is returned when the ingest queue stays full past the
	// submit timeout.
	ErrQueueFull = errors.New("ingest queue is full")
)

// Config holds the pipeline shell tunables.
type Config struct {
	QueueSize     int
	SubmitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     100,
		SubmitTimeout: 2 * time.Second,
	}
}

// Snapshot is a point-in-time view of the pipeline counters.
type Snapshot struct {
	Enabled        bool      `json:"enabled"`
	Ingested       int64     `json:"ingested"`
	Malformed      int64     `json:"malformed"`
	OutOfOrder     int64     `json:"out_of_order"`
	SessionsClosed int64     `json:"sessions_closed"`
	LastIngest     time.Time `json:"last_ingest,omitempty"`
	OpenSessionID  int64     `json:"open_session_id,omitempty"`
}

// Pipeline wires the store, grouper, extractor and suggestion engine into
// one ingest path. Exactly one ingest goroutine touches the grouper, which
// gives the strict capture-order processing the grouping algorithm assumes.
type Pipeline struct {
	cfg       Config
	store     storage.Store
	grouper   *grouper.Grouper
	extractor *projects.Extractor
	engine    *suggest.Engine
	detector  *habits.Detector
	generator *summary.Generator
	notifier  *Notifier

	ingestCh chan *analysis.Record

	enabled        atomic.Bool
	highWaterNano  atomic.Int64
	lastIngestNano atomic.Int64

	ingested       atomic.Int64
	malformed      atomic.Int64
	outOfOrder     atomic.Int64
	sessionsClosed atomic.Int64

	// batchMu serializes habit detection and summary generation so batch
	// passes never interleave.
	batchMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store storage.Store, g *grouper.Grouper, ex *projects.Extractor, eng *suggest.Engine,
	det *habits.Detector, gen *summary.Generator, notifier *Notifier, cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	p := &Pipeline{
		cfg:       cfg,
		store:     store,
		grouper:   g,
		extractor: ex,
		engine:    eng,
		detector:  det,
		generator: gen,
		notifier:  notifier,
		ingestCh:  make(chan *analysis.Record, cfg.QueueSize),
	}
	g.SetOnClosed(p.handleSessionClosed)
	return p
}

// Start restores persisted state, drains the backlog and launches the
// ingest and event loops.
func (p *Pipeline) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	enabled := true
	if v, err := p.store.GetSetting(ctx, storage.SettingPipelineEnabled); err == nil {
		if parsed, perr := strconv.ParseBool(v); perr == nil {
			enabled = parsed
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Printf("Warning: failed to read pipeline enabled setting: %v", err)
	}
	p.enabled.Store(enabled)

	if err := p.grouper.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume grouping: %w", err)
	}
	latest, err := p.store.LatestSessionEnd(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ordering watermark: %w", err)
	}
	if !latest.IsZero() {
		p.highWaterNano.Store(latest.UnixNano())
	}

	if err := p.drainBacklog(ctx); err != nil {
		log.Printf("Warning: backlog drain incomplete: %v", err)
	}

	p.wg.Add(1)
	go p.runIngest(ctx)

	events, unsubscribe := p.notifier.Subscribe(32)
	p.wg.Add(1)
	go p.runEvents(ctx, events, unsubscribe)

	log.Printf("Pipeline started (enabled=%t, queue=%d).", enabled, p.cfg.QueueSize)
	return nil
}

// Stop shuts the loops down and closes the open session.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.grouper.Flush(ctx); err != nil {
		log.Printf("Warning: failed to flush open session on shutdown: %v", err)
	}
}

// Submit queues one analysis record for ingestion in capture order.
func (p *Pipeline) Submit(ctx context.Context, rec *analysis.Record) error {
	if !p.enabled.Load() {
		return ErrDisabled
	}
	select {
	case p.ingestCh <- rec:
		return nil
	case <-time.After(p.cfg.SubmitTimeout):
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) runIngest(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-p.ingestCh:
			p.process(ctx, rec)
		}
	}
}

func (p *Pipeline) runEvents(ctx context.Context, events <-chan Event, unsubscribe func()) {
	defer p.wg.Done()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Kind != EventSessionClosed {
				continue
			}
			if sess, ok := evt.Payload.(*activity.Session); ok {
				p.engine.OnSessionClosed(ctx, sess)
			}
		}
	}
}

// process runs the full per-record path: persist, validate, order-check,
// group. The record is stored before anything can reject it, so every
// arrival is auditable.
func (p *Pipeline) process(ctx context.Context, rec *analysis.Record) {
	rec.Normalize()
	verr := rec.Validate()
	rec.Valid = verr == nil

	if err := p.store.SaveAnalysis(ctx, rec); err != nil {
		log.Printf("Error: failed to store analysis %s: %v", rec.SegmentID, err)
		return
	}
	p.lastIngestNano.Store(time.Now().UnixNano())

	if !rec.Valid {
		p.malformed.Add(1)
		log.Printf("Warning: malformed analysis %s stored and excluded from grouping: %v", rec.SegmentID, verr)
		return
	}

	if hw := p.highWaterNano.Load(); hw > 0 && rec.CapturedAt.UnixNano() < hw {
		p.outOfOrder.Add(1)
		log.Printf("Warning: analysis %s captured at %s is behind the session watermark; stored ungrouped.",
			rec.SegmentID, rec.CapturedAt.Format(time.RFC3339))
		return
	}

	if err := p.grouper.Ingest(ctx, rec); err != nil {
		if errors.Is(err, grouper.ErrOutOfOrder) {
			p.outOfOrder.Add(1)
			log.Printf("Warning: analysis %s out of capture order; stored ungrouped.", rec.SegmentID)
			return
		}
		// Still ungrouped in the store; the next backlog drain retries it.
		log.Printf("Error: failed to group analysis %s: %v", rec.SegmentID, err)
		return
	}

	p.highWaterNano.Store(rec.CapturedAt.UnixNano())
	p.ingested.Add(1)
}

// drainBacklog groups every valid ungrouped analysis in capture order.
// Records behind the watermark cannot be grouped without reordering closed
// sessions; they stay stored for audit and are counted once.
func (p *Pipeline) drainBacklog(ctx context.Context) error {
	backlog, err := p.store.UngroupedAnalyses(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to load ungrouped analyses: %w", err)
	}
	if len(backlog) == 0 {
		return nil
	}

	grouped, stale := 0, 0
	for i := range backlog {
		rec := &backlog[i]
		if hw := p.highWaterNano.Load(); hw > 0 && rec.CapturedAt.UnixNano() < hw {
			stale++
			continue
		}
		if err := p.grouper.Ingest(ctx, rec); err != nil {
			return fmt.Errorf("failed to group backlog analysis %s: %w", rec.SegmentID, err)
		}
		p.highWaterNano.Store(rec.CapturedAt.UnixNano())
		grouped++
	}
	log.Printf("Backlog drain: %d grouped, %d left ungrouped behind the watermark.", grouped, stale)
	return nil
}

// Flush closes the open session, if any.
func (p *Pipeline) Flush(ctx context.Context) error {
	return p.grouper.Flush(ctx)
}

// SetEnabled turns ingestion on or off and persists the choice. Disabling
// lets queued records finish, then closes the open session.
func (p *Pipeline) SetEnabled(ctx context.Context, enabled bool) error {
	if err := p.store.SetSetting(ctx, storage.SettingPipelineEnabled, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("failed to persist pipeline setting: %w", err)
	}
	p.enabled.Store(enabled)
	if enabled {
		log.Println("Pipeline enabled.")
		return nil
	}

	// Give the ingest loop a moment to empty what was already accepted.
	deadline := time.Now().Add(2 * time.Second)
	for len(p.ingestCh) > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if err := p.grouper.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush on disable: %w", err)
	}
	log.Println("Pipeline disabled; open session flushed.")
	return nil
}

func (p *Pipeline) Enabled() bool {
	return p.enabled.Load()
}

// LastIngest reports when the pipeline last stored a record; zero when it
// has not stored any since start.
func (p *Pipeline) LastIngest() time.Time {
	nano := p.lastIngestNano.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// RunDetection executes one habit detection pass under the batch mutex.
func (p *Pipeline) RunDetection(ctx context.Context) (int, error) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	updated, err := p.detector.Run(ctx)
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// RunSummary generates one period summary under the batch mutex.
func (p *Pipeline) RunSummary(ctx context.Context, kind activity.SummaryKind, anchor time.Time) (*activity.Summary, error) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	sum, err := p.generator.Generate(ctx, kind, anchor)
	if err != nil {
		return nil, err
	}
	p.notifier.Publish(Event{Kind: EventSummaryReady, Payload: sum})
	return sum, nil
}

// Status snapshots the counters without touching the store.
func (p *Pipeline) Status() Snapshot {
	return Snapshot{
		Enabled:        p.enabled.Load(),
		Ingested:       p.ingested.Load(),
		Malformed:      p.malformed.Load(),
		OutOfOrder:     p.outOfOrder.Load(),
		SessionsClosed: p.sessionsClosed.Load(),
		LastIngest:     p.LastIngest(),
		OpenSessionID:  p.grouper.OpenSessionID(),
	}
}

// handleSessionClosed runs on the grouping goroutine right after a session
// is persisted as closed: project extraction first (synchronous, so closed
// sessions always carry their project links), then the async fan-out.
func (p *Pipeline) handleSessionClosed(sess *activity.Session) {
	p.sessionsClosed.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.extractor.OnSessionClosed(ctx, sess); err != nil {
		log.Printf("Warning: project extraction for session %d failed: %v", sess.ID, err)
	}
	p.notifier.Publish(Event{Kind: EventSessionClosed, Payload: sess})
}
