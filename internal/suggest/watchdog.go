package suggest

import (
	"context"
	"log"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

// Watchdog owns the time-driven side of the suggestion lifecycle: expiring
// stale pending suggestions and raising idle breaks when ingestion goes
// quiet.
type Watchdog struct {
	engine     *Engine
	lastIngest func() time.Time
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	lastIdleAt time.Time
}

// NewWatchdog wires the watchdog to the engine and a source for the most
// recent ingestion time (zero when nothing was ever ingested).
func NewWatchdog(engine *Engine, lastIngest func() time.Time) *Watchdog {
	return &Watchdog{
		engine:     engine,
		lastIngest: lastIngest,
		interval:   defaultSweepInterval,
	}
}

func (w *Watchdog) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
	log.Println("Suggestion watchdog started.")
}

func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watchdog) sweep(ctx context.Context) {
	expired, err := w.engine.ExpireStale(ctx)
	if err != nil {
		log.Printf("Warning: failed to expire stale suggestions: %v", err)
	} else if expired > 0 {
		log.Printf("Expired %d stale suggestion(s).", expired)
	}

	last := w.lastIngest()
	if last.IsZero() {
		return
	}
	idleFor := time.Since(last)
	if idleFor < w.engine.IdleThreshold() {
		return
	}

	// One idle suggestion per quiet stretch.
	w.mu.Lock()
	alreadyFired := w.lastIdleAt.After(last)
	if !alreadyFired {
		w.lastIdleAt = time.Now()
	}
	w.mu.Unlock()
	if alreadyFired {
		return
	}
	w.engine.OnIdle(ctx, idleFor)
}
