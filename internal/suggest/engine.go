package suggest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"retrace/internal/activity"
	"retrace/internal/storage"
)

// Config holds the evaluation tunables.
type Config struct {
	MinHabitConfidence float64       // habits below this never trigger deviations
	DeviationWindow    time.Duration // how close to a habit's typical time counts
	DropWindow         int           // sessions per side of the productivity comparison
	DropDelta          float64       // productivity fall that counts as a drop
	IdleThreshold      time.Duration // silence after which an idle break fires
	Cooldown           time.Duration // per-signature quiet period after resolution
	PendingTimeout     time.Duration // pending older than this gets expired
	MaxPerHour         float64       // global token bucket rate
	Burst              int           // global token bucket size
}

func DefaultConfig() Config {
	return Config{
		MinHabitConfidence: 0.7,
		DeviationWindow:    45 * time.Minute,
		DropWindow:         3,
		DropDelta:          2.0,
		IdleThreshold:      30 * time.Minute,
		Cooldown:           2 * time.Hour,
		PendingTimeout:     24 * time.Hour,
		MaxPerHour:         6,
		Burst:              3,
	}
}

// Engine evaluates trigger conditions and proposes suggestions. A proposal
// survives only if no unresolved pending suggestion shares its signature,
// the signature is out of cool-down and the global rate limiter has a token;
// otherwise it is dropped silently. The store enforces the signature
// invariant, so concurrent proposers cannot race past it.
type Engine struct {
	store   storage.Store
	limiter *rate.Limiter

	mu  sync.Mutex
	cfg Config

	now func() time.Time
}

func NewEngine(store storage.Store, cfg Config) *Engine {
	return &Engine{
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxPerHour/3600.0), cfg.Burst),
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetConfig swaps the tunables, including the global rate.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.limiter.SetLimit(rate.Limit(cfg.MaxPerHour / 3600.0))
	e.limiter.SetBurst(cfg.Burst)
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// OnSessionClosed evaluates the session-driven triggers: habit deviation and
// productivity drop. Evaluation failures are logged per trigger; one failing
// never blocks the other.
func (e *Engine) OnSessionClosed(ctx context.Context, sess *activity.Session) {
	if sess == nil {
		return
	}
	if err := e.checkHabitDeviation(ctx, sess); err != nil {
		log.Printf("Warning: habit deviation check failed: %v", err)
	}
	if err := e.checkProductivityDrop(ctx); err != nil {
		log.Printf("Warning: productivity drop check failed: %v", err)
	}
}

// OnIdle proposes a break after a stretch of no activity.
func (e *Engine) OnIdle(ctx context.Context, idleFor time.Duration) {
	msg := fmt.Sprintf("No activity captured for %s. A short break or a deliberate next task can help you restart.",
		idleFor.Round(time.Minute))
	e.propose(ctx, &activity.Suggestion{
		Trigger:   activity.TriggerIdleBreak,
		Signature: "idle_break",
		Priority:  activity.PriorityLow,
		Title:     "Long idle stretch",
		Message:   msg,
	})
}

// checkHabitDeviation fires when a trusted time habit expected a different
// application around the session's start time.
func (e *Engine) checkHabitDeviation(ctx context.Context, sess *activity.Session) error {
	cfg := e.config()
	habits, err := e.store.GetHabits(ctx, cfg.MinHabitConfidence)
	if err != nil {
		return fmt.Errorf("failed to load habits: %w", err)
	}

	started := sess.StartedAt.Local()
	startedMin := started.Hour()*60 + started.Minute()
	for i := range habits {
		h := &habits[i]
		if h.Kind != activity.HabitTimeBased || h.TypicalTime == "" {
			continue
		}
		typical, ok := parseClock(h.TypicalTime)
		if !ok {
			continue
		}
		if minuteDistance(startedMin, typical) > int(cfg.DeviationWindow/time.Minute) {
			continue
		}
		habitApp := appOfSignature(h.Signature)
		if habitApp == "" || strings.EqualFold(habitApp, sess.AppName) {
			continue
		}
		msg := fmt.Sprintf("Around %s you usually work in %s (%s), but this session was %s.",
			h.TypicalTime, habitApp, h.Name, sess.AppName)
		e.propose(ctx, &activity.Suggestion{
			Trigger:   activity.TriggerHabitDeviation,
			Signature: "habit_deviation:" + h.Signature,
			Priority:  activity.PriorityNormal,
			Title:     "Off your usual routine",
			Message:   msg,
		})
	}
	return nil
}

// checkProductivityDrop compares the trailing window of closed sessions
// against the window before it.
func (e *Engine) checkProductivityDrop(ctx context.Context) error {
	cfg := e.config()
	if cfg.DropWindow <= 0 {
		return nil
	}
	recent, err := e.store.RecentClosedSessions(ctx, cfg.DropWindow*2)
	if err != nil {
		return fmt.Errorf("failed to load recent sessions: %w", err)
	}
	if len(recent) < cfg.DropWindow*2 {
		return nil
	}

	var trailing, preceding float64
	for i := 0; i < cfg.DropWindow; i++ {
		trailing += recent[i].AvgProductivity
		preceding += recent[cfg.DropWindow+i].AvgProductivity
	}
	trailing /= float64(cfg.DropWindow)
	preceding /= float64(cfg.DropWindow)

	if preceding-trailing < cfg.DropDelta {
		return nil
	}
	msg := fmt.Sprintf("Average productivity fell from %.1f to %.1f over your last %d sessions. Worth a reset?",
		preceding, trailing, cfg.DropWindow)
	e.propose(ctx, &activity.Suggestion{
		Trigger:   activity.TriggerProductivityDrop,
		Signature: "productivity_drop",
		Priority:  activity.PriorityHigh,
		Title:     "Productivity slipping",
		Message:   msg,
	})
	return nil
}

// propose runs the proposal through cool-down, the global rate limiter and
// the pending-signature invariant, persisting it only if all three pass.
func (e *Engine) propose(ctx context.Context, s *activity.Suggestion) {
	cfg := e.config()
	now := e.now()

	last, err := e.store.LastResolvedAt(ctx, s.Signature)
	if err != nil {
		log.Printf("Warning: cool-down lookup for %q failed: %v", s.Signature, err)
		return
	}
	if !last.IsZero() && now.Sub(last) < cfg.Cooldown {
		return
	}
	if !e.limiter.Allow() {
		log.Printf("Suggestion %q dropped: global rate limit.", s.Signature)
		return
	}

	s.ID = uuid.NewString()
	s.Status = activity.SuggestionPending
	s.CreatedAt = now
	err = e.store.InsertSuggestion(ctx, s)
	if errors.Is(err, storage.ErrDuplicateSignature) {
		// An unresolved proposal with this signature is already waiting.
		return
	}
	if err != nil {
		log.Printf("Warning: failed to persist suggestion %q: %v", s.Signature, err)
		return
	}
	log.Printf("Suggestion created: [%s] %s", s.Trigger, s.Title)
}

// Respond applies a user decision to a pending suggestion. Only accepted and
// dismissed are valid responses; expiry belongs to the watchdog.
func (e *Engine) Respond(ctx context.Context, id string, status activity.SuggestionStatus, response string, at time.Time) error {
	if status != activity.SuggestionAccepted && status != activity.SuggestionDismissed {
		return fmt.Errorf("invalid response status %q", status)
	}
	if at.IsZero() {
		at = e.now()
	}
	return e.store.ResolveSuggestion(ctx, id, status, response, at)
}

// ExpireStale marks pending suggestions older than the timeout as expired
// and returns how many were swept.
func (e *Engine) ExpireStale(ctx context.Context) (int64, error) {
	cfg := e.config()
	return e.store.ExpirePendingBefore(ctx, e.now().Add(-cfg.PendingTimeout))
}

// IdleThreshold exposes the configured idle cutoff for the watchdog.
func (e *Engine) IdleThreshold() time.Duration {
	return e.config().IdleThreshold
}

func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// minuteDistance is the circular distance between two minutes of day.
func minuteDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > 720 {
		d = 1440 - d
	}
	return d
}

// appOfSignature extracts the application part of a time habit signature
// ("app|category").
func appOfSignature(sig string) string {
	if i := strings.Index(sig, "|"); i >= 0 {
		return sig[:i]
	}
	return sig
}
