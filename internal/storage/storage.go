package storage

import (
	"context"
	"errors"
	"time"

	"retrace/internal/activity"
	"retrace/internal/analysis"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSignature is returned when an unresolved pending suggestion
	// with the same trigger signature already exists.
	ErrDuplicateSignature = errors.New("pending suggestion with same signature already exists")
	// ErrAlreadyResolved is returned when resolving a suggestion that already
	// reached a terminal status. Terminal suggestions are never reopened.
	ErrAlreadyResolved = errors.New("suggestion already resolved")
	// ErrUnavailable is returned by read paths while the store has not
	// finished migrating.
	ErrUnavailable = errors.New("storage unavailable")
)

// Settings keys persisted in the settings table.
const (
	SettingPipelineEnabled = "pipeline_enabled"
	SettingCaptureInterval = "capture_interval_secs"
	SettingSegmentSeconds  = "segment_secs"
)

// Authoritative bounds and defaults for the runtime-settable knobs. The
// capture interval is the capture cadence; segment seconds is the analysis
// segment length. They are distinct knobs with distinct bounds.
const (
	MinCaptureIntervalSecs     = 1
	MaxCaptureIntervalSecs     = 15
	DefaultCaptureIntervalSecs = 3

	MinSegmentSecs     = 30
	MaxSegmentSecs     = 300
	DefaultSegmentSecs = 60
)

// AnalysisStore owns the per-segment analysis records.
type AnalysisStore interface {
	// SaveAnalysis inserts the record, replacing any prior row with the same
	// segment id (reprocessing semantics).
	SaveAnalysis(ctx context.Context, rec *analysis.Record) error
	GetAnalysis(ctx context.Context, segmentID string) (*analysis.Record, error)
	// AnalysesRange returns records captured in [start, end], oldest first.
	// With validOnly set, malformed records are excluded.
	AnalysesRange(ctx context.Context, start, end time.Time, validOnly bool) ([]analysis.Record, error)
	// UngroupedAnalyses returns valid records no session has claimed yet,
	// oldest first.
	UngroupedAnalyses(ctx context.Context, limit int) ([]analysis.Record, error)
	CountAnalyses(ctx context.Context) (total int64, invalid int64, err error)
}

// SessionStore owns activity sessions and their member segments.
type SessionStore interface {
	// OpenSession persists a new open session seeded with its first member
	// and marks that member's analysis as grouped, in one transaction.
	OpenSession(ctx context.Context, s *activity.Session) (int64, error)
	// AppendSegment adds a member to an open session, updating span,
	// duration, tag union, dominant app and productivity, and marks the
	// member's analysis as grouped, in one transaction.
	AppendSegment(ctx context.Context, sessionID int64, ref activity.SegmentRef, upd SessionUpdate) error
	// CloseSession finalizes an open session and indexes it for search.
	// Closing an already-closed session is a no-op.
	CloseSession(ctx context.Context, sessionID int64, fin SessionFinal) error
	GetSession(ctx context.Context, id int64) (*activity.Session, error)
	// OpenSessionRow returns the current open session, if any.
	OpenSessionRow(ctx context.Context) (*activity.Session, error)
	// SessionsRange returns sessions overlapping [start, end] ordered by
	// start time.
	SessionsRange(ctx context.Context, start, end time.Time) ([]activity.Session, error)
	// RecentClosedSessions returns the most recently ended closed sessions,
	// newest first.
	RecentClosedSessions(ctx context.Context, limit int) ([]activity.Session, error)
	// LatestSessionEnd returns the end time of the most recent session
	// member across all sessions; the zero time when none exist.
	LatestSessionEnd(ctx context.Context) (time.Time, error)
	// ClosedSessionSequences returns the ordered (app, category) trace of
	// each closed session starting at or after since.
	ClosedSessionSequences(ctx context.Context, since time.Time) ([]activity.SessionSequence, error)
	CountSessions(ctx context.Context) (open int64, closed int64, err error)
}

// SessionUpdate carries the recomputed rollup values for an append.
type SessionUpdate struct {
	EndedAt         time.Time
	DurationSecs    int64
	AppName         string
	Category        analysis.Category
	Tags            []string
	AvgProductivity float64
}

// SessionFinal carries the values fixed at close time.
type SessionFinal struct {
	Title        string
	Narrative    string
	ArtifactPath string
}

// ProjectStore owns project entities. Projects are never deleted.
type ProjectStore interface {
	// UpsertProject resolves a project by normalized name, creating it on
	// first sight, extends its technology union and last-seen time, and
	// links the session, in one transaction.
	UpsertProject(ctx context.Context, name string, technologies []string, sessionID int64, seenAt time.Time) (*activity.Project, error)
	GetProjects(ctx context.Context) ([]activity.Project, error)
	// ProjectsForSessions returns projects linked to any of the given
	// sessions.
	ProjectsForSessions(ctx context.Context, sessionIDs []int64) ([]activity.Project, error)
}

// HabitStore owns habit entities keyed by (kind, signature).
type HabitStore interface {
	// UpsertHabit updates the habit with the same (kind, signature) or
	// creates it. It reports whether occurrence count or confidence changed.
	UpsertHabit(ctx context.Context, h *activity.Habit) (changed bool, err error)
	GetHabits(ctx context.Context, minConfidence float64) ([]activity.Habit, error)
	HabitsSeenInRange(ctx context.Context, start, end time.Time) ([]activity.Habit, error)
	GetHabitBySignature(ctx context.Context, kind activity.HabitKind, signature string) (*activity.Habit, error)
}

// SummaryStore owns period summaries; one row per (kind, range).
type SummaryStore interface {
	// UpsertSummary replaces any prior summary of the same kind and range.
	UpsertSummary(ctx context.Context, s *activity.Summary) error
	GetSummary(ctx context.Context, kind activity.SummaryKind, start, end time.Time) (*activity.Summary, error)
	SummariesRange(ctx context.Context, kind activity.SummaryKind, start, end time.Time) ([]activity.Summary, error)
}

// SuggestionStore owns the persisted suggestion lifecycle.
type SuggestionStore interface {
	// InsertSuggestion persists a new pending suggestion. It fails with
	// ErrDuplicateSignature while an unresolved pending suggestion with the
	// same signature exists.
	InsertSuggestion(ctx context.Context, s *activity.Suggestion) error
	PendingSuggestions(ctx context.Context) ([]activity.Suggestion, error)
	// ResolveSuggestion moves a pending suggestion to a terminal status.
	ResolveSuggestion(ctx context.Context, id string, status activity.SuggestionStatus, response string, at time.Time) error
	// ExpirePendingBefore marks pending suggestions created before cutoff as
	// expired and returns how many were affected.
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// LastResolvedAt returns when a suggestion with the given signature last
	// reached a terminal status; the zero time when none has.
	LastResolvedAt(ctx context.Context, signature string) (time.Time, error)
}

// SettingsStore owns the runtime-settable key/value settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) (map[string]string, error)
}

// SearchStore provides ranked free-text search over closed sessions.
type SearchStore interface {
	SearchSessions(ctx context.Context, query string, limit int) ([]activity.SearchHit, error)
}

// Store is the single persistent store shared by every pipeline stage.
type Store interface {
	AnalysisStore
	SessionStore
	ProjectStore
	HabitStore
	SummaryStore
	SuggestionStore
	SettingsStore
	SearchStore

	// Init opens the store and applies any outstanding schema migrations.
	// A migration failure is fatal: the pipeline must not start on it.
	Init(ctx context.Context) error
	// SchemaVersion reports the applied schema generation.
	SchemaVersion() uint
	// Ready reports whether Init completed successfully.
	Ready() bool
	Close() error
}
