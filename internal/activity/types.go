package activity

import (
	"time"

	"retrace/internal/analysis"
)

// SessionState tracks whether a session is still accepting segments.
type SessionState string

const (
	SessionOpen   SessionState = "open"
	SessionClosed SessionState = "closed"
)

// SegmentRef is one member of a session, in capture order.
type SegmentRef struct {
	SegmentID string `json:"segment_id"`
	Position  int    `json:"position"`
	Summary   string `json:"summary,omitempty"`
}

// Session aggregates contiguous analyses judged to be one continuous task.
// Sessions are non-overlapping in time; a segment belongs to at most one.
type Session struct {
	ID              int64        `json:"id"`
	Title           string       `json:"title"`
	StartedAt       time.Time    `json:"started_at"`
	EndedAt         time.Time    `json:"ended_at"`
	DurationSecs    int64        `json:"duration_secs"`
	AppName         string       `json:"app_name"` // dominant application
	Category        analysis.Category `json:"category"`
	Tags            []string     `json:"tags,omitempty"` // union of member tags
	AvgProductivity float64      `json:"avg_productivity"`
	Narrative       string       `json:"narrative,omitempty"`
	ArtifactPath    string       `json:"artifact_path,omitempty"`
	Indexed         bool         `json:"indexed"`
	State           SessionState `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
	Members         []SegmentRef `json:"members,omitempty"`
}

// Span returns the session's time span; it always equals the span between
// the first and last member's capture times.
func (s *Session) Span() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// Project is a recurring work context resolved by normalized name.
// Projects are only ever created or extended, never deleted.
type Project struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	Technologies   []string  `json:"technologies,omitempty"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	SessionIDs     []int64   `json:"session_ids,omitempty"`
}

// HabitKind distinguishes the three detection strategies.
type HabitKind string

const (
	HabitTimeBased     HabitKind = "time_based"
	HabitTriggerBased  HabitKind = "trigger_based"
	HabitSequenceBased HabitKind = "sequence_based"
)

// Habit is a statistically supported recurring behavior pattern. One habit
// exists per (kind, signature); re-detection updates it in place.
type Habit struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Kind             HabitKind `json:"kind"`
	Signature        string    `json:"signature"`
	Confidence       float64   `json:"confidence"` // 0.0..1.0, re-derived each pass
	Frequency        string    `json:"frequency,omitempty"`
	TriggerCondition string    `json:"trigger_condition,omitempty"`
	TypicalTime      string    `json:"typical_time,omitempty"` // "HH:MM"
	LastSeen         time.Time `json:"last_seen"`
	Occurrences      int       `json:"occurrences"`
	ArtifactPath     string    `json:"artifact_path,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SummaryKind is the rollup granularity.
type SummaryKind string

const (
	SummaryDaily   SummaryKind = "daily"
	SummaryWeekly  SummaryKind = "weekly"
	SummaryMonthly SummaryKind = "monthly"
)

// Summary is a narrative/statistical rollup over a date range. At most one
// summary exists per (kind, range); regeneration replaces it.
type Summary struct {
	ID           int64       `json:"id"`
	Kind         SummaryKind `json:"kind"`
	DateStart    time.Time   `json:"date_start"`
	DateEnd      time.Time   `json:"date_end"`
	Content      string      `json:"content"`
	SessionIDs   []int64     `json:"session_ids,omitempty"`
	ProjectIDs   []int64     `json:"project_ids,omitempty"`
	Insufficient bool        `json:"insufficient"`
	ArtifactPath string      `json:"artifact_path,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// TriggerKind is the condition class that produced a suggestion.
type TriggerKind string

const (
	TriggerHabitDeviation   TriggerKind = "habit_deviation"
	TriggerIdleBreak        TriggerKind = "idle_break"
	TriggerProductivityDrop TriggerKind = "productivity_drop"
)

// SuggestionStatus is the persisted part of the suggestion state machine.
// A suggestion is evaluated (proposed) in memory and first persisted as
// pending; the other three states are terminal.
type SuggestionStatus string

const (
	SuggestionPending   SuggestionStatus = "pending"
	SuggestionAccepted  SuggestionStatus = "accepted"
	SuggestionDismissed SuggestionStatus = "dismissed"
	SuggestionExpired   SuggestionStatus = "expired"
)

// Priority orders pending suggestions for presentation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Suggestion is a single proactive proposal surfaced to the user.
type Suggestion struct {
	ID         string           `json:"id"`
	Trigger    TriggerKind      `json:"trigger"`
	Signature  string           `json:"signature"`
	Priority   Priority         `json:"priority"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	Status     SuggestionStatus `json:"status"`
	Response   string           `json:"response,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt time.Time        `json:"resolved_at,omitempty"`
}

// Resolved reports whether the suggestion reached a terminal status.
func (s *Suggestion) Resolved() bool {
	return s.Status != SuggestionPending
}

// SearchHit is one ranked result from free-text session search.
type SearchHit struct {
	SessionID    int64     `json:"session_id"`
	Title        string    `json:"title"`
	StartedAt    time.Time `json:"started_at"`
	DurationSecs int64     `json:"duration_secs"`
	AppName      string    `json:"app_name"`
	Relevance    float64   `json:"relevance"`
}

// AppCat is an (application, category) step used by sequence detection.
type AppCat struct {
	App      string
	Category analysis.Category
}

// SessionSequence is the ordered app/category trace of one closed session.
type SessionSequence struct {
	SessionID int64
	Items     []AppCat
}
