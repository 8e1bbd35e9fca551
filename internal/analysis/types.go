package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category of activity as judged by the vision model.
type Category string

const (
	CategoryWork          Category = "work"
	CategoryEntertainment Category = "entertainment"
	CategoryCommunication Category = "communication"
	CategoryLearning      Category = "learning"
	CategoryOther         Category = "other"
)

// FocusLevel describes how concentrated the activity appeared.
type FocusLevel string

const (
	FocusDeep       FocusLevel = "deep"
	FocusNormal     FocusLevel = "normal"
	FocusFragmented FocusLevel = "fragmented"
)

// Interaction describes the dominant input mode during the segment.
type Interaction string

const (
	InteractionTyping     Interaction = "typing"
	InteractionReading    Interaction = "reading"
	InteractionNavigating Interaction = "navigating"
	InteractionWatching   Interaction = "watching"
	InteractionIdle       Interaction = "idle"
	InteractionMixed      Interaction = "mixed"
)

// Record is one AI analysis of one capture segment. Immutable once stored,
// except for reprocessing which replaces the whole row keyed by SegmentID.
type Record struct {
	SegmentID    string      `json:"segment_id"`
	CapturedAt   time.Time   `json:"captured_at"`
	AppName      string      `json:"app_name"`
	WindowTitle  string      `json:"window_title,omitempty"`
	URL          string      `json:"url,omitempty"`
	Category     Category    `json:"category"`
	Productivity int         `json:"productivity"` // 1..10
	Focus        FocusLevel  `json:"focus"`
	Interaction  Interaction `json:"interaction"`
	Continuation bool        `json:"continuation"` // same task as the previous segment

	Description     string   `json:"description,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	Accomplishments []string `json:"accomplishments,omitempty"`
	Tags            []string `json:"tags,omitempty"` // 2..5 context tags
	ProjectName     string   `json:"project_name,omitempty"`
	People          []string `json:"people,omitempty"`
	Technologies    []string `json:"technologies,omitempty"`
	OCRText         string   `json:"ocr_text,omitempty"`
	FileNames       []string `json:"file_names,omitempty"`
	ErrorIndicators []string `json:"error_indicators,omitempty"`

	Raw string `json:"-"` // original payload, kept verbatim as a fallback

	Valid     bool      `json:"-"` // outcome of Validate at ingest time
	Grouped   bool      `json:"-"` // set once a session claims this segment
	CreatedAt time.Time `json:"-"`
}

func validCategory(c Category) bool {
	switch c {
	case CategoryWork, CategoryEntertainment, CategoryCommunication, CategoryLearning, CategoryOther:
		return true
	}
	return false
}

func validFocus(f FocusLevel) bool {
	switch f {
	case FocusDeep, FocusNormal, FocusFragmented:
		return true
	}
	return false
}

func validInteraction(i Interaction) bool {
	switch i {
	case InteractionTyping, InteractionReading, InteractionNavigating,
		InteractionWatching, InteractionIdle, InteractionMixed:
		return true
	}
	return false
}

// Normalize lower-cases the enum fields and trims obvious whitespace so that
// provider output with cosmetic differences still validates.
func (r *Record) Normalize() {
	r.SegmentID = strings.TrimSpace(r.SegmentID)
	r.AppName = strings.TrimSpace(r.AppName)
	r.Category = Category(strings.ToLower(strings.TrimSpace(string(r.Category))))
	r.Focus = FocusLevel(strings.ToLower(strings.TrimSpace(string(r.Focus))))
	r.Interaction = Interaction(strings.ToLower(strings.TrimSpace(string(r.Interaction))))
	r.ProjectName = strings.TrimSpace(r.ProjectName)
	for i := range r.Tags {
		r.Tags[i] = strings.ToLower(strings.TrimSpace(r.Tags[i]))
	}
}

// Validate checks the required fields. A failing Record is still stored for
// audit but is excluded from grouping and search.
func (r *Record) Validate() error {
	if r.SegmentID == "" {
		return fmt.Errorf("segment_id is required")
	}
	if r.CapturedAt.IsZero() {
		return fmt.Errorf("captured_at is required")
	}
	if r.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if !validCategory(r.Category) {
		return fmt.Errorf("invalid category %q", r.Category)
	}
	if r.Productivity < 1 || r.Productivity > 10 {
		return fmt.Errorf("productivity %d out of range 1..10", r.Productivity)
	}
	if !validFocus(r.Focus) {
		return fmt.Errorf("invalid focus level %q", r.Focus)
	}
	if !validInteraction(r.Interaction) {
		return fmt.Errorf("invalid interaction %q", r.Interaction)
	}
	return nil
}

// DecodePayload parses a raw provider payload into a Record. The original
// bytes are preserved on the Record and the validation outcome is recorded
// rather than returned: malformed payloads are a storable condition, only
// undecodable JSON is an error.
func DecodePayload(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode analysis payload: %w", err)
	}
	r.Raw = string(data)
	r.Normalize()
	r.Valid = r.Validate() == nil
	return &r, nil
}
