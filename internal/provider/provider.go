package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"retrace/internal/analysis"

	"github.com/google/uuid"
)

// Capture hands one captured segment to an analyzer. The capture mechanics
// (screenshotting, encoding) live outside this module; the pipeline only
// sees this handle. Payload carries the finished adapter output when the
// analysis was produced out of process.
type Capture struct {
	SegmentID    string    `json:"segment_id"`
	CapturedAt   time.Time `json:"captured_at"`
	ImagePath    string    `json:"image_path,omitempty"`
	DurationSecs int       `json:"duration_secs,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
}

// Analyzer produces a validated analysis record for one capture segment.
// One implementation exists per vision backend; the rest of the pipeline
// depends only on this contract.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, cap Capture) (*analysis.Record, error)
}

// Registry resolves analyzers by name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Analyzer
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Analyzer)}
}

func (r *Registry) Register(a Analyzer) error {
	name := a.Name()
	if name == "" {
		return fmt.Errorf("analyzer name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("analyzer %q already registered", name)
	}
	r.byName[name] = a
	return nil
}

func (r *Registry) Get(name string) (Analyzer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PayloadAnalyzer adapts payloads that were already analyzed out of
// process (the socket ingest command and the spool directory). It decodes
// the raw payload, keeps the original bytes on the record as a fallback and
// fills segment identity from the capture when the payload omits it.
type PayloadAnalyzer struct{}

func (PayloadAnalyzer) Name() string { return "payload" }

func (PayloadAnalyzer) Analyze(_ context.Context, cap Capture) (*analysis.Record, error) {
	if len(cap.Payload) == 0 {
		return nil, fmt.Errorf("capture %q carries no payload", cap.SegmentID)
	}
	rec, err := analysis.DecodePayload(cap.Payload)
	if err != nil {
		return nil, err
	}
	if rec.SegmentID == "" {
		rec.SegmentID = cap.SegmentID
	}
	if rec.SegmentID == "" {
		rec.SegmentID = uuid.NewString()
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = cap.CapturedAt
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now()
	}
	// Identity may have been filled in; judge validity again.
	rec.Valid = rec.Validate() == nil
	return rec, nil
}
