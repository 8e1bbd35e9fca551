package habits

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"retrace/internal/activity"
	"retrace/internal/analysis"
	"retrace/internal/artifact"
	"retrace/internal/storage"
)

// Config holds the detection tunables.
type Config struct {
	HistoryWindow    time.Duration // how far back a detection pass looks
	MinOccurrences   int           // floor below which a candidate is noise
	MaxTimeStddev    time.Duration // spread at which time regularity reaches zero
	ClusterGap       time.Duration // start-time gap that splits a time cluster
	TriggerWindow    time.Duration // antecedent to consequent window
	MinTriggerRatio  float64       // co-occurrence floor for trigger habits
	SequenceLength   int           // n-gram size for sequence habits
	MinSequenceCount int           // sessions a sequence must appear in
}

func DefaultConfig() Config {
	return Config{
		HistoryWindow:    30 * 24 * time.Hour,
		MinOccurrences:   2,
		MaxTimeStddev:    45 * time.Minute,
		ClusterGap:       90 * time.Minute,
		TriggerWindow:    5 * time.Minute,
		MinTriggerRatio:  0.6,
		SequenceLength:   3,
		MinSequenceCount: 3,
	}
}

// Detector derives habits from accumulated sessions and analyses. A pass is
// deterministic over unchanged history: re-running it updates the same
// (kind, signature) rows with the same numbers.
type Detector struct {
	store     storage.Store
	artifacts *artifact.Writer
	onUpdated func(*activity.Habit)

	mu  sync.Mutex
	cfg Config

	now func() time.Time // swapped in tests
}

func NewDetector(store storage.Store, cfg Config, artifacts *artifact.Writer, onUpdated func(*activity.Habit)) *Detector {
	return &Detector{
		store:     store,
		artifacts: artifacts,
		onUpdated: onUpdated,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetConfig swaps the tunables; the next pass uses the new values.
func (d *Detector) SetConfig(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Detector) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Run executes one full detection pass and returns how many habits changed.
// Per-candidate failures are logged and skipped; only failures to read the
// underlying history abort the pass.
func (d *Detector) Run(ctx context.Context) (int, error) {
	cfg := d.config()
	now := d.now()
	since := now.Add(-cfg.HistoryWindow)

	sessions, err := d.store.SessionsRange(ctx, since, now)
	if err != nil {
		return 0, fmt.Errorf("failed to load sessions for detection: %w", err)
	}
	var closed []activity.Session
	endedAt := make(map[int64]time.Time, len(sessions))
	for _, sess := range sessions {
		if sess.State != activity.SessionClosed {
			continue
		}
		closed = append(closed, sess)
		endedAt[sess.ID] = sess.EndedAt
	}

	recs, err := d.store.AnalysesRange(ctx, since, now, true)
	if err != nil {
		return 0, fmt.Errorf("failed to load analyses for detection: %w", err)
	}

	seqs, err := d.store.ClosedSessionSequences(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to load session sequences: %w", err)
	}

	var candidates []activity.Habit
	candidates = append(candidates, d.timeCandidates(cfg, closed)...)
	candidates = append(candidates, d.triggerCandidates(cfg, recs)...)
	candidates = append(candidates, d.sequenceCandidates(cfg, seqs, endedAt, now)...)

	// Stable order keeps passes reproducible and logs readable.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Kind != candidates[j].Kind {
			return candidates[i].Kind < candidates[j].Kind
		}
		return candidates[i].Signature < candidates[j].Signature
	})

	updated := 0
	for i := range candidates {
		cand := &candidates[i]
		cand.ArtifactPath = d.artifacts.HabitPath(cand)
		changed, err := d.store.UpsertHabit(ctx, cand)
		if err != nil {
			log.Printf("Warning: failed to upsert habit %s/%s: %v", cand.Kind, cand.Signature, err)
			continue
		}
		if !changed {
			continue
		}
		updated++
		if _, err := d.artifacts.WriteHabit(cand); err != nil {
			log.Printf("Warning: failed to write artifact for habit %s/%s: %v", cand.Kind, cand.Signature, err)
		}
		if d.onUpdated != nil {
			d.onUpdated(cand)
		}
	}
	log.Printf("Habit detection pass: %d candidate(s), %d changed.", len(candidates), updated)
	return updated, nil
}

// confidence grows with repetition, scaled by how regular the repetitions
// are. One observation is never a habit.
func confidence(occurrences int, regularity float64) float64 {
	if occurrences < 2 {
		return 0
	}
	regularity = clamp1(regularity)
	return clamp1(1 - math.Exp(-float64(occurrences-1)*regularity/4))
}

func clamp1(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// --- Time-based detection ---

type timeObs struct {
	day    string
	minute int
	at     time.Time
}

// timeCandidates finds (app, category) pairs whose sessions start around the
// same time of day. Only the strongest cluster per pair becomes a habit, so
// the signature stays stable across passes.
func (d *Detector) timeCandidates(cfg Config, sessions []activity.Session) []activity.Habit {
	groups := make(map[string][]timeObs)
	labels := make(map[string]struct {
		app string
		cat analysis.Category
	})
	for _, sess := range sessions {
		if sess.AppName == "" {
			continue
		}
		key := strings.ToLower(sess.AppName) + "|" + string(sess.Category)
		local := sess.StartedAt.Local()
		groups[key] = append(groups[key], timeObs{
			day:    local.Format("2006-01-02"),
			minute: local.Hour()*60 + local.Minute(),
			at:     sess.StartedAt,
		})
		labels[key] = struct {
			app string
			cat analysis.Category
		}{sess.AppName, sess.Category}
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var habits []activity.Habit
	for _, key := range keys {
		obs := groups[key]
		sort.Slice(obs, func(i, j int) bool { return obs[i].minute < obs[j].minute })

		best := bestCluster(obs, int(cfg.ClusterGap/time.Minute))
		if best == nil {
			continue
		}
		occurrences := distinctDays(best)
		if occurrences < cfg.MinOccurrences {
			continue
		}

		mean, stddev := minuteStats(best)
		sigmaMax := cfg.MaxTimeStddev.Minutes()
		ratio := stddev / sigmaMax
		regularity := clamp1(1 - ratio*ratio)

		label := labels[key]
		first, last := timeSpan(best)
		typical := fmt.Sprintf("%02d:%02d", mean/60, mean%60)
		habits = append(habits, activity.Habit{
			Name:        fmt.Sprintf("%s %s around %s", label.app, label.cat, typical),
			Kind:        activity.HabitTimeBased,
			Signature:   key,
			Confidence:  confidence(occurrences, regularity),
			Frequency:   frequencyLabel(occurrences, first, last),
			TypicalTime: typical,
			LastSeen:    last,
			Occurrences: occurrences,
		})
	}
	return habits
}

// bestCluster splits sorted observations wherever adjacent start minutes are
// more than gapMinutes apart and returns the cluster covering the most
// distinct days, preferring the tighter one on ties.
func bestCluster(obs []timeObs, gapMinutes int) []timeObs {
	if len(obs) == 0 {
		return nil
	}
	var clusters [][]timeObs
	start := 0
	for i := 1; i < len(obs); i++ {
		if obs[i].minute-obs[i-1].minute > gapMinutes {
			clusters = append(clusters, obs[start:i])
			start = i
		}
	}
	clusters = append(clusters, obs[start:])

	var best []timeObs
	bestDays, bestSpread := -1, math.MaxFloat64
	for _, cluster := range clusters {
		days := distinctDays(cluster)
		_, spread := minuteStats(cluster)
		if days > bestDays || (days == bestDays && spread < bestSpread) {
			best, bestDays, bestSpread = cluster, days, spread
		}
	}
	return best
}

func distinctDays(obs []timeObs) int {
	days := make(map[string]struct{}, len(obs))
	for _, o := range obs {
		days[o.day] = struct{}{}
	}
	return len(days)
}

func minuteStats(obs []timeObs) (mean int, stddev float64) {
	if len(obs) == 0 {
		return 0, 0
	}
	sum := 0
	for _, o := range obs {
		sum += o.minute
	}
	meanF := float64(sum) / float64(len(obs))
	var variance float64
	for _, o := range obs {
		diff := float64(o.minute) - meanF
		variance += diff * diff
	}
	variance /= float64(len(obs))
	return int(math.Round(meanF)), math.Sqrt(variance)
}

func timeSpan(obs []timeObs) (first, last time.Time) {
	first, last = obs[0].at, obs[0].at
	for _, o := range obs[1:] {
		if o.at.Before(first) {
			first = o.at
		}
		if o.at.After(last) {
			last = o.at
		}
	}
	return first, last
}

// frequencyLabel is a coarse human descriptor, not a statistic.
func frequencyLabel(occurrences int, first, last time.Time) string {
	spanDays := last.Sub(first).Hours()/24 + 1
	if spanDays < 1 {
		spanDays = 1
	}
	perDay := float64(occurrences) / spanDays
	switch {
	case perDay >= 0.7:
		return "daily"
	case perDay*7 >= 0.7:
		return "weekly"
	default:
		return "occasional"
	}
}

// --- Trigger-based detection ---

type pairStat struct {
	hits  int
	first time.Time
	last  time.Time
}

func (st *pairStat) record(at time.Time) {
	st.hits++
	if st.first.IsZero() || at.Before(st.first) {
		st.first = at
	}
	if at.After(st.last) {
		st.last = at
	}
}

// triggerCandidates finds "after X, usually Y" pairs: error indicators
// followed by an app switch, and app entries followed by another app entry,
// each within the trigger window.
func (d *Detector) triggerCandidates(cfg Config, recs []analysis.Record) []activity.Habit {
	antecedents := make(map[string]int)
	pairs := make(map[string]*pairStat)
	conditions := make(map[string]string)

	note := func(sig, condition string, at time.Time) {
		st, ok := pairs[sig]
		if !ok {
			st = &pairStat{}
			pairs[sig] = st
			conditions[sig] = condition
		}
		st.record(at)
	}

	for i := range recs {
		rec := &recs[i]
		if len(rec.ErrorIndicators) == 0 {
			continue
		}
		antecedents["errors"]++
		for j := i + 1; j < len(recs); j++ {
			next := &recs[j]
			if next.CapturedAt.Sub(rec.CapturedAt) > cfg.TriggerWindow {
				break
			}
			if !strings.EqualFold(next.AppName, rec.AppName) {
				sig := "errors>" + strings.ToLower(next.AppName)
				note(sig, "after error indicators on screen", next.CapturedAt)
				break
			}
		}
	}

	// App entries: indexes where the foreground app changed.
	var entries []int
	for i := 1; i < len(recs); i++ {
		if !strings.EqualFold(recs[i].AppName, recs[i-1].AppName) {
			entries = append(entries, i)
		}
	}
	for n, i := range entries {
		from := strings.ToLower(recs[i].AppName)
		antecedents[from]++
		if n+1 >= len(entries) {
			continue
		}
		j := entries[n+1]
		if recs[j].CapturedAt.Sub(recs[i].CapturedAt) > cfg.TriggerWindow {
			continue
		}
		sig := from + ">" + strings.ToLower(recs[j].AppName)
		note(sig, fmt.Sprintf("after switching to %s", recs[i].AppName), recs[j].CapturedAt)
	}

	sigs := make([]string, 0, len(pairs))
	for sig := range pairs {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)

	var habits []activity.Habit
	for _, sig := range sigs {
		st := pairs[sig]
		parts := strings.SplitN(sig, ">", 2)
		base := antecedents[parts[0]]
		if base == 0 || st.hits < cfg.MinOccurrences {
			continue
		}
		ratio := float64(st.hits) / float64(base)
		if ratio < cfg.MinTriggerRatio {
			continue
		}
		habits = append(habits, activity.Habit{
			Name:             fmt.Sprintf("Switch to %s %s", parts[1], conditions[sig]),
			Kind:             activity.HabitTriggerBased,
			Signature:        sig,
			Confidence:       confidence(st.hits, ratio),
			Frequency:        frequencyLabel(st.hits, st.first, st.last),
			TriggerCondition: conditions[sig],
			LastSeen:         st.last,
			Occurrences:      st.hits,
		})
	}
	return habits
}

// --- Sequence-based detection ---

// sequenceCandidates finds app n-grams that recur across closed sessions.
// Each session counts a given n-gram at most once.
func (d *Detector) sequenceCandidates(cfg Config, seqs []activity.SessionSequence, endedAt map[int64]time.Time, now time.Time) []activity.Habit {
	n := cfg.SequenceLength
	if n < 2 || len(seqs) == 0 {
		return nil
	}

	stats := make(map[string]*pairStat)
	for _, seq := range seqs {
		steps := collapseApps(seq.Items)
		if len(steps) < n {
			continue
		}
		at, ok := endedAt[seq.SessionID]
		if !ok {
			at = now
		}
		seen := make(map[string]struct{})
		for i := 0; i+n <= len(steps); i++ {
			sig := strings.Join(steps[i:i+n], ">")
			if _, dup := seen[sig]; dup {
				continue
			}
			seen[sig] = struct{}{}
			st, ok := stats[sig]
			if !ok {
				st = &pairStat{}
				stats[sig] = st
			}
			st.record(at)
		}
	}

	sigs := make([]string, 0, len(stats))
	for sig := range stats {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)

	var habits []activity.Habit
	for _, sig := range sigs {
		st := stats[sig]
		if st.hits < cfg.MinSequenceCount || st.hits < cfg.MinOccurrences {
			continue
		}
		support := float64(st.hits) / float64(len(seqs))
		habits = append(habits, activity.Habit{
			Name:        "Routine: " + strings.ReplaceAll(sig, ">", " then "),
			Kind:        activity.HabitSequenceBased,
			Signature:   sig,
			Confidence:  confidence(st.hits, support),
			Frequency:   frequencyLabel(st.hits, st.first, st.last),
			LastSeen:    st.last,
			Occurrences: st.hits,
		})
	}
	return habits
}

// collapseApps lowers the app names and drops consecutive repeats, so a
// sequence reflects transitions rather than dwell time.
func collapseApps(items []activity.AppCat) []string {
	var steps []string
	for _, item := range items {
		app := strings.ToLower(strings.TrimSpace(item.App))
		if app == "" {
			continue
		}
		if len(steps) > 0 && steps[len(steps)-1] == app {
			continue
		}
		steps = append(steps, app)
	}
	return steps
}
