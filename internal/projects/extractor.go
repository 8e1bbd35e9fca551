package projects

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"retrace/internal/activity"
	"retrace/internal/storage"
)

// Extractor folds closed sessions into the project registry. It runs in the
// session-close path, so a session is never visible as closed without its
// project links.
type Extractor struct {
	store storage.Store
}

func NewExtractor(store storage.Store) *Extractor {
	return &Extractor{store: store}
}

// candidate accumulates the evidence for one project across a session's
// members.
type candidate struct {
	name         string
	technologies map[string]struct{}
	mentions     int
}

// OnSessionClosed resolves the projects a closed session touched and
// creates or updates the registry entries. Per-project failures are logged
// and skipped so one bad candidate cannot lose the rest.
func (e *Extractor) OnSessionClosed(ctx context.Context, sess *activity.Session) error {
	if sess == nil || len(sess.Members) == 0 {
		return nil
	}

	byName := make(map[string]*candidate)
	techCount := make(map[string]int)
	for _, ref := range sess.Members {
		rec, err := e.store.GetAnalysis(ctx, ref.SegmentID)
		if err != nil {
			log.Printf("Warning: project extraction skipped segment %s: %v", ref.SegmentID, err)
			continue
		}
		for _, tech := range rec.Technologies {
			techCount[strings.ToLower(strings.TrimSpace(tech))]++
		}
		name := strings.TrimSpace(rec.ProjectName)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		cand, ok := byName[key]
		if !ok {
			cand = &candidate{name: name, technologies: make(map[string]struct{})}
			byName[key] = cand
		}
		cand.mentions++
		for _, tech := range rec.Technologies {
			cand.technologies[strings.TrimSpace(tech)] = struct{}{}
		}
	}

	if len(byName) == 0 {
		// No explicit mentions. A dominant technology can still tie the
		// session to an existing project, but it never creates one.
		return e.linkByTechnology(ctx, sess, techCount)
	}

	keys := make([]string, 0, len(byName))
	for key := range byName {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var failed int
	for _, key := range keys {
		cand := byName[key]
		techs := make([]string, 0, len(cand.technologies))
		for tech := range cand.technologies {
			techs = append(techs, tech)
		}
		sort.Strings(techs)
		if _, err := e.store.UpsertProject(ctx, cand.name, techs, sess.ID, sess.EndedAt); err != nil {
			log.Printf("Warning: failed to upsert project %q for session %d: %v", cand.name, sess.ID, err)
			failed++
		}
	}
	if failed == len(byName) {
		return fmt.Errorf("all %d project upserts failed for session %d", failed, sess.ID)
	}
	return nil
}

// linkByTechnology links the session to the single existing project whose
// technology set contains the session's dominant technology. Ambiguity or
// no match means no link.
func (e *Extractor) linkByTechnology(ctx context.Context, sess *activity.Session, techCount map[string]int) error {
	dominant := dominantTechnology(techCount)
	if dominant == "" {
		return nil
	}

	known, err := e.store.GetProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}
	var match *activity.Project
	for i := range known {
		if hasTechnology(&known[i], dominant) {
			if match != nil {
				return nil
			}
			match = &known[i]
		}
	}
	if match == nil {
		return nil
	}
	if _, err := e.store.UpsertProject(ctx, match.Name, nil, sess.ID, sess.EndedAt); err != nil {
		return fmt.Errorf("failed to link session %d to project %q: %w", sess.ID, match.Name, err)
	}
	return nil
}

func dominantTechnology(techCount map[string]int) string {
	best, bestCount := "", 1
	keys := make([]string, 0, len(techCount))
	for tech := range techCount {
		keys = append(keys, tech)
	}
	sort.Strings(keys)
	for _, tech := range keys {
		if tech == "" {
			continue
		}
		if techCount[tech] > bestCount {
			best, bestCount = tech, techCount[tech]
		}
	}
	return best
}

func hasTechnology(p *activity.Project, tech string) bool {
	for _, have := range p.Technologies {
		if strings.EqualFold(strings.TrimSpace(have), tech) {
			return true
		}
	}
	return false
}
