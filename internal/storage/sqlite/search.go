package sqlite

import (
	"context"
	"fmt"
	"math"
	"retrace/internal/activity"
	"strings"
)

const defaultSearchLimit = 20

// ftsQuery quotes each term so user input cannot break the FTS5 match
// syntax. Terms are ANDed, which matches expectation for keyword search.
func ftsQuery(query string) string {
	var quoted []string
	for _, field := range strings.Fields(query) {
		field = strings.ReplaceAll(field, `"`, "")
		if field == "" {
			continue
		}
		quoted = append(quoted, `"`+field+`"`)
	}
	return strings.Join(quoted, " ")
}

func (s *Store) SearchSessions(ctx context.Context, query string, limit int) ([]activity.SearchHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > 100 {
		limit = 100
	}

	// Only closed sessions are ever indexed, so open sessions and malformed
	// analyses can never surface here.
	rows, err := s.db.QueryContext(ctx,
		`SELECT sess.id, sess.title, sess.started_at, sess.duration_secs,
		        COALESCE(sess.app_name, ''), session_fts.rank
		 FROM session_fts
		 JOIN activity_sessions sess ON sess.id = session_fts.rowid
		 WHERE session_fts MATCH ?
		 ORDER BY session_fts.rank
		 LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search sessions: %w", err)
	}
	defer rows.Close()

	var hits []activity.SearchHit
	for rows.Next() {
		var hit activity.SearchHit
		var rank float64
		if err := rows.Scan(&hit.SessionID, &hit.Title, &hit.StartedAt,
			&hit.DurationSecs, &hit.AppName, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		// BM25 rank is negative, more negative for better matches; fold its
		// magnitude into a 0..1 relevance score.
		hit.Relevance = math.Abs(rank) / (1.0 + math.Abs(rank))
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search hits: %w", err)
	}
	return hits, nil
}
