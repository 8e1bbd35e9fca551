package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"retrace/internal/activity"
	"sort"
	"strings"
	"time"
)

// normalizeProjectName is the merge key: same normalized name, same project.
func normalizeProjectName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func (s *Store) UpsertProject(ctx context.Context, name string, technologies []string, sessionID int64, seenAt time.Time) (*activity.Project, error) {
	normalized := normalizeProjectName(name)
	if normalized == "" {
		return nil, fmt.Errorf("project name is empty")
	}
	seenAt = seenAt.UTC()

	var project activity.Project
	err := withRetry(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			var (
				id        int64
				storedTec sql.NullString
				firstSeen time.Time
				lastSeen  time.Time
			)
			row := tx.QueryRowContext(ctx,
				`SELECT id, technologies, first_seen, last_seen FROM projects WHERE normalized_name = ?`, normalized)
			err := row.Scan(&id, &storedTec, &firstSeen, &lastSeen)
			switch {
			case err == sql.ErrNoRows:
				res, err := tx.ExecContext(ctx,
					`INSERT INTO projects (name, normalized_name, technologies, first_seen, last_seen)
					 VALUES (?, ?, ?, ?, ?)`,
					name, normalized, encodeStrings(uniqueSorted(technologies)), seenAt, seenAt)
				if err != nil {
					return fmt.Errorf("failed to insert project %q: %w", name, err)
				}
				id, err = res.LastInsertId()
				if err != nil {
					return fmt.Errorf("failed to get project id: %w", err)
				}
				project = activity.Project{
					ID: id, Name: name, NormalizedName: normalized,
					Technologies: uniqueSorted(technologies),
					FirstSeen:    seenAt, LastSeen: seenAt,
				}
			case err != nil:
				return fmt.Errorf("failed to look up project %q: %w", name, err)
			default:
				merged := uniqueSorted(append(decodeStrings(storedTec), technologies...))
				if seenAt.Before(lastSeen) {
					seenAt = lastSeen
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE projects SET technologies = ?, last_seen = ? WHERE id = ?`,
					encodeStrings(merged), seenAt, id); err != nil {
					return fmt.Errorf("failed to update project %q: %w", name, err)
				}
				project = activity.Project{
					ID: id, Name: name, NormalizedName: normalized,
					Technologies: merged, FirstSeen: firstSeen, LastSeen: seenAt,
				}
			}

			if sessionID > 0 {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO project_sessions (project_id, session_id) VALUES (?, ?)`,
					id, sessionID); err != nil {
					return fmt.Errorf("failed to link session %d to project %q: %w", sessionID, name, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *Store) GetProjects(ctx context.Context) ([]activity.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, normalized_name, technologies, first_seen, last_seen
		 FROM projects ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	projects, err := collectProjects(rows)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if err := s.loadProjectSessions(ctx, &projects[i]); err != nil {
			return nil, err
		}
	}
	return projects, nil
}

func (s *Store) ProjectsForSessions(ctx context.Context, sessionIDs []int64) ([]activity.Project, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(sessionIDs)-1) + "?"
	args := make([]interface{}, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT p.id, p.name, p.normalized_name, p.technologies, p.first_seen, p.last_seen
		 FROM projects p
		 JOIN project_sessions ps ON ps.project_id = p.id
		 WHERE ps.session_id IN (`+placeholders+`)
		 ORDER BY p.name ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects for sessions: %w", err)
	}
	defer rows.Close()
	return collectProjects(rows)
}

func (s *Store) loadProjectSessions(ctx context.Context, p *activity.Project) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM project_sessions WHERE project_id = ? ORDER BY session_id ASC`, p.ID)
	if err != nil {
		return fmt.Errorf("failed to load sessions of project %d: %w", p.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan project session link: %w", err)
		}
		p.SessionIDs = append(p.SessionIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating project session links: %w", err)
	}
	return nil
}

func collectProjects(rows *sql.Rows) ([]activity.Project, error) {
	var projects []activity.Project
	for rows.Next() {
		var p activity.Project
		var technologies sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.NormalizedName, &technologies, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		p.Technologies = decodeStrings(technologies)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project rows: %w", err)
	}
	return projects, nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
