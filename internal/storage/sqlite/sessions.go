package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"retrace/internal/activity"
	"retrace/internal/analysis"
	"retrace/internal/storage"
	"strings"
	"time"
)

const sessionColumns = `id, title, started_at, ended_at, duration_secs, app_name, category,
	tags, avg_productivity, state, created_at, narrative, artifact_path, indexed`

func (s *Store) OpenSession(ctx context.Context, sess *activity.Session) (int64, error) {
	if len(sess.Members) != 1 {
		return 0, fmt.Errorf("open session must be seeded with exactly one member, got %d", len(sess.Members))
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := withRetry(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO activity_sessions
				 (title, started_at, ended_at, duration_secs, app_name, category, tags, avg_productivity, state, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sess.Title, sess.StartedAt.UTC(), sess.EndedAt.UTC(), sess.DurationSecs,
				nullString(sess.AppName), string(sess.Category), encodeStrings(sess.Tags),
				sess.AvgProductivity, string(activity.SessionOpen), sess.CreatedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to insert session: %w", err)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get session id: %w", err)
			}
			member := sess.Members[0]
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO session_segments (session_id, segment_id, position, summary) VALUES (?, ?, 0, ?)`,
				id, member.SegmentID, nullString(member.Summary)); err != nil {
				return fmt.Errorf("failed to insert seed segment: %w", err)
			}
			return markGrouped(ctx, tx, member.SegmentID)
		})
	})
	if err != nil {
		return 0, err
	}
	sess.ID = id
	sess.State = activity.SessionOpen
	return id, nil
}

func (s *Store) AppendSegment(ctx context.Context, sessionID int64, ref activity.SegmentRef, upd storage.SessionUpdate) error {
	return withRetry(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE activity_sessions
				 SET ended_at = ?, duration_secs = ?, app_name = ?, category = ?, tags = ?, avg_productivity = ?
				 WHERE id = ? AND state = ?`,
				upd.EndedAt.UTC(), upd.DurationSecs, nullString(upd.AppName), string(upd.Category),
				encodeStrings(upd.Tags), upd.AvgProductivity, sessionID, string(activity.SessionOpen))
			if err != nil {
				return fmt.Errorf("failed to update session %d: %w", sessionID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to check session update: %w", err)
			}
			if affected == 0 {
				return fmt.Errorf("session %d is not open", sessionID)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO session_segments (session_id, segment_id, position, summary) VALUES (?, ?, ?, ?)`,
				sessionID, ref.SegmentID, ref.Position, nullString(ref.Summary)); err != nil {
				return fmt.Errorf("failed to append segment %s: %w", ref.SegmentID, err)
			}
			return markGrouped(ctx, tx, ref.SegmentID)
		})
	})
}

func (s *Store) CloseSession(ctx context.Context, sessionID int64, fin storage.SessionFinal) error {
	return withRetry(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE activity_sessions
				 SET state = ?, title = ?, narrative = ?, artifact_path = ?, indexed = 1
				 WHERE id = ? AND state = ?`,
				string(activity.SessionClosed), fin.Title, nullString(fin.Narrative),
				nullString(fin.ArtifactPath), sessionID, string(activity.SessionOpen))
			if err != nil {
				return fmt.Errorf("failed to close session %d: %w", sessionID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to check session close: %w", err)
			}
			if affected == 0 {
				// Already closed: idempotent no-op, no duplicate index entry.
				return nil
			}
			return s.indexSession(ctx, tx, sessionID, fin)
		})
	})
}

// indexSession writes the full-text row for a freshly closed session.
func (s *Store) indexSession(ctx context.Context, tx *sql.Tx, sessionID int64, fin storage.SessionFinal) error {
	var appName, tags sql.NullString
	row := tx.QueryRowContext(ctx,
		`SELECT app_name, tags FROM activity_sessions WHERE id = ?`, sessionID)
	if err := row.Scan(&appName, &tags); err != nil {
		return fmt.Errorf("failed to load session %d for indexing: %w", sessionID, err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT COALESCE(summary, '') FROM session_segments WHERE session_id = ? ORDER BY position ASC`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load segment summaries for session %d: %w", sessionID, err)
	}
	defer rows.Close()
	var parts []string
	for rows.Next() {
		var part string
		if err := rows.Scan(&part); err != nil {
			return fmt.Errorf("failed to scan segment summary: %w", err)
		}
		if part != "" {
			parts = append(parts, part)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating segment summaries: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_fts (rowid, title, narrative, app_name, tags, content_text)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, fin.Title, fin.Narrative, appName.String,
		strings.Join(decodeStrings(tags), " "), strings.Join(parts, "\n")); err != nil {
		return fmt.Errorf("failed to index session %d: %w", sessionID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (*activity.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM activity_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %d: %w", id, err)
	}
	if err := s.loadMembers(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) OpenSessionRow(ctx context.Context) (*activity.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM activity_sessions WHERE state = ? ORDER BY started_at DESC LIMIT 1`,
		string(activity.SessionOpen))
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open session: %w", err)
	}
	if err := s.loadMembers(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) loadMembers(ctx context.Context, sess *activity.Session) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment_id, position, COALESCE(summary, '')
		 FROM session_segments WHERE session_id = ? ORDER BY position ASC`, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load members of session %d: %w", sess.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var ref activity.SegmentRef
		if err := rows.Scan(&ref.SegmentID, &ref.Position, &ref.Summary); err != nil {
			return fmt.Errorf("failed to scan session member: %w", err)
		}
		sess.Members = append(sess.Members, ref)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating session members: %w", err)
	}
	return nil
}

func (s *Store) SessionsRange(ctx context.Context, start, end time.Time) ([]activity.Session, error) {
	// Overlap, not containment: a session straddling a range boundary counts.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM activity_sessions
		 WHERE started_at <= ? AND ended_at >= ?
		 ORDER BY started_at ASC`, end.UTC(), start.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions range: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *Store) RecentClosedSessions(ctx context.Context, limit int) ([]activity.Session, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM activity_sessions
		 WHERE state = ? ORDER BY ended_at DESC LIMIT ?`,
		string(activity.SessionClosed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *Store) LatestSessionEnd(ctx context.Context) (time.Time, error) {
	var ended sql.NullTime
	row := s.db.QueryRowContext(ctx, `SELECT MAX(ended_at) FROM activity_sessions`)
	if err := row.Scan(&ended); err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest session end: %w", err)
	}
	if !ended.Valid {
		return time.Time{}, nil
	}
	return ended.Time, nil
}

func (s *Store) ClosedSessionSequences(ctx context.Context, since time.Time) ([]activity.SessionSequence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ss.session_id, COALESCE(a.app_name, ''), COALESCE(a.category, '')
		 FROM session_segments ss
		 JOIN activity_sessions sess ON sess.id = ss.session_id
		 JOIN screenshot_analyses a ON a.segment_id = ss.segment_id
		 WHERE sess.state = ? AND sess.started_at >= ?
		 ORDER BY ss.session_id ASC, ss.position ASC`,
		string(activity.SessionClosed), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query session sequences: %w", err)
	}
	defer rows.Close()

	var sequences []activity.SessionSequence
	var current *activity.SessionSequence
	for rows.Next() {
		var sessionID int64
		var app, category string
		if err := rows.Scan(&sessionID, &app, &category); err != nil {
			return nil, fmt.Errorf("failed to scan sequence row: %w", err)
		}
		if current == nil || current.SessionID != sessionID {
			sequences = append(sequences, activity.SessionSequence{SessionID: sessionID})
			current = &sequences[len(sequences)-1]
		}
		current.Items = append(current.Items, activity.AppCat{App: app, Category: analysis.Category(category)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sequence rows: %w", err)
	}
	return sequences, nil
}

func (s *Store) CountSessions(ctx context.Context) (int64, int64, error) {
	var open, closed int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN state = 'open' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN state = 'closed' THEN 1 ELSE 0 END), 0)
		 FROM activity_sessions`)
	if err := row.Scan(&open, &closed); err != nil {
		return 0, 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return open, closed, nil
}

func scanSession(row rowScanner) (*activity.Session, error) {
	var (
		sess         activity.Session
		appName      sql.NullString
		category     sql.NullString
		tags         sql.NullString
		state        string
		narrative    sql.NullString
		artifactPath sql.NullString
		indexed      int64
	)
	err := row.Scan(&sess.ID, &sess.Title, &sess.StartedAt, &sess.EndedAt, &sess.DurationSecs,
		&appName, &category, &tags, &sess.AvgProductivity, &state, &sess.CreatedAt,
		&narrative, &artifactPath, &indexed)
	if err != nil {
		return nil, err
	}
	sess.AppName = appName.String
	sess.Category = analysis.Category(category.String)
	sess.Tags = decodeStrings(tags)
	sess.State = activity.SessionState(state)
	sess.Narrative = narrative.String
	sess.ArtifactPath = artifactPath.String
	sess.Indexed = indexed != 0
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]activity.Session, error) {
	var sessions []activity.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}
