package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"retrace/internal/activity"
	"retrace/internal/storage"
	"time"
)

const summaryColumns = `id, kind, date_start, date_end, content, session_ids, project_ids,
	insufficient, artifact_path, created_at`

func (s *Store) UpsertSummary(ctx context.Context, sum *activity.Summary) error {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	// Regeneration for an already-summarized range replaces the prior row.
	query := `INSERT INTO summaries
	          (kind, date_start, date_end, content, session_ids, project_ids, insufficient, artifact_path, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(kind, date_start, date_end) DO UPDATE SET
	            content = excluded.content,
	            session_ids = excluded.session_ids,
	            project_ids = excluded.project_ids,
	            insufficient = excluded.insufficient,
	            artifact_path = excluded.artifact_path,
	            created_at = excluded.created_at`
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			string(sum.Kind), sum.DateStart.UTC(), sum.DateEnd.UTC(), sum.Content,
			encodeIDs(sum.SessionIDs), encodeIDs(sum.ProjectIDs),
			boolToInt(sum.Insufficient), nullString(sum.ArtifactPath), sum.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert %s summary: %w", sum.Kind, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM summaries WHERE kind = ? AND date_start = ? AND date_end = ?`,
		string(sum.Kind), sum.DateStart.UTC(), sum.DateEnd.UTC())
	if err := row.Scan(&sum.ID); err != nil {
		return fmt.Errorf("failed to read back summary id: %w", err)
	}
	return nil
}

func (s *Store) GetSummary(ctx context.Context, kind activity.SummaryKind, start, end time.Time) (*activity.Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM summaries WHERE kind = ? AND date_start = ? AND date_end = ?`,
		string(kind), start.UTC(), end.UTC())
	sum, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s summary: %w", kind, err)
	}
	return sum, nil
}

func (s *Store) SummariesRange(ctx context.Context, kind activity.SummaryKind, start, end time.Time) ([]activity.Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM summaries
	          WHERE date_start <= ? AND date_end >= ?`
	args := []interface{}{end.UTC(), start.UTC()}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY date_start ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var summaries []activity.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summaries = append(summaries, *sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summary rows: %w", err)
	}
	return summaries, nil
}

func scanSummary(row rowScanner) (*activity.Summary, error) {
	var (
		sum          activity.Summary
		kind         string
		sessionIDs   sql.NullString
		projectIDs   sql.NullString
		insufficient int64
		artifactPath sql.NullString
	)
	err := row.Scan(&sum.ID, &kind, &sum.DateStart, &sum.DateEnd, &sum.Content,
		&sessionIDs, &projectIDs, &insufficient, &artifactPath, &sum.CreatedAt)
	if err != nil {
		return nil, err
	}
	sum.Kind = activity.SummaryKind(kind)
	sum.SessionIDs = decodeIDs(sessionIDs)
	sum.ProjectIDs = decodeIDs(projectIDs)
	sum.Insufficient = insufficient != 0
	sum.ArtifactPath = artifactPath.String
	return &sum, nil
}
