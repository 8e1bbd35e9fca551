package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"retrace/internal/analysis"
	"retrace/internal/storage"
	"time"
)

const analysisColumns = `segment_id, captured_at, app_name, window_title, url, category,
	productivity, focus, interaction, continuation, description, summary,
	accomplishments, tags, ocr_text, file_names, error_indicators, raw_payload,
	valid, grouped, created_at, project_name, people, technologies`

func (s *Store) SaveAnalysis(ctx context.Context, rec *analysis.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	// Reprocessing replaces the row in place. The grouped flag survives the
	// update so a re-analyzed segment keeps its session membership.
	query := `INSERT INTO screenshot_analyses (` + analysisColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(segment_id) DO UPDATE SET
	            captured_at = excluded.captured_at,
	            app_name = excluded.app_name,
	            window_title = excluded.window_title,
	            url = excluded.url,
	            category = excluded.category,
	            productivity = excluded.productivity,
	            focus = excluded.focus,
	            interaction = excluded.interaction,
	            continuation = excluded.continuation,
	            description = excluded.description,
	            summary = excluded.summary,
	            accomplishments = excluded.accomplishments,
	            tags = excluded.tags,
	            ocr_text = excluded.ocr_text,
	            file_names = excluded.file_names,
	            error_indicators = excluded.error_indicators,
	            raw_payload = excluded.raw_payload,
	            valid = excluded.valid,
	            project_name = excluded.project_name,
	            people = excluded.people,
	            technologies = excluded.technologies`
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.SegmentID, rec.CapturedAt.UTC(), nullString(rec.AppName),
			nullString(rec.WindowTitle), nullString(rec.URL), string(rec.Category),
			rec.Productivity, string(rec.Focus), string(rec.Interaction), boolToInt(rec.Continuation),
			nullString(rec.Description), nullString(rec.Summary),
			encodeStrings(rec.Accomplishments), encodeStrings(rec.Tags),
			nullString(rec.OCRText), encodeStrings(rec.FileNames),
			encodeStrings(rec.ErrorIndicators), nullString(rec.Raw),
			boolToInt(rec.Valid), boolToInt(rec.Grouped), rec.CreatedAt.UTC(),
			nullString(rec.ProjectName), encodeStrings(rec.People), encodeStrings(rec.Technologies),
		)
		if err != nil {
			return fmt.Errorf("failed to save analysis %s: %w", rec.SegmentID, err)
		}
		return nil
	})
}

func (s *Store) GetAnalysis(ctx context.Context, segmentID string) (*analysis.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM screenshot_analyses WHERE segment_id = ?`, segmentID)
	rec, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis %s: %w", segmentID, err)
	}
	return rec, nil
}

func (s *Store) AnalysesRange(ctx context.Context, start, end time.Time, validOnly bool) ([]analysis.Record, error) {
	query := `SELECT ` + analysisColumns + ` FROM screenshot_analyses
	          WHERE captured_at >= ? AND captured_at <= ?`
	if validOnly {
		query += ` AND valid = 1`
	}
	query += ` ORDER BY captured_at ASC`

	rows, err := s.db.QueryContext(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()
	return collectAnalyses(rows)
}

func (s *Store) UngroupedAnalyses(ctx context.Context, limit int) ([]analysis.Record, error) {
	query := `SELECT ` + analysisColumns + ` FROM screenshot_analyses
	          WHERE valid = 1 AND grouped = 0
	          ORDER BY captured_at ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ungrouped analyses: %w", err)
	}
	defer rows.Close()
	return collectAnalyses(rows)
}

func (s *Store) CountAnalyses(ctx context.Context) (int64, int64, error) {
	var total, invalid int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN valid = 0 THEN 1 ELSE 0 END), 0) FROM screenshot_analyses`)
	if err := row.Scan(&total, &invalid); err != nil {
		return 0, 0, fmt.Errorf("failed to count analyses: %w", err)
	}
	return total, invalid, nil
}

// markGrouped flips the grouped flag inside a session transaction.
func markGrouped(ctx context.Context, tx *sql.Tx, segmentID string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE screenshot_analyses SET grouped = 1 WHERE segment_id = ?`, segmentID); err != nil {
		return fmt.Errorf("failed to mark segment %s grouped: %w", segmentID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnalysis(row rowScanner) (*analysis.Record, error) {
	var (
		rec          analysis.Record
		appName      sql.NullString
		windowTitle  sql.NullString
		url          sql.NullString
		category     sql.NullString
		productivity sql.NullInt64
		focus        sql.NullString
		interaction  sql.NullString
		continuation int64
		description  sql.NullString
		summary      sql.NullString
		accomp       sql.NullString
		tags         sql.NullString
		ocrText      sql.NullString
		fileNames    sql.NullString
		errInd       sql.NullString
		raw          sql.NullString
		valid        int64
		grouped      int64
		projectName  sql.NullString
		people       sql.NullString
		technologies sql.NullString
	)
	err := row.Scan(&rec.SegmentID, &rec.CapturedAt, &appName, &windowTitle, &url,
		&category, &productivity, &focus, &interaction, &continuation,
		&description, &summary, &accomp, &tags, &ocrText, &fileNames, &errInd,
		&raw, &valid, &grouped, &rec.CreatedAt, &projectName, &people, &technologies)
	if err != nil {
		return nil, err
	}
	rec.AppName = appName.String
	rec.WindowTitle = windowTitle.String
	rec.URL = url.String
	rec.Category = analysis.Category(category.String)
	rec.Productivity = int(productivity.Int64)
	rec.Focus = analysis.FocusLevel(focus.String)
	rec.Interaction = analysis.Interaction(interaction.String)
	rec.Continuation = continuation != 0
	rec.Description = description.String
	rec.Summary = summary.String
	rec.Accomplishments = decodeStrings(accomp)
	rec.Tags = decodeStrings(tags)
	rec.OCRText = ocrText.String
	rec.FileNames = decodeStrings(fileNames)
	rec.ErrorIndicators = decodeStrings(errInd)
	rec.Raw = raw.String
	rec.Valid = valid != 0
	rec.Grouped = grouped != 0
	rec.ProjectName = projectName.String
	rec.People = decodeStrings(people)
	rec.Technologies = decodeStrings(technologies)
	return &rec, nil
}

func collectAnalyses(rows *sql.Rows) ([]analysis.Record, error) {
	var records []analysis.Record
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analysis rows: %w", err)
	}
	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
