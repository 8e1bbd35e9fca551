package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"retrace/internal/activity"
	"retrace/internal/storage"
	"strings"
	"time"
)

const suggestionColumns = `id, trigger_kind, signature, priority, title, message,
	status, response, created_at, resolved_at`

func (s *Store) InsertSuggestion(ctx context.Context, sg *activity.Suggestion) error {
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	sg.Status = activity.SuggestionPending
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO suggestions (id, trigger_kind, signature, priority, title, message, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sg.ID, string(sg.Trigger), sg.Signature, string(sg.Priority),
			sg.Title, sg.Message, string(activity.SuggestionPending), sg.CreatedAt.UTC())
		if err != nil {
			// The partial unique index on pending signatures enforces the
			// rate-limit invariant at the schema level.
			if strings.Contains(err.Error(), "idx_suggestions_pending_signature") ||
				strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return storage.ErrDuplicateSignature
			}
			return fmt.Errorf("failed to insert suggestion: %w", err)
		}
		return nil
	})
}

func (s *Store) PendingSuggestions(ctx context.Context) ([]activity.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggestions
		 WHERE status = ?
		 ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, created_at ASC`,
		string(activity.SuggestionPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending suggestions: %w", err)
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

func (s *Store) ResolveSuggestion(ctx context.Context, id string, status activity.SuggestionStatus, response string, at time.Time) error {
	if status != activity.SuggestionAccepted && status != activity.SuggestionDismissed && status != activity.SuggestionExpired {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE suggestions SET status = ?, response = ?, resolved_at = ?
			 WHERE id = ? AND status = ?`,
			string(status), nullString(response), at.UTC(), id, string(activity.SuggestionPending))
		if err != nil {
			return fmt.Errorf("failed to resolve suggestion %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check suggestion resolve: %w", err)
		}
		if affected == 0 {
			var current string
			row := s.db.QueryRowContext(ctx, `SELECT status FROM suggestions WHERE id = ?`, id)
			if scanErr := row.Scan(&current); scanErr == sql.ErrNoRows {
				return storage.ErrNotFound
			} else if scanErr != nil {
				return fmt.Errorf("failed to check suggestion %s: %w", id, scanErr)
			}
			// Terminal statuses are final.
			return storage.ErrAlreadyResolved
		}
		return nil
	})
}

func (s *Store) ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE suggestions SET status = ?, resolved_at = ?
			 WHERE status = ? AND created_at < ?`,
			string(activity.SuggestionExpired), time.Now().UTC(),
			string(activity.SuggestionPending), cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to expire suggestions: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count expired suggestions: %w", err)
		}
		return nil
	})
	return affected, err
}

func (s *Store) LastResolvedAt(ctx context.Context, signature string) (time.Time, error) {
	var resolved sql.NullTime
	row := s.db.QueryRowContext(ctx,
		`SELECT MAX(resolved_at) FROM suggestions WHERE signature = ? AND status != ?`,
		signature, string(activity.SuggestionPending))
	if err := row.Scan(&resolved); err != nil {
		return time.Time{}, fmt.Errorf("failed to read last resolution of %q: %w", signature, err)
	}
	if !resolved.Valid {
		return time.Time{}, nil
	}
	return resolved.Time, nil
}

func collectSuggestions(rows *sql.Rows) ([]activity.Suggestion, error) {
	var suggestions []activity.Suggestion
	for rows.Next() {
		var (
			sg         activity.Suggestion
			trigger    string
			priority   string
			status     string
			response   sql.NullString
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&sg.ID, &trigger, &sg.Signature, &priority, &sg.Title,
			&sg.Message, &status, &response, &sg.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan suggestion row: %w", err)
		}
		sg.Trigger = activity.TriggerKind(trigger)
		sg.Priority = activity.Priority(priority)
		sg.Status = activity.SuggestionStatus(status)
		sg.Response = response.String
		sg.ResolvedAt = resolvedAt.Time
		suggestions = append(suggestions, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating suggestion rows: %w", err)
	}
	return suggestions, nil
}
