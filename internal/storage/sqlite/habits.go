package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"retrace/internal/activity"
	"retrace/internal/storage"
	"time"
)

const habitColumns = `id, name, kind, signature, confidence, frequency, trigger_condition,
	typical_time, last_seen, occurrences, artifact_path, created_at, updated_at`

func (s *Store) UpsertHabit(ctx context.Context, h *activity.Habit) (bool, error) {
	now := time.Now().UTC()
	var changed bool
	err := withRetry(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			var (
				id             int64
				prevConfidence float64
				prevOccurrence int
				createdAt      time.Time
			)
			row := tx.QueryRowContext(ctx,
				`SELECT id, confidence, occurrences, created_at FROM habits WHERE kind = ? AND signature = ?`,
				string(h.Kind), h.Signature)
			err := row.Scan(&id, &prevConfidence, &prevOccurrence, &createdAt)
			switch {
			case err == sql.ErrNoRows:
				res, err := tx.ExecContext(ctx,
					`INSERT INTO habits
					 (name, kind, signature, confidence, frequency, trigger_condition, typical_time,
					  last_seen, occurrences, artifact_path, created_at, updated_at)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					h.Name, string(h.Kind), h.Signature, h.Confidence, nullString(h.Frequency),
					nullString(h.TriggerCondition), nullString(h.TypicalTime), nullTime(h.LastSeen),
					h.Occurrences, nullString(h.ArtifactPath), now, now)
				if err != nil {
					return fmt.Errorf("failed to insert habit %q: %w", h.Signature, err)
				}
				id, err = res.LastInsertId()
				if err != nil {
					return fmt.Errorf("failed to get habit id: %w", err)
				}
				h.ID = id
				h.CreatedAt = now
				h.UpdatedAt = now
				changed = true
				return nil
			case err != nil:
				return fmt.Errorf("failed to look up habit %q: %w", h.Signature, err)
			}

			// Re-detection updates the same row rather than duplicating.
			if _, err := tx.ExecContext(ctx,
				`UPDATE habits
				 SET name = ?, confidence = ?, frequency = ?, trigger_condition = ?, typical_time = ?,
				     last_seen = ?, occurrences = ?, artifact_path = ?, updated_at = ?
				 WHERE id = ?`,
				h.Name, h.Confidence, nullString(h.Frequency), nullString(h.TriggerCondition),
				nullString(h.TypicalTime), nullTime(h.LastSeen), h.Occurrences,
				nullString(h.ArtifactPath), now, id); err != nil {
				return fmt.Errorf("failed to update habit %q: %w", h.Signature, err)
			}
			h.ID = id
			h.CreatedAt = createdAt
			h.UpdatedAt = now
			changed = prevOccurrence != h.Occurrences || math.Abs(prevConfidence-h.Confidence) > 1e-9
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *Store) GetHabits(ctx context.Context, minConfidence float64) ([]activity.Habit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+habitColumns+` FROM habits WHERE confidence >= ? ORDER BY confidence DESC`, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	defer rows.Close()
	return collectHabits(rows)
}

func (s *Store) HabitsSeenInRange(ctx context.Context, start, end time.Time) ([]activity.Habit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+habitColumns+` FROM habits
		 WHERE last_seen IS NOT NULL AND last_seen >= ? AND last_seen <= ?
		 ORDER BY confidence DESC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query habits in range: %w", err)
	}
	defer rows.Close()
	return collectHabits(rows)
}

func (s *Store) GetHabitBySignature(ctx context.Context, kind activity.HabitKind, signature string) (*activity.Habit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+habitColumns+` FROM habits WHERE kind = ? AND signature = ?`,
		string(kind), signature)
	h, err := scanHabit(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get habit %q: %w", signature, err)
	}
	return h, nil
}

func scanHabit(row rowScanner) (*activity.Habit, error) {
	var (
		h            activity.Habit
		kind         string
		frequency    sql.NullString
		trigger      sql.NullString
		typicalTime  sql.NullString
		lastSeen     sql.NullTime
		artifactPath sql.NullString
	)
	err := row.Scan(&h.ID, &h.Name, &kind, &h.Signature, &h.Confidence, &frequency,
		&trigger, &typicalTime, &lastSeen, &h.Occurrences, &artifactPath,
		&h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	h.Kind = activity.HabitKind(kind)
	h.Frequency = frequency.String
	h.TriggerCondition = trigger.String
	h.TypicalTime = typicalTime.String
	h.LastSeen = lastSeen.Time
	h.ArtifactPath = artifactPath.String
	return &h, nil
}

func collectHabits(rows *sql.Rows) ([]activity.Habit, error) {
	var habits []activity.Habit
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan habit row: %w", err)
		}
		habits = append(habits, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating habit rows: %w", err)
	}
	return habits, nil
}
