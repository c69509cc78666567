package spool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cognitedata/extractor-utils-go/internal/integration"
)

// Save appends reports to the spool. An error already in the spool is
// replaced by the newer view with the same external id.
func (s *SQLiteStore) Save(ctx context.Context, errs []integration.ExtractorError, updates []integration.TaskUpdate) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range errs {
		var endTime sql.NullInt64
		if e.EndTime != nil {
			endTime = sql.NullInt64{Int64: e.EndTime.UnixNano(), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pending_errors (external_id, level, description, details, task_name, start_time, end_time, saved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(external_id) DO UPDATE SET
				level = excluded.level,
				description = excluded.description,
				details = excluded.details,
				task_name = excluded.task_name,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				saved_at = CURRENT_TIMESTAMP
		`, e.ExternalID, string(e.Level), e.Description, e.Details, e.TaskName, e.StartTime.UnixNano(), endTime)
		if err != nil {
			return fmt.Errorf("failed to save error %s: %w", e.ExternalID, err)
		}
	}

	for _, u := range updates {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pending_task_events (type, name, timestamp, message)
			VALUES (?, ?, ?, ?)
		`, string(u.Type), u.Name, u.Timestamp.UnixNano(), u.Message)
		if err != nil {
			return fmt.Errorf("failed to save task event for %s: %w", u.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Load removes and returns everything in the spool. Task events are
// returned in time order.
func (s *SQLiteStore) Load(ctx context.Context) ([]integration.ExtractorError, []integration.TaskUpdate, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	errs, err := loadErrors(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	updates, err := loadTaskEvents(ctx, tx)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_errors`); err != nil {
		return nil, nil, fmt.Errorf("failed to clear pending errors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_task_events`); err != nil {
		return nil, nil, fmt.Errorf("failed to clear pending task events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return errs, updates, nil
}

// Pending returns how many errors and task events are spooled.
func (s *SQLiteStore) Pending(ctx context.Context) (errs int, updates int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_errors`).Scan(&errs); err != nil {
		return 0, 0, fmt.Errorf("failed to count pending errors: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_task_events`).Scan(&updates); err != nil {
		return 0, 0, fmt.Errorf("failed to count pending task events: %w", err)
	}
	return errs, updates, nil
}

func loadErrors(ctx context.Context, tx *sql.Tx) ([]integration.ExtractorError, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT external_id, level, description, details, task_name, start_time, end_time
		FROM pending_errors
		ORDER BY start_time, external_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending errors: %w", err)
	}
	defer rows.Close()

	var errs []integration.ExtractorError
	for rows.Next() {
		var (
			e         integration.ExtractorError
			level     string
			startTime int64
			endTime   sql.NullInt64
		)
		if err := rows.Scan(&e.ExternalID, &level, &e.Description, &e.Details, &e.TaskName, &startTime, &endTime); err != nil {
			return nil, fmt.Errorf("failed to scan pending error: %w", err)
		}
		e.Level = integration.Level(level)
		e.StartTime = time.Unix(0, startTime).UTC()
		if endTime.Valid {
			end := time.Unix(0, endTime.Int64).UTC()
			e.EndTime = &end
		}
		errs = append(errs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending errors: %w", err)
	}
	return errs, nil
}

func loadTaskEvents(ctx context.Context, tx *sql.Tx) ([]integration.TaskUpdate, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT type, name, timestamp, message
		FROM pending_task_events
		ORDER BY timestamp, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending task events: %w", err)
	}
	defer rows.Close()

	var updates []integration.TaskUpdate
	for rows.Next() {
		var (
			u   integration.TaskUpdate
			typ string
			ts  int64
		)
		if err := rows.Scan(&typ, &u.Name, &ts, &u.Message); err != nil {
			return nil, fmt.Errorf("failed to scan pending task event: %w", err)
		}
		u.Type = integration.TaskUpdateType(typ)
		u.Timestamp = time.Unix(0, ts).UTC()
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending task events: %w", err)
	}
	return updates, nil
}
