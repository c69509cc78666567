package spool

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Times are stored as Unix nanoseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_errors (
		external_id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		description TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		task_name TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		saved_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pending_task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		saved_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_pending_task_events_timestamp
		ON pending_task_events(timestamp, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
