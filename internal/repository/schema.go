package repository

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	storage_id    TEXT NOT NULL,
	method        TEXT NOT NULL,
	args          JSONB NOT NULL DEFAULT '{}',
	interval_sec  INTEGER NOT NULL CHECK (interval_sec > 0),
	job_id        TEXT,
	executor      TEXT,
	last_run_time BIGINT,
	deleted       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tasks_storage_id ON tasks (storage_id);
CREATE INDEX IF NOT EXISTS idx_tasks_executor ON tasks (executor);

CREATE TABLE IF NOT EXISTS failed_tasks (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	job_id      TEXT,
	method      TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	result      TEXT NOT NULL DEFAULT 'Init',
	start_time  BIGINT NOT NULL,
	end_time    BIGINT NOT NULL,
	interval_sec INTEGER NOT NULL CHECK (interval_sec > 0),
	executor    TEXT,
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_failed_tasks_task_id ON failed_tasks (task_id);
CREATE INDEX IF NOT EXISTS idx_failed_tasks_executor ON failed_tasks (executor);
`

// Migrate creates the tasks and failed_tasks tables when missing.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	return nil
}
