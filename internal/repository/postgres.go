// Package repository provides PostgreSQL persistence for telemetry tasks and
// their failed collection attempts.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/lib/pq"
	"github.com/nadmax/telemetryd/internal/task"
	"github.com/rs/zerolog"
)

const (
	taskColumns = `
		id, storage_id, method, args, interval_sec,
		job_id, executor, last_run_time, deleted,
		created_at, updated_at`
	failedTaskColumns = `
		id, task_id, job_id, method, retry_count, result,
		start_time, end_time, interval_sec, executor, deleted,
		created_at, updated_at`
)

type PostgresRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

type scanner interface {
	Scan(dest ...any) error
}

func NewPostgresRepository(connectionString string, log zerolog.Logger) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db, log: log}, nil
}

func (r *PostgresRepository) CreateTask(ctx context.Context, t *task.Task) error {
	args, err := sonic.Marshal(t.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, storage_id, method, args, interval_sec,
			job_id, executor, last_run_time, deleted,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.StorageID,
		t.Method,
		args,
		t.Interval,
		nullString(t.JobID),
		nullString(t.Executor),
		nullInt64(t.LastRunTime),
		t.Deleted,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `SELECT` + taskColumns + `
		FROM tasks
		WHERE id = $1
	`

	t, err := scanTask(r.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}

	return t, err
}

func (r *PostgresRepository) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.StorageID != "" {
		add("storage_id = $%d", filter.StorageID)
	}
	if filter.Executor != "" {
		add("executor = $%d", filter.Executor)
	}
	if filter.Unassigned {
		conds = append(conds, "executor IS NULL")
	}
	if filter.Deleted != nil {
		add("deleted = $%d", *filter.Deleted)
	}

	query := `SELECT` + taskColumns + `
		FROM tasks`
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	query += "\n\t\tORDER BY created_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Error().Err(err).Msg("failed to close rows")
		}
	}()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (r *PostgresRepository) UpdateTaskJobID(ctx context.Context, taskID, jobID string) error {
	query := `
		UPDATE tasks
		SET job_id = $1, updated_at = NOW()
		WHERE id = $2
	`

	return r.execOne(ctx, ErrTaskNotFound, query, nullString(jobID), taskID)
}

func (r *PostgresRepository) UpdateTaskLastRunTime(ctx context.Context, taskID string, lastRunTime int64) error {
	query := `
		UPDATE tasks
		SET last_run_time = $1, updated_at = NOW()
		WHERE id = $2
	`

	return r.execOne(ctx, ErrTaskNotFound, query, nullInt64(lastRunTime), taskID)
}

func (r *PostgresRepository) UpdateTaskExecutor(ctx context.Context, taskID, executor string) error {
	query := `
		UPDATE tasks
		SET executor = $1, updated_at = NOW()
		WHERE id = $2
	`

	return r.execOne(ctx, ErrTaskNotFound, query, nullString(executor), taskID)
}

func (r *PostgresRepository) ClearTaskOwner(ctx context.Context, taskID string) error {
	query := `
		UPDATE tasks
		SET executor = NULL, job_id = NULL, updated_at = NOW()
		WHERE id = $1
	`

	return r.execOne(ctx, ErrTaskNotFound, query, taskID)
}

func (r *PostgresRepository) SoftDeleteTask(ctx context.Context, taskID string) error {
	query := `
		UPDATE tasks
		SET deleted = TRUE, updated_at = NOW()
		WHERE id = $1
	`

	return r.execOne(ctx, ErrTaskNotFound, query, taskID)
}

func (r *PostgresRepository) DeleteTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

func (r *PostgresRepository) CreateFailedTask(ctx context.Context, f *task.FailedTask) error {
	query := `
		INSERT INTO failed_tasks (
			id, task_id, job_id, method, retry_count, result,
			start_time, end_time, interval_sec, executor, deleted,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		f.ID,
		f.TaskID,
		nullString(f.JobID),
		f.Method,
		f.RetryCount,
		string(f.Result),
		f.StartTime,
		f.EndTime,
		f.Interval,
		nullString(f.Executor),
		f.Deleted,
		f.CreatedAt,
		f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert failed task: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetFailedTask(ctx context.Context, failedTaskID string) (*task.FailedTask, error) {
	query := `SELECT` + failedTaskColumns + `
		FROM failed_tasks
		WHERE id = $1
	`

	f, err := scanFailedTask(r.db.QueryRowContext(ctx, query, failedTaskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFailedTaskNotFound
	}

	return f, err
}

func (r *PostgresRepository) ListFailedTasks(ctx context.Context, filter FailedTaskFilter) ([]*task.FailedTask, error) {
	var (
		conds []string
		args  []any
	)
	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		conds = append(conds, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if filter.Executor != "" {
		args = append(args, filter.Executor)
		conds = append(conds, fmt.Sprintf("executor = $%d", len(args)))
	}
	if !filter.IncludeDeleted {
		conds = append(conds, "deleted = FALSE")
	}

	query := `SELECT` + failedTaskColumns + `
		FROM failed_tasks`
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	query += "\n\t\tORDER BY created_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed tasks: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Error().Err(err).Msg("failed to close rows")
		}
	}()

	var failed []*task.FailedTask
	for rows.Next() {
		f, err := scanFailedTask(rows)
		if err != nil {
			return nil, err
		}

		failed = append(failed, f)
	}

	return failed, rows.Err()
}

func (r *PostgresRepository) UpdateFailedTaskJobID(ctx context.Context, failedTaskID, jobID string) error {
	query := `
		UPDATE failed_tasks
		SET job_id = $1, updated_at = NOW()
		WHERE id = $2
	`

	return r.execOne(ctx, ErrFailedTaskNotFound, query, nullString(jobID), failedTaskID)
}

// UpdateFailedTaskResult never lowers retry_count.
func (r *PostgresRepository) UpdateFailedTaskResult(ctx context.Context, failedTaskID string, retryCount int, result task.Result) error {
	query := `
		UPDATE failed_tasks
		SET retry_count = GREATEST(retry_count, $1),
		    result = $2,
		    updated_at = NOW()
		WHERE id = $3
	`

	return r.execOne(ctx, ErrFailedTaskNotFound, query, retryCount, string(result), failedTaskID)
}

func (r *PostgresRepository) DeleteFailedTask(ctx context.Context, failedTaskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_tasks WHERE id = $1`, failedTaskID)
	if err != nil {
		return fmt.Errorf("failed to delete failed task: %w", err)
	}

	return nil
}

func (r *PostgresRepository) DeleteFailedTasksByTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete failed tasks of task: %w", err)
	}

	return nil
}

func (r *PostgresRepository) UpdateFailedTasksExecutor(ctx context.Context, taskID, executor string) error {
	query := `
		UPDATE failed_tasks
		SET executor = $1, job_id = NULL, updated_at = NOW()
		WHERE task_id = $2
	`

	_, err := r.db.ExecContext(ctx, query, nullString(executor), taskID)
	if err != nil {
		return fmt.Errorf("failed to move failed tasks of task: %w", err)
	}

	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) execOne(ctx context.Context, notFound error, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}

	return nil
}

func scanTask(s scanner) (*task.Task, error) {
	var t task.Task
	var args []byte
	var jobID, executor sql.NullString
	var lastRunTime sql.NullInt64

	if err := s.Scan(
		&t.ID,
		&t.StorageID,
		&t.Method,
		&args,
		&t.Interval,
		&jobID,
		&executor,
		&lastRunTime,
		&t.Deleted,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(args) > 0 {
		if err := sonic.Unmarshal(args, &t.Args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal args: %w", err)
		}
	}

	t.JobID = jobID.String
	t.Executor = executor.String
	t.LastRunTime = lastRunTime.Int64

	return &t, nil
}

func scanFailedTask(s scanner) (*task.FailedTask, error) {
	var f task.FailedTask
	var result string
	var jobID, executor sql.NullString

	if err := s.Scan(
		&f.ID,
		&f.TaskID,
		&jobID,
		&f.Method,
		&f.RetryCount,
		&result,
		&f.StartTime,
		&f.EndTime,
		&f.Interval,
		&executor,
		&f.Deleted,
		&f.CreatedAt,
		&f.UpdatedAt,
	); err != nil {
		return nil, err
	}

	f.Result = task.Result(result)
	f.JobID = jobID.String
	f.Executor = executor.String

	return &f, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}

	return v
}
