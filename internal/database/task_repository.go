package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// TaskRepository backs the durable deferred-task queue
type TaskRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db *sqlx.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Enqueue inserts a pending task. A duplicate idempotency key is swallowed:
// scheduling the same wave twice must not produce two launches.
func (r *TaskRepository) Enqueue(ctx context.Context, task *ScheduledTask) error {
	query := `
		INSERT INTO scheduled_tasks (
			id, idempotency_key, task_type, payload, fire_at, status,
			attempts, max_attempts, last_error, next_retry_at, created_at, updated_at
		) VALUES (
			:id, :idempotency_key, :task_type, :payload, :fire_at, :status,
			:attempts, :max_attempts, :last_error, :next_retry_at, :created_at, :updated_at
		)`

	task.CreatedAt = time.Now()
	task.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, task)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			r.logger.Debug("Task already enqueued", "idempotency_key", task.IdempotencyKey)
			return nil
		}
		r.logger.Error("Failed to enqueue task", "idempotency_key", task.IdempotencyKey, "error", err)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

// ClaimDue atomically claims up to limit due tasks for this worker by
// flipping them PENDING→RUNNING and stamping claimed_at. Two concurrent
// pollers never claim the same task. A RUNNING task whose claim is older
// than staleBefore belonged to a worker that died mid-execution; it is
// reclaimed here, and the executors' status guards absorb any duplicate
// delivery the re-run produces.
func (r *TaskRepository) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*ScheduledTask, error) {
	query := `
		UPDATE scheduled_tasks SET status = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_tasks
			WHERE (status = $2
			       AND fire_at <= $3
			       AND (next_retry_at IS NULL OR next_retry_at <= $3))
			   OR (status = $1 AND claimed_at < $4)
			ORDER BY fire_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`

	var tasks []*ScheduledTask
	err := r.db.SelectContext(ctx, &tasks, query, TaskStatusRunning, TaskStatusPending, now, staleBefore, limit)
	if err != nil {
		r.logger.Error("Failed to claim due tasks", "error", err)
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}

	return tasks, nil
}

// MarkDone finishes a task successfully
func (r *TaskRepository) MarkDone(ctx context.Context, id string) error {
	query := `UPDATE scheduled_tasks SET status = $1, updated_at = NOW() WHERE id = $2`

	if _, err := r.db.ExecContext(ctx, query, TaskStatusDone, id); err != nil {
		return fmt.Errorf("failed to mark task done: %w", err)
	}

	return nil
}

// ScheduleRetry records a failed attempt and re-queues the task for a later
// retry, or marks it FAILED once attempts are exhausted. Returns true while
// the task still has attempts left.
func (r *TaskRepository) ScheduleRetry(ctx context.Context, task *ScheduledTask, taskErr error, retryAt time.Time) (bool, error) {
	task.Attempts++
	errMsg := taskErr.Error()

	if task.Attempts >= task.MaxAttempts {
		query := `
			UPDATE scheduled_tasks SET
				status = $1, attempts = $2, last_error = $3, updated_at = NOW()
			WHERE id = $4`
		if _, err := r.db.ExecContext(ctx, query, TaskStatusFailed, task.Attempts, errMsg, task.ID); err != nil {
			return false, fmt.Errorf("failed to mark task failed: %w", err)
		}
		r.logger.Error("Task permanently failed",
			"task_id", task.ID,
			"idempotency_key", task.IdempotencyKey,
			"attempts", task.Attempts,
			"error", errMsg)
		return false, nil
	}

	query := `
		UPDATE scheduled_tasks SET
			status = $1, attempts = $2, last_error = $3, next_retry_at = $4, updated_at = NOW()
		WHERE id = $5`
	if _, err := r.db.ExecContext(ctx, query, TaskStatusPending, task.Attempts, errMsg, retryAt, task.ID); err != nil {
		return false, fmt.Errorf("failed to schedule task retry: %w", err)
	}

	r.logger.Warn("Task retry scheduled",
		"task_id", task.ID,
		"attempt", task.Attempts,
		"retry_at", retryAt,
		"error", errMsg)
	return true, nil
}

// CancelByKeyPrefix removes not-yet-fired tasks whose idempotency key starts
// with prefix. Rows are deleted rather than tombstoned so the idempotency
// keys are free for a later re-schedule. Fired tasks are untouched; racing
// an in-flight execution is resolved by the executor's own guards, not here.
func (r *TaskRepository) CancelByKeyPrefix(ctx context.Context, prefix string) (int64, error) {
	query := `
		DELETE FROM scheduled_tasks
		WHERE idempotency_key LIKE $1 AND status = $2`

	result, err := r.db.ExecContext(ctx, query, prefix+"%", TaskStatusPending)
	if err != nil {
		r.logger.Error("Failed to cancel tasks", "key_prefix", prefix, "error", err)
		return 0, fmt.Errorf("failed to cancel tasks: %w", err)
	}

	return result.RowsAffected()
}

// GetByKey retrieves a task by idempotency key
func (r *TaskRepository) GetByKey(ctx context.Context, key string) (*ScheduledTask, error) {
	query := `SELECT * FROM scheduled_tasks WHERE idempotency_key = $1`

	var task ScheduledTask
	err := r.db.GetContext(ctx, &task, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task by key: %w", err)
	}

	return &task, nil
}
