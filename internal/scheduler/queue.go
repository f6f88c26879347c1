package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-shield/campaign-engine/internal/database"
)

// Task types carried on the queue
const (
	TaskTypeCampaignLaunch = "campaign.launch"
	TaskTypeWaveLaunch     = "wave.launch"
)

// TaskQueue is the durable deferred-execution contract. Enqueue with an
// already-used idempotency key is a no-op; Cancel of a fired task is a
// no-op. Any implementation honoring those two rules can back the engine.
type TaskQueue interface {
	Enqueue(ctx context.Context, key, taskType string, payload map[string]interface{}, fireAt time.Time) error
	Cancel(ctx context.Context, keyPrefix string) (int64, error)
}

// PostgresQueue is the production TaskQueue: one row per task, claimed by
// polling workers with conditional updates. Tasks survive process restarts
// because nothing about them lives in memory.
type PostgresQueue struct {
	logger      *slog.Logger
	taskRepo    *database.TaskRepository
	maxAttempts int
}

// NewPostgresQueue creates a Postgres-backed task queue
func NewPostgresQueue(logger *slog.Logger, taskRepo *database.TaskRepository, maxAttempts int) *PostgresQueue {
	return &PostgresQueue{
		logger:      logger,
		taskRepo:    taskRepo,
		maxAttempts: maxAttempts,
	}
}

// Enqueue persists one deferred task
func (q *PostgresQueue) Enqueue(ctx context.Context, key, taskType string, payload map[string]interface{}, fireAt time.Time) error {
	task := &database.ScheduledTask{
		ID:             uuid.New().String(),
		IdempotencyKey: key,
		TaskType:       taskType,
		Payload:        payload,
		FireAt:         fireAt,
		Status:         database.TaskStatusPending,
		MaxAttempts:    q.maxAttempts,
	}

	if err := q.taskRepo.Enqueue(ctx, task); err != nil {
		return err
	}

	q.logger.Debug("Task enqueued",
		"idempotency_key", key,
		"task_type", taskType,
		"fire_at", fireAt)
	return nil
}

// Cancel removes all pending tasks under the key prefix
func (q *PostgresQueue) Cancel(ctx context.Context, keyPrefix string) (int64, error) {
	return q.taskRepo.CancelByKeyPrefix(ctx, keyPrefix)
}
