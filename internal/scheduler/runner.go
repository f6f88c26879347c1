package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aegis-shield/campaign-engine/internal/config"
	"github.com/aegis-shield/campaign-engine/internal/database"
	"github.com/aegis-shield/campaign-engine/internal/event"
)

// TaskHandler executes one claimed task. A returned error means the task is
// retried with backoff until its attempt cap.
type TaskHandler func(ctx context.Context, task *database.ScheduledTask) error

// Publisher is the event sink failures are reported on
type Publisher interface {
	Publish(ctx context.Context, eventType, orgID, campaignID string, data map[string]interface{})
}

// TaskStore is the slice of task persistence the runner needs
type TaskStore interface {
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*database.ScheduledTask, error)
	MarkDone(ctx context.Context, id string) error
	ScheduleRetry(ctx context.Context, task *database.ScheduledTask, taskErr error, retryAt time.Time) (bool, error)
}

// Runner polls the task table for due work and dispatches it by task type.
// Multiple runner processes may poll the same table; the claim query hands
// each task to exactly one of them.
type Runner struct {
	config       *config.Config
	logger       *slog.Logger
	cron         *cron.Cron
	taskRepo     TaskStore
	publisher    Publisher
	handlers     map[string]TaskHandler
	handlersMu   sync.RWMutex
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	executed     int64
	failed       int64
}

// NewRunner creates a task runner
func NewRunner(cfg *config.Config, logger *slog.Logger, taskRepo TaskStore, publisher Publisher) *Runner {
	return &Runner{
		config:       cfg,
		logger:       logger,
		cron:         cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		taskRepo:     taskRepo,
		publisher:    publisher,
		handlers:     make(map[string]TaskHandler),
		shutdownChan: make(chan struct{}),
	}
}

// Register binds a handler to a task type. Registration happens during
// startup wiring, before Start.
func (r *Runner) Register(taskType string, handler TaskHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[taskType] = handler
}

// Start begins polling for due tasks
func (r *Runner) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", r.config.Scheduler.PollInterval)
	if _, err := r.cron.AddFunc(spec, func() { r.poll(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule task poller: %w", err)
	}

	r.cron.Start()
	r.logger.Info("Task runner started", "poll_interval", r.config.Scheduler.PollInterval)
	return nil
}

// Stop drains the poller
func (r *Runner) Stop() {
	r.logger.Info("Stopping task runner")

	stopCtx := r.cron.Stop()
	<-stopCtx.Done()

	close(r.shutdownChan)
	r.wg.Wait()

	r.logger.Info("Task runner stopped")
}

func (r *Runner) poll(ctx context.Context) {
	now := time.Now()
	tasks, err := r.taskRepo.ClaimDue(ctx, now, now.Add(-r.claimLease()), r.config.Scheduler.ClaimBatch)
	if err != nil {
		r.logger.Error("Task poll failed", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	r.logger.Debug("Claimed due tasks", "count", len(tasks))
	for _, task := range tasks {
		r.execute(ctx, task)
	}
}

func (r *Runner) execute(ctx context.Context, task *database.ScheduledTask) {
	r.handlersMu.RLock()
	handler, ok := r.handlers[task.TaskType]
	r.handlersMu.RUnlock()

	if !ok {
		r.logger.Error("No handler for task type, dropping",
			"task_type", task.TaskType,
			"task_id", task.ID)
		r.failTask(ctx, task, fmt.Errorf("no handler registered for %s", task.TaskType))
		return
	}

	start := time.Now()
	err := handler(ctx, task)
	if err == nil {
		r.executed++
		if markErr := r.taskRepo.MarkDone(ctx, task.ID); markErr != nil {
			r.logger.Error("Failed to mark task done", "task_id", task.ID, "error", markErr)
		}
		r.logger.Info("Task executed",
			"task_id", task.ID,
			"task_type", task.TaskType,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}

	r.failTask(ctx, task, err)
}

// failTask schedules a retry with exponential backoff, or routes a
// permanently-failed task to the failure event for operator visibility.
// The campaign stays in its last-known-consistent status either way.
func (r *Runner) failTask(ctx context.Context, task *database.ScheduledTask, taskErr error) {
	retryAt := time.Now().Add(r.backoff(task.Attempts))
	retrying, err := r.taskRepo.ScheduleRetry(ctx, task, taskErr, retryAt)
	if err != nil {
		r.logger.Error("Failed to record task failure", "task_id", task.ID, "error", err)
		return
	}
	if retrying {
		return
	}

	r.failed++
	orgID, _ := task.Payload["org_id"].(string)
	campaignID, _ := task.Payload["campaign_id"].(string)
	r.publisher.Publish(ctx, event.TypeLaunchFailed, orgID, campaignID, map[string]interface{}{
		"task_type": task.TaskType,
		"attempts":  task.Attempts,
		"error":     taskErr.Error(),
	})
}

// claimLease is how long a RUNNING claim stays exclusive. A worker that
// dies mid-task forfeits the task to another poller once the lease lapses.
func (r *Runner) claimLease() time.Duration {
	if lease := r.config.Scheduler.ClaimLease; lease > 0 {
		return lease
	}
	return 5 * time.Minute
}

// backoff doubles per attempt from the configured base, capped at the
// configured maximum.
func (r *Runner) backoff(attempts int) time.Duration {
	base := r.config.Scheduler.RetryBackoff
	if base <= 0 {
		base = time.Minute
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	if max := r.config.Scheduler.MaxRetryDelay; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// GetStats returns runner statistics for the status endpoint
func (r *Runner) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"tasks_executed": r.executed,
		"tasks_failed":   r.failed,
		"poll_interval":  r.config.Scheduler.PollInterval.String(),
	}
}
