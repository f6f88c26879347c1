package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-shield/campaign-engine/internal/config"
	"github.com/aegis-shield/campaign-engine/internal/database"
)

type fakeTaskStore struct {
	tasks []*database.ScheduledTask
	done  []string
}

func (f *fakeTaskStore) ClaimDue(_ context.Context, now, staleBefore time.Time, limit int) ([]*database.ScheduledTask, error) {
	var out []*database.ScheduledTask
	for _, task := range f.tasks {
		due := task.Status == database.TaskStatusPending && !task.FireAt.After(now)
		stale := task.Status == database.TaskStatusRunning &&
			task.ClaimedAt != nil && task.ClaimedAt.Before(staleBefore)
		if !due && !stale {
			continue
		}
		task.Status = database.TaskStatusRunning
		claimed := now
		task.ClaimedAt = &claimed
		out = append(out, task)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTaskStore) MarkDone(_ context.Context, id string) error {
	f.done = append(f.done, id)
	for _, task := range f.tasks {
		if task.ID == id {
			task.Status = database.TaskStatusDone
		}
	}
	return nil
}

func (f *fakeTaskStore) ScheduleRetry(_ context.Context, task *database.ScheduledTask, _ error, _ time.Time) (bool, error) {
	task.Attempts++
	return task.Attempts < task.MaxAttempts, nil
}

type nopEventSink struct{}

func (nopEventSink) Publish(_ context.Context, _, _, _ string, _ map[string]interface{}) {}

func runningTask(id string, claimedAgo time.Duration) *database.ScheduledTask {
	claimed := time.Now().Add(-claimedAgo)
	return &database.ScheduledTask{
		ID:          id,
		TaskType:    TaskTypeCampaignLaunch,
		Status:      database.TaskStatusRunning,
		FireAt:      claimed,
		ClaimedAt:   &claimed,
		MaxAttempts: 3,
		Payload:     database.JSONB{"campaign_id": "c1", "org_id": "org-1"},
	}
}

func TestPollReclaimsStaleRunningTask(t *testing.T) {
	cfg := &config.Config{}
	cfg.Scheduler.ClaimBatch = 10
	cfg.Scheduler.ClaimLease = 5 * time.Minute

	// One claim died mid-task ten minutes ago, one is still live
	store := &fakeTaskStore{tasks: []*database.ScheduledTask{
		runningTask("stale", 10*time.Minute),
		runningTask("live", time.Minute),
	}}
	r := NewRunner(cfg, slog.Default(), store, nopEventSink{})

	var handled []string
	r.Register(TaskTypeCampaignLaunch, func(_ context.Context, task *database.ScheduledTask) error {
		handled = append(handled, task.ID)
		return nil
	})

	r.poll(context.Background())

	require.Equal(t, []string{"stale"}, handled)
	assert.Equal(t, []string{"stale"}, store.done)
	assert.Equal(t, database.TaskStatusRunning, store.tasks[1].Status)
}

func TestClaimLeaseDefault(t *testing.T) {
	r := &Runner{config: &config.Config{}}
	assert.Equal(t, 5*time.Minute, r.claimLease())

	r.config.Scheduler.ClaimLease = 90 * time.Second
	assert.Equal(t, 90*time.Second, r.claimLease())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := &config.Config{}
	cfg.Scheduler.RetryBackoff = 30 * time.Second
	cfg.Scheduler.MaxRetryDelay = 5 * time.Minute
	r := &Runner{config: cfg}

	assert.Equal(t, 30*time.Second, r.backoff(0))
	assert.Equal(t, time.Minute, r.backoff(1))
	assert.Equal(t, 2*time.Minute, r.backoff(2))
	assert.Equal(t, 4*time.Minute, r.backoff(3))
	assert.Equal(t, 5*time.Minute, r.backoff(4))
	assert.Equal(t, 5*time.Minute, r.backoff(10))
}

func TestBackoffDefaultsBase(t *testing.T) {
	r := &Runner{config: &config.Config{}}
	assert.Equal(t, time.Minute, r.backoff(0))
	assert.Equal(t, 2*time.Minute, r.backoff(1))
}
