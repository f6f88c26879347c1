// Package reminder runs the daily sweep over active assignments: firing
// due reminder steps, escalating to managers and HR on the later steps,
// flipping past-due assignments to OVERDUE, and keeping each recipient's
// cross-campaign compliance profile current.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aegis-shield/campaign-engine/internal/config"
	"github.com/aegis-shield/campaign-engine/internal/database"
	"github.com/aegis-shield/campaign-engine/internal/event"
)

// Publisher is the event sink reminder notifications are announced on
type Publisher interface {
	Publish(ctx context.Context, eventType, orgID, campaignID string, data map[string]interface{})
}

// CampaignStore is the slice of campaign persistence the sweep needs
type CampaignStore interface {
	ListByStatus(ctx context.Context, status string) ([]*database.Campaign, error)
	IncrementCounters(ctx context.Context, id string, total, completed, overdue int) error
}

// AssignmentStore is the slice of assignment persistence the sweep needs
type AssignmentStore interface {
	ListOpenByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]*database.Assignment, error)
	RecordReminder(ctx context.Context, id string, newCount int, managerNotified bool) (bool, error)
	MarkOverdue(ctx context.Context, id string) (bool, error)
}

// Sequencer sweeps active campaigns once a day
type Sequencer struct {
	config         *config.Config
	logger         *slog.Logger
	cron           *cron.Cron
	campaignRepo   CampaignStore
	assignmentRepo AssignmentStore
	tracker        *ProfileTracker
	publisher      Publisher
	clock          func() time.Time
	mu             sync.Mutex
	lastSweep      time.Time
	remindersSent  int64
}

// NewSequencer creates a reminder sequencer. clock is injectable so tests
// can advance the simulated date; pass nil for wall time.
func NewSequencer(
	cfg *config.Config,
	logger *slog.Logger,
	campaignRepo CampaignStore,
	assignmentRepo AssignmentStore,
	tracker *ProfileTracker,
	publisher Publisher,
	clock func() time.Time,
) *Sequencer {
	if clock == nil {
		clock = time.Now
	}
	return &Sequencer{
		config:         cfg,
		logger:         logger,
		cron:           cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		campaignRepo:   campaignRepo,
		assignmentRepo: assignmentRepo,
		tracker:        tracker,
		publisher:      publisher,
		clock:          clock,
	}
}

// Start schedules the daily sweep
func (s *Sequencer) Start() error {
	if _, err := s.cron.AddFunc(s.config.Reminders.SweepSchedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("Reminder sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reminder sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Reminder sequencer started", "schedule", s.config.Reminders.SweepSchedule)
	return nil
}

// Stop halts the sweep schedule
func (s *Sequencer) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Reminder sequencer stopped")
}

// Sweep processes every active campaign once. Safe to run more than once
// per day: the reminder_count comparison makes re-runs no-ops. A day the
// sweep never ran on is simply skipped; offsets that only matched that day
// are never backfilled. That gap is deliberate, inherited behavior.
func (s *Sequencer) Sweep(ctx context.Context) error {
	started := s.clock()
	campaigns, err := s.campaignRepo.ListByStatus(ctx, database.CampaignStatusActive)
	if err != nil {
		return fmt.Errorf("failed to list active campaigns: %w", err)
	}

	var swept, fired int
	for _, campaign := range campaigns {
		f, err := s.sweepCampaign(ctx, campaign)
		if err != nil {
			s.logger.Error("Failed to sweep campaign",
				"campaign_id", campaign.ID,
				"error", err)
			continue
		}
		swept++
		fired += f
	}

	s.mu.Lock()
	s.lastSweep = started
	s.remindersSent += int64(fired)
	s.mu.Unlock()

	s.logger.Info("Reminder sweep completed",
		"campaigns", swept,
		"reminders_fired", fired,
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}

func (s *Sequencer) sweepCampaign(ctx context.Context, campaign *database.Campaign) (int, error) {
	batch := s.config.Reminders.SweepBatch
	if batch <= 0 {
		batch = 500
	}

	fired := 0
	for offset := 0; ; offset += batch {
		assignments, err := s.assignmentRepo.ListOpenByCampaign(ctx, campaign.ID, batch, offset)
		if err != nil {
			return fired, err
		}
		if len(assignments) == 0 {
			break
		}

		for _, assignment := range assignments {
			s.markOverdueIfPastDue(ctx, campaign, assignment)
			if s.fireDueStep(ctx, campaign, assignment) {
				fired++
			}
		}

		if len(assignments) < batch {
			break
		}
	}

	return fired, nil
}

// fireDueStep fires at most one reminder for the assignment: the config
// step whose offset matches today. The step's position in the sequence is
// compared against reminder_count, not a per-step flag, which is what makes
// re-running the sweep idempotent.
func (s *Sequencer) fireDueStep(ctx context.Context, campaign *database.Campaign, assignment *database.Assignment) bool {
	stepIndex, step := matchStep(campaign.ReminderSteps, s.clock(), assignment.DueDate)
	if step == nil {
		return false
	}
	if assignment.ReminderCount >= stepIndex+1 {
		// Already fired this step (or a later one) on a previous run
		return false
	}

	recorded, err := s.assignmentRepo.RecordReminder(ctx, assignment.ID, stepIndex+1, step.CCManager)
	if err != nil {
		s.logger.Error("Failed to record reminder",
			"assignment_id", assignment.ID,
			"error", err)
		return false
	}
	if !recorded {
		// A concurrent sweep won the conditional update
		return false
	}

	data := map[string]interface{}{
		"assignment_id": assignment.ID,
		"recipient_id":  assignment.RecipientID,
		"step_index":    stepIndex,
		"days_from_due": step.DaysFromDue,
		"cc_manager":    step.CCManager,
		"cc_hr":         step.CCHR,
	}
	if step.CCManager && assignment.Snapshot.ManagerID != "" {
		data["manager_id"] = assignment.Snapshot.ManagerID
	}
	s.publisher.Publish(ctx, event.TypeReminderDue, assignment.OrgID, campaign.ID, data)

	return true
}

// markOverdueIfPastDue flips an assignment past its due date to OVERDUE
// exactly once, updating campaign counters and the recipient's profile.
// Overdue assignments stay in the sweep so post-due reminder steps still
// fire for them.
func (s *Sequencer) markOverdueIfPastDue(ctx context.Context, campaign *database.Campaign, assignment *database.Assignment) {
	if assignment.Status == database.AssignmentStatusOverdue {
		return
	}
	if daysBetween(assignment.DueDate, s.clock()) <= 0 {
		return
	}

	marked, err := s.assignmentRepo.MarkOverdue(ctx, assignment.ID)
	if err != nil {
		s.logger.Error("Failed to mark assignment overdue",
			"assignment_id", assignment.ID,
			"error", err)
		return
	}
	if !marked {
		return
	}

	if err := s.campaignRepo.IncrementCounters(ctx, campaign.ID, 0, 0, 1); err != nil {
		s.logger.Error("Failed to bump overdue counter", "campaign_id", campaign.ID, "error", err)
	}
	if err := s.tracker.RecordMissedDeadline(ctx, assignment); err != nil {
		s.logger.Error("Failed to record missed deadline",
			"recipient_id", assignment.RecipientID,
			"error", err)
	}

	assignment.Status = database.AssignmentStatusOverdue
}

// matchStep finds the reminder step whose offset equals today's distance
// from the due date, along with its index in the sequence.
func matchStep(steps database.ReminderSteps, today, dueDate time.Time) (int, *database.ReminderStep) {
	daysFromDue := daysBetween(dueDate, today)
	for i := range steps {
		if steps[i].DaysFromDue == daysFromDue {
			return i, &steps[i]
		}
	}
	return -1, nil
}

// daysBetween returns whole calendar days from a to b, negative when b
// precedes a.
func daysBetween(a, b time.Time) int {
	aDay := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bDay := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bDay.Sub(aDay).Hours() / 24)
}

// GetStats returns sweep statistics for the status endpoint
func (s *Sequencer) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"last_sweep":     s.lastSweep,
		"reminders_sent": s.remindersSent,
		"schedule":       s.config.Reminders.SweepSchedule,
	}
}
