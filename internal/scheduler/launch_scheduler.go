// Package scheduler owns deferred execution: the durable task queue, the
// polling runner, and the launch scheduler that turns a rollout
// configuration into persisted waves plus one queued task per wave.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-shield/campaign-engine/internal/apperrors"
	"github.com/aegis-shield/campaign-engine/internal/audience"
	"github.com/aegis-shield/campaign-engine/internal/database"
	"github.com/aegis-shield/campaign-engine/internal/rollout"
)

// ScheduleDetails reports the persisted wave plan back to the caller
type ScheduleDetails struct {
	CampaignID string           `json:"campaign_id"`
	Waves      []*database.Wave `json:"waves"`
}

// CampaignStore is the slice of campaign persistence scheduling needs
type CampaignStore interface {
	GetByID(ctx context.Context, orgID, id string) (*database.Campaign, error)
	UpdateStatus(ctx context.Context, id, fromStatus, toStatus string) (bool, error)
}

// WaveStore is the slice of wave persistence scheduling needs
type WaveStore interface {
	Create(ctx context.Context, wave *database.Wave) error
	ListByCampaign(ctx context.Context, campaignID string) ([]*database.Wave, error)
	CancelPending(ctx context.Context, campaignID string) (int64, error)
	DeleteByCampaign(ctx context.Context, campaignID string) error
}

// BlackoutStore lists an organization's blackout windows
type BlackoutStore interface {
	ListByOrg(ctx context.Context, orgID string) ([]*database.BlackoutDate, error)
}

// LaunchScheduler persists wave plans and enqueues their launch tasks
type LaunchScheduler struct {
	logger       *slog.Logger
	campaignRepo CampaignStore
	waveRepo     WaveStore
	blackoutRepo BlackoutStore
	planner      *rollout.Planner
	evaluator    *audience.Evaluator
	queue        TaskQueue
}

// NewLaunchScheduler creates a launch scheduler
func NewLaunchScheduler(
	logger *slog.Logger,
	campaignRepo CampaignStore,
	waveRepo WaveStore,
	blackoutRepo BlackoutStore,
	planner *rollout.Planner,
	evaluator *audience.Evaluator,
	queue TaskQueue,
) *LaunchScheduler {
	return &LaunchScheduler{
		logger:       logger,
		campaignRepo: campaignRepo,
		waveRepo:     waveRepo,
		blackoutRepo: blackoutRepo,
		planner:      planner,
		evaluator:    evaluator,
		queue:        queue,
	}
}

// waveKey builds the deterministic idempotency key for one wave's launch
// task. Scheduling the same wave twice can only ever produce one task.
func waveKey(campaignID string, waveNumber int) string {
	return fmt.Sprintf("%s:wave:%d", campaignID, waveNumber)
}

func campaignKey(campaignID string) string {
	return fmt.Sprintf("%s:launch", campaignID)
}

// ScheduleLaunch plans a campaign's staggered rollout and defers each wave.
// Scheduling in the past is a validation error, never an implicit immediate
// launch. Waves are persisted PENDING before any task exists, so a crash
// between the two still leaves a recoverable plan.
func (s *LaunchScheduler) ScheduleLaunch(ctx context.Context, orgID, campaignID string, at time.Time, plan *database.RolloutPlan) (*ScheduleDetails, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, apperrors.NewNotFound("campaign", campaignID)
	}
	if campaign.Status != database.CampaignStatusDraft && campaign.Status != database.CampaignStatusScheduled {
		return nil, apperrors.NewValidation(
			fmt.Sprintf("campaign in status %s cannot be scheduled", campaign.Status),
			"status")
	}

	now := time.Now()
	if !at.After(now) {
		return nil, apperrors.NewValidation("scheduled launch time is in the past", "launch_at")
	}
	if plan != nil && plan.StartDate.Before(truncateToDay(now)) {
		return nil, apperrors.NewValidation("rollout start date is in the past", "rollout_plan.start_date")
	}

	if campaign.RolloutStrategy == database.RolloutImmediate {
		return s.scheduleImmediate(ctx, campaign, at)
	}

	return s.scheduleWaves(ctx, campaign, plan)
}

// scheduleImmediate defers a whole-audience launch to a single fire time
func (s *LaunchScheduler) scheduleImmediate(ctx context.Context, campaign *database.Campaign, at time.Time) (*ScheduleDetails, error) {
	// Rescheduling replaces the previous fire time
	if _, err := s.queue.Cancel(ctx, campaignKey(campaign.ID)); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"campaign_id": campaign.ID,
		"org_id":      campaign.OrgID,
	}
	if err := s.queue.Enqueue(ctx, campaignKey(campaign.ID), TaskTypeCampaignLaunch, payload, at); err != nil {
		return nil, err
	}

	if _, err := s.campaignRepo.UpdateStatus(ctx, campaign.ID, campaign.Status, database.CampaignStatusScheduled); err != nil {
		return nil, err
	}

	s.logger.Info("Campaign launch scheduled",
		"campaign_id", campaign.ID,
		"fire_at", at)
	return &ScheduleDetails{CampaignID: campaign.ID}, nil
}

// scheduleWaves plans, persists, and defers a staggered rollout
func (s *LaunchScheduler) scheduleWaves(ctx context.Context, campaign *database.Campaign, plan *database.RolloutPlan) (*ScheduleDetails, error) {
	if plan == nil {
		plan = campaign.RolloutPlan
	}
	if plan == nil {
		return nil, apperrors.NewValidation("staggered campaign has no rollout plan", "rollout_plan")
	}

	// Rescheduling a still-pending plan replaces it outright
	if _, err := s.queue.Cancel(ctx, campaign.ID+":"); err != nil {
		return nil, err
	}
	if err := s.waveRepo.DeleteByCampaign(ctx, campaign.ID); err != nil {
		return nil, err
	}

	recipients, err := s.evaluator.Resolve(ctx, campaign.Targeting, campaign.OrgID)
	if err != nil {
		return nil, err
	}

	windows, err := s.blackoutRepo.ListByOrg(ctx, campaign.OrgID)
	if err != nil {
		return nil, err
	}

	planned, err := s.planner.Plan(plan, recipients, windows, campaign.Targeting.LocationID)
	if err != nil {
		return nil, err
	}

	waves := make([]*database.Wave, 0, len(planned))
	for _, pw := range planned {
		wave := &database.Wave{
			ID:           uuid.New().String(),
			CampaignID:   campaign.ID,
			WaveNumber:   pw.WaveNumber,
			ScheduledAt:  pw.ScheduledAt,
			RecipientIDs: pw.RecipientIDs,
			Status:       database.WaveStatusPending,
		}
		if plan.Type == rollout.PlanTypePercentage {
			pct := pw.Percentage
			wave.AudiencePercentage = &pct
		}
		if err := s.waveRepo.Create(ctx, wave); err != nil {
			return nil, err
		}
		waves = append(waves, wave)
	}

	// Only after every wave row exists do the tasks go out. Later waves get
	// later fire times, which is the only ordering guarantee between them.
	for _, wave := range waves {
		payload := map[string]interface{}{
			"campaign_id": campaign.ID,
			"org_id":      campaign.OrgID,
			"wave_number": wave.WaveNumber,
		}
		if err := s.queue.Enqueue(ctx, waveKey(campaign.ID, wave.WaveNumber), TaskTypeWaveLaunch, payload, wave.ScheduledAt); err != nil {
			return nil, err
		}
	}

	if _, err := s.campaignRepo.UpdateStatus(ctx, campaign.ID, campaign.Status, database.CampaignStatusScheduled); err != nil {
		return nil, err
	}

	s.logger.Info("Staggered launch scheduled",
		"campaign_id", campaign.ID,
		"waves", len(waves),
		"first_wave", waves[0].ScheduledAt.Format("2006-01-02"))
	return &ScheduleDetails{CampaignID: campaign.ID, Waves: waves}, nil
}

// CancelScheduledLaunch removes a campaign's deferred tasks and cancels its
// pending waves. Waves that already launched are left untouched; if a task
// fired while this ran, its executor guards make the race harmless.
func (s *LaunchScheduler) CancelScheduledLaunch(ctx context.Context, orgID, campaignID string) error {
	campaign, err := s.campaignRepo.GetByID(ctx, orgID, campaignID)
	if err != nil {
		return err
	}
	if campaign == nil {
		return apperrors.NewNotFound("campaign", campaignID)
	}

	removed, err := s.queue.Cancel(ctx, campaignID+":")
	if err != nil {
		return err
	}

	cancelled, err := s.waveRepo.CancelPending(ctx, campaignID)
	if err != nil {
		return err
	}

	s.logger.Info("Scheduled launch cancelled",
		"campaign_id", campaignID,
		"tasks_removed", removed,
		"waves_cancelled", cancelled)
	return nil
}

// GetWaves returns a campaign's wave plan in wave order
func (s *LaunchScheduler) GetWaves(ctx context.Context, orgID, campaignID string) ([]*database.Wave, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, apperrors.NewNotFound("campaign", campaignID)
	}

	return s.waveRepo.ListByCampaign(ctx, campaignID)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
