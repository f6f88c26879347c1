// Package lifecycle is the top-level state machine over campaigns. It owns
// which operations are legal in which status and orchestrates the planner,
// scheduler, and executor beneath it.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-shield/campaign-engine/internal/apperrors"
	"github.com/aegis-shield/campaign-engine/internal/database"
	"github.com/aegis-shield/campaign-engine/internal/launch"
	"github.com/aegis-shield/campaign-engine/internal/reminder"
	"github.com/aegis-shield/campaign-engine/internal/scheduler"
)

// validTransitions maps each status to the statuses it may move to.
// COMPLETED and CANCELLED are terminal.
var validTransitions = map[string][]string{
	database.CampaignStatusDraft:     {database.CampaignStatusScheduled, database.CampaignStatusActive, database.CampaignStatusCancelled},
	database.CampaignStatusScheduled: {database.CampaignStatusDraft, database.CampaignStatusActive, database.CampaignStatusCancelled},
	database.CampaignStatusActive:    {database.CampaignStatusPaused, database.CampaignStatusCompleted, database.CampaignStatusCancelled},
	database.CampaignStatusPaused:    {database.CampaignStatusActive, database.CampaignStatusCancelled},
	database.CampaignStatusCompleted: {},
	database.CampaignStatusCancelled: {},
}

// Controller gates campaign operations by status
type Controller struct {
	logger         *slog.Logger
	campaignRepo   *database.CampaignRepository
	assignmentRepo *database.AssignmentRepository
	executor       *launch.Executor
	launchSched    *scheduler.LaunchScheduler
	tracker        *reminder.ProfileTracker
}

// NewController creates a lifecycle controller
func NewController(
	logger *slog.Logger,
	campaignRepo *database.CampaignRepository,
	assignmentRepo *database.AssignmentRepository,
	executor *launch.Executor,
	launchSched *scheduler.LaunchScheduler,
	tracker *reminder.ProfileTracker,
) *Controller {
	return &Controller{
		logger:         logger,
		campaignRepo:   campaignRepo,
		assignmentRepo: assignmentRepo,
		executor:       executor,
		launchSched:    launchSched,
		tracker:        tracker,
	}
}

// CanTransition reports whether a campaign may move between two statuses
func CanTransition(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CampaignEdit carries the fields a campaign update may change. Nil fields
// are left alone.
type CampaignEdit struct {
	Name          *string                 `json:"name,omitempty"`
	Description   *string                 `json:"description,omitempty"`
	Targeting     *database.TargetingSpec `json:"targeting,omitempty"`
	DueDate       *time.Time              `json:"due_date,omitempty"`
	LaunchAt      *time.Time              `json:"launch_at,omitempty"`
	RolloutPlan   *database.RolloutPlan   `json:"rollout_plan,omitempty"`
	ReminderSteps *database.ReminderSteps `json:"reminder_steps,omitempty"`
}

// restrictedFields returns the edit's fields that only DRAFT/SCHEDULED
// campaigns may change.
func (e *CampaignEdit) restrictedFields() []string {
	var fields []string
	if e.Name != nil {
		fields = append(fields, "name")
	}
	if e.Targeting != nil {
		fields = append(fields, "targeting")
	}
	if e.DueDate != nil {
		fields = append(fields, "due_date")
	}
	if e.LaunchAt != nil {
		fields = append(fields, "launch_at")
	}
	if e.RolloutPlan != nil {
		fields = append(fields, "rollout_plan")
	}
	return fields
}

// contentChanged reports whether the edit touches translated content, which
// is the signal that bumps the campaign version and staleness of children.
func (e *CampaignEdit) contentChanged() bool {
	return e.Name != nil || e.Description != nil
}

// Create creates a campaign in DRAFT
func (c *Controller) Create(ctx context.Context, campaign *database.Campaign) error {
	if campaign.Name == "" {
		return apperrors.NewValidation("campaign name is required", "name")
	}
	if campaign.DueDate.IsZero() {
		return apperrors.NewValidation("campaign due date is required", "due_date")
	}
	switch campaign.RolloutStrategy {
	case database.RolloutImmediate, database.RolloutStaggered, database.RolloutPilotFirst:
	case "":
		campaign.RolloutStrategy = database.RolloutImmediate
	default:
		return apperrors.NewValidation(
			fmt.Sprintf("unknown rollout strategy %q", campaign.RolloutStrategy),
			"rollout_strategy")
	}

	if campaign.ID == "" {
		campaign.ID = uuid.New().String()
	}
	campaign.Status = database.CampaignStatusDraft
	campaign.Version = 1
	if campaign.Language == "" {
		campaign.Language = "en"
	}

	return c.campaignRepo.Create(ctx, campaign)
}

// Update applies an edit under the status edit policy: DRAFT and SCHEDULED
// accept everything, ACTIVE and PAUSED accept only description and reminder
// configuration. A disallowed edit fails naming the offending fields.
func (c *Controller) Update(ctx context.Context, orgID, campaignID string, edit *CampaignEdit) (*database.Campaign, error) {
	campaign, err := c.mustGet(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}

	switch campaign.Status {
	case database.CampaignStatusDraft, database.CampaignStatusScheduled:
		// full edits
	case database.CampaignStatusActive, database.CampaignStatusPaused:
		if restricted := edit.restrictedFields(); len(restricted) > 0 {
			return nil, apperrors.NewValidation(
				fmt.Sprintf("campaign in status %s cannot change these fields", campaign.Status),
				restricted...)
		}
	default:
		return nil, apperrors.NewValidation(
			fmt.Sprintf("campaign in status %s cannot be edited", campaign.Status),
			"status")
	}

	if edit.Name != nil {
		campaign.Name = *edit.Name
	}
	if edit.Description != nil {
		campaign.Description = *edit.Description
	}
	if edit.Targeting != nil {
		campaign.Targeting = *edit.Targeting
	}
	if edit.DueDate != nil {
		campaign.DueDate = *edit.DueDate
	}
	if edit.LaunchAt != nil {
		campaign.LaunchAt = edit.LaunchAt
	}
	if edit.RolloutPlan != nil {
		campaign.RolloutPlan = edit.RolloutPlan
	}
	if edit.ReminderSteps != nil {
		campaign.ReminderSteps = *edit.ReminderSteps
	}

	if edit.contentChanged() {
		// Version is the invalidation signal for translations
		campaign.Version++
	}

	if err := c.campaignRepo.Update(ctx, campaign); err != nil {
		return nil, err
	}

	return campaign, nil
}

// Launch starts a campaign now. IMMEDIATE campaigns assign their whole
// audience synchronously; staggered strategies hand off to the wave planner
// and deferred scheduler.
func (c *Controller) Launch(ctx context.Context, orgID, campaignID string) (*database.Campaign, error) {
	campaign, err := c.mustGet(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}

	if campaign.Status != database.CampaignStatusDraft && campaign.Status != database.CampaignStatusScheduled {
		return nil, apperrors.NewValidation(
			fmt.Sprintf("campaign in status %s cannot be launched", campaign.Status),
			"status")
	}

	if campaign.RolloutStrategy == database.RolloutImmediate {
		created, err := c.executor.LaunchImmediate(ctx, campaign)
		if err != nil {
			return nil, err
		}
		campaign.TotalAssignments += created
		if _, err := c.campaignRepo.UpdateStatus(ctx, campaign.ID, campaign.Status, database.CampaignStatusActive); err != nil {
			return nil, err
		}
		campaign.Status = database.CampaignStatusActive
		return campaign, nil
	}

	// Staggered: the first wave starts today unless the plan says otherwise
	plan := campaign.RolloutPlan
	if plan == nil {
		return nil, apperrors.NewValidation("staggered campaign has no rollout plan", "rollout_plan")
	}
	at := time.Now().Add(time.Minute)
	if plan.StartDate.After(at) {
		at = plan.StartDate
	}
	details, err := c.launchSched.ScheduleLaunch(ctx, orgID, campaignID, at, plan)
	if err != nil {
		return nil, err
	}

	campaign.Status = database.CampaignStatusScheduled
	c.logger.Info("Campaign handed to wave scheduler",
		"campaign_id", campaignID,
		"waves", len(details.Waves))
	return campaign, nil
}

// Unschedule removes a SCHEDULED campaign's deferred launch and returns
// it to DRAFT.
func (c *Controller) Unschedule(ctx context.Context, orgID, campaignID string) error {
	campaign, err := c.mustGet(ctx, orgID, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != database.CampaignStatusScheduled {
		return apperrors.NewValidation(
			fmt.Sprintf("campaign in status %s has no scheduled launch", campaign.Status),
			"status")
	}

	if err := c.launchSched.CancelScheduledLaunch(ctx, orgID, campaignID); err != nil {
		return err
	}

	if _, err := c.campaignRepo.UpdateStatus(ctx, campaignID, database.CampaignStatusScheduled, database.CampaignStatusDraft); err != nil {
		return err
	}

	return nil
}

// Pause suspends an active campaign
func (c *Controller) Pause(ctx context.Context, orgID, campaignID string) error {
	return c.transition(ctx, orgID, campaignID, database.CampaignStatusActive, database.CampaignStatusPaused)
}

// Resume reactivates a paused campaign
func (c *Controller) Resume(ctx context.Context, orgID, campaignID string) error {
	return c.transition(ctx, orgID, campaignID, database.CampaignStatusPaused, database.CampaignStatusActive)
}

// Complete closes out a campaign
func (c *Controller) Complete(ctx context.Context, orgID, campaignID string) error {
	return c.transition(ctx, orgID, campaignID, database.CampaignStatusActive, database.CampaignStatusCompleted)
}

// Cancel cancels a campaign from any pre-COMPLETED state. Cancelling a
// SCHEDULED campaign also removes its deferred tasks and pending waves.
func (c *Controller) Cancel(ctx context.Context, orgID, campaignID string) error {
	campaign, err := c.mustGet(ctx, orgID, campaignID)
	if err != nil {
		return err
	}

	if !CanTransition(campaign.Status, database.CampaignStatusCancelled) {
		return apperrors.NewValidation(
			fmt.Sprintf("campaign in status %s cannot be cancelled", campaign.Status),
			"status")
	}

	if campaign.Status == database.CampaignStatusScheduled {
		if err := c.launchSched.CancelScheduledLaunch(ctx, orgID, campaignID); err != nil {
			return err
		}
	}

	if _, err := c.campaignRepo.UpdateStatus(ctx, campaignID, campaign.Status, database.CampaignStatusCancelled); err != nil {
		return err
	}

	c.logger.Info("Campaign cancelled", "campaign_id", campaignID, "from_status", campaign.Status)
	return nil
}

// CompleteAssignment closes one recipient's assignment and feeds the
// completion into campaign counters and the compliance profile.
func (c *Controller) CompleteAssignment(ctx context.Context, orgID, campaignID, assignmentID string) error {
	assignment, err := c.mustGetAssignment(ctx, orgID, campaignID, assignmentID)
	if err != nil {
		return err
	}

	completedAt := time.Now()
	done, err := c.assignmentRepo.Complete(ctx, assignmentID, completedAt)
	if err != nil {
		return err
	}
	if !done {
		return apperrors.NewValidation("assignment is already closed", "status")
	}

	if err := c.campaignRepo.IncrementCounters(ctx, campaignID, 0, 1, 0); err != nil {
		return err
	}
	if err := c.tracker.RecordCompletion(ctx, assignment, completedAt); err != nil {
		c.logger.Error("Failed to record completion in profile",
			"recipient_id", assignment.RecipientID,
			"error", err)
	}

	return nil
}

// SkipAssignment marks an assignment as administratively skipped. Skips
// count toward neither completions nor misses.
func (c *Controller) SkipAssignment(ctx context.Context, orgID, campaignID, assignmentID string) error {
	if _, err := c.mustGetAssignment(ctx, orgID, campaignID, assignmentID); err != nil {
		return err
	}

	skipped, err := c.assignmentRepo.Skip(ctx, assignmentID)
	if err != nil {
		return err
	}
	if !skipped {
		return apperrors.NewValidation("assignment is already closed", "status")
	}

	return nil
}

// CreateTranslation clones a campaign's content into a child campaign in
// another language, capturing the parent's version for staleness checks.
func (c *Controller) CreateTranslation(ctx context.Context, orgID, campaignID, language string) (*database.Campaign, error) {
	if language == "" {
		return nil, apperrors.NewValidation("translation language is required", "language")
	}

	parent, err := c.mustGet(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}
	if parent.ParentCampaignID != nil {
		return nil, apperrors.NewValidation("translations cannot be nested", "parent_campaign_id")
	}

	child := &database.Campaign{
		ID:               uuid.New().String(),
		OrgID:            parent.OrgID,
		Name:             parent.Name,
		Description:      parent.Description,
		Status:           database.CampaignStatusDraft,
		Targeting:        parent.Targeting,
		DueDate:          parent.DueDate,
		RolloutStrategy:  parent.RolloutStrategy,
		RolloutPlan:      parent.RolloutPlan,
		ReminderSteps:    parent.ReminderSteps,
		ParentCampaignID: &parent.ID,
		ParentVersion:    &parent.Version,
		Version:          1,
		Language:         language,
	}

	if err := c.campaignRepo.Create(ctx, child); err != nil {
		return nil, err
	}

	return child, nil
}

// StaleTranslations lists translation children whose captured parent
// version lags the parent's current one.
func (c *Controller) StaleTranslations(ctx context.Context, orgID, campaignID string) ([]*database.Campaign, error) {
	parent, err := c.mustGet(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}

	children, err := c.campaignRepo.ListChildren(ctx, parent.ID)
	if err != nil {
		return nil, err
	}

	var stale []*database.Campaign
	for _, child := range children {
		if child.ParentVersion != nil && *child.ParentVersion < parent.Version {
			stale = append(stale, child)
		}
	}

	return stale, nil
}

func (c *Controller) transition(ctx context.Context, orgID, campaignID, from, to string) error {
	campaign, err := c.mustGet(ctx, orgID, campaignID)
	if err != nil {
		return err
	}

	if campaign.Status != from || !CanTransition(from, to) {
		return apperrors.NewValidation(
			fmt.Sprintf("campaign in status %s cannot move to %s", campaign.Status, to),
			"status")
	}

	moved, err := c.campaignRepo.UpdateStatus(ctx, campaignID, from, to)
	if err != nil {
		return err
	}
	if !moved {
		return apperrors.NewValidation(
			fmt.Sprintf("campaign left status %s before the transition applied", from),
			"status")
	}

	c.logger.Info("Campaign transitioned", "campaign_id", campaignID, "from", from, "to", to)
	return nil
}

func (c *Controller) mustGet(ctx context.Context, orgID, campaignID string) (*database.Campaign, error) {
	campaign, err := c.campaignRepo.GetByID(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, apperrors.NewNotFound("campaign", campaignID)
	}
	return campaign, nil
}

func (c *Controller) mustGetAssignment(ctx context.Context, orgID, campaignID, assignmentID string) (*database.Assignment, error) {
	assignment, err := c.assignmentRepo.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if assignment == nil || assignment.CampaignID != campaignID || assignment.OrgID != orgID {
		return nil, apperrors.NewNotFound("assignment", assignmentID)
	}
	return assignment, nil
}
