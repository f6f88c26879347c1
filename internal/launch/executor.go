// Package launch turns a campaign or a single wave into assignment records.
// Each launch is one atomic unit: either every assignment for the unit
// commits or none do, and the task runner retries the whole unit.
package launch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"sort"

	"github.com/google/uuid"

	"github.com/aegis-shield/campaign-engine/internal/audience"
	"github.com/aegis-shield/campaign-engine/internal/database"
	"github.com/aegis-shield/campaign-engine/internal/event"
)

// Publisher is the event sink the executor announces launches on
type Publisher interface {
	Publish(ctx context.Context, eventType, orgID, campaignID string, data map[string]interface{})
}

// CampaignStore is the slice of campaign persistence launching needs
type CampaignStore interface {
	GetUnscoped(ctx context.Context, id string) (*database.Campaign, error)
	IncrementCounters(ctx context.Context, id string, total, completed, overdue int) error
	UpdateStatus(ctx context.Context, id, fromStatus, toStatus string) (bool, error)
}

// WaveStore is the slice of wave persistence launching needs
type WaveStore interface {
	GetByNumber(ctx context.Context, campaignID string, waveNumber int) (*database.Wave, error)
	MarkLaunched(ctx context.Context, id string) (bool, error)
}

// AssignmentStore is the slice of assignment persistence launching needs
type AssignmentStore interface {
	CreateBatch(ctx context.Context, assignments []*database.Assignment) error
	AssignedRecipientIDs(ctx context.Context, campaignID string) ([]string, error)
}

// ProfileStore bumps compliance profile counters at assignment time
type ProfileStore interface {
	IncrementAssigned(ctx context.Context, orgID, recipientID string) error
}

// Executor creates assignments for immediate launches and wave launches
type Executor struct {
	logger         *slog.Logger
	campaignRepo   CampaignStore
	waveRepo       WaveStore
	assignmentRepo AssignmentStore
	profileRepo    ProfileStore
	evaluator      *audience.Evaluator
	directory      audience.Directory
	publisher      Publisher
}

// NewExecutor creates a launch executor
func NewExecutor(
	logger *slog.Logger,
	campaignRepo CampaignStore,
	waveRepo WaveStore,
	assignmentRepo AssignmentStore,
	profileRepo ProfileStore,
	evaluator *audience.Evaluator,
	directory audience.Directory,
	publisher Publisher,
) *Executor {
	return &Executor{
		logger:         logger,
		campaignRepo:   campaignRepo,
		waveRepo:       waveRepo,
		assignmentRepo: assignmentRepo,
		profileRepo:    profileRepo,
		evaluator:      evaluator,
		directory:      directory,
		publisher:      publisher,
	}
}

// LaunchImmediate assigns the campaign's full audience at once and
// activates the campaign.
func (e *Executor) LaunchImmediate(ctx context.Context, campaign *database.Campaign) (int, error) {
	people, err := e.evaluator.ResolvePeople(ctx, campaign.Targeting, campaign.OrgID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve audience: %w", err)
	}

	ids := make([]string, 0, len(people))
	for id := range people {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	assignments := e.buildAssignments(ctx, campaign, nil, ids, people)
	if err := e.assignmentRepo.CreateBatch(ctx, assignments); err != nil {
		return 0, err
	}
	e.recordAssigned(ctx, campaign.OrgID, assignments)

	if err := e.campaignRepo.IncrementCounters(ctx, campaign.ID, len(assignments), 0, 0); err != nil {
		return 0, err
	}

	e.publisher.Publish(ctx, event.TypeCampaignLaunched, campaign.OrgID, campaign.ID, map[string]interface{}{
		"assignments": len(assignments),
		"strategy":    campaign.RolloutStrategy,
	})

	e.logger.Info("Campaign launched",
		"campaign_id", campaign.ID,
		"assignments", len(assignments))
	return len(assignments), nil
}

// LaunchDeferred runs a whole-campaign launch task that fired at its
// scheduled time. A campaign no longer in SCHEDULED is a logged no-op so
// a retried task cannot double-assign.
func (e *Executor) LaunchDeferred(ctx context.Context, campaignID string) error {
	campaign, err := e.findCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != database.CampaignStatusScheduled {
		e.logger.Info("Deferred launch skipped, campaign no longer scheduled",
			"campaign_id", campaignID,
			"status", campaign.Status)
		return nil
	}

	if _, err := e.LaunchImmediate(ctx, campaign); err != nil {
		return err
	}

	if _, err := e.campaignRepo.UpdateStatus(ctx, campaignID, database.CampaignStatusScheduled, database.CampaignStatusActive); err != nil {
		return err
	}
	return nil
}

// LaunchWave assigns one wave's slice of the audience. Reprocessing an
// already-launched wave is a logged no-op; the LAUNCHED flag is the guard
// that makes a retried or duplicated launch task harmless.
func (e *Executor) LaunchWave(ctx context.Context, campaignID string, waveNumber int) error {
	wave, err := e.waveRepo.GetByNumber(ctx, campaignID, waveNumber)
	if err != nil {
		return err
	}
	if wave == nil {
		return fmt.Errorf("wave %d not found for campaign %s", waveNumber, campaignID)
	}
	if wave.Status != database.WaveStatusPending {
		e.logger.Info("Wave already processed, skipping",
			"campaign_id", campaignID,
			"wave_number", waveNumber,
			"status", wave.Status)
		return nil
	}

	campaign, err := e.findCampaign(ctx, campaignID)
	if err != nil {
		return err
	}

	recipientIDs, people, err := e.waveRecipients(ctx, campaign, wave)
	if err != nil {
		return err
	}

	assignments := e.buildAssignments(ctx, campaign, &wave.ID, recipientIDs, people)
	if err := e.assignmentRepo.CreateBatch(ctx, assignments); err != nil {
		return err
	}
	e.recordAssigned(ctx, campaign.OrgID, assignments)

	launched, err := e.waveRepo.MarkLaunched(ctx, wave.ID)
	if err != nil {
		return err
	}
	if !launched {
		// Another worker flipped the wave while we were assigning; the
		// per-recipient unique index has already kept the batches disjoint.
		e.logger.Warn("Wave launch raced with another worker",
			"campaign_id", campaignID,
			"wave_number", waveNumber)
	}

	if err := e.campaignRepo.IncrementCounters(ctx, campaign.ID, len(assignments), 0, 0); err != nil {
		return err
	}

	// The first wave to fire moves a SCHEDULED campaign into ACTIVE
	if _, err := e.campaignRepo.UpdateStatus(ctx, campaign.ID, database.CampaignStatusScheduled, database.CampaignStatusActive); err != nil {
		return err
	}

	e.publisher.Publish(ctx, event.TypeWaveLaunched, campaign.OrgID, campaign.ID, map[string]interface{}{
		"wave_number": waveNumber,
		"assignments": len(assignments),
	})

	e.logger.Info("Wave launched",
		"campaign_id", campaignID,
		"wave_number", waveNumber,
		"assignments", len(assignments))
	return nil
}

// waveRecipients determines who belongs to the wave. An explicit recipient
// list wins; otherwise the wave recomputes its share by re-deriving the full
// audience, subtracting everyone already assigned in earlier waves, and
// sampling its percentage of the original audience size.
func (e *Executor) waveRecipients(ctx context.Context, campaign *database.Campaign, wave *database.Wave) ([]string, map[string]*audience.Person, error) {
	people, err := e.evaluator.ResolvePeople(ctx, campaign.Targeting, campaign.OrgID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve audience: %w", err)
	}

	if len(wave.RecipientIDs) > 0 {
		return wave.RecipientIDs, people, nil
	}

	assigned, err := e.assignmentRepo.AssignedRecipientIDs(ctx, campaign.ID)
	if err != nil {
		return nil, nil, err
	}
	taken := make(map[string]bool, len(assigned))
	for _, id := range assigned {
		taken[id] = true
	}

	remaining := make([]string, 0, len(people))
	for id := range people {
		if !taken[id] {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)

	size := len(remaining)
	if wave.AudiencePercentage != nil {
		share := int(float64(len(people)) * *wave.AudiencePercentage / 100)
		if share < size {
			size = share
		}
	}

	return sample(remaining, size), people, nil
}

// buildAssignments snapshots each recipient at assignment time. The manager
// relationship lookup wins; the denormalized manager-name field on the
// directory record is the fallback when the relationship is dangling.
func (e *Executor) buildAssignments(ctx context.Context, campaign *database.Campaign, waveID *string, recipientIDs []string, people map[string]*audience.Person) []*database.Assignment {
	assignments := make([]*database.Assignment, 0, len(recipientIDs))

	for _, id := range recipientIDs {
		person := people[id]
		if person == nil {
			e.logger.Warn("Recipient vanished from directory before assignment",
				"recipient_id", id,
				"campaign_id", campaign.ID)
			continue
		}

		snapshot := database.RecipientSnapshot{
			Name:        person.Name,
			Email:       person.Email,
			Department:  person.Department,
			Location:    person.Location,
			ManagerID:   person.ManagerID,
			ManagerName: person.ManagerName,
		}
		if person.ManagerID != "" {
			if manager, err := e.directory.Lookup(ctx, campaign.OrgID, person.ManagerID); err == nil && manager != nil {
				snapshot.ManagerName = manager.Name
			}
		}

		assignments = append(assignments, &database.Assignment{
			ID:          uuid.New().String(),
			CampaignID:  campaign.ID,
			WaveID:      waveID,
			OrgID:       campaign.OrgID,
			RecipientID: id,
			Snapshot:    snapshot,
			DueDate:     campaign.DueDate,
			Status:      database.AssignmentStatusPending,
		})
	}

	return assignments
}

// recordAssigned bumps each recipient's compliance profile. Profile updates
// are best-effort bookkeeping: a failed increment is logged, not retried,
// because the overdue sweep re-derives the flag from whatever counters exist.
func (e *Executor) recordAssigned(ctx context.Context, orgID string, assignments []*database.Assignment) {
	for _, a := range assignments {
		if err := e.profileRepo.IncrementAssigned(ctx, orgID, a.RecipientID); err != nil {
			e.logger.Warn("Failed to update compliance profile",
				"recipient_id", a.RecipientID,
				"error", err)
		}
	}
}

// findCampaign loads a campaign without an org scope. Wave launch tasks
// carry only the campaign ID; the org is recovered from the row itself.
func (e *Executor) findCampaign(ctx context.Context, campaignID string) (*database.Campaign, error) {
	campaign, err := e.campaignRepo.GetUnscoped(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign not found: %s", campaignID)
	}
	return campaign, nil
}

// sample returns n random elements of ids without replacement
func sample(ids []string, n int) []string {
	if n >= len(ids) {
		return ids
	}

	out := make([]string, len(ids))
	copy(out, ids)

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err == nil {
		rng := mathrand.New(mathrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
		rng.Shuffle(len(out), func(i, j int) {
			out[i], out[j] = out[j], out[i]
		})
	}

	return out[:n]
}
