package reminder

import (
	"context"
	"log/slog"
	"time"

	"github.com/aegis-shield/campaign-engine/internal/database"
)

// Repeat non-responder thresholds: an absolute miss count, or a miss rate
// over a minimum sample. The rate boundary is exclusive: 1 of 4 missed is
// exactly 25% and does not flag.
const (
	absoluteMissThreshold = 3
	minAssignedForRate    = 4
	missRateThreshold     = 0.25
)

// isRepeatNonResponder derives the flag from a profile's counters. The
// profile store applies the same rule inside its atomic update; this form
// is the reference the store's SQL must agree with.
func isRepeatNonResponder(assigned, missed int) bool {
	if missed >= absoluteMissThreshold {
		return true
	}
	if assigned >= minAssignedForRate && float64(missed)/float64(assigned) > missRateThreshold {
		return true
	}
	return false
}

// updatedAverage folds one new response time into a running mean, the same
// incremental update the profile store performs in place.
func updatedAverage(oldAvg float64, oldCount int, newValue float64) float64 {
	if oldCount <= 0 {
		return newValue
	}
	return (oldAvg*float64(oldCount) + newValue) / float64(oldCount+1)
}

// ProfileStore is the slice of profile persistence the tracker needs. Both
// operations are single atomic statements on the store side; the sweep runs
// across concurrent workers, so counters are never read back, mutated in
// memory, and written.
type ProfileStore interface {
	RecordCompletion(ctx context.Context, orgID, recipientID string, responseDays float64) error
	RecordMissedDeadline(ctx context.Context, orgID, recipientID string) (bool, error)
}

// ProfileTracker applies completion and missed-deadline events to
// compliance profiles.
type ProfileTracker struct {
	logger      *slog.Logger
	profileRepo ProfileStore
}

// NewProfileTracker creates a profile tracker
func NewProfileTracker(logger *slog.Logger, profileRepo ProfileStore) *ProfileTracker {
	return &ProfileTracker{logger: logger, profileRepo: profileRepo}
}

// RecordCompletion folds a completed assignment into the recipient's
// profile: completion counter plus the response-time running average,
// measured from assignment creation to completion.
func (t *ProfileTracker) RecordCompletion(ctx context.Context, assignment *database.Assignment, completedAt time.Time) error {
	responseDays := completedAt.Sub(assignment.CreatedAt).Hours() / 24
	if responseDays < 0 {
		responseDays = 0
	}

	return t.profileRepo.RecordCompletion(ctx, assignment.OrgID, assignment.RecipientID, responseDays)
}

// RecordMissedDeadline folds a newly-overdue assignment into the
// recipient's profile and re-derives the repeat non-responder flag.
func (t *ProfileTracker) RecordMissedDeadline(ctx context.Context, assignment *database.Assignment) error {
	flagged, err := t.profileRepo.RecordMissedDeadline(ctx, assignment.OrgID, assignment.RecipientID)
	if err != nil {
		return err
	}
	if flagged {
		t.logger.Info("Recipient flagged as repeat non-responder",
			"recipient_id", assignment.RecipientID,
			"org_id", assignment.OrgID)
	}
	return nil
}
