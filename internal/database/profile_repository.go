package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ProfileRepository handles compliance profile data operations
type ProfileRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *sqlx.DB, logger *slog.Logger) *ProfileRepository {
	return &ProfileRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Get retrieves a recipient's compliance profile
func (r *ProfileRepository) Get(ctx context.Context, orgID, recipientID string) (*ComplianceProfile, error) {
	query := `SELECT * FROM compliance_profiles WHERE org_id = $1 AND recipient_id = $2`

	var profile ComplianceProfile
	err := r.db.GetContext(ctx, &profile, query, orgID, recipientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get compliance profile: %w", err)
	}

	return &profile, nil
}

// RecordCompletion folds one response time into the profile in a single
// statement. The running average and the completion counter are computed
// from the row's own current values, so concurrent completions from
// different sweeps never lose an update.
func (r *ProfileRepository) RecordCompletion(ctx context.Context, orgID, recipientID string, responseDays float64) error {
	query := `
		INSERT INTO compliance_profiles (
			id, org_id, recipient_id, campaigns_assigned, campaigns_completed,
			campaigns_missed_deadline, average_response_days,
			is_repeat_non_responder, created_at, updated_at
		) VALUES ($1, $2, $3, 0, 1, 0, $4, FALSE, NOW(), NOW())
		ON CONFLICT (org_id, recipient_id) DO UPDATE SET
			average_response_days = (compliance_profiles.average_response_days
					* compliance_profiles.campaigns_completed + EXCLUDED.average_response_days)
				/ (compliance_profiles.campaigns_completed + 1),
			campaigns_completed = compliance_profiles.campaigns_completed + 1,
			updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, uuid.New().String(), orgID, recipientID, responseDays); err != nil {
		r.logger.Error("Failed to record completion on compliance profile",
			"org_id", orgID,
			"recipient_id", recipientID,
			"error", err)
		return fmt.Errorf("failed to record completion: %w", err)
	}

	return nil
}

// RecordMissedDeadline increments the missed counter and re-derives the
// repeat non-responder flag in the same statement: flagged at 3 absolute
// misses, or a strict >25% miss rate over at least 4 assignments. Returns
// the flag's resulting value.
func (r *ProfileRepository) RecordMissedDeadline(ctx context.Context, orgID, recipientID string) (bool, error) {
	query := `
		INSERT INTO compliance_profiles (
			id, org_id, recipient_id, campaigns_assigned, campaigns_completed,
			campaigns_missed_deadline, average_response_days,
			is_repeat_non_responder, created_at, updated_at
		) VALUES ($1, $2, $3, 0, 0, 1, 0, FALSE, NOW(), NOW())
		ON CONFLICT (org_id, recipient_id) DO UPDATE SET
			campaigns_missed_deadline = compliance_profiles.campaigns_missed_deadline + 1,
			is_repeat_non_responder =
				compliance_profiles.campaigns_missed_deadline + 1 >= 3
				OR (compliance_profiles.campaigns_assigned >= 4
					AND (compliance_profiles.campaigns_missed_deadline + 1) * 4
						> compliance_profiles.campaigns_assigned),
			updated_at = NOW()
		RETURNING is_repeat_non_responder`

	var flagged bool
	if err := r.db.GetContext(ctx, &flagged, query, uuid.New().String(), orgID, recipientID); err != nil {
		r.logger.Error("Failed to record missed deadline on compliance profile",
			"org_id", orgID,
			"recipient_id", recipientID,
			"error", err)
		return false, fmt.Errorf("failed to record missed deadline: %w", err)
	}

	return flagged, nil
}

// IncrementAssigned bumps the assigned counter, creating the profile row on
// first contact.
func (r *ProfileRepository) IncrementAssigned(ctx context.Context, orgID, recipientID string) error {
	query := `
		INSERT INTO compliance_profiles (
			id, org_id, recipient_id, campaigns_assigned, campaigns_completed,
			campaigns_missed_deadline, average_response_days,
			is_repeat_non_responder, created_at, updated_at
		) VALUES ($1, $2, $3, 1, 0, 0, 0, FALSE, NOW(), NOW())
		ON CONFLICT (org_id, recipient_id) DO UPDATE SET
			campaigns_assigned = compliance_profiles.campaigns_assigned + 1,
			updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, uuid.New().String(), orgID, recipientID); err != nil {
		return fmt.Errorf("failed to increment assigned counter: %w", err)
	}

	return nil
}

// ListNonResponders retrieves the organization's flagged repeat non-responders
func (r *ProfileRepository) ListNonResponders(ctx context.Context, orgID string) ([]*ComplianceProfile, error) {
	query := `
		SELECT * FROM compliance_profiles
		WHERE org_id = $1 AND is_repeat_non_responder = TRUE
		ORDER BY campaigns_missed_deadline DESC`

	var profiles []*ComplianceProfile
	if err := r.db.SelectContext(ctx, &profiles, query, orgID); err != nil {
		r.logger.Error("Failed to list non-responders", "org_id", orgID, "error", err)
		return nil, fmt.Errorf("failed to list non-responders: %w", err)
	}

	return profiles, nil
}
