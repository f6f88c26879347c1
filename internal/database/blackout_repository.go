package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// BlackoutRepository handles blackout window data operations
type BlackoutRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewBlackoutRepository creates a new blackout repository
func NewBlackoutRepository(db *sqlx.DB, logger *slog.Logger) *BlackoutRepository {
	return &BlackoutRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new blackout window
func (r *BlackoutRepository) Create(ctx context.Context, blackout *BlackoutDate) error {
	query := `
		INSERT INTO org_blackout_dates (
			id, org_id, name, start_date, end_date, is_recurring,
			recurring_pattern, location_id, created_at, updated_at
		) VALUES (
			:id, :org_id, :name, :start_date, :end_date, :is_recurring,
			:recurring_pattern, :location_id, :created_at, :updated_at
		)`

	blackout.CreatedAt = time.Now()
	blackout.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, blackout)
	if err != nil {
		r.logger.Error("Failed to create blackout date", "blackout_id", blackout.ID, "error", err)
		return fmt.Errorf("failed to create blackout date: %w", err)
	}

	r.logger.Info("Blackout date created",
		"blackout_id", blackout.ID,
		"org_id", blackout.OrgID,
		"recurring", blackout.IsRecurring)
	return nil
}

// GetByID retrieves a blackout window scoped to an organization
func (r *BlackoutRepository) GetByID(ctx context.Context, orgID, id string) (*BlackoutDate, error) {
	query := `SELECT * FROM org_blackout_dates WHERE id = $1 AND org_id = $2`

	var blackout BlackoutDate
	err := r.db.GetContext(ctx, &blackout, query, id, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get blackout date by ID: %w", err)
	}

	return &blackout, nil
}

// ListByOrg retrieves all blackout windows for an organization
func (r *BlackoutRepository) ListByOrg(ctx context.Context, orgID string) ([]*BlackoutDate, error) {
	query := `SELECT * FROM org_blackout_dates WHERE org_id = $1 ORDER BY start_date`

	var blackouts []*BlackoutDate
	if err := r.db.SelectContext(ctx, &blackouts, query, orgID); err != nil {
		r.logger.Error("Failed to list blackout dates", "org_id", orgID, "error", err)
		return nil, fmt.Errorf("failed to list blackout dates: %w", err)
	}

	return blackouts, nil
}

// Update updates an existing blackout window
func (r *BlackoutRepository) Update(ctx context.Context, blackout *BlackoutDate) error {
	query := `
		UPDATE org_blackout_dates SET
			name = :name,
			start_date = :start_date,
			end_date = :end_date,
			is_recurring = :is_recurring,
			recurring_pattern = :recurring_pattern,
			location_id = :location_id,
			updated_at = :updated_at
		WHERE id = :id AND org_id = :org_id`

	blackout.UpdatedAt = time.Now()

	result, err := r.db.NamedExecContext(ctx, query, blackout)
	if err != nil {
		r.logger.Error("Failed to update blackout date", "blackout_id", blackout.ID, "error", err)
		return fmt.Errorf("failed to update blackout date: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("blackout date not found: %s", blackout.ID)
	}

	return nil
}

// Delete removes a blackout window
func (r *BlackoutRepository) Delete(ctx context.Context, orgID, id string) (bool, error) {
	query := `DELETE FROM org_blackout_dates WHERE id = $1 AND org_id = $2`

	result, err := r.db.ExecContext(ctx, query, id, orgID)
	if err != nil {
		return false, fmt.Errorf("failed to delete blackout date: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}
