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

// CampaignRepository handles campaign data operations
type CampaignRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *sqlx.DB, logger *slog.Logger) *CampaignRepository {
	return &CampaignRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new campaign
func (r *CampaignRepository) Create(ctx context.Context, campaign *Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, org_id, name, description, status, targeting, due_date,
			launch_at, rollout_strategy, rollout_plan, reminder_steps,
			total_assignments, completed_assignments, overdue_assignments,
			parent_campaign_id, parent_version, version, language,
			created_at, updated_at
		) VALUES (
			:id, :org_id, :name, :description, :status, :targeting, :due_date,
			:launch_at, :rollout_strategy, :rollout_plan, :reminder_steps,
			:total_assignments, :completed_assignments, :overdue_assignments,
			:parent_campaign_id, :parent_version, :version, :language,
			:created_at, :updated_at
		)`

	campaign.CreatedAt = time.Now()
	campaign.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, campaign)
	if err != nil {
		r.logger.Error("Failed to create campaign", "campaign_id", campaign.ID, "error", err)
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	r.logger.Info("Campaign created", "campaign_id", campaign.ID, "org_id", campaign.OrgID)
	return nil
}

// GetByID retrieves a campaign scoped to an organization
func (r *CampaignRepository) GetByID(ctx context.Context, orgID, id string) (*Campaign, error) {
	query := `SELECT * FROM campaigns WHERE id = $1 AND org_id = $2`

	var campaign Campaign
	err := r.db.GetContext(ctx, &campaign, query, id, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get campaign", "campaign_id", id, "error", err)
		return nil, fmt.Errorf("failed to get campaign by ID: %w", err)
	}

	return &campaign, nil
}

// GetUnscoped retrieves a campaign by ID alone. Background workers hold
// task payloads that carry no organization; everything request-scoped goes
// through GetByID instead.
func (r *CampaignRepository) GetUnscoped(ctx context.Context, id string) (*Campaign, error) {
	query := `SELECT * FROM campaigns WHERE id = $1`

	var campaign Campaign
	err := r.db.GetContext(ctx, &campaign, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get campaign by ID: %w", err)
	}

	return &campaign, nil
}

// Update updates an existing campaign
func (r *CampaignRepository) Update(ctx context.Context, campaign *Campaign) error {
	query := `
		UPDATE campaigns SET
			name = :name,
			description = :description,
			status = :status,
			targeting = :targeting,
			due_date = :due_date,
			launch_at = :launch_at,
			rollout_strategy = :rollout_strategy,
			rollout_plan = :rollout_plan,
			reminder_steps = :reminder_steps,
			version = :version,
			language = :language,
			updated_at = :updated_at
		WHERE id = :id AND org_id = :org_id`

	campaign.UpdatedAt = time.Now()

	result, err := r.db.NamedExecContext(ctx, query, campaign)
	if err != nil {
		r.logger.Error("Failed to update campaign", "campaign_id", campaign.ID, "error", err)
		return fmt.Errorf("failed to update campaign: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("campaign not found: %s", campaign.ID)
	}

	return nil
}

// UpdateStatus transitions a campaign only if it is currently in fromStatus,
// returning false when the guard does not hold. Concurrent workers rely on
// this conditional update instead of locking.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id, fromStatus, toStatus string) (bool, error) {
	query := `
		UPDATE campaigns SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, toStatus, id, fromStatus)
	if err != nil {
		r.logger.Error("Failed to update campaign status", "campaign_id", id, "error", err)
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// List retrieves an organization's campaigns with optional status filter
func (r *CampaignRepository) List(ctx context.Context, orgID, status string, limit, offset int) ([]*Campaign, int, error) {
	where := "WHERE org_id = $1"
	args := []interface{}{orgID}
	if status != "" {
		where += " AND status = $2"
		args = append(args, status)
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM campaigns %s", where)
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		"SELECT * FROM campaigns %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args),
	)

	var campaigns []*Campaign
	if err := r.db.SelectContext(ctx, &campaigns, query, args...); err != nil {
		r.logger.Error("Failed to list campaigns", "org_id", orgID, "error", err)
		return nil, 0, fmt.Errorf("failed to list campaigns: %w", err)
	}

	return campaigns, total, nil
}

// ListByStatus retrieves campaigns in a status across all organizations.
// Used by the reminder sweep, which runs engine-wide.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status string) ([]*Campaign, error) {
	query := `SELECT * FROM campaigns WHERE status = $1 ORDER BY created_at`

	var campaigns []*Campaign
	if err := r.db.SelectContext(ctx, &campaigns, query, status); err != nil {
		r.logger.Error("Failed to list campaigns by status", "status", status, "error", err)
		return nil, fmt.Errorf("failed to list campaigns by status: %w", err)
	}

	return campaigns, nil
}

// CountByStatus returns campaign counts per status across the engine
func (r *CampaignRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) AS count FROM campaigns GROUP BY status`

	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count campaigns by status: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ListChildren retrieves a campaign's translation children
func (r *CampaignRepository) ListChildren(ctx context.Context, parentID string) ([]*Campaign, error) {
	query := `SELECT * FROM campaigns WHERE parent_campaign_id = $1 ORDER BY language`

	var campaigns []*Campaign
	if err := r.db.SelectContext(ctx, &campaigns, query, parentID); err != nil {
		return nil, fmt.Errorf("failed to list child campaigns: %w", err)
	}

	return campaigns, nil
}

// IncrementCounters atomically adjusts a campaign's aggregate counters
func (r *CampaignRepository) IncrementCounters(ctx context.Context, id string, total, completed, overdue int) error {
	query := `
		UPDATE campaigns SET
			total_assignments = total_assignments + $1,
			completed_assignments = completed_assignments + $2,
			overdue_assignments = overdue_assignments + $3,
			updated_at = NOW()
		WHERE id = $4`

	_, err := r.db.ExecContext(ctx, query, total, completed, overdue, id)
	if err != nil {
		r.logger.Error("Failed to increment campaign counters", "campaign_id", id, "error", err)
		return fmt.Errorf("failed to increment campaign counters: %w", err)
	}

	return nil
}
