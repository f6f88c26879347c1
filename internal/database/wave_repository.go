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

// WaveRepository handles campaign wave data operations
type WaveRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewWaveRepository creates a new wave repository
func NewWaveRepository(db *sqlx.DB, logger *slog.Logger) *WaveRepository {
	return &WaveRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new wave
func (r *WaveRepository) Create(ctx context.Context, wave *Wave) error {
	query := `
		INSERT INTO campaign_waves (
			id, campaign_id, wave_number, scheduled_at, recipient_ids,
			audience_percentage, status, launched_at, created_at, updated_at
		) VALUES (
			:id, :campaign_id, :wave_number, :scheduled_at, :recipient_ids,
			:audience_percentage, :status, :launched_at, :created_at, :updated_at
		)`

	wave.CreatedAt = time.Now()
	wave.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, wave)
	if err != nil {
		r.logger.Error("Failed to create wave", "wave_id", wave.ID, "campaign_id", wave.CampaignID, "error", err)
		return fmt.Errorf("failed to create wave: %w", err)
	}

	return nil
}

// GetByID retrieves a wave by ID
func (r *WaveRepository) GetByID(ctx context.Context, id string) (*Wave, error) {
	query := `SELECT * FROM campaign_waves WHERE id = $1`

	var wave Wave
	err := r.db.GetContext(ctx, &wave, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get wave by ID: %w", err)
	}

	return &wave, nil
}

// GetByNumber retrieves a wave by campaign and wave number
func (r *WaveRepository) GetByNumber(ctx context.Context, campaignID string, waveNumber int) (*Wave, error) {
	query := `SELECT * FROM campaign_waves WHERE campaign_id = $1 AND wave_number = $2`

	var wave Wave
	err := r.db.GetContext(ctx, &wave, query, campaignID, waveNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get wave by number: %w", err)
	}

	return &wave, nil
}

// ListByCampaign retrieves all waves of a campaign in wave order
func (r *WaveRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*Wave, error) {
	query := `SELECT * FROM campaign_waves WHERE campaign_id = $1 ORDER BY wave_number`

	var waves []*Wave
	if err := r.db.SelectContext(ctx, &waves, query, campaignID); err != nil {
		r.logger.Error("Failed to list waves", "campaign_id", campaignID, "error", err)
		return nil, fmt.Errorf("failed to list waves: %w", err)
	}

	return waves, nil
}

// MarkLaunched flips a PENDING wave to LAUNCHED, returning false when the
// wave was not PENDING. This is the idempotency guard against a retried
// launch task reprocessing an already-launched wave.
func (r *WaveRepository) MarkLaunched(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE campaign_waves SET status = $1, launched_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, WaveStatusLaunched, id, WaveStatusPending)
	if err != nil {
		r.logger.Error("Failed to mark wave launched", "wave_id", id, "error", err)
		return false, fmt.Errorf("failed to mark wave launched: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// CancelPending flips all PENDING waves of a campaign to CANCELLED and
// returns how many were affected. LAUNCHED waves are left untouched.
func (r *WaveRepository) CancelPending(ctx context.Context, campaignID string) (int64, error) {
	query := `
		UPDATE campaign_waves SET status = $1, updated_at = NOW()
		WHERE campaign_id = $2 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, WaveStatusCancelled, campaignID, WaveStatusPending)
	if err != nil {
		r.logger.Error("Failed to cancel pending waves", "campaign_id", campaignID, "error", err)
		return 0, fmt.Errorf("failed to cancel pending waves: %w", err)
	}

	return result.RowsAffected()
}

// DeleteByCampaign removes a campaign's wave plan. Only used when a
// scheduled launch is cancelled before any wave has fired.
func (r *WaveRepository) DeleteByCampaign(ctx context.Context, campaignID string) error {
	query := `DELETE FROM campaign_waves WHERE campaign_id = $1 AND status = $2`

	if _, err := r.db.ExecContext(ctx, query, campaignID, WaveStatusPending); err != nil {
		return fmt.Errorf("failed to delete pending waves: %w", err)
	}

	return nil
}
