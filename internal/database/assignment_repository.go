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

// AssignmentRepository handles campaign assignment data operations
type AssignmentRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAssignmentRepository creates a new assignment repository
func NewAssignmentRepository(db *sqlx.DB, logger *slog.Logger) *AssignmentRepository {
	return &AssignmentRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

const assignmentInsert = `
	INSERT INTO campaign_assignments (
		id, campaign_id, wave_id, org_id, recipient_id, snapshot, due_date,
		status, reminder_count, last_reminder_sent_at, manager_notified_at,
		completed_at, created_at, updated_at
	) VALUES (
		:id, :campaign_id, :wave_id, :org_id, :recipient_id, :snapshot, :due_date,
		:status, :reminder_count, :last_reminder_sent_at, :manager_notified_at,
		:completed_at, :created_at, :updated_at
	)`

// Create creates a single assignment
func (r *AssignmentRepository) Create(ctx context.Context, assignment *Assignment) error {
	assignment.CreatedAt = time.Now()
	assignment.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, assignmentInsert, assignment)
	if err != nil {
		r.logger.Error("Failed to create assignment",
			"assignment_id", assignment.ID,
			"campaign_id", assignment.CampaignID,
			"error", err)
		return fmt.Errorf("failed to create assignment: %w", err)
	}

	return nil
}

// CreateBatch creates all assignments of one launch in a single transaction.
// A launch either commits every assignment or none of them; the task runner
// retries the whole unit on failure.
func (r *AssignmentRepository) CreateBatch(ctx context.Context, assignments []*Assignment) error {
	if len(assignments) == 0 {
		return nil
	}

	now := time.Now()
	err := r.Transaction(func(tx *sqlx.Tx) error {
		for _, a := range assignments {
			a.CreatedAt = now
			a.UpdatedAt = now
			if _, err := tx.NamedExecContext(ctx, assignmentInsert, a); err != nil {
				return fmt.Errorf("failed to insert assignment for recipient %s: %w", a.RecipientID, err)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to create assignment batch",
			"count", len(assignments),
			"campaign_id", assignments[0].CampaignID,
			"error", err)
		return fmt.Errorf("failed to create assignment batch: %w", err)
	}

	r.logger.Info("Assignment batch created",
		"count", len(assignments),
		"campaign_id", assignments[0].CampaignID)
	return nil
}

// GetByID retrieves an assignment by ID
func (r *AssignmentRepository) GetByID(ctx context.Context, id string) (*Assignment, error) {
	query := `SELECT * FROM campaign_assignments WHERE id = $1`

	var assignment Assignment
	err := r.db.GetContext(ctx, &assignment, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get assignment by ID: %w", err)
	}

	return &assignment, nil
}

// ListByCampaign retrieves all assignments of a campaign
func (r *AssignmentRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*Assignment, error) {
	query := `SELECT * FROM campaign_assignments WHERE campaign_id = $1 ORDER BY created_at`

	var assignments []*Assignment
	if err := r.db.SelectContext(ctx, &assignments, query, campaignID); err != nil {
		r.logger.Error("Failed to list assignments", "campaign_id", campaignID, "error", err)
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}

	return assignments, nil
}

// AssignedRecipientIDs returns the recipients already assigned in any wave of
// the campaign. The launch executor subtracts these when recomputing a
// wave's share so no recipient is assigned twice.
func (r *AssignmentRepository) AssignedRecipientIDs(ctx context.Context, campaignID string) ([]string, error) {
	query := `SELECT recipient_id FROM campaign_assignments WHERE campaign_id = $1`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list assigned recipient IDs: %w", err)
	}

	return ids, nil
}

// ListOpenByCampaign retrieves an active campaign's non-terminal assignments
// in batches for the reminder sweep.
func (r *AssignmentRepository) ListOpenByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]*Assignment, error) {
	query := `
		SELECT * FROM campaign_assignments
		WHERE campaign_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at
		LIMIT $4 OFFSET $5`

	var assignments []*Assignment
	err := r.db.SelectContext(ctx, &assignments, query,
		campaignID, AssignmentStatusCompleted, AssignmentStatusSkipped, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list open assignments: %w", err)
	}

	return assignments, nil
}

// RecordReminder advances an assignment's reminder progress only when its
// reminder_count still precedes the step about to fire. The conditional
// keeps the sweep idempotent when it runs more than once a day or when two
// workers sweep the same campaign.
func (r *AssignmentRepository) RecordReminder(ctx context.Context, id string, newCount int, managerNotified bool) (bool, error) {
	query := `
		UPDATE campaign_assignments SET
			reminder_count = $1,
			last_reminder_sent_at = NOW(),
			manager_notified_at = CASE WHEN $2 THEN NOW() ELSE manager_notified_at END,
			status = CASE WHEN status = $3 THEN $4 ELSE status END,
			updated_at = NOW()
		WHERE id = $5 AND reminder_count < $1`

	result, err := r.db.ExecContext(ctx, query,
		newCount, managerNotified, AssignmentStatusPending, AssignmentStatusNotified, id)
	if err != nil {
		r.logger.Error("Failed to record reminder", "assignment_id", id, "error", err)
		return false, fmt.Errorf("failed to record reminder: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// MarkOverdue flips a past-due open assignment to OVERDUE, returning false
// if another sweep got there first.
func (r *AssignmentRepository) MarkOverdue(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE campaign_assignments SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4, $5)`

	result, err := r.db.ExecContext(ctx, query, AssignmentStatusOverdue, id,
		AssignmentStatusPending, AssignmentStatusNotified, AssignmentStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("failed to mark assignment overdue: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Complete closes an assignment, returning false when it was already in a
// terminal status.
func (r *AssignmentRepository) Complete(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	query := `
		UPDATE campaign_assignments SET status = $1, completed_at = $2, updated_at = NOW()
		WHERE id = $3 AND status NOT IN ($1, $4)`

	result, err := r.db.ExecContext(ctx, query,
		AssignmentStatusCompleted, completedAt, id, AssignmentStatusSkipped)
	if err != nil {
		return false, fmt.Errorf("failed to complete assignment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Skip marks an assignment SKIPPED, returning false for terminal assignments
func (r *AssignmentRepository) Skip(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE campaign_assignments SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($1, $3)`

	result, err := r.db.ExecContext(ctx, query,
		AssignmentStatusSkipped, id, AssignmentStatusCompleted)
	if err != nil {
		return false, fmt.Errorf("failed to skip assignment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ExtendDueDate moves a single assignment's due date independently of the
// campaign's.
func (r *AssignmentRepository) ExtendDueDate(ctx context.Context, id string, dueDate time.Time) error {
	query := `UPDATE campaign_assignments SET due_date = $1, updated_at = NOW() WHERE id = $2`

	if _, err := r.db.ExecContext(ctx, query, dueDate, id); err != nil {
		return fmt.Errorf("failed to extend assignment due date: %w", err)
	}

	return nil
}
