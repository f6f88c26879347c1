package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Campaign statuses
const (
	CampaignStatusDraft     = "DRAFT"
	CampaignStatusScheduled = "SCHEDULED"
	CampaignStatusActive    = "ACTIVE"
	CampaignStatusPaused    = "PAUSED"
	CampaignStatusCompleted = "COMPLETED"
	CampaignStatusCancelled = "CANCELLED"
)

// Rollout strategies
const (
	RolloutImmediate  = "IMMEDIATE"
	RolloutStaggered  = "STAGGERED"
	RolloutPilotFirst = "PILOT_FIRST"
)

// Wave statuses
const (
	WaveStatusPending   = "PENDING"
	WaveStatusLaunched  = "LAUNCHED"
	WaveStatusCancelled = "CANCELLED"
)

// Assignment statuses
const (
	AssignmentStatusPending    = "PENDING"
	AssignmentStatusNotified   = "NOTIFIED"
	AssignmentStatusInProgress = "IN_PROGRESS"
	AssignmentStatusCompleted  = "COMPLETED"
	AssignmentStatusOverdue    = "OVERDUE"
	AssignmentStatusSkipped    = "SKIPPED"
)

// Recurring blackout patterns
const (
	RecurringYearly    = "YEARLY"
	RecurringQuarterly = "QUARTERLY"
	RecurringMonthly   = "MONTHLY"
)

// Scheduled task statuses
const (
	TaskStatusPending   = "PENDING"
	TaskStatusRunning   = "RUNNING"
	TaskStatusDone      = "DONE"
	TaskStatusFailed    = "FAILED"
	TaskStatusCancelled = "CANCELLED"
)

// TargetingSpec describes how a campaign's audience is selected. Exactly one
// of the selector fields is honored, checked in the order: recipient IDs,
// segment expression, manager tree, then "everyone". LocationID is not a
// selector: it scopes blackout windows when the rollout is planned.
type TargetingSpec struct {
	Everyone     bool     `json:"everyone,omitempty"`
	RecipientIDs []string `json:"recipient_ids,omitempty"`
	Segment      string   `json:"segment,omitempty"`
	ManagerID    string   `json:"manager_id,omitempty"`
	LocationID   string   `json:"location_id,omitempty"`
}

// RolloutPlan holds the staggered rollout parameters supplied at schedule time
type RolloutPlan struct {
	Type       string    `json:"type"` // percentage, count
	Values     []float64 `json:"values"`
	StartDate  time.Time `json:"start_date"`
	WaveDayGap int       `json:"wave_day_gap"`
}

// ReminderStep is one entry in a campaign's ordered reminder sequence.
// DaysFromDue is negative before the due date and positive after it.
type ReminderStep struct {
	DaysFromDue int  `json:"days_from_due"`
	CCManager   bool `json:"cc_manager"`
	CCHR        bool `json:"cc_hr"`
}

// ReminderSteps is the ordered reminder sequence stored as JSONB
type ReminderSteps []ReminderStep

// RecipientSnapshot is the immutable directory snapshot captured at
// assignment time. Later directory edits never rewrite it.
type RecipientSnapshot struct {
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Department  string `json:"department,omitempty"`
	Location    string `json:"location,omitempty"`
	ManagerID   string `json:"manager_id,omitempty"`
	ManagerName string `json:"manager_name,omitempty"`
}

// Campaign represents an outbound compliance campaign
type Campaign struct {
	ID                   string         `db:"id" json:"id"`
	OrgID                string         `db:"org_id" json:"org_id"`
	Name                 string         `db:"name" json:"name"`
	Description          string         `db:"description" json:"description"`
	Status               string         `db:"status" json:"status"`
	Targeting            TargetingSpec  `db:"targeting" json:"targeting"`
	DueDate              time.Time      `db:"due_date" json:"due_date"`
	LaunchAt             *time.Time     `db:"launch_at" json:"launch_at,omitempty"`
	RolloutStrategy      string         `db:"rollout_strategy" json:"rollout_strategy"`
	RolloutPlan          *RolloutPlan   `db:"rollout_plan" json:"rollout_plan,omitempty"`
	ReminderSteps        ReminderSteps  `db:"reminder_steps" json:"reminder_steps"`
	TotalAssignments     int            `db:"total_assignments" json:"total_assignments"`
	CompletedAssignments int            `db:"completed_assignments" json:"completed_assignments"`
	OverdueAssignments   int            `db:"overdue_assignments" json:"overdue_assignments"`
	ParentCampaignID     *string        `db:"parent_campaign_id" json:"parent_campaign_id,omitempty"`
	ParentVersion        *int           `db:"parent_version" json:"parent_version,omitempty"`
	Version              int            `db:"version" json:"version"`
	Language             string         `db:"language" json:"language"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// Wave represents one time-phased slice of a campaign's audience
type Wave struct {
	ID                 string         `db:"id" json:"id"`
	CampaignID         string         `db:"campaign_id" json:"campaign_id"`
	WaveNumber         int            `db:"wave_number" json:"wave_number"`
	ScheduledAt        time.Time      `db:"scheduled_at" json:"scheduled_at"`
	RecipientIDs       pq.StringArray `db:"recipient_ids" json:"recipient_ids,omitempty"`
	AudiencePercentage *float64       `db:"audience_percentage" json:"audience_percentage,omitempty"`
	Status             string         `db:"status" json:"status"`
	LaunchedAt         *time.Time     `db:"launched_at" json:"launched_at,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// Assignment represents one recipient's obligation within a campaign.
// Assignments are never deleted; terminal statuses close them out.
type Assignment struct {
	ID                 string            `db:"id" json:"id"`
	CampaignID         string            `db:"campaign_id" json:"campaign_id"`
	WaveID             *string           `db:"wave_id" json:"wave_id,omitempty"`
	OrgID              string            `db:"org_id" json:"org_id"`
	RecipientID        string            `db:"recipient_id" json:"recipient_id"`
	Snapshot           RecipientSnapshot `db:"snapshot" json:"snapshot"`
	DueDate            time.Time         `db:"due_date" json:"due_date"`
	Status             string            `db:"status" json:"status"`
	ReminderCount      int               `db:"reminder_count" json:"reminder_count"`
	LastReminderSentAt *time.Time        `db:"last_reminder_sent_at" json:"last_reminder_sent_at,omitempty"`
	ManagerNotifiedAt  *time.Time        `db:"manager_notified_at" json:"manager_notified_at,omitempty"`
	CompletedAt        *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
}

// BlackoutDate is an organization-level exclusion window. Campaigns never
// launch inside one; recurring windows repeat by pattern.
type BlackoutDate struct {
	ID               string    `db:"id" json:"id"`
	OrgID            string    `db:"org_id" json:"org_id"`
	Name             string    `db:"name" json:"name"`
	StartDate        time.Time `db:"start_date" json:"start_date"`
	EndDate          time.Time `db:"end_date" json:"end_date"`
	IsRecurring      bool      `db:"is_recurring" json:"is_recurring"`
	RecurringPattern *string   `db:"recurring_pattern" json:"recurring_pattern,omitempty"`
	LocationID       *string   `db:"location_id" json:"location_id,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// ComplianceProfile accumulates a recipient's cross-campaign response history
type ComplianceProfile struct {
	ID                      string    `db:"id" json:"id"`
	OrgID                   string    `db:"org_id" json:"org_id"`
	RecipientID             string    `db:"recipient_id" json:"recipient_id"`
	CampaignsAssigned       int       `db:"campaigns_assigned" json:"campaigns_assigned"`
	CampaignsCompleted      int       `db:"campaigns_completed" json:"campaigns_completed"`
	CampaignsMissedDeadline int       `db:"campaigns_missed_deadline" json:"campaigns_missed_deadline"`
	AverageResponseDays     float64   `db:"average_response_days" json:"average_response_days"`
	IsRepeatNonResponder    bool      `db:"is_repeat_non_responder" json:"is_repeat_non_responder"`
	CreatedAt               time.Time `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time `db:"updated_at" json:"updated_at"`
}

// ScheduledTask is one durable deferred execution, keyed for idempotency
type ScheduledTask struct {
	ID             string     `db:"id" json:"id"`
	IdempotencyKey string     `db:"idempotency_key" json:"idempotency_key"`
	TaskType       string     `db:"task_type" json:"task_type"`
	Payload        JSONB      `db:"payload" json:"payload"`
	FireAt         time.Time  `db:"fire_at" json:"fire_at"`
	Status         string     `db:"status" json:"status"`
	Attempts       int        `db:"attempts" json:"attempts"`
	MaxAttempts    int        `db:"max_attempts" json:"max_attempts"`
	LastError      *string    `db:"last_error" json:"last_error,omitempty"`
	NextRetryAt    *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	ClaimedAt      *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// JSONB implements database/sql/driver.Valuer and sql.Scanner for JSON fields
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(b, j)
}

func jsonValue(v interface{}) (driver.Value, error) {
	return json.Marshal(v)
}

func jsonScan(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into %T", value, dest)
	}
	return json.Unmarshal(b, dest)
}

func (t TargetingSpec) Value() (driver.Value, error)  { return jsonValue(t) }
func (t *TargetingSpec) Scan(value interface{}) error { return jsonScan(value, t) }

func (p RolloutPlan) Value() (driver.Value, error)  { return jsonValue(p) }
func (p *RolloutPlan) Scan(value interface{}) error { return jsonScan(value, p) }

func (s ReminderSteps) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]ReminderStep{})
	}
	return json.Marshal(s)
}
func (s *ReminderSteps) Scan(value interface{}) error { return jsonScan(value, s) }

func (r RecipientSnapshot) Value() (driver.Value, error)  { return jsonValue(r) }
func (r *RecipientSnapshot) Scan(value interface{}) error { return jsonScan(value, r) }

// Terminal reports whether the assignment can still receive reminders
func (a *Assignment) Terminal() bool {
	switch a.Status {
	case AssignmentStatusCompleted, AssignmentStatusSkipped:
		return true
	}
	return false
}
