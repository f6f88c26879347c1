package reminder

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-shield/campaign-engine/internal/config"
	"github.com/aegis-shield/campaign-engine/internal/database"
)

type fakeCampaignStore struct {
	campaigns    []*database.Campaign
	overdueBumps map[string]int
}

func (f *fakeCampaignStore) ListByStatus(_ context.Context, status string) ([]*database.Campaign, error) {
	var out []*database.Campaign
	for _, c := range f.campaigns {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCampaignStore) IncrementCounters(_ context.Context, id string, _, _, overdue int) error {
	if f.overdueBumps == nil {
		f.overdueBumps = map[string]int{}
	}
	f.overdueBumps[id] += overdue
	return nil
}

type fakeAssignmentStore struct {
	assignments map[string]*database.Assignment
}

func (f *fakeAssignmentStore) ListOpenByCampaign(_ context.Context, campaignID string, limit, offset int) ([]*database.Assignment, error) {
	var open []*database.Assignment
	for _, a := range f.assignments {
		if a.CampaignID == campaignID && !a.Terminal() {
			open = append(open, a)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	if offset >= len(open) {
		return nil, nil
	}
	open = open[offset:]
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (f *fakeAssignmentStore) RecordReminder(_ context.Context, id string, newCount int, managerNotified bool) (bool, error) {
	a := f.assignments[id]
	if a.ReminderCount >= newCount {
		return false, nil
	}
	a.ReminderCount = newCount
	if a.Status == database.AssignmentStatusPending {
		a.Status = database.AssignmentStatusNotified
	}
	if managerNotified && a.ManagerNotifiedAt == nil {
		now := time.Now()
		a.ManagerNotifiedAt = &now
	}
	return true, nil
}

func (f *fakeAssignmentStore) MarkOverdue(_ context.Context, id string) (bool, error) {
	a := f.assignments[id]
	switch a.Status {
	case database.AssignmentStatusPending, database.AssignmentStatusNotified, database.AssignmentStatusInProgress:
		a.Status = database.AssignmentStatusOverdue
		return true, nil
	}
	return false, nil
}

// fakeProfileStore mirrors the repository's single-statement updates: each
// record call mutates the profile under a lock, never via read-modify-write
// on the caller's side.
type fakeProfileStore struct {
	mu       sync.Mutex
	profiles map[string]*database.ComplianceProfile
}

func (f *fakeProfileStore) get(orgID, recipientID string) *database.ComplianceProfile {
	if f.profiles == nil {
		f.profiles = map[string]*database.ComplianceProfile{}
	}
	key := orgID + "/" + recipientID
	p, ok := f.profiles[key]
	if !ok {
		p = &database.ComplianceProfile{OrgID: orgID, RecipientID: recipientID}
		f.profiles[key] = p
	}
	return p
}

func (f *fakeProfileStore) RecordCompletion(_ context.Context, orgID, recipientID string, responseDays float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.get(orgID, recipientID)
	p.AverageResponseDays = updatedAverage(p.AverageResponseDays, p.CampaignsCompleted, responseDays)
	p.CampaignsCompleted++
	return nil
}

func (f *fakeProfileStore) RecordMissedDeadline(_ context.Context, orgID, recipientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.get(orgID, recipientID)
	p.CampaignsMissedDeadline++
	p.IsRepeatNonResponder = isRepeatNonResponder(p.CampaignsAssigned, p.CampaignsMissedDeadline)
	return p.IsRepeatNonResponder, nil
}

type publishedEvent struct {
	eventType  string
	campaignID string
	data       map[string]interface{}
}

type capturePublisher struct {
	events []publishedEvent
}

func (p *capturePublisher) Publish(_ context.Context, eventType, _, campaignID string, data map[string]interface{}) {
	p.events = append(p.events, publishedEvent{eventType: eventType, campaignID: campaignID, data: data})
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Reminders.SweepSchedule = "0 0 6 * * *"
	cfg.Reminders.SweepBatch = 100
	return cfg
}

// fourStepSequencer builds a sequencer over one active campaign with the
// standard escalating sequence: nudges at due-5 and due-1, manager copy at
// due+3, manager and HR copies at due+7.
func fourStepSequencer(dueDate time.Time, clock *time.Time) (*Sequencer, *fakeAssignmentStore, *fakeProfileStore, *capturePublisher) {
	campaign := &database.Campaign{
		ID:     "camp-1",
		OrgID:  "org-1",
		Status: database.CampaignStatusActive,
		ReminderSteps: database.ReminderSteps{
			{DaysFromDue: -5},
			{DaysFromDue: -1},
			{DaysFromDue: 3, CCManager: true},
			{DaysFromDue: 7, CCManager: true, CCHR: true},
		},
	}
	campaigns := &fakeCampaignStore{campaigns: []*database.Campaign{campaign}}
	assignments := &fakeAssignmentStore{assignments: map[string]*database.Assignment{
		"asn-1": {
			ID:          "asn-1",
			CampaignID:  "camp-1",
			OrgID:       "org-1",
			RecipientID: "p1",
			Snapshot:    database.RecipientSnapshot{Name: "Pat Doyle", ManagerID: "mgr-1"},
			DueDate:     dueDate,
			Status:      database.AssignmentStatusPending,
		},
	}}
	profiles := &fakeProfileStore{}
	publisher := &capturePublisher{}

	seq := NewSequencer(
		testConfig(),
		slog.Default(),
		campaigns,
		assignments,
		NewProfileTracker(slog.Default(), profiles),
		publisher,
		func() time.Time { return *clock },
	)
	return seq, assignments, profiles, publisher
}

func TestSweepFiresMatchingStepOnce(t *testing.T) {
	due := day(2026, time.March, 20)
	now := day(2026, time.March, 23) // due+3, the manager-copy step
	seq, assignments, _, publisher := fourStepSequencer(due, &now)

	require.NoError(t, seq.Sweep(context.Background()))

	require.Len(t, publisher.events, 1)
	evt := publisher.events[0]
	assert.Equal(t, "campaign.reminder.due", evt.eventType)
	assert.Equal(t, 2, evt.data["step_index"])
	assert.Equal(t, true, evt.data["cc_manager"])
	assert.Equal(t, false, evt.data["cc_hr"])
	assert.Equal(t, "mgr-1", evt.data["manager_id"])

	// reminder_count jumps to the step's position, not to sent+1
	asn := assignments.assignments["asn-1"]
	assert.Equal(t, 3, asn.ReminderCount)
	assert.NotNil(t, asn.ManagerNotifiedAt)

	// Same-day re-run is a no-op
	require.NoError(t, seq.Sweep(context.Background()))
	assert.Len(t, publisher.events, 1)
	assert.Equal(t, 3, assignments.assignments["asn-1"].ReminderCount)
}

func TestSweepDayWithNoMatchingStep(t *testing.T) {
	due := day(2026, time.March, 20)
	now := day(2026, time.March, 22) // due+2, between steps
	seq, assignments, _, publisher := fourStepSequencer(due, &now)

	require.NoError(t, seq.Sweep(context.Background()))

	assert.Empty(t, publisher.events)
	assert.Equal(t, 0, assignments.assignments["asn-1"].ReminderCount)
}

func TestSweepSkippedDayIsNotBackfilled(t *testing.T) {
	due := day(2026, time.March, 20)
	now := day(2026, time.March, 15) // due-5
	seq, assignments, _, publisher := fourStepSequencer(due, &now)

	require.NoError(t, seq.Sweep(context.Background()))
	require.Len(t, publisher.events, 1)
	assert.Equal(t, 1, assignments.assignments["asn-1"].ReminderCount)

	// No sweep ran on due-1. The next run lands on due+3 and fires only
	// that step; the count jumps from 1 straight to 3.
	now = day(2026, time.March, 23)
	require.NoError(t, seq.Sweep(context.Background()))

	require.Len(t, publisher.events, 2)
	assert.Equal(t, 2, publisher.events[1].data["step_index"])
	assert.Equal(t, 3, assignments.assignments["asn-1"].ReminderCount)
}

func TestSweepMarksOverdueAndStillFiresPostDueStep(t *testing.T) {
	due := day(2026, time.March, 20)
	now := day(2026, time.March, 23)
	seq, assignments, profiles, publisher := fourStepSequencer(due, &now)

	require.NoError(t, seq.Sweep(context.Background()))

	asn := assignments.assignments["asn-1"]
	assert.Equal(t, database.AssignmentStatusOverdue, asn.Status)

	// The flip to OVERDUE does not suppress the due+3 reminder
	require.Len(t, publisher.events, 1)

	profile := profiles.profiles["org-1/p1"]
	require.NotNil(t, profile)
	assert.Equal(t, 1, profile.CampaignsMissedDeadline)

	// Later sweeps do not mark or count it again
	now = day(2026, time.March, 27)
	require.NoError(t, seq.Sweep(context.Background()))
	assert.Equal(t, 1, profiles.profiles["org-1/p1"].CampaignsMissedDeadline)
}

func TestSweepEscalatesToHROnFinalStep(t *testing.T) {
	due := day(2026, time.March, 20)
	now := day(2026, time.March, 27) // due+7
	seq, _, _, publisher := fourStepSequencer(due, &now)

	require.NoError(t, seq.Sweep(context.Background()))

	require.Len(t, publisher.events, 1)
	assert.Equal(t, 3, publisher.events[0].data["step_index"])
	assert.Equal(t, true, publisher.events[0].data["cc_hr"])
}

func TestSweepIgnoresCampaignsNotActive(t *testing.T) {
	due := day(2026, time.March, 20)
	now := day(2026, time.March, 15)
	seq, assignments, _, publisher := fourStepSequencer(due, &now)

	campaigns := seq.campaignRepo.(*fakeCampaignStore)
	campaigns.campaigns[0].Status = database.CampaignStatusPaused

	require.NoError(t, seq.Sweep(context.Background()))

	assert.Empty(t, publisher.events)
	assert.Equal(t, 0, assignments.assignments["asn-1"].ReminderCount)
}

func TestMatchStep(t *testing.T) {
	steps := database.ReminderSteps{
		{DaysFromDue: -5},
		{DaysFromDue: -1},
		{DaysFromDue: 3, CCManager: true},
	}
	due := day(2026, time.June, 10)

	idx, step := matchStep(steps, day(2026, time.June, 5), due)
	require.NotNil(t, step)
	assert.Equal(t, 0, idx)

	idx, step = matchStep(steps, day(2026, time.June, 13), due)
	require.NotNil(t, step)
	assert.Equal(t, 2, idx)
	assert.True(t, step.CCManager)

	_, step = matchStep(steps, day(2026, time.June, 8), due)
	assert.Nil(t, step)
}

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 0, daysBetween(day(2026, time.May, 1), time.Date(2026, time.May, 1, 23, 59, 0, 0, time.UTC)))
	assert.Equal(t, 1, daysBetween(day(2026, time.May, 1), day(2026, time.May, 2)))
	assert.Equal(t, -3, daysBetween(day(2026, time.May, 10), day(2026, time.May, 7)))
	assert.Equal(t, 1, daysBetween(day(2026, time.February, 28), day(2026, time.March, 1)))
}
