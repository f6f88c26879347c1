package launch

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-shield/campaign-engine/internal/audience"
	"github.com/aegis-shield/campaign-engine/internal/database"
	"github.com/aegis-shield/campaign-engine/internal/event"
)

type fakeCampaignStore struct {
	campaigns map[string]*database.Campaign
	assigned  map[string]int
}

func (f *fakeCampaignStore) GetUnscoped(_ context.Context, id string) (*database.Campaign, error) {
	return f.campaigns[id], nil
}

func (f *fakeCampaignStore) IncrementCounters(_ context.Context, id string, total, _, _ int) error {
	if f.assigned == nil {
		f.assigned = map[string]int{}
	}
	f.assigned[id] += total
	return nil
}

func (f *fakeCampaignStore) UpdateStatus(_ context.Context, id, fromStatus, toStatus string) (bool, error) {
	c, ok := f.campaigns[id]
	if !ok || c.Status != fromStatus {
		return false, nil
	}
	c.Status = toStatus
	return true, nil
}

type fakeWaveStore struct {
	waves []*database.Wave
}

func (f *fakeWaveStore) GetByNumber(_ context.Context, campaignID string, waveNumber int) (*database.Wave, error) {
	for _, w := range f.waves {
		if w.CampaignID == campaignID && w.WaveNumber == waveNumber {
			return w, nil
		}
	}
	return nil, nil
}

func (f *fakeWaveStore) MarkLaunched(_ context.Context, id string) (bool, error) {
	for _, w := range f.waves {
		if w.ID == id && w.Status == database.WaveStatusPending {
			w.Status = database.WaveStatusLaunched
			return true, nil
		}
	}
	return false, nil
}

type fakeAssignmentStore struct {
	assignments []*database.Assignment
}

func (f *fakeAssignmentStore) CreateBatch(_ context.Context, assignments []*database.Assignment) error {
	f.assignments = append(f.assignments, assignments...)
	return nil
}

func (f *fakeAssignmentStore) AssignedRecipientIDs(_ context.Context, campaignID string) ([]string, error) {
	var ids []string
	for _, a := range f.assignments {
		if a.CampaignID == campaignID {
			ids = append(ids, a.RecipientID)
		}
	}
	return ids, nil
}

func (f *fakeAssignmentStore) recipientSet() map[string]bool {
	set := make(map[string]bool, len(f.assignments))
	for _, a := range f.assignments {
		set[a.RecipientID] = true
	}
	return set
}

type fakeProfileStore struct {
	bumps map[string]int
}

func (f *fakeProfileStore) IncrementAssigned(_ context.Context, _, recipientID string) error {
	if f.bumps == nil {
		f.bumps = map[string]int{}
	}
	f.bumps[recipientID]++
	return nil
}

type staticDirectory struct {
	people map[string]*audience.Person
}

func (d *staticDirectory) Lookup(_ context.Context, _, personID string) (*audience.Person, error) {
	return d.people[personID], nil
}

func (d *staticDirectory) ReportsOf(_ context.Context, _, managerID string) ([]*audience.Person, error) {
	var out []*audience.Person
	for _, p := range d.people {
		if p.ManagerID == managerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *staticDirectory) All(_ context.Context, _ string) ([]*audience.Person, error) {
	var out []*audience.Person
	for _, p := range d.people {
		out = append(out, p)
	}
	return out, nil
}

type publishedEvent struct {
	eventType string
	data      map[string]interface{}
}

type capturePublisher struct {
	events []publishedEvent
}

func (p *capturePublisher) Publish(_ context.Context, eventType, _, _ string, data map[string]interface{}) {
	p.events = append(p.events, publishedEvent{eventType: eventType, data: data})
}

// executorFixture wires an executor over four targeted recipients. p1's
// manager exists in the directory; p2's manager relationship is dangling and
// only the denormalized name on the record survives.
func executorFixture(campaign *database.Campaign) (*Executor, *fakeCampaignStore, *fakeWaveStore, *fakeAssignmentStore, *fakeProfileStore, *capturePublisher) {
	logger := slog.Default()
	people := map[string]*audience.Person{
		"p1":    {ID: "p1", Name: "Pat Doyle", ManagerID: "mgr-1", ManagerName: "stale name", Active: true},
		"p2":    {ID: "p2", Name: "Sam Reyes", ManagerID: "ghost", ManagerName: "Fallback Smith", Active: true},
		"p3":    {ID: "p3", Name: "Ana Silva", Active: true},
		"p4":    {ID: "p4", Name: "Kim Osei", Active: true},
		"mgr-1": {ID: "mgr-1", Name: "Morgan Lee", Active: true},
	}
	directory := &staticDirectory{people: people}

	campaigns := &fakeCampaignStore{campaigns: map[string]*database.Campaign{campaign.ID: campaign}}
	waves := &fakeWaveStore{}
	assignments := &fakeAssignmentStore{}
	profiles := &fakeProfileStore{}
	publisher := &capturePublisher{}

	exec := NewExecutor(
		logger,
		campaigns,
		waves,
		assignments,
		profiles,
		audience.NewEvaluator(logger, directory, nil),
		directory,
		publisher,
	)
	return exec, campaigns, waves, assignments, profiles, publisher
}

func testCampaign(status string) *database.Campaign {
	return &database.Campaign{
		ID:              "c1",
		OrgID:           "org-1",
		Name:            "Data Handling Refresher",
		Status:          status,
		RolloutStrategy: database.RolloutStaggered,
		Targeting:       database.TargetingSpec{RecipientIDs: []string{"p1", "p2", "p3", "p4"}},
		DueDate:         time.Now().AddDate(0, 1, 0),
	}
}

func TestLaunchImmediateSnapshotsRecipients(t *testing.T) {
	campaign := testCampaign(database.CampaignStatusDraft)
	exec, campaigns, _, assignments, profiles, publisher := executorFixture(campaign)

	created, err := exec.LaunchImmediate(context.Background(), campaign)
	require.NoError(t, err)
	assert.Equal(t, 4, created)
	assert.Equal(t, 4, campaigns.assigned["c1"])
	assert.Len(t, profiles.bumps, 4)

	byRecipient := map[string]*database.Assignment{}
	for _, a := range assignments.assignments {
		byRecipient[a.RecipientID] = a
		assert.Equal(t, database.AssignmentStatusPending, a.Status)
		assert.Equal(t, campaign.DueDate, a.DueDate)
	}

	// The manager relationship wins; the denormalized name is the fallback
	assert.Equal(t, "Morgan Lee", byRecipient["p1"].Snapshot.ManagerName)
	assert.Equal(t, "Fallback Smith", byRecipient["p2"].Snapshot.ManagerName)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, event.TypeCampaignLaunched, publisher.events[0].eventType)
}

func TestLaunchDeferredSkipsWhenNoLongerScheduled(t *testing.T) {
	campaign := testCampaign(database.CampaignStatusActive)
	exec, _, _, assignments, _, publisher := executorFixture(campaign)

	require.NoError(t, exec.LaunchDeferred(context.Background(), "c1"))

	assert.Empty(t, assignments.assignments)
	assert.Empty(t, publisher.events)
}

func TestLaunchWaveDeliveredTwiceIsNoOp(t *testing.T) {
	campaign := testCampaign(database.CampaignStatusScheduled)
	exec, campaigns, waves, assignments, _, publisher := executorFixture(campaign)
	waves.waves = []*database.Wave{{
		ID:           "w1",
		CampaignID:   "c1",
		WaveNumber:   1,
		RecipientIDs: []string{"p1", "p2"},
		Status:       database.WaveStatusPending,
	}}

	require.NoError(t, exec.LaunchWave(context.Background(), "c1", 1))

	assert.Len(t, assignments.assignments, 2)
	assert.Equal(t, database.WaveStatusLaunched, waves.waves[0].Status)
	assert.Equal(t, database.CampaignStatusActive, campaigns.campaigns["c1"].Status)
	assert.Len(t, publisher.events, 1)

	// Redelivery of the same task after the crash of a worker, or a
	// duplicated schedule call, must not assign anyone again.
	require.NoError(t, exec.LaunchWave(context.Background(), "c1", 1))

	assert.Len(t, assignments.assignments, 2)
	assert.Len(t, publisher.events, 1)
	assert.Equal(t, 2, campaigns.assigned["c1"])
}

func TestLaunchWaveRecomputeExcludesAssigned(t *testing.T) {
	campaign := testCampaign(database.CampaignStatusActive)
	exec, _, waves, assignments, _, _ := executorFixture(campaign)

	// p1 and p2 went out with wave one
	assignments.assignments = []*database.Assignment{
		{ID: "a1", CampaignID: "c1", RecipientID: "p1"},
		{ID: "a2", CampaignID: "c1", RecipientID: "p2"},
	}

	pct := 50.0
	waves.waves = []*database.Wave{{
		ID:                 "w2",
		CampaignID:         "c1",
		WaveNumber:         2,
		AudiencePercentage: &pct,
		Status:             database.WaveStatusPending,
	}}

	require.NoError(t, exec.LaunchWave(context.Background(), "c1", 2))

	set := assignments.recipientSet()
	assert.Len(t, assignments.assignments, 4)
	assert.True(t, set["p3"])
	assert.True(t, set["p4"])
}

func TestLaunchWaveUnknownWave(t *testing.T) {
	campaign := testCampaign(database.CampaignStatusScheduled)
	exec, _, _, _, _, _ := executorFixture(campaign)

	err := exec.LaunchWave(context.Background(), "c1", 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wave 9 not found")
}
