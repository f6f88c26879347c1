package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-shield/campaign-engine/internal/apperrors"
	"github.com/aegis-shield/campaign-engine/internal/audience"
	"github.com/aegis-shield/campaign-engine/internal/calendar"
	"github.com/aegis-shield/campaign-engine/internal/database"
	"github.com/aegis-shield/campaign-engine/internal/rollout"
)

type fakeCampaignStore struct {
	campaigns map[string]*database.Campaign
}

func (f *fakeCampaignStore) GetByID(_ context.Context, orgID, id string) (*database.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok || c.OrgID != orgID {
		return nil, nil
	}
	return c, nil
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

func (f *fakeWaveStore) Create(_ context.Context, wave *database.Wave) error {
	f.waves = append(f.waves, wave)
	return nil
}

func (f *fakeWaveStore) ListByCampaign(_ context.Context, campaignID string) ([]*database.Wave, error) {
	var out []*database.Wave
	for _, w := range f.waves {
		if w.CampaignID == campaignID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaveNumber < out[j].WaveNumber })
	return out, nil
}

func (f *fakeWaveStore) CancelPending(_ context.Context, campaignID string) (int64, error) {
	var n int64
	for _, w := range f.waves {
		if w.CampaignID == campaignID && w.Status == database.WaveStatusPending {
			w.Status = database.WaveStatusCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakeWaveStore) DeleteByCampaign(_ context.Context, campaignID string) error {
	kept := f.waves[:0]
	for _, w := range f.waves {
		if w.CampaignID == campaignID && w.Status == database.WaveStatusPending {
			continue
		}
		kept = append(kept, w)
	}
	f.waves = kept
	return nil
}

type fakeBlackoutStore struct {
	windows []*database.BlackoutDate
}

func (f *fakeBlackoutStore) ListByOrg(_ context.Context, _ string) ([]*database.BlackoutDate, error) {
	return f.windows, nil
}

type queuedTask struct {
	taskType string
	payload  map[string]interface{}
	fireAt   time.Time
}

type fakeQueue struct {
	tasks map[string]queuedTask
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: map[string]queuedTask{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, key, taskType string, payload map[string]interface{}, fireAt time.Time) error {
	if _, exists := q.tasks[key]; exists {
		return nil
	}
	q.tasks[key] = queuedTask{taskType: taskType, payload: payload, fireAt: fireAt}
	return nil
}

func (q *fakeQueue) Cancel(_ context.Context, keyPrefix string) (int64, error) {
	var n int64
	for key := range q.tasks {
		if strings.HasPrefix(key, keyPrefix) {
			delete(q.tasks, key)
			n++
		}
	}
	return n, nil
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

func schedulerFixture(campaign *database.Campaign) (*LaunchScheduler, *fakeCampaignStore, *fakeWaveStore, *fakeQueue) {
	logger := slog.Default()
	people := map[string]*audience.Person{}
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		people[id] = &audience.Person{ID: id, Name: id, Active: true}
	}

	campaigns := &fakeCampaignStore{campaigns: map[string]*database.Campaign{campaign.ID: campaign}}
	waves := &fakeWaveStore{}
	queue := newFakeQueue()

	sched := NewLaunchScheduler(
		logger,
		campaigns,
		waves,
		&fakeBlackoutStore{},
		rollout.NewPlanner(logger, calendar.New(logger, 0), 20, 90),
		audience.NewEvaluator(logger, &staticDirectory{people: people}, nil),
		queue,
	)
	return sched, campaigns, waves, queue
}

func draftCampaign(strategy string) *database.Campaign {
	return &database.Campaign{
		ID:              "c1",
		OrgID:           "org-1",
		Name:            "Security Policy Refresh",
		Status:          database.CampaignStatusDraft,
		RolloutStrategy: strategy,
		Targeting:       database.TargetingSpec{RecipientIDs: []string{"p1", "p2", "p3", "p4"}},
		DueDate:         time.Now().AddDate(0, 1, 0),
	}
}

func TestScheduleLaunchRejectsPastTime(t *testing.T) {
	campaign := draftCampaign(database.RolloutImmediate)
	sched, campaigns, waves, queue := schedulerFixture(campaign)

	_, err := sched.ScheduleLaunch(context.Background(), "org-1", "c1", time.Now().Add(-time.Hour), nil)

	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Empty(t, queue.tasks)
	assert.Empty(t, waves.waves)
	assert.Equal(t, database.CampaignStatusDraft, campaigns.campaigns["c1"].Status)
}

func TestScheduleLaunchUnknownCampaign(t *testing.T) {
	sched, _, _, _ := schedulerFixture(draftCampaign(database.RolloutImmediate))

	_, err := sched.ScheduleLaunch(context.Background(), "org-1", "missing", time.Now().Add(time.Hour), nil)

	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestScheduleImmediateLaunch(t *testing.T) {
	campaign := draftCampaign(database.RolloutImmediate)
	sched, campaigns, _, queue := schedulerFixture(campaign)

	at := time.Now().Add(2 * time.Hour)
	details, err := sched.ScheduleLaunch(context.Background(), "org-1", "c1", at, nil)

	require.NoError(t, err)
	assert.Equal(t, "c1", details.CampaignID)
	assert.Equal(t, database.CampaignStatusScheduled, campaigns.campaigns["c1"].Status)

	task, ok := queue.tasks["c1:launch"]
	require.True(t, ok)
	assert.Equal(t, TaskTypeCampaignLaunch, task.taskType)
	assert.Equal(t, at, task.fireAt)
	assert.Equal(t, "c1", task.payload["campaign_id"])
}

func TestRescheduleImmediateMovesFireTime(t *testing.T) {
	campaign := draftCampaign(database.RolloutImmediate)
	sched, _, _, queue := schedulerFixture(campaign)

	first := time.Now().Add(2 * time.Hour)
	_, err := sched.ScheduleLaunch(context.Background(), "org-1", "c1", first, nil)
	require.NoError(t, err)

	second := time.Now().Add(48 * time.Hour)
	_, err = sched.ScheduleLaunch(context.Background(), "org-1", "c1", second, nil)
	require.NoError(t, err)

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, second, queue.tasks["c1:launch"].fireAt)
}

func TestScheduleStaggeredLaunch(t *testing.T) {
	campaign := draftCampaign(database.RolloutStaggered)
	sched, campaigns, waves, queue := schedulerFixture(campaign)

	start := tomorrowMidnight()
	plan := &database.RolloutPlan{
		Type:       rollout.PlanTypePercentage,
		Values:     []float64{50, 50},
		StartDate:  start,
		WaveDayGap: 3,
	}

	details, err := sched.ScheduleLaunch(context.Background(), "org-1", "c1", start, plan)
	require.NoError(t, err)
	require.Len(t, details.Waves, 2)

	assert.Equal(t, database.CampaignStatusScheduled, campaigns.campaigns["c1"].Status)

	// Waves persisted PENDING with disjoint recipients covering the audience
	persisted, _ := waves.ListByCampaign(context.Background(), "c1")
	require.Len(t, persisted, 2)
	var all []string
	for _, w := range persisted {
		assert.Equal(t, database.WaveStatusPending, w.Status)
		all = append(all, w.RecipientIDs...)
	}
	sort.Strings(all)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, all)

	// One deferred task per wave, later waves firing later
	require.Len(t, queue.tasks, 2)
	w1, ok := queue.tasks["c1:wave:1"]
	require.True(t, ok)
	w2, ok := queue.tasks["c1:wave:2"]
	require.True(t, ok)
	assert.Equal(t, TaskTypeWaveLaunch, w1.taskType)
	assert.True(t, w2.fireAt.After(w1.fireAt))
	assert.Equal(t, 2, w2.payload["wave_number"])
}

func TestRescheduleStaggeredReplacesPlan(t *testing.T) {
	campaign := draftCampaign(database.RolloutStaggered)
	sched, _, waves, queue := schedulerFixture(campaign)

	start := tomorrowMidnight()
	plan := &database.RolloutPlan{
		Type:       rollout.PlanTypePercentage,
		Values:     []float64{50, 50},
		StartDate:  start,
		WaveDayGap: 3,
	}
	_, err := sched.ScheduleLaunch(context.Background(), "org-1", "c1", start, plan)
	require.NoError(t, err)

	replacement := &database.RolloutPlan{
		Type:       rollout.PlanTypePercentage,
		Values:     []float64{25, 25, 50},
		StartDate:  start,
		WaveDayGap: 7,
	}
	_, err = sched.ScheduleLaunch(context.Background(), "org-1", "c1", start, replacement)
	require.NoError(t, err)

	persisted, _ := waves.ListByCampaign(context.Background(), "c1")
	assert.Len(t, persisted, 3)
	assert.Len(t, queue.tasks, 3)
}

func TestCancelScheduledLaunch(t *testing.T) {
	campaign := draftCampaign(database.RolloutStaggered)
	sched, _, waves, queue := schedulerFixture(campaign)

	start := tomorrowMidnight()
	plan := &database.RolloutPlan{
		Type:       rollout.PlanTypePercentage,
		Values:     []float64{50, 50},
		StartDate:  start,
		WaveDayGap: 3,
	}
	_, err := sched.ScheduleLaunch(context.Background(), "org-1", "c1", start, plan)
	require.NoError(t, err)

	require.NoError(t, sched.CancelScheduledLaunch(context.Background(), "org-1", "c1"))

	assert.Empty(t, queue.tasks)
	for _, w := range waves.waves {
		assert.Equal(t, database.WaveStatusCancelled, w.Status)
	}
}

func tomorrowMidnight() time.Time {
	t := time.Now().AddDate(0, 0, 1)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func TestIdempotencyKeys(t *testing.T) {
	assert.Equal(t, "c1:wave:3", waveKey("c1", 3))
	assert.Equal(t, "c1:launch", campaignKey("c1"))
}
