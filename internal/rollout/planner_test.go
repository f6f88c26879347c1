package rollout

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-shield/campaign-engine/internal/apperrors"
	"github.com/aegis-shield/campaign-engine/internal/calendar"
	"github.com/aegis-shield/campaign-engine/internal/database"
)

func testPlanner() *Planner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPlanner(logger, calendar.New(logger, 0), 20, 90)
}

func recipients(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("r%03d", i)
	}
	return ids
}

func monday() time.Time {
	return time.Date(2024, time.September, 2, 0, 0, 0, 0, time.UTC)
}

func percentagePlan(values ...float64) *database.RolloutPlan {
	return &database.RolloutPlan{
		Type:       PlanTypePercentage,
		Values:     values,
		StartDate:  monday(),
		WaveDayGap: 7,
	}
}

func TestPlan_PercentagePartitionIsExact(t *testing.T) {
	p := testPlanner()
	audience := recipients(100)

	waves, err := p.Plan(percentagePlan(10, 40, 50), audience, nil, "")
	require.NoError(t, err)
	require.Len(t, waves, 3)

	assert.Len(t, waves[0].RecipientIDs, 10)
	assert.Len(t, waves[1].RecipientIDs, 40)
	assert.Len(t, waves[2].RecipientIDs, 50)
	assertExactPartition(t, audience, waves)
}

func TestPlan_RoundingRemainderGoesToLastWave(t *testing.T) {
	p := testPlanner()
	// 33/33/34 of 10 recipients: round(3.3)=3, round(3.3)=3, last absorbs 4
	audience := recipients(10)

	waves, err := p.Plan(percentagePlan(33, 33, 34), audience, nil, "")
	require.NoError(t, err)

	assert.Len(t, waves[0].RecipientIDs, 3)
	assert.Len(t, waves[1].RecipientIDs, 3)
	assert.Len(t, waves[2].RecipientIDs, 4)
	assertExactPartition(t, audience, waves)
}

func TestPlan_PartitionPropertyAcrossConfigs(t *testing.T) {
	p := testPlanner()

	configs := [][]float64{
		{100},
		{50, 50},
		{10, 20, 30, 40},
		{1, 99},
		{25, 25, 25, 25},
	}
	for _, values := range configs {
		for _, n := range []int{1, 7, 50, 333} {
			audience := recipients(n)
			waves, err := p.Plan(percentagePlan(values...), audience, nil, "")
			require.NoError(t, err, "values=%v n=%d", values, n)
			assertExactPartition(t, audience, waves)
		}
	}
}

func TestPlan_CountMode(t *testing.T) {
	p := testPlanner()
	audience := recipients(50)

	plan := &database.RolloutPlan{
		Type:       PlanTypeCount,
		Values:     []float64{5, 15, 10},
		StartDate:  monday(),
		WaveDayGap: 3,
	}
	waves, err := p.Plan(plan, audience, nil, "")
	require.NoError(t, err)

	assert.Len(t, waves[0].RecipientIDs, 5)
	assert.Len(t, waves[1].RecipientIDs, 15)
	assert.Len(t, waves[2].RecipientIDs, 30, "last wave absorbs the remainder")
	assertExactPartition(t, audience, waves)
}

func TestPlan_CountModeOverscribed(t *testing.T) {
	p := testPlanner()
	// Requested counts exceed the audience; later waves get what is left
	audience := recipients(8)

	plan := &database.RolloutPlan{
		Type:       PlanTypeCount,
		Values:     []float64{5, 10, 10},
		StartDate:  monday(),
		WaveDayGap: 1,
	}
	waves, err := p.Plan(plan, audience, nil, "")
	require.NoError(t, err)

	assert.Len(t, waves[0].RecipientIDs, 5)
	assert.Len(t, waves[1].RecipientIDs, 3)
	assert.Len(t, waves[2].RecipientIDs, 0)
	assertExactPartition(t, audience, waves)
}

func TestPlan_WaveDatesFollowGap(t *testing.T) {
	p := testPlanner()

	waves, err := p.Plan(percentagePlan(20, 30, 50), recipients(30), nil, "")
	require.NoError(t, err)

	assert.Equal(t, monday(), waves[0].ScheduledAt)
	assert.Equal(t, monday().AddDate(0, 0, 7), waves[1].ScheduledAt)
	assert.Equal(t, monday().AddDate(0, 0, 14), waves[2].ScheduledAt)
}

func TestPlan_SnapsPastBlackout(t *testing.T) {
	p := testPlanner()
	windows := []*database.BlackoutDate{{
		ID:        "w1",
		OrgID:     "org-1",
		StartDate: monday().AddDate(0, 0, 6),
		EndDate:   monday().AddDate(0, 0, 9),
	}}

	waves, err := p.Plan(percentagePlan(50, 50), recipients(20), windows, "")
	require.NoError(t, err)

	assert.Equal(t, monday(), waves[0].ScheduledAt, "first wave is clear")
	assert.Equal(t, monday().AddDate(0, 0, 7), waves[1].NominalAt)
	assert.Equal(t, monday().AddDate(0, 0, 10), waves[1].ScheduledAt, "second wave snapped past the window")
}

func TestPlan_ValidationFailures(t *testing.T) {
	p := testPlanner()

	tests := []struct {
		name string
		plan *database.RolloutPlan
	}{
		{"nil plan", nil},
		{"bad type", &database.RolloutPlan{Type: "lumpy", Values: []float64{100}, StartDate: monday()}},
		{"no values", &database.RolloutPlan{Type: PlanTypePercentage, StartDate: monday()}},
		{"percentages do not sum", &database.RolloutPlan{Type: PlanTypePercentage, Values: []float64{30, 30}, StartDate: monday()}},
		{"negative value", &database.RolloutPlan{Type: PlanTypePercentage, Values: []float64{-10, 110}, StartDate: monday()}},
		{"negative gap", &database.RolloutPlan{Type: PlanTypePercentage, Values: []float64{100}, StartDate: monday(), WaveDayGap: -1}},
		{"zero start date", &database.RolloutPlan{Type: PlanTypePercentage, Values: []float64{100}}},
		{"too many waves", &database.RolloutPlan{Type: PlanTypeCount, Values: make([]float64, 21), StartDate: monday()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Plan(tt.plan, recipients(10), nil, "")
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "expected a validation error, got %v", err)
		})
	}
}

func TestPlan_EmptyAudience(t *testing.T) {
	p := testPlanner()

	_, err := p.Plan(percentagePlan(100), nil, nil, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

// assertExactPartition checks that the waves cover the audience exactly
// once: nobody missing, nobody duplicated.
func assertExactPartition(t *testing.T, audience []string, waves []*PlannedWave) {
	t.Helper()

	var combined []string
	for _, w := range waves {
		combined = append(combined, w.RecipientIDs...)
	}
	require.Len(t, combined, len(audience))

	sorted := make([]string, len(audience))
	copy(sorted, audience)
	sort.Strings(sorted)
	sort.Strings(combined)
	assert.Equal(t, sorted, combined)
}
