// Package rollout partitions a campaign's audience into time-ordered waves.
// The partition is exact: every recipient lands in exactly one wave, with
// rounding remainder absorbed by the final wave.
package rollout

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	mathrand "math/rand"
	"time"

	"github.com/aegis-shield/campaign-engine/internal/apperrors"
	"github.com/aegis-shield/campaign-engine/internal/calendar"
	"github.com/aegis-shield/campaign-engine/internal/database"
)

// Plan type values
const (
	PlanTypePercentage = "percentage"
	PlanTypeCount      = "count"
)

// PlannedWave is one wave of a rollout before persistence
type PlannedWave struct {
	WaveNumber   int
	NominalAt    time.Time
	ScheduledAt  time.Time
	RecipientIDs []string
	Percentage   float64
}

// Planner builds wave plans from rollout configurations
type Planner struct {
	logger   *slog.Logger
	calendar *calendar.Calendar
	maxWaves int
	maxGap   int
}

// NewPlanner creates a wave planner
func NewPlanner(logger *slog.Logger, cal *calendar.Calendar, maxWaves, maxGap int) *Planner {
	return &Planner{
		logger:   logger,
		calendar: cal,
		maxWaves: maxWaves,
		maxGap:   maxGap,
	}
}

// Validate checks a rollout plan without an audience, so schedule requests
// fail fast on malformed configuration.
func (p *Planner) Validate(plan *database.RolloutPlan) error {
	if plan == nil {
		return apperrors.NewValidation("rollout plan is required", "rollout_plan")
	}
	if plan.Type != PlanTypePercentage && plan.Type != PlanTypeCount {
		return apperrors.NewValidation(
			fmt.Sprintf("rollout type must be %q or %q", PlanTypePercentage, PlanTypeCount),
			"rollout_plan.type")
	}
	if len(plan.Values) == 0 {
		return apperrors.NewValidation("rollout plan needs at least one wave value", "rollout_plan.values")
	}
	if p.maxWaves > 0 && len(plan.Values) > p.maxWaves {
		return apperrors.NewValidation(
			fmt.Sprintf("rollout plan exceeds the maximum of %d waves", p.maxWaves),
			"rollout_plan.values")
	}
	if plan.WaveDayGap < 0 {
		return apperrors.NewValidation("wave day gap cannot be negative", "rollout_plan.wave_day_gap")
	}
	if p.maxGap > 0 && plan.WaveDayGap > p.maxGap {
		return apperrors.NewValidation(
			fmt.Sprintf("wave day gap exceeds the maximum of %d days", p.maxGap),
			"rollout_plan.wave_day_gap")
	}
	if plan.StartDate.IsZero() {
		return apperrors.NewValidation("rollout start date is required", "rollout_plan.start_date")
	}

	for i, v := range plan.Values {
		if v < 0 {
			return apperrors.NewValidation(
				fmt.Sprintf("wave %d has a negative value", i+1),
				"rollout_plan.values")
		}
	}

	if plan.Type == PlanTypePercentage {
		var sum float64
		for _, v := range plan.Values {
			sum += v
		}
		if math.Abs(sum-100) > 0.01 {
			return apperrors.NewValidation(
				fmt.Sprintf("wave percentages sum to %.2f, expected 100", sum),
				"rollout_plan.values")
		}
	}

	return nil
}

// Plan partitions recipients into waves and snaps each wave's date forward
// past blackout windows. The recipient slice is shuffled first so wave
// membership carries no ordering bias from the upstream query.
func (p *Planner) Plan(plan *database.RolloutPlan, recipients []string, windows []*database.BlackoutDate, locationID string) ([]*PlannedWave, error) {
	if err := p.Validate(plan); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, apperrors.NewValidation("audience is empty, nothing to roll out", "targeting")
	}

	shuffled := shuffle(recipients)
	sizes := p.waveSizes(plan, len(shuffled))

	waves := make([]*PlannedWave, 0, len(sizes))
	cursor := 0
	for i, size := range sizes {
		nominal := plan.StartDate.AddDate(0, 0, i*plan.WaveDayGap)
		effective := p.calendar.NextAvailable(nominal, windows, locationID)

		wave := &PlannedWave{
			WaveNumber:   i + 1,
			NominalAt:    nominal,
			ScheduledAt:  effective,
			RecipientIDs: shuffled[cursor : cursor+size],
		}
		if plan.Type == PlanTypePercentage {
			wave.Percentage = plan.Values[i]
		}
		waves = append(waves, wave)
		cursor += size

		if !effective.Equal(nominal) {
			p.logger.Info("Wave date moved past blackout window",
				"wave_number", wave.WaveNumber,
				"nominal", nominal.Format("2006-01-02"),
				"scheduled", effective.Format("2006-01-02"))
		}
	}

	return waves, nil
}

// waveSizes computes the per-wave recipient counts. The final wave absorbs
// all remainder in both modes, which is what makes the partition exact.
func (p *Planner) waveSizes(plan *database.RolloutPlan, total int) []int {
	n := len(plan.Values)
	sizes := make([]int, n)
	allocated := 0

	for i := 0; i < n-1; i++ {
		var size int
		if plan.Type == PlanTypePercentage {
			size = int(math.Round(plan.Values[i] / 100 * float64(total)))
		} else {
			size = int(plan.Values[i])
		}
		if size > total-allocated {
			size = total - allocated
		}
		sizes[i] = size
		allocated += size
	}
	sizes[n-1] = total - allocated

	return sizes
}

// shuffle returns a copy of ids in random order, seeded from crypto/rand so
// wave membership is not reproducible across runs.
func shuffle(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err == nil {
		rng := mathrand.New(mathrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
		rng.Shuffle(len(out), func(i, j int) {
			out[i], out[j] = out[j], out[i]
		})
	}

	return out
}
