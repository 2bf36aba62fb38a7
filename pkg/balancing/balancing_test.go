package balancing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/batteryplan/pkg/plan"
	"github.com/raterudder/batteryplan/pkg/simulation"
	"github.com/raterudder/batteryplan/pkg/storage"
	"github.com/raterudder/batteryplan/pkg/storage/storagemock"
	"github.com/raterudder/batteryplan/pkg/types"
)

const testDevice = "cbb-1"

// 10:00 UTC, before the forced cutoff hour
var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type forecastOpt func(fc types.Forecast)

// cheapWindow prices n intervals starting at offset at 1.0 instead of 5.0.
func cheapWindow(offset time.Duration, n int) forecastOpt {
	return func(fc types.Forecast) {
		for i := 0; i < n; i++ {
			ts := testNow.Add(offset + time.Duration(i)*simulation.DefaultInterval)
			fc.Prices[ts] = types.IntervalPrice{SpotPerKWH: 1, ExportPerKWH: 1}
		}
	}
}

func testSimulator(t *testing.T, now time.Time, socKWH float64, opts ...forecastOpt) *simulation.Simulator {
	t.Helper()
	fc := types.NewForecast()
	for i := 0; i < 4*72; i++ {
		ts := now.Add(time.Duration(i) * simulation.DefaultInterval)
		fc.Prices[ts] = types.IntervalPrice{SpotPerKWH: 5, ExportPerKWH: 5}
	}
	for _, opt := range opts {
		opt(fc)
	}
	sim, err := simulation.New(simulation.Context{
		BatteryCapacityKWH:   10,
		CurrentSOCKWH:        socKWH,
		Efficiency:           1,
		ACChargeLimitKW:      2,
		MinCapacityKWH:       3,
		TargetCapacityKWH:    8,
		HWMinCapacityKWH:     2,
		CheapPricePerKWH:     1.5,
		ExpensivePricePerKWH: 100,
		Forecast:             fc,
	})
	require.NoError(t, err)
	return sim
}

func testSettings() types.BalancingSettings {
	return types.DefaultSettings().Balancing
}

type env struct {
	db    storage.Database
	plans *plan.Manager
	m     *Manager
}

func newEnv(t *testing.T, state types.BalancingState) env {
	t.Helper()
	ctx := context.Background()
	db, err := storage.NewSQLite(ctx, filepath.Join(t.TempDir(), "balancing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.SetBalancingState(ctx, testDevice, state, types.CurrentBalancingStateVersion))

	plans := plan.New(db, testDevice)
	plans.SetClock(func() time.Time { return testNow })
	m := New(db, plans)
	require.NoError(t, m.Load(ctx))
	return env{db: db, plans: plans, m: m}
}

func (e env) input(sim *simulation.Simulator, now time.Time) Input {
	return Input{
		Now:      now,
		Sim:      sim,
		Settings: testSettings(),
		Location: time.UTC,
		Horizon:  24 * time.Hour,
	}
}

func TestCheckDisabled(t *testing.T) {
	e := newEnv(t, types.BalancingState{})
	in := e.input(testSimulator(t, testNow, 5), testNow)
	in.Settings.Enabled = false

	out, err := e.m.Check(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, DecisionDisabled, out.Decision)
}

func TestCheckForced(t *testing.T) {
	ctx := context.Background()

	t.Run("Tonight", func(t *testing.T) {
		e := newEnv(t, types.BalancingState{LastBalancing: testNow.Add(-8 * 24 * time.Hour)})
		out, err := e.m.Check(ctx, e.input(testSimulator(t, testNow, 5), testNow))
		require.NoError(t, err)
		require.Equal(t, DecisionForced, out.Decision)
		require.NotNil(t, out.Plan)
		require.NotNil(t, out.Balancing)

		tonight := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
		assert.Equal(t, tonight, out.Balancing.HoldingStart)
		assert.Equal(t, tonight.Add(3*time.Hour), out.Balancing.HoldingEnd)
		assert.Equal(t, types.BalancingModeForced, out.Balancing.Mode)
		assert.Equal(t, types.BalancingPriorityCritical, out.Balancing.Priority)
		assert.True(t, out.Balancing.Locked)
		assert.NotEmpty(t, out.Balancing.Intervals)
		for _, iv := range out.Balancing.Intervals {
			assert.True(t, iv.Timestamp.Before(tonight))
			assert.Equal(t, types.ModeForcedCharge, iv.Mode)
		}

		assert.True(t, out.Plan.Locked)
		assert.Equal(t, types.PlanTypeBalancing, out.Plan.Type)
		assert.Equal(t, types.PlanStatusActive, out.Plan.Status)
		assert.False(t, out.Plan.Infeasible())
		active := e.plans.GetActivePlan()
		require.NotNil(t, active)
		assert.Equal(t, out.Plan.ID, active.ID)

		stored, _, err := e.db.GetBalancingState(ctx, testDevice)
		require.NoError(t, err)
		require.NotNil(t, stored.ActivePlan)
		assert.Equal(t, out.Plan.ID, stored.ActivePlan.PlanID)
		assert.Equal(t, string(DecisionForced), stored.LastResult)
		assert.Equal(t, e.m.State().ActivePlan.PlanID, stored.ActivePlan.PlanID)

		t.Run("Kept While Pending", func(t *testing.T) {
			later := testNow.Add(2 * time.Hour)
			out, err := e.m.Check(ctx, e.input(testSimulator(t, later, 7), later))
			require.NoError(t, err)
			assert.Equal(t, DecisionInProgress, out.Decision)
			assert.Nil(t, out.Plan)
			assert.Equal(t, active.ID, e.plans.GetActivePlan().ID)
		})
	})

	t.Run("After Cutoff", func(t *testing.T) {
		now := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
		e := newEnv(t, types.BalancingState{LastBalancing: now.Add(-8 * 24 * time.Hour)})
		e.plans.SetClock(func() time.Time { return now })

		out, err := e.m.Check(ctx, e.input(testSimulator(t, now, 5), now))
		require.NoError(t, err)
		require.Equal(t, DecisionForced, out.Decision)
		// 5 kWh at 2 kW takes 3 hours, plus one
		assert.Equal(t, now.Add(4*time.Hour), out.Balancing.HoldingStart)
	})

	t.Run("Never Balanced", func(t *testing.T) {
		e := newEnv(t, types.BalancingState{})
		out, err := e.m.Check(ctx, e.input(testSimulator(t, testNow, 5), testNow))
		require.NoError(t, err)
		assert.Equal(t, DecisionForced, out.Decision)
		assert.Equal(t, "never balanced", out.Balancing.Reason)
	})
}

func TestCheckCompletion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, types.BalancingState{LastBalancing: testNow.Add(-8 * 24 * time.Hour)})

	var history []types.SOCSample
	for i := 0; i <= 20; i++ {
		ts := testNow.Add(-5*time.Hour + time.Duration(i)*15*time.Minute)
		soc := 90.0
		if i >= 4 && i <= 16 {
			soc = 99.5
		}
		history = append(history, types.SOCSample{Timestamp: ts, SOCPercent: soc})
	}

	in := e.input(testSimulator(t, testNow, 9.5), testNow)
	in.SOCHistory = history
	out, err := e.m.Check(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, DecisionCompleted, out.Decision)
	assert.Nil(t, out.Plan)
	assert.Equal(t, testNow.Add(-time.Hour), e.m.State().LastBalancing)
	assert.Nil(t, e.m.State().ActivePlan)

	t.Run("Short Run Ignored", func(t *testing.T) {
		_, ok := completedRun(history[:10], 99, 3*time.Hour)
		assert.False(t, ok)
	})
}

func TestCheckCompletionClearsBalancingPlan(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, types.BalancingState{LastBalancing: testNow.Add(-8 * 24 * time.Hour)})
	out, err := e.m.Check(ctx, e.input(testSimulator(t, testNow, 5), testNow))
	require.NoError(t, err)
	require.Equal(t, DecisionForced, out.Decision)

	later := testNow.Add(16 * time.Hour)
	var history []types.SOCSample
	for ts := later.Add(-4 * time.Hour); !ts.After(later); ts = ts.Add(15 * time.Minute) {
		history = append(history, types.SOCSample{Timestamp: ts, SOCPercent: 100})
	}
	in := e.input(testSimulator(t, later, 10), later)
	in.SOCHistory = history
	out, err = e.m.Check(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, DecisionCompleted, out.Decision)
	assert.Equal(t, later, e.m.State().LastBalancing)
	assert.Nil(t, e.m.State().ActivePlan)
	assert.Nil(t, e.plans.GetActivePlan())
}

func TestCheckNatural(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, types.BalancingState{LastBalancing: testNow.Add(-2 * 24 * time.Hour)})

	p := types.Plan{
		ID:        "auto-1",
		DeviceID:  testDevice,
		Type:      types.PlanTypeAutomatic,
		Status:    types.PlanStatusSimulated,
		CreatedAt: testNow,
		Start:     testNow,
		End:       testNow.Add(24 * time.Hour),
	}
	for i := 0; i < 96; i++ {
		soc := 6.0
		if i >= 8 && i < 24 {
			soc = 10
		}
		p.Intervals = append(p.Intervals, types.IntervalSimulation{
			Timestamp:       testNow.Add(time.Duration(i) * simulation.DefaultInterval),
			BatteryAfterKWH: soc,
		})
	}
	require.NoError(t, e.db.SavePlan(ctx, testDevice, p, types.CurrentPlanVersion))
	_, err := e.plans.ActivatePlan(ctx, p.ID)
	require.NoError(t, err)

	out, err := e.m.Check(ctx, e.input(testSimulator(t, testNow, 6), testNow))
	require.NoError(t, err)
	assert.Equal(t, DecisionNatural, out.Decision)
	assert.Nil(t, out.Plan)
	// 12 intervals from +2h cover the 3 hour hold
	assert.Equal(t, testNow.Add(5*time.Hour), e.m.State().LastBalancing)
	assert.Equal(t, "auto-1", e.plans.GetActivePlan().ID)
}

func TestCheckWeatherOverride(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, types.BalancingState{LastBalancing: testNow.Add(-8 * 24 * time.Hour)})
	sim := testSimulator(t, testNow, 5)

	wp, err := e.plans.CreateWeatherPlan(ctx, sim, testNow.Add(4*time.Hour), 12, "orange", 24*time.Hour)
	require.NoError(t, err)
	_, err = e.plans.ActivatePlan(ctx, wp.ID)
	require.NoError(t, err)

	out, err := e.m.Check(ctx, e.input(sim, testNow))
	require.NoError(t, err)
	assert.Equal(t, DecisionWeather, out.Decision)
	assert.Equal(t, wp.ID, e.plans.GetActivePlan().ID)
	assert.Nil(t, e.m.State().ActivePlan)
}

func TestCheckCompletionDuringWeather(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, types.BalancingState{LastBalancing: testNow.Add(-8 * 24 * time.Hour)})
	sim := testSimulator(t, testNow, 10)

	wp, err := e.plans.CreateWeatherPlan(ctx, sim, testNow.Add(4*time.Hour), 12, "orange", 24*time.Hour)
	require.NoError(t, err)
	_, err = e.plans.ActivatePlan(ctx, wp.ID)
	require.NoError(t, err)

	var history []types.SOCSample
	for ts := testNow.Add(-4 * time.Hour); !ts.After(testNow); ts = ts.Add(15 * time.Minute) {
		history = append(history, types.SOCSample{Timestamp: ts, SOCPercent: 100})
	}
	in := e.input(sim, testNow)
	in.SOCHistory = history
	out, err := e.m.Check(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, DecisionCompleted, out.Decision)
	assert.Equal(t, testNow, e.m.State().LastBalancing)
	assert.Equal(t, wp.ID, e.plans.GetActivePlan().ID)

	// nothing new to record, the weather plan keeps balancing out
	out, err = e.m.Check(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, DecisionWeather, out.Decision)
}

func TestCheckOpportunistic(t *testing.T) {
	ctx := context.Background()
	recent := types.BalancingState{LastBalancing: testNow.Add(-3 * 24 * time.Hour)}

	t.Run("Picks Cheapest Window", func(t *testing.T) {
		e := newEnv(t, recent)
		sim := testSimulator(t, testNow, 8.5, cheapWindow(4*time.Hour, 10))

		out, err := e.m.Check(ctx, e.input(sim, testNow))
		require.NoError(t, err)
		require.Equal(t, DecisionOpportunistic, out.Decision)
		require.NotNil(t, out.Costs)

		assert.Equal(t, testNow.Add(4*time.Hour), out.Costs.Selected.WindowStart)
		assert.InDelta(t, 1.5, out.Costs.Selected.TotalCost, 1e-9)
		assert.InDelta(t, 7.5, out.Costs.Immediate.TotalCost, 1e-9)
		assert.InDelta(t, 7.5, out.Costs.BaselineCost, 1e-9)
		assert.InDelta(t, -6, out.Costs.IncrementalCost, 1e-9)
		assert.LessOrEqual(t, len(out.Costs.Candidates), testSettings().MaxCandidateWindows)

		// 1.5 kWh at 0.5 kWh per interval
		assert.Equal(t, testNow.Add(4*time.Hour+45*time.Minute), out.Balancing.HoldingStart)
		assert.Equal(t, types.BalancingModeOpportunistic, out.Balancing.Mode)
		assert.Equal(t, types.BalancingPriorityNormal, out.Balancing.Priority)
		assert.False(t, out.Balancing.Locked)
		assert.False(t, out.Plan.Locked)
		assert.Equal(t, out.Plan.ID, e.plans.GetActivePlan().ID)
		assert.Equal(t, testNow, e.m.State().LastAttempt)
	})

	t.Run("Economic Rejects Window Below Median", func(t *testing.T) {
		e := newEnv(t, recent)
		sim := testSimulator(t, testNow, 8.5, cheapWindow(4*time.Hour, 10))
		in := e.input(sim, testNow)
		in.Settings.Economic = true

		out, err := e.m.Check(ctx, in)
		require.NoError(t, err)
		require.Equal(t, DecisionOpportunistic, out.Decision)
		assert.True(t, out.Costs.Immediate.MedianPassed)
		assert.Equal(t, testNow, out.Costs.Selected.WindowStart)
		for _, cand := range out.Costs.Candidates {
			if cand.WindowStart.Equal(testNow.Add(4 * time.Hour)) {
				assert.False(t, cand.MedianPassed)
			}
		}
	})

	t.Run("Too Expensive", func(t *testing.T) {
		e := newEnv(t, recent)
		sim := testSimulator(t, testNow, 8.5, cheapWindow(4*time.Hour, 10))
		in := e.input(sim, testNow)
		in.Settings.MaxIncrementalCost = -10

		out, err := e.m.Check(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, DecisionTooExpensive, out.Decision)
		assert.NotNil(t, out.Costs)
		assert.Nil(t, out.Plan)
		assert.Nil(t, e.plans.GetActivePlan())
		assert.True(t, e.m.State().LastAttempt.IsZero())
		assert.Equal(t, string(DecisionTooExpensive), e.m.State().LastResult)
	})

	t.Run("Below Threshold", func(t *testing.T) {
		e := newEnv(t, recent)
		out, err := e.m.Check(ctx, e.input(testSimulator(t, testNow, 5), testNow))
		require.NoError(t, err)
		assert.Equal(t, DecisionBelowThreshold, out.Decision)
	})

	t.Run("Cooldown", func(t *testing.T) {
		state := recent
		state.LastAttempt = testNow.Add(-time.Hour)
		e := newEnv(t, state)
		out, err := e.m.Check(ctx, e.input(testSimulator(t, testNow, 9), testNow))
		require.NoError(t, err)
		assert.Equal(t, DecisionCooldown, out.Decision)
	})
}

func TestCheckPersistFailure(t *testing.T) {
	ctx := context.Background()
	db := new(storagemock.MockDatabase)
	db.On("GetBalancingState", mock.Anything, testDevice).Return(types.BalancingState{}, types.CurrentBalancingStateVersion, nil)
	db.On("SetBalancingState", mock.Anything, testDevice, mock.Anything, types.CurrentBalancingStateVersion).Return(errors.New("unavailable"))

	m := New(db, plan.New(db, testDevice))
	require.NoError(t, m.Load(ctx))

	in := Input{
		Now:      testNow,
		Sim:      testSimulator(t, testNow, 10),
		Settings: testSettings(),
	}
	for ts := testNow.Add(-4 * time.Hour); !ts.After(testNow); ts = ts.Add(15 * time.Minute) {
		in.SOCHistory = append(in.SOCHistory, types.SOCSample{Timestamp: ts, SOCPercent: 100})
	}

	_, err := m.Check(ctx, in)
	require.Error(t, err)
	assert.True(t, m.State().LastBalancing.IsZero())
	assert.True(t, m.State().LastCheck.IsZero())
}

func TestFullWindow(t *testing.T) {
	var intervals []types.IntervalSimulation
	for i := 0; i < 20; i++ {
		soc := 9.95
		if i == 5 {
			soc = 8
		}
		intervals = append(intervals, types.IntervalSimulation{
			Timestamp:       testNow.Add(time.Duration(i) * simulation.DefaultInterval),
			BatteryAfterKWH: soc,
		})
	}
	end, ok := fullWindow(intervals, 9.9, 3*time.Hour, simulation.DefaultInterval)
	require.True(t, ok)
	assert.Equal(t, testNow.Add(18*simulation.DefaultInterval), end)

	_, ok = fullWindow(intervals[:12], 9.9, 3*time.Hour, simulation.DefaultInterval)
	assert.False(t, ok)
}
