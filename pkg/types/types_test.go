package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMode(t *testing.T) {
	t.Run("Normalize", func(t *testing.T) {
		assert.Equal(t, ModeForcedCharge, ModeForcedCharge.Normalize())
		assert.Equal(t, ModeGridPriority, Mode(7).Normalize())
		assert.Equal(t, ModeGridPriority, Mode(-1).Normalize())
	})

	t.Run("Parse", func(t *testing.T) {
		m, err := ParseMode("home_ups")
		require.NoError(t, err)
		assert.Equal(t, ModeForcedCharge, m)
		m, err = ParseMode("1")
		require.NoError(t, err)
		assert.Equal(t, ModeBatteryConserve, m)
		_, err = ParseMode("home_9")
		assert.Error(t, err)
	})

	t.Run("JSON accepts names", func(t *testing.T) {
		var v struct {
			Mode Mode `json:"mode"`
		}
		require.NoError(t, json.Unmarshal([]byte(`{"mode":"home_3"}`), &v))
		assert.Equal(t, ModeSolarToBattery, v.Mode)
		require.NoError(t, json.Unmarshal([]byte(`{"mode":3}`), &v))
		assert.Equal(t, ModeForcedCharge, v.Mode)
	})

	t.Run("ContextType", func(t *testing.T) {
		assert.False(t, ContextAutomatic.IsHard())
		assert.True(t, ContextManual.IsHard())
		assert.True(t, ContextWeather.IsHard())
		assert.True(t, ContextBalancing.IsHard())
		assert.Equal(t, ContextBalancing, PlanTypeBalancing.ContextType())
	})
}

func TestHolding(t *testing.T) {
	start := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	h := Holding{TargetSOCKWH: 15, TargetTime: start, HoldingHours: 3, HoldingMode: ModeForcedCharge}

	assert.Equal(t, start.Add(3*time.Hour), h.End())
	assert.True(t, h.Contains(start))
	assert.True(t, h.Contains(start.Add(165*time.Minute)))
	assert.False(t, h.Contains(start.Add(3*time.Hour)))
	assert.False(t, h.Contains(start.Add(-time.Minute)))

	assert.NoError(t, h.Validate(15))
	assert.Error(t, h.Validate(10))

	bad := h
	bad.TargetTime = time.Time{}
	assert.Error(t, bad.Validate(15))
	bad = h
	bad.HoldingMode = Mode(9)
	assert.Error(t, bad.Validate(15))
}

func TestPlan(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := Plan{
		Intervals: []IntervalSimulation{
			{Timestamp: start, Cost: 1.5, GridImportKWH: 1},
			{Timestamp: start.Add(15 * time.Minute), Cost: -0.5, GridExportKWH: 0.25},
		},
	}
	p.Summarize()
	assert.InDelta(t, 1.0, p.TotalCost, 1e-9)
	assert.InDelta(t, 1.0, p.TotalImportKWH, 1e-9)
	assert.InDelta(t, 0.25, p.TotalExportKWH, 1e-9)

	iv, ok := p.IntervalAt(start.Add(20*time.Minute), 15*time.Minute)
	require.True(t, ok)
	assert.Equal(t, start.Add(15*time.Minute), iv.Timestamp)
	_, ok = p.IntervalAt(start.Add(time.Hour), 15*time.Minute)
	assert.False(t, ok)

	assert.False(t, p.Infeasible())
	p.Violation = &TargetViolation{TargetSOCKWH: 10, AchievedSOCKWH: 8}
	assert.True(t, p.Infeasible())

	t.Run("Holding round trip", func(t *testing.T) {
		p.Holding = &Holding{TargetSOCKWH: 15, TargetTime: start, HoldingHours: 3, HoldingMode: ModeForcedCharge}
		b, err := json.Marshal(p)
		require.NoError(t, err)
		var out Plan
		require.NoError(t, json.Unmarshal(b, &out))
		require.NotNil(t, out.Holding)
		assert.Equal(t, ModeForcedCharge, out.Holding.HoldingMode)
		assert.True(t, out.Holding.TargetTime.Equal(start))

		p.Holding = nil
		b, err = json.Marshal(p)
		require.NoError(t, err)
		assert.NotContains(t, string(b), "holding")
	})
}

func TestTariffPeriod(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Prague")
	require.NoError(t, err)

	t.Run("Wrap Over Midnight", func(t *testing.T) {
		p := TariffPeriod{HourStart: 22, HourEnd: 6, Location: "Europe/Prague"}
		in, err := p.Contains(time.Date(2026, 3, 1, 23, 0, 0, 0, loc))
		require.NoError(t, err)
		assert.True(t, in)
		in, err = p.Contains(time.Date(2026, 3, 1, 5, 59, 0, 0, loc))
		require.NoError(t, err)
		assert.True(t, in)
		in, err = p.Contains(time.Date(2026, 3, 1, 12, 0, 0, 0, loc))
		require.NoError(t, err)
		assert.False(t, in)
	})

	t.Run("Weekdays", func(t *testing.T) {
		p := TariffPeriod{HourStart: 8, HourEnd: 20, DaysOfTheWeek: []time.Weekday{time.Saturday}, LocationPtr: loc}
		// 2026-03-07 is a Saturday
		in, err := p.Contains(time.Date(2026, 3, 7, 9, 0, 0, 0, loc))
		require.NoError(t, err)
		assert.True(t, in)
		in, err = p.Contains(time.Date(2026, 3, 6, 9, 0, 0, 0, loc))
		require.NoError(t, err)
		assert.False(t, in)
	})

	t.Run("Bad Location", func(t *testing.T) {
		p := TariffPeriod{HourStart: 0, HourEnd: 24, Location: "Nowhere/Nope"}
		_, err := p.Contains(time.Now())
		assert.Error(t, err)
	})
}

func TestBalancingStateDaysSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := BalancingState{LastBalancing: now.Add(-8 * 24 * time.Hour)}
	assert.InDelta(t, 8.0, s.DaysSince(now), 1e-9)
	assert.Greater(t, BalancingState{}.DaysSince(now), 1000.0)
}
