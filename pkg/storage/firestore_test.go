package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/batteryplan/pkg/types"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// a random database keeps runs isolated on a shared emulator
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  fmt.Sprintf("test-db-%d", time.Now().UnixNano()),
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	const device = "test-device"

	t.Run("Settings", func(t *testing.T) {
		settings := types.DefaultSettings()
		settings.DryRun = true
		require.NoError(t, f.SetSettings(ctx, device, settings, types.CurrentSettingsVersion))

		got, version, err := f.GetSettings(ctx, device)
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
		assert.Equal(t, settings.MinBatterySOC, got.MinBatterySOC)
		assert.True(t, got.DryRun)
	})

	t.Run("EmptyDeviceID", func(t *testing.T) {
		_, _, err := f.GetSettings(ctx, "")
		assert.ErrorIs(t, err, ErrNoDeviceID)
	})

	t.Run("Plans", func(t *testing.T) {
		now := time.Now().Truncate(time.Second).UTC()
		older := types.Plan{ID: "a", Type: types.PlanTypeManual, Status: types.PlanStatusDeactivated, CreatedAt: now.Add(-time.Hour)}
		newer := types.Plan{
			ID: "b", Type: types.PlanTypeManual, Status: types.PlanStatusActive, CreatedAt: now,
			Holding: &types.Holding{TargetSOCKWH: 10, TargetTime: now, HoldingHours: 1, HoldingMode: types.ModeForcedCharge},
		}
		require.NoError(t, f.SavePlan(ctx, device, older, types.CurrentPlanVersion))
		require.NoError(t, f.SavePlan(ctx, device, newer, types.CurrentPlanVersion))

		got, err := f.GetPlan(ctx, device, "b")
		require.NoError(t, err)
		require.NotNil(t, got.Holding)
		assert.Equal(t, types.ModeForcedCharge, got.Holding.HoldingMode)

		_, err = f.GetPlan(ctx, device, "nope")
		assert.ErrorIs(t, err, ErrPlanNotFound)

		plans, err := f.ListPlans(ctx, device, types.PlanFilter{Type: types.PlanTypeManual})
		require.NoError(t, err)
		require.Len(t, plans, 2)
		assert.Equal(t, "b", plans[0].ID)
	})

	t.Run("BalancingState", func(t *testing.T) {
		last := time.Now().Truncate(time.Second).UTC()
		require.NoError(t, f.SetBalancingState(ctx, device, types.BalancingState{LastBalancing: last}, types.CurrentBalancingStateVersion))
		got, version, err := f.GetBalancingState(ctx, device)
		require.NoError(t, err)
		assert.Equal(t, types.CurrentBalancingStateVersion, version)
		assert.True(t, got.LastBalancing.Equal(last))
	})

	t.Run("EnergyHistory", func(t *testing.T) {
		base := time.Now().Truncate(time.Hour).UTC()
		require.NoError(t, f.UpsertEnergyHistory(ctx, device, types.EnergyStats{TSHourStart: base.Add(-time.Hour), HomeKWH: 1}, 1))
		require.NoError(t, f.UpsertEnergyHistory(ctx, device, types.EnergyStats{TSHourStart: base, HomeKWH: 2}, 1))

		stats, err := f.GetEnergyHistory(ctx, device, base.Add(-2*time.Hour), base.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, stats, 2)

		ts, _, err := f.GetLatestEnergyHistoryTime(ctx, device)
		require.NoError(t, err)
		assert.True(t, ts.Equal(base))
	})
}
