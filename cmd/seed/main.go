package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/simulation"
	"github.com/raterudder/batteryplan/pkg/storage"
	"github.com/raterudder/batteryplan/pkg/types"
)

// seed fills storage with settings, hourly energy history and actions so the
// forecast model and the UI have something to work with locally.
func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	deviceID := lflag.String("device-id", "default", "Device to seed")
	history := lflag.Duration("seed-history", 5*24*time.Hour, "How much history to generate")
	lflag.Configure()

	ctx := log.WithDevice(context.Background(), *deviceID)
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	if _, version, err := s.GetSettings(ctx, *deviceID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", "error", err)
		os.Exit(1)
	} else if version == 0 {
		if err := s.SetSettings(ctx, *deviceID, types.DefaultSettings(), types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", "error", err)
			os.Exit(1)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	const (
		capacityKWH = 10.0
		chargeKW    = 2.8
		hwMinKWH    = 2.0
		homeAvgKW   = 0.8
		solarPeakKW = 4.0
	)
	eff := math.Sqrt(0.88)
	socKWH := 0.4 * capacityKWH
	mode := types.ModeGridPriority

	end := time.Now().Truncate(time.Hour)
	for t := end.Add(-*history); t.Before(end); t = t.Add(time.Hour) {
		hour := t.Hour()

		solarKWH := 0.0
		if hour > 6 && hour < 19 {
			dist := math.Abs(float64(hour) - 13.0)
			solarKWH = solarPeakKW * math.Exp(-(dist*dist)/12.0) * (0.6 + 0.4*rng.Float64())
		}
		homeKWH := homeAvgKW + rng.Float64()*0.5
		if hour >= 18 && hour < 22 {
			homeKWH += 1.5
		}

		prev := mode
		var desc string
		switch {
		case hour < 5 && socKWH < 0.6*capacityKWH:
			mode, desc = types.ModeForcedCharge, "overnight charging"
		case hour >= 10 && hour < 15:
			mode, desc = types.ModeSolarToBattery, "solar to battery"
		default:
			mode, desc = types.ModeGridPriority, "self consumption"
		}

		before := socKWH
		f := simulation.SimulateInterval(mode, solarKWH, homeKWH, socKWH, capacityKWH, hwMinKWH, eff, eff, chargeKW)
		socKWH = f.NewSOCKWH

		stats := types.EnergyStats{
			TSHourStart:       t.UTC(),
			MinBatterySOC:     math.Min(before, socKWH) / capacityKWH * 100,
			MaxBatterySOC:     math.Max(before, socKWH) / capacityKWH * 100,
			BatteryChargedKWH: f.BatteryChargeKWH,
			BatteryUsedKWH:    f.BatteryDischargeKWH,
			SolarKWH:          solarKWH,
			HomeKWH:           homeKWH,
			GridImportKWH:     f.GridImportKWH,
			GridExportKWH:     f.GridExportKWH,
		}
		if err := s.UpsertEnergyHistory(ctx, *deviceID, stats, types.CurrentEnergyStatsVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed energy stats", "error", err)
			os.Exit(1)
		}

		action := types.Action{
			Timestamp:    t.UTC(),
			Mode:         mode,
			PreviousMode: prev,
			Reason:       types.ActionReasonPlan,
			PlanType:     types.PlanTypeAutomatic,
			Description:  "seed: " + desc,
			SystemStatus: types.SystemStatus{
				Timestamp:          t.UTC(),
				BatterySOC:         socKWH / capacityKWH * 100,
				SOCKnown:           true,
				BatteryCapacityKWH: capacityKWH,
				MaxBatteryChargeKW: chargeKW,
				SolarKW:            solarKWH,
				HomeKW:             homeKWH,
				GridKW:             f.GridImportKWH - f.GridExportKWH,
				Mode:               prev,
				ModeKnown:          true,
			},
			DryRun: true,
		}
		if err := s.InsertAction(ctx, *deviceID, action); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed action", "error", err)
			os.Exit(1)
		}

		fmt.Printf("Seeded %s: %s (SOC: %.0f%%, Solar: %.1fkWh, Home: %.1fkWh)\n",
			t.Format(time.DateTime), mode, stats.MaxBatterySOC, solarKWH, homeKWH)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
