package ess

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/simulation"
	"github.com/raterudder/batteryplan/pkg/storage"
	"github.com/raterudder/batteryplan/pkg/types"
)

const (
	simulatedStep       = 5 * time.Minute
	simulatedHistory    = 48 * time.Hour
	simulatedInitialSOC = 50.0
)

// Simulated is a battery that only exists in storage. Time advances to the
// wall clock on every call using the same physics as the planner, with a
// synthetic home load, solar curve and day-ahead prices.
type Simulated struct {
	db       storage.Database
	deviceID string
	location *time.Location

	CapacityKWH float64
	ChargeKW    float64
	HWMinSOC    float64
	Efficiency  float64

	mu  sync.Mutex
	now func() time.Time
}

// NewSimulated returns a simulated 10 kWh battery for deviceID.
func NewSimulated(db storage.Database, deviceID string, location *time.Location) *Simulated {
	if location == nil {
		location = time.UTC
	}
	return &Simulated{
		db:          db,
		deviceID:    deviceID,
		location:    location,
		CapacityKWH: 10,
		ChargeKW:    2.8,
		HWMinSOC:    20,
		Efficiency:  0.88,
		now:         time.Now,
	}
}

// DeviceID implements Device.
func (m *Simulated) DeviceID() string {
	return m.deviceID
}

// simulatedHomeKW is a load between 1 and 2 kW that peaks every 2 hours.
func simulatedHomeKW(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	return max(1.0, 1.5+0.5*math.Sin(hour*math.Pi))
}

// simulatedSolarKW is a 3 kW peak half sine between 06:00 and 19:00.
func simulatedSolarKW(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	if hour < 6 || hour > 19 {
		return 0
	}
	return 3.0 * math.Sin((hour-6)/13*math.Pi)
}

// simulatedSpotPrice is cheap at night and around noon, expensive in the
// morning and evening peaks.
func simulatedSpotPrice(t time.Time) float64 {
	switch h := t.Hour(); {
	case h < 6 || h >= 22:
		return 1.2
	case h < 9:
		return 4.0
	case h >= 11 && h < 15:
		return 1.8
	case h >= 17 && h < 21:
		return 5.5
	default:
		return 3.0
	}
}

// advance runs state forward to now and returns the last step's power flows.
func (m *Simulated) advance(state *types.ESSMockState, now time.Time) (batteryKW, solarKW, homeKW, gridKW float64) {
	if state.DailyHistory == nil {
		state.DailyHistory = make(map[string]types.EnergyStats)
	}
	if state.Timestamp.IsZero() {
		// backfill a day so the forecast model has history to work with
		state.Timestamp = now.Add(-24 * time.Hour).Truncate(time.Hour)
		state.BatterySOC = simulatedInitialSOC
	}

	eff := math.Sqrt(m.Efficiency)
	hwMinKWH := m.HWMinSOC / 100 * m.CapacityKWH

	for stepStart := state.Timestamp; stepStart.Before(now); {
		stepEnd := stepStart.Add(simulatedStep)
		if now.Before(stepEnd) {
			stepEnd = now
		}
		hours := stepEnd.Sub(stepStart).Hours()
		mid := stepStart.Add(stepEnd.Sub(stepStart) / 2).In(m.location)

		stepSolarKW := simulatedSolarKW(mid)
		stepHomeKW := simulatedHomeKW(mid)
		socKWH := state.BatterySOC / 100 * m.CapacityKWH

		f := simulation.SimulateInterval(
			state.Mode,
			stepSolarKW*hours, stepHomeKW*hours,
			socKWH, m.CapacityKWH, hwMinKWH,
			eff, eff,
			m.ChargeKW*hours,
		)
		state.BatterySOC = f.NewSOCKWH / m.CapacityKWH * 100

		hour := stepStart.Truncate(time.Hour).UTC()
		key := hour.Format(time.RFC3339)
		stats := state.DailyHistory[key]
		if stats.TSHourStart.IsZero() {
			stats.TSHourStart = hour
			stats.MinBatterySOC = 100
		}
		stats.MinBatterySOC = min(stats.MinBatterySOC, state.BatterySOC)
		stats.MaxBatterySOC = max(stats.MaxBatterySOC, state.BatterySOC)
		stats.SolarKWH += stepSolarKW * hours
		stats.HomeKWH += stepHomeKW * hours
		stats.BatteryChargedKWH += f.BatteryChargeKWH
		stats.BatteryUsedKWH += f.BatteryDischargeKWH
		stats.GridImportKWH += f.GridImportKWH
		stats.GridExportKWH += f.GridExportKWH
		state.DailyHistory[key] = stats

		state.SOCHistory = append(state.SOCHistory, types.SOCSample{Timestamp: stepEnd.UTC(), SOCPercent: state.BatterySOC})

		batteryKW = (f.BatteryDischargeKWH - f.BatteryChargeKWH) / hours
		solarKW = stepSolarKW
		homeKW = stepHomeKW
		gridKW = (f.GridImportKWH - f.GridExportKWH) / hours
		stepStart = stepEnd
	}
	if now.After(state.Timestamp) {
		state.Timestamp = now
	}

	cutoff := now.Add(-simulatedHistory)
	for key, stats := range state.DailyHistory {
		if stats.TSHourStart.Before(cutoff) {
			delete(state.DailyHistory, key)
		}
	}
	first := sort.Search(len(state.SOCHistory), func(i int) bool {
		return !state.SOCHistory[i].Timestamp.Before(cutoff)
	})
	state.SOCHistory = state.SOCHistory[first:]
	return batteryKW, solarKW, homeKW, gridKW
}

// load advances the stored state to now and saves it.
func (m *Simulated) load(ctx context.Context) (types.ESSMockState, [4]float64, error) {
	state, err := m.db.GetESSMockState(ctx, m.deviceID)
	if err != nil {
		return types.ESSMockState{}, [4]float64{}, err
	}
	b, s, h, g := m.advance(&state, m.now())
	if err := m.db.UpdateESSMockState(ctx, m.deviceID, state); err != nil {
		return types.ESSMockState{}, [4]float64{}, err
	}
	return state, [4]float64{b, s, h, g}, nil
}

// GetStatus implements System.
func (m *Simulated) GetStatus(ctx context.Context) (types.SystemStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, flows, err := m.load(ctx)
	if err != nil {
		return types.SystemStatus{}, err
	}
	return types.SystemStatus{
		Timestamp:          state.Timestamp,
		BatterySOC:         state.BatterySOC,
		SOCKnown:           true,
		BatteryCapacityKWH: m.CapacityKWH,
		MaxBatteryChargeKW: m.ChargeKW,
		BatteryKW:          flows[0],
		SolarKW:            flows[1],
		HomeKW:             flows[2],
		GridKW:             flows[3],
		Mode:               state.Mode,
		ModeKnown:          true,
	}, nil
}

// SetMode implements System. The time up to now is simulated in the previous
// mode first.
func (m *Simulated) SetMode(ctx context.Context, mode types.Mode, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.db.GetESSMockState(ctx, m.deviceID)
	if err != nil {
		return err
	}
	m.advance(&state, m.now())
	log.Ctx(ctx).InfoContext(
		ctx,
		"setting simulated mode",
		slog.String("from", state.Mode.String()),
		slog.String("to", mode.String()),
		slog.String("reason", reason),
	)
	state.Mode = mode.Normalize()
	return m.db.UpdateESSMockState(ctx, m.deviceID, state)
}

// GetEnergyHistory implements System.
func (m *Simulated) GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, _, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	var history []types.EnergyStats
	for _, stats := range state.DailyHistory {
		if !stats.TSHourStart.Before(start) && stats.TSHourStart.Before(end) {
			history = append(history, stats)
		}
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].TSHourStart.Before(history[j].TSHourStart)
	})
	return history, nil
}

// GetSOCHistory implements System.
func (m *Simulated) GetSOCHistory(ctx context.Context, start, end time.Time) ([]types.SOCSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, _, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.SOCSample
	for _, s := range state.SOCHistory {
		if !s.Timestamp.Before(start) && s.Timestamp.Before(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetWeatherWarning implements WarningSource. The simulated site never has
// a warning.
func (m *Simulated) GetWeatherWarning(ctx context.Context) (types.WeatherWarning, error) {
	return types.WeatherWarning{Known: true}, nil
}

// GetSpotPrices implements forecast.PriceSource with hourly prices.
func (m *Simulated) GetSpotPrices(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	var out []types.Price
	for t := start.Truncate(time.Hour); t.Before(end); t = t.Add(time.Hour) {
		out = append(out, types.Price{
			TSStart:    t.UTC(),
			TSEnd:      t.Add(time.Hour).UTC(),
			SpotPerKWH: simulatedSpotPrice(t.In(m.location)),
		})
	}
	return out, nil
}

// GetSolarForecast implements forecast.SolarSource with the same curve the
// simulation produces.
func (m *Simulated) GetSolarForecast(ctx context.Context, start, end time.Time) ([]types.PowerSample, error) {
	var out []types.PowerSample
	for t := start.Truncate(simulation.DefaultInterval); t.Before(end); t = t.Add(simulation.DefaultInterval) {
		mid := t.Add(simulation.DefaultInterval / 2).In(m.location)
		out = append(out, types.PowerSample{TSStart: t.UTC(), KW: simulatedSolarKW(mid)})
	}
	return out, nil
}
