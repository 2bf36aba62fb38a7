package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/batteryplan/pkg/common"
	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/simulation"
	"github.com/raterudder/batteryplan/pkg/types"
)

// PriceSource provides day-ahead spot prices.
type PriceSource interface {
	// GetSpotPrices returns the known prices overlapping [start, end).
	GetSpotPrices(ctx context.Context, start, end time.Time) ([]types.Price, error)
}

// SolarSource provides a solar production forecast.
type SolarSource interface {
	// GetSolarForecast returns average power samples overlapping [start, end).
	// An empty result means no forecast is available.
	GetSolarForecast(ctx context.Context, start, end time.Time) ([]types.PowerSample, error)
}

// Builder turns prices, the solar forecast and energy history into a
// types.Forecast on the planning grid.
type Builder struct {
	prices   PriceSource
	solar    SolarSource
	interval time.Duration
}

// NewBuilder returns a Builder. solar may be nil, in which case solar comes
// from the historical model.
func NewBuilder(prices PriceSource, solar SolarSource) *Builder {
	return &Builder{
		prices:   prices,
		solar:    solar,
		interval: simulation.DefaultInterval,
	}
}

// Build returns the forecast for [now, now+horizon). Slots without a known
// price are left out and read as zero by the simulator.
func (b *Builder) Build(ctx context.Context, now time.Time, horizon time.Duration, settings types.Settings, history []types.EnergyStats) (types.Forecast, error) {
	if horizon <= 0 {
		return types.Forecast{}, errors.New("horizon must be positive")
	}
	loc, err := time.LoadLocation(settings.Location)
	if err != nil {
		return types.Forecast{}, fmt.Errorf("invalid location %q: %w", settings.Location, err)
	}
	start := now.Truncate(b.interval).UTC()
	end := now.Add(horizon).UTC()

	prices, err := common.RetryWithData(ctx, func() ([]types.Price, error) {
		return b.prices.GetSpotPrices(ctx, start, end)
	})
	if err != nil {
		return types.Forecast{}, fmt.Errorf("failed to get spot prices: %w", err)
	}

	var solar []types.PowerSample
	if b.solar != nil {
		solar, err = b.solar.GetSolarForecast(ctx, start, end)
		if err != nil {
			// the historical model is a usable fallback
			log.Ctx(ctx).WarnContext(ctx, "failed to get solar forecast, using history", slog.Any("error", err))
			solar = nil
		}
	}

	tariffs, err := newTariffs(settings.DistributionTariffs, loc)
	if err != nil {
		return types.Forecast{}, err
	}

	model := hourlyModel(ctx, loc, history, settings)
	trend := solarTrend(ctx, now, loc, history, model, settings)

	fc := types.NewForecast()
	spot := spread(prices, start, end, b.interval)
	forecastSolar := spreadPower(solar, start, end, b.interval)
	today := now.In(loc).YearDay()

	var missing int
	for ts := start; ts.Before(end); ts = ts.Add(b.interval) {
		if s, ok := spot[ts]; ok {
			dist, err := tariffs.at(ts)
			if err != nil {
				return types.Forecast{}, err
			}
			fc.Prices[ts] = types.IntervalPrice{
				SpotPerKWH:         s,
				DistributionPerKWH: dist,
				ExportPerKWH:       s*settings.ExportPriceMultiplier - settings.ExportFeePerKWH,
			}
		} else {
			missing++
		}

		local := ts.In(loc)
		profile := model[local.Hour()]
		fc.LoadKW[ts] = profile.loadKWH
		if kw, ok := forecastSolar[ts]; ok {
			fc.SolarKW[ts] = kw
			continue
		}
		// the trend only describes today
		if local.YearDay() == today {
			fc.SolarKW[ts] = profile.solarKWH * trend
		} else {
			fc.SolarKW[ts] = profile.solarKWH
		}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"built forecast",
		slog.Time("start", start),
		slog.Time("end", end),
		slog.Int("prices", len(fc.Prices)),
		slog.Int("missingPrices", missing),
		slog.Bool("solarForecast", len(forecastSolar) > 0),
		slog.Float64("solarTrend", trend),
	)
	return fc, nil
}

// spread expands prices onto the grid. Later prices win on overlap.
func spread(prices []types.Price, start, end time.Time, interval time.Duration) map[time.Time]float64 {
	out := make(map[time.Time]float64)
	for _, p := range prices {
		pEnd := p.TSEnd
		if !pEnd.After(p.TSStart) {
			pEnd = p.TSStart.Add(time.Hour)
		}
		for ts := p.TSStart.Truncate(interval).UTC(); ts.Before(pEnd); ts = ts.Add(interval) {
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			out[ts] = p.SpotPerKWH
		}
	}
	return out
}

// spreadPower expands power samples onto the grid. Each sample holds until
// the next one, the last one for an hour.
func spreadPower(samples []types.PowerSample, start, end time.Time, interval time.Duration) map[time.Time]float64 {
	out := make(map[time.Time]float64)
	for i, s := range samples {
		sEnd := s.TSStart.Add(time.Hour)
		if i+1 < len(samples) && samples[i+1].TSStart.After(s.TSStart) {
			sEnd = samples[i+1].TSStart
		}
		for ts := s.TSStart.Truncate(interval).UTC(); ts.Before(sEnd); ts = ts.Add(interval) {
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			out[ts] = s.KW
		}
	}
	return out
}
