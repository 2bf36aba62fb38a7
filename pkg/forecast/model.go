package forecast

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/types"
)

// Readings at or below this (kWh per hour) are noise.
const noiseKWH = 0.1

// hourProfile is the expected energy for one hour of the day.
type hourProfile struct {
	solarKWH float64
	loadKWH  float64
}

type reading struct {
	solar float64
	load  float64
}

// hourlyModel averages solar and load per local hour of day. A single load
// reading more than IgnoreHourUsageOverMultiple times every other reading of
// the same hour is dropped. Solar is then lifted towards a bell curve fitted
// to the unclipped daylight readings.
func hourlyModel(ctx context.Context, loc *time.Location, history []types.EnergyStats, settings types.Settings) map[int]hourProfile {
	byHour := make(map[int][]reading)
	for _, h := range history {
		if h.TSHourStart.IsZero() {
			continue
		}
		hour := h.TSHourStart.In(loc).Hour()
		byHour[hour] = append(byHour[hour], reading{solar: h.SolarKWH, load: h.HomeKWH})
	}

	model := make(map[int]hourProfile, len(byHour))
	for hour, readings := range byHour {
		readings = dropLoadOutlier(ctx, hour, readings, settings.IgnoreHourUsageOverMultiple)
		model[hour] = hourProfile{
			solarKWH: averageAboveNoise(readings, func(r reading) float64 { return r.solar }),
			loadKWH:  averageAboveNoise(readings, func(r reading) float64 { return r.load }),
		}
	}

	if settings.SolarBellCurveMultiplier > 0 {
		fitSolarCurve(ctx, loc, history, model, settings.SolarBellCurveMultiplier)
	}
	return model
}

func dropLoadOutlier(ctx context.Context, hour int, readings []reading, multiple float64) []reading {
	if len(readings) < 3 || multiple <= 1 {
		return readings
	}
	var outliers []int
	for i, r := range readings {
		outlier := true
		for j, other := range readings {
			if i != j && r.load <= other.load*multiple {
				outlier = false
				break
			}
		}
		if outlier {
			outliers = append(outliers, i)
		}
	}
	// several "outliers" means the hour is just volatile
	if len(outliers) != 1 {
		if len(outliers) > 1 {
			log.Ctx(ctx).DebugContext(ctx, "keeping volatile hour", slog.Int("hour", hour), slog.Int("outliers", len(outliers)))
		}
		return readings
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"ignoring load outlier",
		slog.Int("hour", hour),
		slog.Float64("load", readings[outliers[0]].load),
	)
	kept := make([]reading, 0, len(readings)-1)
	kept = append(kept, readings[:outliers[0]]...)
	return append(kept, readings[outliers[0]+1:]...)
}

func averageAboveNoise(readings []reading, value func(reading) float64) float64 {
	var sum, n float64
	for _, r := range readings {
		if v := value(r); v > noiseKWH {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// fitSolarCurve lifts daylight hours towards a gaussian whose peak is
// estimated from readings that were not clipped by a full battery.
func fitSolarCurve(ctx context.Context, loc *time.Location, history []types.EnergyStats, model map[int]hourProfile, multiplier float64) {
	first, last := -1, -1
	for hour, p := range model {
		if p.solarKWH <= noiseKWH {
			continue
		}
		if first == -1 || hour < first {
			first = hour
		}
		if hour > last {
			last = hour
		}
	}
	if first == -1 {
		return
	}
	daylight := float64(last - first + 1)
	mu := float64(first) + daylight/2
	sigma := daylight / 3
	curve := func(hour int) float64 {
		return math.Exp(-math.Pow(float64(hour)-mu, 2) / (2 * sigma * sigma))
	}

	// readings are trusted when the battery had room or the surplus was
	// exported, a full battery with no export means the inverter clipped
	trusted := make(map[int][]float64)
	for _, h := range history {
		hour := h.TSHourStart.In(loc).Hour()
		if h.SolarKWH <= noiseKWH || curve(hour) <= 0.2 {
			continue
		}
		if h.GridExportKWH > noiseKWH || h.MaxBatterySOC < 98 {
			trusted[hour] = append(trusted[hour], h.SolarKWH)
		}
	}

	// the hour with the most trusted readings wins, ties go to the sunnier one
	var peak float64
	bestHour, bestCount, bestAvg := -1, 0, 0.0
	for hour, values := range trusted {
		var sum float64
		for _, v := range values {
			sum += v
		}
		avg := sum / float64(len(values))
		if len(values) > bestCount || (len(values) == bestCount && avg > bestAvg) {
			bestHour, bestCount, bestAvg = hour, len(values), avg
		}
	}
	if bestHour != -1 {
		peak = bestAvg / curve(bestHour)
	} else {
		// everything was clipped, use the highest raw reading on the curve
		var highest float64
		for _, h := range history {
			hour := h.TSHourStart.In(loc).Hour()
			if f := curve(hour); h.SolarKWH > noiseKWH && f > 0.2 && h.SolarKWH > highest {
				highest = h.SolarKWH
				peak = h.SolarKWH / f
			}
		}
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fitted solar curve",
		slog.Int("firstHour", first),
		slog.Int("lastHour", last),
		slog.Int("bestHour", bestHour),
		slog.Float64("estimatedPeak", peak),
	)
	if peak == 0 {
		return
	}

	for hour := first; hour <= last; hour++ {
		p, ok := model[hour]
		if !ok {
			continue
		}
		if predicted := peak * curve(hour); p.solarKWH < predicted {
			p.solarKWH += (predicted - p.solarKWH) * multiplier
			model[hour] = p
		}
	}
}

// solarTrend compares the last two complete hours of today with the model.
// It returns the ratio of actual to expected solar, capped at
// SolarTrendRatioMax, or 1 when they are within 10% of each other.
func solarTrend(ctx context.Context, now time.Time, loc *time.Location, history []types.EnergyStats, model map[int]hourProfile, settings types.Settings) float64 {
	if len(history) < 2 {
		return 1
	}
	local := now.In(loc)
	byHour := make(map[time.Time]types.EnergyStats, len(history))
	var latest time.Time
	for _, h := range history {
		t := h.TSHourStart.In(loc)
		byHour[t] = h
		if t.YearDay() == local.YearDay() && t.Year() == local.Year() && t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return 1
	}
	prev := latest.Add(-time.Hour)
	a, okA := byHour[latest]
	b, okB := byHour[prev]
	if !okA || !okB {
		log.Ctx(ctx).DebugContext(ctx, "not enough recent solar data", slog.Time("latest", latest))
		return 1
	}

	actual := a.SolarKWH + b.SolarKWH
	expected := model[latest.Hour()].solarKWH + model[prev.Hour()].solarKWH
	if expected < 0.001 {
		return 1
	}
	if math.Abs(actual-expected)/expected <= 0.10 {
		return 1
	}
	ratio := actual / expected
	if settings.SolarTrendRatioMax > 0 {
		ratio = math.Min(settings.SolarTrendRatioMax, ratio)
	}
	log.Ctx(ctx).DebugContext(ctx, "solar trend", slog.Float64("actual", actual), slog.Float64("expected", expected), slog.Float64("ratio", ratio))
	return ratio
}
