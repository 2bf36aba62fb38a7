package simulation

import (
	"fmt"
	"math"
	"time"

	"github.com/raterudder/batteryplan/pkg/types"
)

const (
	// Tolerance (kWh) used when comparing a state of charge to a threshold.
	Tolerance = 0.5
	// Solar below this (kW) is treated as night.
	minSolarKW = 0.05
)

// Simulator runs the battery model over a forecast.
type Simulator struct {
	c            Context
	hours        float64
	chargeEff    float64
	dischargeEff float64
	expensive    float64
}

// New validates c and returns a Simulator for it.
func New(c Context) (*Simulator, error) {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Forecast.Prices == nil || c.Forecast.SolarKW == nil || c.Forecast.LoadKW == nil {
		fc := types.NewForecast()
		for k, v := range c.Forecast.Prices {
			fc.Prices[k] = v
		}
		for k, v := range c.Forecast.SolarKW {
			fc.SolarKW[k] = v
		}
		for k, v := range c.Forecast.LoadKW {
			fc.LoadKW[k] = v
		}
		c.Forecast = fc
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	eff := math.Sqrt(c.Efficiency)
	expensive := c.ExpensivePricePerKWH
	if expensive <= 0 {
		expensive = percentileImportPrice(c.Forecast, 0.75)
	}
	return &Simulator{
		c:            c,
		hours:        c.Interval.Hours(),
		chargeEff:    eff,
		dischargeEff: eff,
		expensive:    expensive,
	}, nil
}

// Context returns a copy of the simulation context.
func (s *Simulator) Context() Context {
	return s.c
}

// Interval returns the planning resolution.
func (s *Simulator) Interval() time.Duration {
	return s.c.Interval
}

// ExpensivePricePerKWH returns the configured or derived expensive threshold.
func (s *Simulator) ExpensivePricePerKWH() float64 {
	return s.expensive
}

// Price returns the forecast price for the interval starting at ts.
func (s *Simulator) Price(ts time.Time) types.IntervalPrice {
	return s.c.Forecast.Prices[ts.UTC()]
}

// SolarKW returns the forecast solar power for the interval starting at ts.
func (s *Simulator) SolarKW(ts time.Time) float64 {
	return s.c.Forecast.SolarKW[ts.UTC()]
}

// LoadKW returns the forecast load for the interval starting at ts.
func (s *Simulator) LoadKW(ts time.Time) float64 {
	return s.c.Forecast.LoadKW[ts.UTC()]
}

// GridChargeKWH is how much the AC charger can take from the grid in one
// interval.
func (s *Simulator) GridChargeKWH() float64 {
	return s.c.ACChargeLimitKW * s.hours
}

// SimulateInterval runs one interval starting at ts in the given mode. Missing
// forecast values are treated as zero.
func (s *Simulator) SimulateInterval(ts time.Time, mode types.Mode, socBefore float64) types.IntervalSimulation {
	solar := s.SolarKW(ts) * s.hours
	load := s.LoadKW(ts) * s.hours
	price := s.Price(ts)

	f := SimulateInterval(
		mode, solar, load,
		socBefore, s.c.BatteryCapacityKWH, s.c.HWMinCapacityKWH,
		s.chargeEff, s.dischargeEff,
		s.GridChargeKWH(),
	)

	iv := types.IntervalSimulation{
		Timestamp:               ts,
		Mode:                    mode.Normalize(),
		SolarKWH:                solar,
		ConsumptionKWH:          load,
		BatteryChargeKWH:        f.BatteryChargeKWH,
		BatteryDischargeKWH:     f.BatteryDischargeKWH,
		GridChargeKWH:           f.GridChargeKWH,
		SolarChargeKWH:          f.SolarChargeKWH,
		GridImportKWH:           f.GridImportKWH,
		GridExportKWH:           f.GridExportKWH,
		BatteryBeforeKWH:        socBefore,
		BatteryAfterKWH:         f.NewSOCKWH,
		SpotPricePerKWH:         price.SpotPerKWH,
		DistributionPricePerKWH: price.DistributionPerKWH,
		ExportPricePerKWH:       price.ExportPerKWH,
	}

	// export over the grid limit goes to the boiler first, the rest is lost
	if s.c.ExportLimitKW > 0 {
		limit := s.c.ExportLimitKW * s.hours
		if excess := iv.GridExportKWH - limit; excess > Epsilon {
			iv.AuxiliaryKWH = math.Min(excess, s.c.BoilerKW*s.hours)
			iv.CurtailedKWH = excess - iv.AuxiliaryKWH
			iv.GridExportKWH = limit
		}
	}

	iv.Cost = iv.GridImportKWH*price.ImportPerKWH() - iv.GridExportKWH*price.ExportPerKWH
	iv.IsDeficit = iv.BatteryAfterKWH < s.c.MinCapacityKWH
	return iv
}

// SelectOptimalMode picks a mode for the interval at ts given the state of
// charge at its start. The first matching rule wins:
//   - no meaningful solar: forced charge below the cheap spot price, grid
//     priority with energy above the minimum, forced charge otherwise
//   - solar surplus: store it when below target, otherwise grid priority
//   - deficit at an expensive price: conserve the battery
//   - deficit with energy above the minimum: grid priority
//   - deficit at the minimum: solar to battery when the sun covers half the
//     load, forced charge otherwise
//
// Weather and balancing runs store surplus until the battery is full instead
// of stopping at the configured target.
func (s *Simulator) SelectOptimalMode(ts time.Time, soc float64, contextType types.ContextType) types.Mode {
	target := s.c.TargetCapacityKWH
	if contextType == types.ContextWeather || contextType == types.ContextBalancing {
		target = s.c.BatteryCapacityKWH
	}
	return s.selectMode(s.SolarKW(ts), s.LoadKW(ts), s.Price(ts), soc, target)
}

func (s *Simulator) selectMode(solarKW, loadKW float64, price types.IntervalPrice, soc, target float64) types.Mode {
	if solarKW < minSolarKW {
		if price.SpotPerKWH < s.c.CheapPricePerKWH {
			return types.ModeForcedCharge
		}
		if soc > s.c.MinCapacityKWH+Tolerance {
			return types.ModeGridPriority
		}
		return types.ModeForcedCharge
	}
	if solarKW >= loadKW {
		if soc < target-Tolerance {
			return types.ModeSolarToBattery
		}
		return types.ModeGridPriority
	}
	if s.expensive > 0 && price.ImportPerKWH() >= s.expensive {
		return types.ModeBatteryConserve
	}
	if soc > s.c.MinCapacityKWH+Tolerance {
		return types.ModeGridPriority
	}
	if solarKW >= loadKW/2 {
		return types.ModeSolarToBattery
	}
	return types.ModeForcedCharge
}

// grid returns the interval start times covering [start, end).
func (s *Simulator) grid(start, end time.Time) ([]time.Time, error) {
	start = start.Truncate(s.c.Interval)
	if !end.After(start) {
		return nil, fmt.Errorf("end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	var out []time.Time
	for ts := start; ts.Before(end); ts = ts.Add(s.c.Interval) {
		out = append(out, ts)
	}
	return out, nil
}
