package simulation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/raterudder/batteryplan/pkg/types"
)

// DefaultInterval is the planning resolution.
const DefaultInterval = 15 * time.Minute

// ErrInvalidContext is returned when a Context cannot be simulated.
var ErrInvalidContext = errors.New("invalid simulation context")

// Context is everything a simulation run needs. It is treated as read-only
// once a Simulator has been built from it.
type Context struct {
	BatteryCapacityKWH float64
	CurrentSOCKWH      float64
	// Round-trip efficiency, split evenly between charge and discharge
	Efficiency        float64
	ACChargeLimitKW   float64
	MinCapacityKWH    float64
	TargetCapacityKWH float64
	HWMinCapacityKWH  float64

	CheapPricePerKWH     float64
	ExpensivePricePerKWH float64

	BoilerKW      float64
	ExportLimitKW float64

	Interval time.Duration
	Forecast types.Forecast
}

// Validate checks min < target <= capacity and the physical parameters.
func (c Context) Validate() error {
	if c.BatteryCapacityKWH <= 0 {
		return fmt.Errorf("%w: capacity must be positive: %v", ErrInvalidContext, c.BatteryCapacityKWH)
	}
	if c.MinCapacityKWH >= c.TargetCapacityKWH || c.TargetCapacityKWH > c.BatteryCapacityKWH {
		return fmt.Errorf(
			"%w: expected min (%.3f) < target (%.3f) <= capacity (%.3f)",
			ErrInvalidContext, c.MinCapacityKWH, c.TargetCapacityKWH, c.BatteryCapacityKWH,
		)
	}
	if c.HWMinCapacityKWH < 0 || c.HWMinCapacityKWH > c.MinCapacityKWH {
		return fmt.Errorf("%w: hardware minimum %.3f outside [0, %.3f]", ErrInvalidContext, c.HWMinCapacityKWH, c.MinCapacityKWH)
	}
	if c.Efficiency <= 0 || c.Efficiency > 1 {
		return fmt.Errorf("%w: efficiency must be in (0, 1]: %v", ErrInvalidContext, c.Efficiency)
	}
	if c.ACChargeLimitKW < 0 {
		return fmt.Errorf("%w: negative AC charge limit", ErrInvalidContext)
	}
	return nil
}

// NewContext builds a Context from the live status, the device settings and a
// forecast.
func NewContext(status types.SystemStatus, settings types.Settings, fc types.Forecast) Context {
	capacity := status.BatteryCapacityKWH
	chargeLimit := settings.ACChargeLimitKW
	if status.MaxBatteryChargeKW > 0 {
		chargeLimit = status.MaxBatteryChargeKW
	}
	return Context{
		BatteryCapacityKWH:   capacity,
		CurrentSOCKWH:        status.SOCKWH(),
		Efficiency:           settings.RoundTripEfficiency,
		ACChargeLimitKW:      chargeLimit,
		MinCapacityKWH:       settings.MinBatterySOC / 100 * capacity,
		TargetCapacityKWH:    settings.TargetBatterySOC / 100 * capacity,
		HWMinCapacityKWH:     settings.HWMinBatterySOC / 100 * capacity,
		CheapPricePerKWH:     settings.CheapPricePerKWH,
		ExpensivePricePerKWH: settings.ExpensivePricePerKWH,
		BoilerKW:             settings.BoilerKW,
		ExportLimitKW:        settings.ExportLimitKW,
		Interval:             DefaultInterval,
		Forecast:             fc,
	}
}

// percentileImportPrice returns the p-th percentile (0-1) of import prices in
// the forecast or 0 when there are none.
func percentileImportPrice(fc types.Forecast, p float64) float64 {
	if len(fc.Prices) == 0 {
		return 0
	}
	prices := make([]float64, 0, len(fc.Prices))
	for _, v := range fc.Prices {
		prices = append(prices, v.ImportPerKWH())
	}
	sort.Float64s(prices)
	idx := int(math.Ceil(p*float64(len(prices)))) - 1
	return prices[min(max(idx, 0), len(prices)-1)]
}
