package simulation

import (
	"math"

	"github.com/raterudder/batteryplan/pkg/types"
)

// Epsilon is the smallest energy amount (kWh) treated as non-zero.
const Epsilon = 0.001

// IntervalFlows is the energy balance of one interval.
type IntervalFlows struct {
	NewSOCKWH           float64
	GridImportKWH       float64
	GridExportKWH       float64
	BatteryChargeKWH    float64
	BatteryDischargeKWH float64
	GridChargeKWH       float64
	SolarChargeKWH      float64
}

// SimulateInterval computes the energy flows for a single interval. It is a
// pure function of its inputs. Charging energy is reduced by chargeEff before
// it is added to the state of charge and discharged energy is reduced by
// dischargeEff before it reaches the home. The battery is never discharged
// below hwMinKWH.
func SimulateInterval(
	mode types.Mode,
	solarKWH, loadKWH float64,
	socKWH, capacityKWH, hwMinKWH float64,
	chargeEff, dischargeEff float64,
	gridChargeRateKWH float64,
) IntervalFlows {
	solarKWH = math.Max(0, solarKWH)
	loadKWH = math.Max(0, loadKWH)
	soc := clamp(socKWH, 0, capacityKWH)

	mode = mode.Normalize()
	// without sun the solar-first modes behave like grid priority
	if solarKWH < Epsilon && (mode == types.ModeBatteryConserve || mode == types.ModeSolarToBattery) {
		mode = types.ModeGridPriority
	}

	var f IntervalFlows
	switch mode {
	case types.ModeGridPriority, types.ModeBatteryConserve:
		if solarKWH >= loadKWH {
			stored := chargeInto(&soc, solarKWH-loadKWH, capacityKWH, chargeEff)
			f.BatteryChargeKWH = stored
			f.SolarChargeKWH = stored
			f.GridExportKWH = solarKWH - loadKWH - stored
			break
		}
		deficit := loadKWH - solarKWH
		if mode == types.ModeGridPriority {
			delivered := dischargeFrom(&soc, deficit, hwMinKWH, dischargeEff)
			f.BatteryDischargeKWH = delivered
			deficit -= delivered
		}
		f.GridImportKWH = deficit

	case types.ModeSolarToBattery:
		stored := chargeInto(&soc, solarKWH, capacityKWH, chargeEff)
		f.BatteryChargeKWH = stored
		f.SolarChargeKWH = stored
		f.GridExportKWH = solarKWH - stored
		f.GridImportKWH = loadKWH

	case types.ModeForcedCharge:
		solarStored := chargeInto(&soc, solarKWH, capacityKWH, chargeEff)
		gridStored := chargeInto(&soc, math.Max(0, gridChargeRateKWH), capacityKWH, chargeEff)
		f.SolarChargeKWH = solarStored
		f.GridChargeKWH = gridStored
		f.BatteryChargeKWH = solarStored + gridStored
		f.GridExportKWH = solarKWH - solarStored
		f.GridImportKWH = loadKWH + gridStored
	}

	f.NewSOCKWH = clamp(soc, 0, capacityKWH)
	zeroSmall(&f.GridImportKWH)
	zeroSmall(&f.GridExportKWH)
	zeroSmall(&f.BatteryChargeKWH)
	zeroSmall(&f.BatteryDischargeKWH)
	zeroSmall(&f.GridChargeKWH)
	zeroSmall(&f.SolarChargeKWH)
	return f
}

// chargeInto stores up to offered kWh in the battery and returns how much of
// the offer was taken.
func chargeInto(soc *float64, offered, capacity, eff float64) float64 {
	room := capacity - *soc
	if offered <= 0 || room <= 0 || eff <= 0 {
		return 0
	}
	taken := math.Min(offered, room/eff)
	*soc += taken * eff
	return taken
}

// dischargeFrom draws from the battery to deliver up to needed kWh and returns
// what was delivered.
func dischargeFrom(soc *float64, needed, floor, eff float64) float64 {
	available := *soc - floor
	if needed <= 0 || available <= 0 || eff <= 0 {
		return 0
	}
	delivered := math.Min(needed, available*eff)
	*soc -= delivered / eff
	return delivered
}

func zeroSmall(v *float64) {
	if math.Abs(*v) < Epsilon {
		*v = 0
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
