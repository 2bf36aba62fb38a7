package balancing

import (
	"math"
	"sort"
	"time"

	"github.com/raterudder/batteryplan/pkg/types"
)

// compareCosts prices filling the battery now against the best future
// windows in the next 48 hours. A window is the charge period, the holding
// period starts when it ends. It returns false when no option qualifies.
func compareCosts(in Input) (types.CostComparison, bool) {
	s := in.Settings
	sim := in.Sim
	c := sim.Context()
	step := sim.Interval()
	hours := step.Hours()
	now := in.Now.Truncate(step)

	needed := gridEnergyNeeded(c)
	chargeEff := math.Sqrt(c.Efficiency)
	n := chargeIntervals(sim)
	holdN := int(math.Ceil(float64(hoursDuration(s.HoldingHours)) / float64(step)))
	steps := int(lookahead / step)

	at := func(k int) time.Time { return now.Add(time.Duration(k) * step) }
	importAt := func(k int) float64 { return sim.Price(at(k)).ImportPerKWH() }
	netLoadAt := func(k int) float64 {
		return math.Max(0, sim.LoadKW(at(k))-sim.SolarKW(at(k))) * hours
	}

	imports := make([]float64, 0, steps)
	exports := make([]float64, 0, steps)
	for k := 0; k < steps; k++ {
		p := sim.Price(at(k))
		imports = append(imports, p.ImportPerKWH())
		exports = append(exports, p.ExportPerKWH)
	}

	evaluate := func(k int) types.CandidateCost {
		cc := types.CandidateCost{WindowStart: at(k)}
		for j := k; j < k+n; j++ {
			cc.AvgPrice += importAt(j)
		}
		cc.AvgPrice /= float64(n)

		waitDays := float64(k) * hours / 24
		selfDischarge := c.BatteryCapacityKWH * s.SelfDischargePercentPerDay / 100 * waitDays
		cc.ChargeCost = (needed + selfDischarge/chargeEff) * cc.AvgPrice
		for j := 0; j < k; j++ {
			cc.WaitCost += netLoadAt(j) * importAt(j)
		}

		holding := make([]float64, 0, holdN)
		for j := k + n; j < k+n+holdN; j++ {
			cc.HoldingCost += netLoadAt(j) * importAt(j)
			holding = append(holding, sim.Price(at(j)).ExportPerKWH)
		}
		cc.MedianPassed = ValidateWindowMedian(holding, exports)
		cc.TotalCost = cc.ChargeCost + cc.WaitCost + cc.HoldingCost
		return cc
	}

	night := func(t time.Time) bool {
		h := t.In(in.Location).Hour()
		if s.ForcedNightStartHour > s.NightEndHour {
			return h >= s.ForcedNightStartHour || h < s.NightEndHour
		}
		return h >= s.ForcedNightStartHour && h < s.NightEndHour
	}

	var all []types.CandidateCost
	for k := 1; k+n+holdN <= steps; k++ {
		if night(at(k)) || sim.Price(at(k)).SpotPerKWH < c.CheapPricePerKWH {
			all = append(all, evaluate(k))
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].AvgPrice < all[j].AvgPrice })

	// keep the cheapest windows that do not overlap
	span := time.Duration(n+holdN) * step
	var candidates []types.CandidateCost
	for _, cand := range all {
		if len(candidates) >= s.MaxCandidateWindows {
			break
		}
		overlaps := false
		for _, picked := range candidates {
			d := cand.WindowStart.Sub(picked.WindowStart)
			if d < span && -d < span {
				overlaps = true
				break
			}
		}
		if !overlaps {
			candidates = append(candidates, cand)
		}
	}

	cmp := types.CostComparison{
		Immediate:  evaluate(0),
		Candidates: candidates,
	}
	found := false
	for _, opt := range append([]types.CandidateCost{cmp.Immediate}, candidates...) {
		if s.Economic && !opt.MedianPassed {
			continue
		}
		if !found || opt.TotalCost < cmp.Selected.TotalCost {
			cmp.Selected = opt
			found = true
		}
	}
	if !found {
		return cmp, false
	}

	// the home load during holding is paid in any schedule, the extra is
	// what charging and waiting cost over a typical charge
	cmp.BaselineCost = needed * Median(imports)
	cmp.IncrementalCost = cmp.Selected.ChargeCost + cmp.Selected.WaitCost - cmp.BaselineCost
	return cmp, true
}
