package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/types"
)

// OptimizeOptions are the optional constraints of an optimization.
type OptimizeOptions struct {
	Holding *types.Holding
}

// Result is the outcome of OptimizePlan.
type Result struct {
	Intervals []types.IntervalSimulation
	// Violation is set when a hard context ends up more than Tolerance away
	// from its target, above or below.
	Violation *types.TargetViolation
	// UnrecoverableDeficits counts intervals left below the minimum because
	// no earlier interval could be turned into a charge.
	UnrecoverableDeficits int
	RepairIterations      int
}

// run holds the mutable state of one optimization.
type run struct {
	s           *Simulator
	contextType types.ContextType
	times       []time.Time
	fixed       []bool
	modes       []types.Mode
	holding     []bool
	clamped     []bool
	ivs         []types.IntervalSimulation
}

// OptimizePlan produces a mode for every interval in [start, end). Intervals
// inside the holding window use its mode. Afterwards every interval that ends
// below the minimum gets a forced charge in front of it, and hard contexts
// convert the cheapest intervals before the target time to forced charge
// until the target is reached. A target that still cannot be reached is
// reported through Result.Violation rather than an error.
func (s *Simulator) OptimizePlan(
	ctx context.Context,
	start, end time.Time,
	opts OptimizeOptions,
	contextType types.ContextType,
) (Result, error) {
	times, err := s.grid(start, end)
	if err != nil {
		return Result{}, err
	}
	if opts.Holding != nil {
		if err := opts.Holding.Validate(s.c.BatteryCapacityKWH); err != nil {
			return Result{}, fmt.Errorf("invalid holding: %w", err)
		}
	}

	n := len(times)
	r := &run{
		s:           s,
		contextType: contextType,
		times:       times,
		fixed:       make([]bool, n),
		modes:       make([]types.Mode, n),
		holding:     make([]bool, n),
		clamped:     make([]bool, n),
		ivs:         make([]types.IntervalSimulation, n),
	}
	if h := opts.Holding; h != nil {
		for i, ts := range times {
			if h.Contains(ts) {
				r.fixed[i] = true
				r.holding[i] = true
				r.modes[i] = h.HoldingMode
			}
		}
	}
	r.simulateFrom(0)

	var res Result
	unrecoverable := make(map[int]bool)
	res.RepairIterations += r.repairDeficits(ctx, unrecoverable)

	if h := opts.Holding; h != nil {
		targetIdx := r.indexAtOrAfter(h.TargetTime)
		if contextType.IsHard() {
			res.RepairIterations += r.preCharge(ctx, targetIdx, h.TargetSOCKWH)
			res.RepairIterations += r.repairDeficits(ctx, unrecoverable)
		}

		achieved := r.socAt(targetIdx)
		if math.Abs(achieved-h.TargetSOCKWH) > Tolerance {
			if contextType.IsHard() {
				res.Violation = &types.TargetViolation{
					TargetTime:     h.TargetTime,
					TargetSOCKWH:   h.TargetSOCKWH,
					AchievedSOCKWH: achieved,
					IntervalIndex:  targetIdx,
				}
				log.Ctx(ctx).WarnContext(
					ctx,
					"hard target not achieved",
					slog.String("context", string(contextType)),
					slog.Time("targetTime", h.TargetTime),
					slog.Float64("targetKWH", h.TargetSOCKWH),
					slog.Float64("achievedKWH", achieved),
				)
			} else {
				log.Ctx(ctx).DebugContext(
					ctx,
					"soft target not achieved",
					slog.Float64("targetKWH", h.TargetSOCKWH),
					slog.Float64("achievedKWH", achieved),
				)
			}
		}
	}

	for i, iv := range r.ivs {
		if iv.IsDeficit && unrecoverable[i] {
			res.UnrecoverableDeficits++
		}
	}
	res.Intervals = r.ivs

	log.Ctx(ctx).DebugContext(
		ctx,
		"optimized plan",
		slog.String("context", string(contextType)),
		slog.Time("start", times[0]),
		slog.Int("intervals", n),
		slog.Int("repairIterations", res.RepairIterations),
		slog.Int("unrecoverableDeficits", res.UnrecoverableDeficits),
	)
	return res, nil
}

// simulateFrom re-simulates every interval from k onwards.
func (r *run) simulateFrom(k int) {
	soc := r.s.c.CurrentSOCKWH
	if k > 0 {
		soc = r.ivs[k-1].BatteryAfterKWH
	}
	for i := k; i < len(r.times); i++ {
		mode := r.modes[i]
		if !r.fixed[i] {
			mode = r.s.SelectOptimalMode(r.times[i], soc, r.contextType)
			r.modes[i] = mode
		}
		iv := r.s.SimulateInterval(r.times[i], mode, soc)
		iv.IsHolding = r.holding[i]
		iv.IsClamped = r.clamped[i]
		r.ivs[i] = iv
		soc = iv.BatteryAfterKWH
	}
}

// force turns interval i into a clamped forced-charge interval.
func (r *run) force(i int) {
	r.fixed[i] = true
	r.clamped[i] = true
	r.modes[i] = types.ModeForcedCharge
	r.simulateFrom(i)
}

func (r *run) convertible(i int) bool {
	return !r.holding[i] && r.modes[i] != types.ModeForcedCharge
}

// repairDeficits returns the number of iterations used. Each iteration
// converts one interval or marks one deficit unrecoverable so the loop ends
// within 2n iterations, the cap only guards against mistakes.
func (r *run) repairDeficits(ctx context.Context, unrecoverable map[int]bool) int {
	maxIter := 4 * len(r.times)
	for iter := 0; iter < maxIter; iter++ {
		idx := -1
		for i, iv := range r.ivs {
			if iv.IsDeficit && !unrecoverable[i] {
				idx = i
				break
			}
		}
		if idx < 0 {
			return iter
		}

		j := -1
		for k := idx - 1; k >= 0; k-- {
			if r.convertible(k) {
				j = k
				break
			}
		}
		if j < 0 && r.convertible(idx) {
			j = idx
		}
		if j < 0 {
			unrecoverable[idx] = true
			continue
		}
		r.force(j)
	}
	log.Ctx(ctx).WarnContext(ctx, "deficit repair hit iteration cap", slog.Int("maxIter", maxIter))
	return maxIter
}

// preCharge converts the cheapest intervals before targetIdx into forced
// charge until the state of charge at targetIdx is within tolerance of
// targetKWH or nothing is left to convert.
func (r *run) preCharge(ctx context.Context, targetIdx int, targetKWH float64) int {
	iter := 0
	for r.socAt(targetIdx) < targetKWH-Tolerance {
		best := -1
		var bestPrice float64
		for i := 0; i < targetIdx && i < len(r.times); i++ {
			if !r.convertible(i) {
				continue
			}
			p := r.s.Price(r.times[i]).ImportPerKWH()
			if best < 0 || p < bestPrice {
				best = i
				bestPrice = p
			}
		}
		if best < 0 {
			break
		}
		log.Ctx(ctx).DebugContext(
			ctx,
			"pre-charging for target",
			slog.Time("ts", r.times[best]),
			slog.Float64("price", bestPrice),
		)
		r.force(best)
		iter++
	}
	return iter
}

// indexAtOrAfter returns the first interval starting at or after t, or the
// number of intervals when t is past the horizon.
func (r *run) indexAtOrAfter(t time.Time) int {
	for i, ts := range r.times {
		if !ts.Before(t) {
			return i
		}
	}
	return len(r.times)
}

// socAt returns the state of charge at the start of interval i, or at the end
// of the horizon when i is past it.
func (r *run) socAt(i int) float64 {
	if i >= len(r.ivs) {
		return r.ivs[len(r.ivs)-1].BatteryAfterKWH
	}
	return r.ivs[i].BatteryBeforeKWH
}
