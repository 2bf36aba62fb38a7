package balancing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/batteryplan/pkg/common"
	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/plan"
	"github.com/raterudder/batteryplan/pkg/simulation"
	"github.com/raterudder/batteryplan/pkg/storage"
	"github.com/raterudder/batteryplan/pkg/types"
)

// lookahead bounds how far ahead opportunistic windows are searched.
const lookahead = 48 * time.Hour

// Decision is what a balancing check concluded.
type Decision string

const (
	DecisionDisabled       Decision = "disabled"
	DecisionWeather        Decision = "weatherOverride"
	DecisionCompleted      Decision = "completed"
	DecisionInProgress     Decision = "inProgress"
	DecisionNatural        Decision = "natural"
	DecisionForced         Decision = "forced"
	DecisionOpportunistic  Decision = "opportunistic"
	DecisionCooldown       Decision = "cooldown"
	DecisionBelowThreshold Decision = "belowThreshold"
	DecisionNoWindow       Decision = "noWindow"
	DecisionTooExpensive   Decision = "tooExpensive"
	DecisionNone           Decision = "none"
)

// Outcome is the result of one Check. Plan is set when a balancing plan was
// created and activated.
type Outcome struct {
	Decision  Decision
	Plan      *types.Plan
	Balancing *types.BalancingPlan
	Costs     *types.CostComparison
}

// Input is what a check needs from the current cycle.
type Input struct {
	Now        time.Time
	Sim        *simulation.Simulator
	Status     types.SystemStatus
	SOCHistory []types.SOCSample
	Settings   types.BalancingSettings
	// Location decides what "tonight" and night hours mean.
	Location *time.Location
	// Horizon is the minimum length of a balancing plan.
	Horizon time.Duration
}

// Manager detects and schedules balancing cycles for one device.
type Manager struct {
	db    storage.Database
	plans *plan.Manager

	mu    sync.Mutex
	state types.BalancingState
}

// New returns a Manager. Call Load once at startup.
func New(db storage.Database, plans *plan.Manager) *Manager {
	return &Manager{
		db:    db,
		plans: plans,
	}
}

// Load reads the persisted state.
func (m *Manager) Load(ctx context.Context) error {
	state, _, err := m.db.GetBalancingState(ctx, m.plans.DeviceID())
	if err != nil {
		return fmt.Errorf("failed to get balancing state: %w", err)
	}
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return nil
}

// State returns a copy of the current state.
func (m *Manager) State() types.BalancingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyState(m.state)
}

func copyState(s types.BalancingState) types.BalancingState {
	if s.ActivePlan != nil {
		bp := *s.ActivePlan
		bp.Intervals = append([]types.BalancingInterval(nil), bp.Intervals...)
		s.ActivePlan = &bp
	}
	return s
}

// persist writes next and only then adopts it.
func (m *Manager) persist(ctx context.Context, next types.BalancingState) error {
	err := common.Retry(ctx, func() error {
		return m.db.SetBalancingState(ctx, m.plans.DeviceID(), next, types.CurrentBalancingStateVersion)
	})
	if err != nil {
		return fmt.Errorf("failed to save balancing state: %w", err)
	}
	m.state = next
	return nil
}

// Check evaluates the balancing scenarios in priority order: completion,
// natural, forced and opportunistic. At most one of them acts per call.
func (m *Manager) Check(ctx context.Context, in Input) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := in.Settings
	if !s.Enabled {
		return Outcome{Decision: DecisionDisabled}, nil
	}
	if in.Sim == nil {
		return Outcome{}, errors.New("simulator is required")
	}
	if in.Location == nil {
		in.Location = time.UTC
	}

	active := m.plans.GetActivePlan()
	next := copyState(m.state)
	next.LastCheck = in.Now

	hold := hoursDuration(s.HoldingHours)
	if end, ok := completedRun(in.SOCHistory, s.FullSOCPercent, hold); ok && end.After(next.LastBalancing) {
		finished := next.ActivePlan
		next.LastBalancing = end
		next.ActivePlan = nil
		next.LastResult = string(DecisionCompleted)
		if err := m.persist(ctx, next); err != nil {
			return Outcome{}, err
		}
		log.Ctx(ctx).InfoContext(ctx, "balancing completed", slog.Time("end", end))
		if finished != nil && active != nil && active.ID == finished.PlanID {
			if _, err := m.plans.DeactivatePlan(ctx, finished.PlanID); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to deactivate finished balancing plan", slog.String("planID", finished.PlanID), slog.Any("error", err))
			}
		}
		return Outcome{Decision: DecisionCompleted}, nil
	}

	// a full run is recorded above even while a weather plan is in charge
	if active != nil && active.Type == types.PlanTypeWeather {
		log.Ctx(ctx).DebugContext(ctx, "weather plan active, skipping balancing", slog.String("planID", active.ID))
		return Outcome{Decision: DecisionWeather}, nil
	}

	if bp := next.ActivePlan; bp != nil {
		if in.Now.Before(bp.HoldingEnd) && active != nil && active.ID == bp.PlanID {
			return Outcome{Decision: DecisionInProgress, Balancing: bp}, nil
		}
		log.Ctx(ctx).WarnContext(
			ctx,
			"balancing plan ended without a completed cycle",
			slog.String("planID", bp.PlanID),
			slog.String("mode", string(bp.Mode)),
		)
		next.ActivePlan = nil
	}

	capacity := in.Sim.Context().BatteryCapacityKWH
	if active != nil && active.Type != types.PlanTypeBalancing {
		if end, ok := fullWindow(active.Intervals, s.FullSOCPercent/100*capacity, hold, in.Sim.Interval()); ok {
			if end.After(next.LastBalancing) {
				next.LastBalancing = end
			}
			next.LastResult = string(DecisionNatural)
			if err := m.persist(ctx, next); err != nil {
				return Outcome{}, err
			}
			log.Ctx(ctx).InfoContext(ctx, "natural balancing window found", slog.String("planID", active.ID), slog.Time("end", end))
			return Outcome{Decision: DecisionNatural}, nil
		}
	}

	if next.DaysSince(in.Now) >= s.CycleDays {
		return m.forced(ctx, in, next)
	}
	return m.opportunistic(ctx, in, next)
}

func (m *Manager) forced(ctx context.Context, in Input, next types.BalancingState) (Outcome, error) {
	s := in.Settings
	c := in.Sim.Context()

	local := in.Now.In(in.Location)
	var start time.Time
	if local.Hour() < s.ForcedCutoffHour {
		start = time.Date(local.Year(), local.Month(), local.Day(), s.ForcedNightStartHour, 0, 0, 0, in.Location)
	}
	if !start.After(in.Now) {
		start = in.Now.Add(hoursDuration(hoursToFull(c) + 1))
	}
	start = ceilTo(start, in.Sim.Interval())

	reason := fmt.Sprintf("%.1f days since last balancing", next.DaysSince(in.Now))
	if next.LastBalancing.IsZero() {
		reason = "never balanced"
	}
	p, bp, err := m.schedule(ctx, in, start, types.BalancingModeForced, types.BalancingPriorityCritical, reason)
	if err != nil {
		return Outcome{}, err
	}
	next.ActivePlan = &bp
	next.LastAttempt = in.Now
	next.LastResult = string(DecisionForced)
	if err := m.persist(ctx, next); err != nil {
		return Outcome{}, err
	}
	return Outcome{Decision: DecisionForced, Plan: &p, Balancing: &bp}, nil
}

func (m *Manager) opportunistic(ctx context.Context, in Input, next types.BalancingState) (Outcome, error) {
	s := in.Settings
	c := in.Sim.Context()

	record := func(d Decision) (Outcome, error) {
		next.LastResult = string(d)
		if err := m.persist(ctx, next); err != nil {
			return Outcome{}, err
		}
		return Outcome{Decision: d}, nil
	}

	if !next.LastAttempt.IsZero() && in.Now.Sub(next.LastAttempt) < hoursDuration(s.CooldownHours) {
		return record(DecisionCooldown)
	}
	if pct := c.CurrentSOCKWH / c.BatteryCapacityKWH * 100; pct < s.OpportunisticSOCPercent {
		return record(DecisionBelowThreshold)
	}

	costs, ok := compareCosts(in)
	if !ok {
		return record(DecisionNoWindow)
	}
	if costs.IncrementalCost > s.MaxIncrementalCost {
		log.Ctx(ctx).InfoContext(
			ctx,
			"opportunistic balancing too expensive",
			slog.Float64("incrementalCost", costs.IncrementalCost),
			slog.Float64("maxIncrementalCost", s.MaxIncrementalCost),
		)
		out, err := record(DecisionTooExpensive)
		out.Costs = &costs
		return out, err
	}

	holdStart := costs.Selected.WindowStart.Add(time.Duration(chargeIntervals(in.Sim)) * in.Sim.Interval())
	reason := fmt.Sprintf("charging at %.3f/kWh, incremental cost %.3f", costs.Selected.AvgPrice, costs.IncrementalCost)
	p, bp, err := m.schedule(ctx, in, holdStart, types.BalancingModeOpportunistic, types.BalancingPriorityNormal, reason)
	if err != nil {
		return Outcome{}, err
	}
	bp.Costs = &costs
	next.ActivePlan = &bp
	next.LastAttempt = in.Now
	next.LastResult = string(DecisionOpportunistic)
	if err := m.persist(ctx, next); err != nil {
		return Outcome{}, err
	}
	return Outcome{Decision: DecisionOpportunistic, Plan: &p, Balancing: &bp, Costs: &costs}, nil
}

// schedule creates and activates a plan that is full at holdStart and holds
// it in forced charge.
func (m *Manager) schedule(
	ctx context.Context,
	in Input,
	holdStart time.Time,
	mode types.BalancingMode,
	priority types.BalancingPriority,
	reason string,
) (types.Plan, types.BalancingPlan, error) {
	s := in.Settings
	holdEnd := holdStart.Add(hoursDuration(s.HoldingHours))
	end := in.Now.Add(in.Horizon)
	if holdEnd.After(end) {
		end = holdEnd
	}

	p, err := m.plans.CreateBalancingPlan(ctx, in.Sim, in.Now, end, 100, holdStart, s.HoldingHours, types.ModeForcedCharge, mode)
	if err != nil {
		return types.Plan{}, types.BalancingPlan{}, err
	}
	if p, err = m.plans.ActivatePlan(ctx, p.ID); err != nil {
		return types.Plan{}, types.BalancingPlan{}, err
	}

	bp := types.BalancingPlan{
		Mode:         mode,
		Priority:     priority,
		Locked:       mode == types.BalancingModeForced,
		HoldingStart: holdStart,
		HoldingEnd:   holdEnd,
		Reason:       reason,
		PlanID:       p.ID,
	}
	for _, iv := range p.Intervals {
		if !iv.Timestamp.Before(holdStart) {
			break
		}
		if iv.Mode == types.ModeForcedCharge {
			bp.Intervals = append(bp.Intervals, types.BalancingInterval{Timestamp: iv.Timestamp, Mode: iv.Mode})
		}
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"scheduled balancing",
		slog.String("mode", string(mode)),
		slog.String("planID", p.ID),
		slog.Time("holdingStart", holdStart),
		slog.String("reason", reason),
		slog.Bool("infeasible", p.Infeasible()),
	)
	return p, bp, nil
}

// completedRun finds the most recent continuous run of samples at or above
// fullPercent lasting at least hold and returns the time of its last sample.
func completedRun(samples []types.SOCSample, fullPercent float64, hold time.Duration) (time.Time, bool) {
	if len(samples) == 0 || hold <= 0 {
		return time.Time{}, false
	}
	sorted := append([]types.SOCSample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var (
		found    time.Time
		ok       bool
		runStart time.Time
		runLast  time.Time
		inRun    bool
		closeRun = func() {
			if inRun && runLast.Sub(runStart) >= hold {
				found, ok = runLast, true
			}
			inRun = false
		}
	)
	for _, smp := range sorted {
		if smp.SOCPercent >= fullPercent {
			if !inRun {
				runStart = smp.Timestamp
				inRun = true
			}
			runLast = smp.Timestamp
			continue
		}
		closeRun()
	}
	closeRun()
	return found, ok
}

// fullWindow finds the first run of consecutive plan intervals ending at or
// above fullKWH that covers hold and returns the end of that run.
func fullWindow(intervals []types.IntervalSimulation, fullKWH float64, hold, interval time.Duration) (time.Time, bool) {
	if hold <= 0 {
		return time.Time{}, false
	}
	need := int(math.Ceil(float64(hold) / float64(interval)))
	run := 0
	for i, iv := range intervals {
		if iv.BatteryAfterKWH >= fullKWH-simulation.Epsilon {
			run++
			if run >= need {
				return intervals[i].Timestamp.Add(interval), true
			}
			continue
		}
		run = 0
	}
	return time.Time{}, false
}

// hoursToFull is how long the AC charger needs to fill the battery.
func hoursToFull(c simulation.Context) float64 {
	if c.ACChargeLimitKW <= 0 {
		return 0
	}
	missing := math.Max(0, c.BatteryCapacityKWH-c.CurrentSOCKWH)
	return math.Ceil(missing / (c.ACChargeLimitKW * math.Sqrt(c.Efficiency)))
}

// chargeIntervals is the number of intervals needed to fill the battery from
// the grid, at least one.
func chargeIntervals(sim *simulation.Simulator) int {
	perInterval := sim.GridChargeKWH()
	if perInterval <= 0 {
		return 1
	}
	n := int(math.Ceil(gridEnergyNeeded(sim.Context()) / perInterval))
	return max(n, 1)
}

// gridEnergyNeeded is the grid energy needed to fill the battery.
func gridEnergyNeeded(c simulation.Context) float64 {
	return math.Max(0, c.BatteryCapacityKWH-c.CurrentSOCKWH) / math.Sqrt(c.Efficiency)
}

func hoursDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func ceilTo(t time.Time, d time.Duration) time.Time {
	if tt := t.Truncate(d); tt.Before(t) {
		return tt.Add(d)
	}
	return t
}
