package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raterudder/batteryplan/pkg/common"
	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/simulation"
	"github.com/raterudder/batteryplan/pkg/storage"
	"github.com/raterudder/batteryplan/pkg/types"
)

var (
	// ErrPlanNotFound is returned when a plan id does not exist for the device.
	ErrPlanNotFound = fmt.Errorf("plan: %w", storage.ErrPlanNotFound)
	// ErrPlanDeactivated is returned when activating a plan that already ran.
	ErrPlanDeactivated = errors.New("plan was deactivated")
)

// Manager creates, persists and activates plans for one device. It is the
// only writer of plan status and keeps at most one plan active.
type Manager struct {
	db       storage.Database
	deviceID string
	now      func() time.Time

	mu     sync.Mutex
	active *types.Plan
}

// New returns a Manager. Call Restore once at startup to load the active plan.
func New(db storage.Database, deviceID string) *Manager {
	return &Manager{
		db:       db,
		deviceID: deviceID,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// DeviceID returns the device this manager plans for.
func (m *Manager) DeviceID() string {
	return m.deviceID
}

// CreateAutomaticPlan optimizes [start, end) without a target.
func (m *Manager) CreateAutomaticPlan(ctx context.Context, sim *simulation.Simulator, start, end time.Time) (types.Plan, error) {
	return m.create(ctx, sim, newPlan{
		typ:   types.PlanTypeAutomatic,
		name:  "Automatic",
		start: start,
		end:   end,
	})
}

// CreateManualPlan optimizes [start, end) for reaching targetSOCPercent at
// targetTime. Omitted holding hours mean the target is only reached, not
// held, and the holding mode defaults to forced charge.
func (m *Manager) CreateManualPlan(
	ctx context.Context,
	sim *simulation.Simulator,
	start, end time.Time,
	targetSOCPercent float64,
	targetTime time.Time,
	holdingHours *float64,
	holdingMode *types.Mode,
) (types.Plan, error) {
	h := types.Holding{
		TargetSOCKWH: percentToKWH(sim, targetSOCPercent),
		TargetTime:   targetTime,
		HoldingMode:  types.ModeForcedCharge,
	}
	if holdingHours != nil {
		h.HoldingHours = *holdingHours
	}
	if holdingMode != nil {
		h.HoldingMode = *holdingMode
	}
	return m.create(ctx, sim, newPlan{
		typ:     types.PlanTypeManual,
		name:    fmt.Sprintf("Manual %.0f%% by %s", targetSOCPercent, targetTime.Format(time.Kitchen)),
		start:   start,
		end:     end,
		holding: &h,
	})
}

// CreateBalancingPlan optimizes a full-charge cycle.
func (m *Manager) CreateBalancingPlan(
	ctx context.Context,
	sim *simulation.Simulator,
	start, end time.Time,
	targetSOCPercent float64,
	targetTime time.Time,
	holdingHours float64,
	holdingMode types.Mode,
	mode types.BalancingMode,
) (types.Plan, error) {
	return m.create(ctx, sim, newPlan{
		typ:   types.PlanTypeBalancing,
		name:  fmt.Sprintf("Balancing (%s)", mode),
		start: start,
		end:   end,
		holding: &types.Holding{
			TargetSOCKWH: percentToKWH(sim, targetSOCPercent),
			TargetTime:   targetTime,
			HoldingHours: holdingHours,
			HoldingMode:  holdingMode,
		},
		balancingMode: mode,
		locked:        mode == types.BalancingModeForced,
	})
}

// CreateWeatherPlan charges to full by warningStart and holds it in forced
// charge for the warning duration. The horizon extends past the warning so
// the plan also covers the time after it.
func (m *Manager) CreateWeatherPlan(
	ctx context.Context,
	sim *simulation.Simulator,
	warningStart time.Time,
	warningDurationHours float64,
	warningLevel string,
	horizon time.Duration,
) (types.Plan, error) {
	return m.CreateWeatherPlanWithTarget(ctx, sim, warningStart, warningDurationHours, warningLevel, 100, horizon)
}

// CreateWeatherPlanWithTarget is CreateWeatherPlan for warning levels whose
// escalation asks for less than a full battery.
func (m *Manager) CreateWeatherPlanWithTarget(
	ctx context.Context,
	sim *simulation.Simulator,
	warningStart time.Time,
	warningDurationHours float64,
	warningLevel string,
	targetSOCPercent float64,
	horizon time.Duration,
) (types.Plan, error) {
	start := m.now()
	if warningStart.Before(start) {
		start = warningStart
	}
	end := start.Add(horizon)
	if holdEnd := warningStart.Add(time.Duration(warningDurationHours * float64(time.Hour))); holdEnd.After(end) {
		end = holdEnd
	}
	return m.create(ctx, sim, newPlan{
		typ:   types.PlanTypeWeather,
		name:  fmt.Sprintf("Weather (%s)", warningLevel),
		start: start,
		end:   end,
		holding: &types.Holding{
			TargetSOCKWH: percentToKWH(sim, targetSOCPercent),
			TargetTime:   warningStart,
			HoldingHours: warningDurationHours,
			HoldingMode:  types.ModeForcedCharge,
		},
		warningLevel: warningLevel,
		locked:       true,
	})
}

type newPlan struct {
	typ           types.PlanType
	name          string
	start, end    time.Time
	holding       *types.Holding
	balancingMode types.BalancingMode
	warningLevel  string
	locked        bool
}

func percentToKWH(sim *simulation.Simulator, percent float64) float64 {
	return percent / 100 * sim.Context().BatteryCapacityKWH
}

func (m *Manager) create(ctx context.Context, sim *simulation.Simulator, np newPlan) (types.Plan, error) {
	if sim == nil {
		return types.Plan{}, errors.New("simulator is required")
	}
	res, err := sim.OptimizePlan(ctx, np.start, np.end, simulation.OptimizeOptions{Holding: np.holding}, np.typ.ContextType())
	if err != nil {
		return types.Plan{}, fmt.Errorf("failed to optimize %s plan: %w", np.typ, err)
	}

	p := types.Plan{
		ID:                    uuid.NewString(),
		DeviceID:              m.deviceID,
		Name:                  np.name,
		Type:                  np.typ,
		Status:                types.PlanStatusSimulated,
		CreatedAt:             m.now().UTC(),
		Start:                 res.Intervals[0].Timestamp,
		End:                   np.end,
		Intervals:             res.Intervals,
		Holding:               np.holding,
		Violation:             res.Violation,
		UnrecoverableDeficits: res.UnrecoverableDeficits,
		BalancingMode:         np.balancingMode,
		WarningLevel:          np.warningLevel,
		Locked:                np.locked,
	}
	p.Summarize()

	if err := m.save(ctx, p); err != nil {
		return types.Plan{}, err
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"created plan",
		slog.String("planID", p.ID),
		slog.String("type", string(p.Type)),
		slog.Int("intervals", len(p.Intervals)),
		slog.Float64("totalCost", p.TotalCost),
		slog.Bool("infeasible", p.Infeasible()),
	)
	return p, nil
}

func (m *Manager) save(ctx context.Context, p types.Plan) error {
	err := common.Retry(ctx, func() error {
		return m.db.SavePlan(ctx, m.deviceID, p, types.CurrentPlanVersion)
	})
	if err != nil {
		return fmt.Errorf("failed to save plan %s: %w", p.ID, err)
	}
	return nil
}

// GetPlan loads a plan by id.
func (m *Manager) GetPlan(ctx context.Context, planID string) (types.Plan, error) {
	p, err := m.db.GetPlan(ctx, m.deviceID, planID)
	if err != nil {
		if errors.Is(err, storage.ErrPlanNotFound) {
			return types.Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
		}
		return types.Plan{}, err
	}
	return p, nil
}

// ListPlans returns plans newest first.
func (m *Manager) ListPlans(ctx context.Context, filter types.PlanFilter) ([]types.Plan, error) {
	return m.db.ListPlans(ctx, m.deviceID, filter)
}

// GetActivePlan returns the active plan or nil.
func (m *Manager) GetActivePlan() *types.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	p := *m.active
	return &p
}

// ActivatePlan makes planID the only active plan. Every other active plan is
// deactivated first. If the promotion cannot be persisted the previous plans
// are restored.
func (m *Manager) ActivatePlan(ctx context.Context, planID string) (types.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.GetPlan(ctx, planID)
	if err != nil {
		return types.Plan{}, err
	}
	if p.Status == types.PlanStatusDeactivated {
		return types.Plan{}, fmt.Errorf("%w: %s", ErrPlanDeactivated, planID)
	}

	// storage is the source of truth, memory may be stale after a failed write
	current, err := m.db.ListPlans(ctx, m.deviceID, types.PlanFilter{Status: types.PlanStatusActive})
	if err != nil {
		return types.Plan{}, fmt.Errorf("failed to list active plans: %w", err)
	}
	now := m.now().UTC()

	var demoted []types.Plan
	for _, prev := range current {
		if prev.ID == p.ID {
			continue
		}
		d := prev
		d.Status = types.PlanStatusDeactivated
		d.DeactivatedAt = now
		if err := m.save(ctx, d); err != nil {
			m.restore(ctx, demoted)
			return types.Plan{}, fmt.Errorf("failed to deactivate previous plan: %w", err)
		}
		demoted = append(demoted, prev)
	}

	if p.Status != types.PlanStatusActive {
		p.Status = types.PlanStatusActive
		p.ActivatedAt = now
		if err := m.save(ctx, p); err != nil {
			m.restore(ctx, demoted)
			return types.Plan{}, fmt.Errorf("failed to activate plan: %w", err)
		}
	}
	m.active = &p

	attrs := []any{slog.String("planID", p.ID), slog.String("type", string(p.Type))}
	for _, d := range demoted {
		attrs = append(attrs, slog.String("previousPlanID", d.ID))
	}
	log.Ctx(ctx).InfoContext(ctx, "activated plan", attrs...)
	return p, nil
}

// restore puts plans back as they were before a failed activation.
func (m *Manager) restore(ctx context.Context, plans []types.Plan) {
	for _, prev := range plans {
		if err := m.save(ctx, prev); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to restore previous active plan", slog.String("planID", prev.ID), slog.Any("error", err))
			continue
		}
		if prev.Status == types.PlanStatusActive {
			p := prev
			m.active = &p
		}
	}
}

// DeactivatePlan moves planID to deactivated. Deactivating the active plan
// leaves no plan active.
func (m *Manager) DeactivatePlan(ctx context.Context, planID string) (types.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.GetPlan(ctx, planID)
	if err != nil {
		return types.Plan{}, err
	}
	if p.Status == types.PlanStatusDeactivated {
		return p, nil
	}
	p.Status = types.PlanStatusDeactivated
	p.DeactivatedAt = m.now().UTC()
	if err := m.save(ctx, p); err != nil {
		return types.Plan{}, err
	}
	if m.active != nil && m.active.ID == p.ID {
		m.active = nil
	}
	log.Ctx(ctx).InfoContext(ctx, "deactivated plan", slog.String("planID", p.ID), slog.String("type", string(p.Type)))
	return p, nil
}

// Restore loads the newest active plan from storage. Any other plan still
// marked active, e.g. after a crash between demote and promote, is
// deactivated.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plans, err := m.db.ListPlans(ctx, m.deviceID, types.PlanFilter{Status: types.PlanStatusActive})
	if err != nil {
		return fmt.Errorf("failed to list active plans: %w", err)
	}
	m.active = nil
	if len(plans) == 0 {
		return nil
	}
	for _, stale := range plans[1:] {
		stale.Status = types.PlanStatusDeactivated
		stale.DeactivatedAt = m.now().UTC()
		if err := m.save(ctx, stale); err != nil {
			return err
		}
		log.Ctx(ctx).WarnContext(ctx, "deactivated stale active plan", slog.String("planID", stale.ID))
	}
	p := plans[0]
	m.active = &p
	return nil
}
