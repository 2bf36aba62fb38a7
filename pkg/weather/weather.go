package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raterudder/batteryplan/pkg/common"
	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/plan"
	"github.com/raterudder/batteryplan/pkg/simulation"
	"github.com/raterudder/batteryplan/pkg/storage"
	"github.com/raterudder/batteryplan/pkg/types"
)

// Actuator switches the inverter mode.
type Actuator interface {
	SetMode(ctx context.Context, mode types.Mode, reason string) error
}

// Event is what a poll did.
type Event string

const (
	EventNone      Event = "none"
	EventActivated Event = "activated"
	EventRenewed   Event = "renewed"
	EventCleared   Event = "cleared"
	EventHeld      Event = "held"
)

// Outcome is the result of one PeriodicUpdate. Maintenance is the mode that
// was requested from the actuator, if any.
type Outcome struct {
	Event       Event
	Plan        *types.Plan
	Maintenance *types.Mode
}

// Input is what a poll needs from the current cycle.
type Input struct {
	Now      time.Time
	Sim      *simulation.Simulator
	Status   types.SystemStatus
	Warning  types.WeatherWarning
	Settings types.WeatherSettings
	// Horizon is the minimum length of emergency and follow-up plans.
	Horizon time.Duration
}

// Monitor turns severe weather warnings into emergency plans.
type Monitor struct {
	db       storage.Database
	plans    *plan.Manager
	actuator Actuator

	mu    sync.Mutex
	state types.WeatherState
}

// New returns a Monitor. Call Load once at startup.
func New(db storage.Database, plans *plan.Manager, actuator Actuator) *Monitor {
	return &Monitor{
		db:       db,
		plans:    plans,
		actuator: actuator,
	}
}

// Load reads the persisted state.
func (m *Monitor) Load(ctx context.Context) error {
	state, _, err := m.db.GetWeatherState(ctx, m.plans.DeviceID())
	if err != nil {
		return fmt.Errorf("failed to get weather state: %w", err)
	}
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return nil
}

// State returns the current state.
func (m *Monitor) State() types.WeatherState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) persist(ctx context.Context, next types.WeatherState) error {
	err := common.Retry(ctx, func() error {
		return m.db.SetWeatherState(ctx, m.plans.DeviceID(), next, types.CurrentWeatherStateVersion)
	})
	if err != nil {
		return fmt.Errorf("failed to save weather state: %w", err)
	}
	m.state = next
	return nil
}

// escalation returns the escalation for the warning or false when the
// warning should not override planning.
func escalation(s types.WeatherSettings, w types.WeatherWarning) (types.WeatherEscalation, bool) {
	if !s.Enabled || !w.Known || w.Level == "" {
		return types.WeatherEscalation{}, false
	}
	esc, ok := s.Escalation[w.Level]
	if !ok || !esc.Enabled {
		return types.WeatherEscalation{}, false
	}
	if esc.TargetSOCPercent <= 0 {
		esc.TargetSOCPercent = 100
	}
	return esc, true
}

// PeriodicUpdate reacts to the current warning. A new or continuing warning
// gets a freshly computed emergency plan built from the current sensor
// reading, a cleared warning hands control back to an automatic plan.
func (m *Monitor) PeriodicUpdate(ctx context.Context, in Input) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.Sim == nil {
		return Outcome{}, errors.New("simulator is required")
	}
	ctx = log.WithAttrs(ctx, slog.String("warningLevel", in.Warning.Level))

	esc, escalated := escalation(in.Settings, in.Warning)
	if !escalated {
		if !m.state.Active() {
			return Outcome{Event: EventNone}, nil
		}
		return m.clear(ctx, in)
	}

	start := in.Now
	if in.Warning.Start.After(start) {
		start = in.Warning.Start
	}
	hours := in.Settings.FallbackHours
	if !in.Warning.End.IsZero() {
		if !in.Warning.End.After(start) {
			// the sensor still reports a warning that already ended
			log.Ctx(ctx).WarnContext(ctx, "warning end is in the past, clearing", slog.Time("end", in.Warning.End))
			if m.state.Active() {
				return m.clear(ctx, in)
			}
			return Outcome{Event: EventNone}, nil
		}
		hours = in.Warning.End.Sub(start).Hours()
	}

	event := EventActivated
	if m.state.Active() {
		event = EventRenewed
	}

	p, err := m.plans.CreateWeatherPlanWithTarget(ctx, in.Sim, start, hours, in.Warning.Level, esc.TargetSOCPercent, in.Horizon)
	if err != nil {
		return Outcome{}, err
	}
	if p, err = m.plans.ActivatePlan(ctx, p.ID); err != nil {
		return Outcome{}, err
	}

	next := types.WeatherState{
		ActiveLevel:  in.Warning.Level,
		WarningStart: start,
		WarningEnd:   start.Add(time.Duration(hours * float64(time.Hour))),
		ActivePlanID: p.ID,
		LastPoll:     in.Now,
	}
	if err := m.persist(ctx, next); err != nil {
		return Outcome{}, err
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"weather plan "+string(event),
		slog.String("planID", p.ID),
		slog.Time("warningStart", next.WarningStart),
		slog.Time("warningEnd", next.WarningEnd),
		slog.Float64("targetSOCPercent", esc.TargetSOCPercent),
	)

	out := Outcome{Event: event, Plan: &p}
	out.Maintenance = m.maintain(ctx, in)
	return out, nil
}

// Hold is used instead of PeriodicUpdate when the warning could not be read.
// An active emergency keeps its plan and maintenance continues at the last
// known level, nothing is cleared until a reading arrives.
func (m *Monitor) Hold(ctx context.Context, in Input) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Active() {
		return Outcome{Event: EventNone}
	}
	in.Warning = types.WeatherWarning{Level: m.state.ActiveLevel, Known: true}
	ctx = log.WithAttrs(ctx, slog.String("warningLevel", in.Warning.Level))
	log.Ctx(ctx).WarnContext(ctx, "weather warning unreadable, holding emergency plan", slog.String("planID", m.state.ActivePlanID))

	out := Outcome{Event: EventHeld}
	p, err := m.plans.GetPlan(ctx, m.state.ActivePlanID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get weather plan", slog.Any("error", err))
	} else {
		out.Plan = &p
	}
	out.Maintenance = m.maintain(ctx, in)
	return out
}

// maintain keeps the battery topped up while the emergency is active.
// Failures are logged only, the next poll retries.
func (m *Monitor) maintain(ctx context.Context, in Input) *types.Mode {
	if !in.Status.SOCKnown {
		log.Ctx(ctx).WarnContext(ctx, "state of charge unknown, skipping weather maintenance")
		return nil
	}
	mode := types.ModeSolarToBattery
	if in.Status.BatterySOC < in.Settings.MaintainSOCPercent {
		mode = types.ModeForcedCharge
	}
	if m.actuator == nil {
		return nil
	}
	reason := fmt.Sprintf("weather warning %s, soc %.1f%%", in.Warning.Level, in.Status.BatterySOC)
	if err := m.actuator.SetMode(ctx, mode, reason); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set weather maintenance mode", slog.String("mode", mode.String()), slog.Any("error", err))
		return nil
	}
	return &mode
}

// clear ends the emergency and starts an automatic plan.
func (m *Monitor) clear(ctx context.Context, in Input) (Outcome, error) {
	prev := m.state
	if prev.ActivePlanID != "" {
		if _, err := m.plans.DeactivatePlan(ctx, prev.ActivePlanID); err != nil && !errors.Is(err, plan.ErrPlanNotFound) {
			return Outcome{}, fmt.Errorf("failed to deactivate weather plan: %w", err)
		}
	}
	if err := m.persist(ctx, types.WeatherState{LastPoll: in.Now}); err != nil {
		return Outcome{}, err
	}
	log.Ctx(ctx).InfoContext(ctx, "weather warning cleared", slog.String("previousLevel", prev.ActiveLevel), slog.String("planID", prev.ActivePlanID))

	p, err := m.plans.CreateAutomaticPlan(ctx, in.Sim, in.Now, in.Now.Add(in.Horizon))
	if err != nil {
		return Outcome{}, err
	}
	if p, err = m.plans.ActivatePlan(ctx, p.ID); err != nil {
		return Outcome{}, err
	}
	return Outcome{Event: EventCleared, Plan: &p}, nil
}
