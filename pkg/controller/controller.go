package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raterudder/batteryplan/pkg/balancing"
	"github.com/raterudder/batteryplan/pkg/common"
	"github.com/raterudder/batteryplan/pkg/ess"
	"github.com/raterudder/batteryplan/pkg/forecast"
	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/plan"
	"github.com/raterudder/batteryplan/pkg/simulation"
	"github.com/raterudder/batteryplan/pkg/storage"
	"github.com/raterudder/batteryplan/pkg/types"
	"github.com/raterudder/batteryplan/pkg/weather"
)

// ErrUpdateInProgress is returned by Update when another update is running.
var ErrUpdateInProgress = errors.New("update already in progress")

// ErrSOCUnknown is returned when a simulator is requested while the battery
// does not report its state of charge.
var ErrSOCUnknown = errors.New("battery state of charge is unknown")

// ErrInvalidSettings wraps settings that fail validation.
var ErrInvalidSettings = errors.New("invalid settings")

const (
	// how far back energy history is synced and used for the forecast model
	historySyncDays = 5
	modelHistory    = 72 * time.Hour
	socHistory      = 48 * time.Hour
)

// Status is the overall result of an update.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusPaused     Status = "paused"
	StatusSOCUnknown Status = "socUnknown"
)

// Result describes what one Update did.
type Result struct {
	Status    Status             `json:"status"`
	Action    *types.Action      `json:"action,omitempty"`
	Weather   weather.Event      `json:"weather,omitempty"`
	Balancing balancing.Decision `json:"balancing,omitempty"`
	Replanned bool               `json:"replanned"`
	Plan      *types.Plan        `json:"plan,omitempty"`
}

// Controller drives one planning cycle for a device: it gathers data, lets
// the weather monitor and the balancing manager act, keeps an automatic plan
// in place and applies the active plan's mode.
type Controller struct {
	db        storage.Database
	device    ess.Device
	plans     *plan.Manager
	balancing *balancing.Manager
	weather   *weather.Monitor
	forecasts *forecast.Builder

	now func() time.Time
	mu  sync.Mutex
}

// New wires the planning components for device.
func New(db storage.Database, device ess.Device) *Controller {
	plans := plan.New(db, device.DeviceID())
	return &Controller{
		db:        db,
		device:    device,
		plans:     plans,
		balancing: balancing.New(db, plans),
		weather:   weather.New(db, plans, device),
		forecasts: forecast.NewBuilder(device, device),
		now:       time.Now,
	}
}

// SetClock replaces the time source of the controller and its plan manager.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
	c.plans.SetClock(now)
}

// Init restores the active plan and the persisted component state.
func (c *Controller) Init(ctx context.Context) error {
	ctx = log.WithDevice(ctx, c.device.DeviceID())
	if err := c.plans.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore plans: %w", err)
	}
	if err := c.balancing.Load(ctx); err != nil {
		return fmt.Errorf("failed to load balancing state: %w", err)
	}
	if err := c.weather.Load(ctx); err != nil {
		return fmt.Errorf("failed to load weather state: %w", err)
	}
	return nil
}

// Plans returns the plan manager.
func (c *Controller) Plans() *plan.Manager {
	return c.plans
}

// Balancing returns the balancing manager.
func (c *Controller) Balancing() *balancing.Manager {
	return c.balancing
}

// Weather returns the weather monitor.
func (c *Controller) Weather() *weather.Monitor {
	return c.weather
}

// DeviceID returns the device being controlled.
func (c *Controller) DeviceID() string {
	return c.device.DeviceID()
}

// Now returns the controller clock.
func (c *Controller) Now() time.Time {
	return c.now()
}

// SaveSettings validates and stores settings at the current version.
func (c *Controller) SaveSettings(ctx context.Context, settings types.Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if err := c.db.SetSettings(ctx, c.device.DeviceID(), settings, types.CurrentSettingsVersion); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// Actions returns the recorded actions in [start, end).
func (c *Controller) Actions(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	return c.db.GetActionHistory(ctx, c.device.DeviceID(), start, end)
}

// Settings loads the device settings, migrating and saving them when they
// are older than the current version.
func (c *Controller) Settings(ctx context.Context) (types.Settings, error) {
	deviceID := c.device.DeviceID()
	settings, version, err := c.db.GetSettings(ctx, deviceID)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		migrated, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			return types.Settings{}, fmt.Errorf("failed to migrate settings: %w", err)
		}
		settings = migrated
		if changed {
			if err := c.db.SetSettings(ctx, deviceID, settings, types.CurrentSettingsVersion); err != nil {
				// the migrated settings still work for this cycle
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
			}
		}
	}
	if err := settings.Validate(); err != nil {
		return types.Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return settings, nil
}

// Simulator builds a simulator for now from a fresh forecast.
func (c *Controller) Simulator(ctx context.Context, now time.Time, settings types.Settings, status types.SystemStatus) (*simulation.Simulator, error) {
	if !status.SOCKnown {
		return nil, ErrSOCUnknown
	}
	history, err := c.db.GetEnergyHistory(ctx, c.device.DeviceID(), now.Add(-modelHistory), now)
	if err != nil {
		// the model falls back to zero load and solar
		log.Ctx(ctx).WarnContext(ctx, "failed to get energy history from storage", slog.Any("error", err))
	}
	fc, err := c.forecasts.Build(ctx, now, horizon(settings), settings, history)
	if err != nil {
		return nil, fmt.Errorf("failed to build forecast: %w", err)
	}
	return simulation.New(simulation.NewContext(status, settings, fc))
}

// Status reads the current system status, retrying transient failures.
func (c *Controller) Status(ctx context.Context) (types.SystemStatus, error) {
	status, err := common.RetryWithData(ctx, func() (types.SystemStatus, error) {
		return c.device.GetStatus(ctx)
	})
	if err != nil {
		return types.SystemStatus{}, fmt.Errorf("failed to get ess status: %w", err)
	}
	return status, nil
}

func horizon(settings types.Settings) time.Duration {
	return time.Duration(settings.HorizonHours * float64(time.Hour))
}

// Update runs one planning cycle. Only one update runs at a time, a
// concurrent call returns ErrUpdateInProgress immediately.
func (c *Controller) Update(ctx context.Context) (Result, error) {
	if !c.mu.TryLock() {
		return Result{}, ErrUpdateInProgress
	}
	defer c.mu.Unlock()

	ctx = log.WithDevice(ctx, c.device.DeviceID())
	now := c.now()

	// 1. Settings
	settings, err := c.Settings(ctx)
	if err != nil {
		return Result{}, err
	}
	loc, err := time.LoadLocation(settings.Location)
	if err != nil {
		return Result{}, fmt.Errorf("invalid location %q: %w", settings.Location, err)
	}

	// 2. Sync energy history
	c.syncEnergyHistory(ctx, now)
	log.Ctx(ctx).DebugContext(ctx, "update: energy history synced")

	if settings.Pause {
		log.Ctx(ctx).InfoContext(ctx, "update: paused")
		return Result{Status: StatusPaused}, nil
	}

	// 3. Status
	status, err := c.Status(ctx)
	if err != nil {
		return Result{}, err
	}
	if !status.SOCKnown {
		log.Ctx(ctx).WarnContext(ctx, "update: battery soc unknown, skipping cycle")
		return Result{Status: StatusSOCUnknown}, nil
	}

	// 4. Forecast and simulator
	sim, err := c.Simulator(ctx, now, settings, status)
	if err != nil {
		return Result{}, err
	}
	h := horizon(settings)
	res := Result{Status: StatusSuccess}

	// 5. Weather
	wIn := weather.Input{
		Now:      now,
		Sim:      sim,
		Status:   status,
		Settings: settings.Weather,
		Horizon:  h,
	}
	var wOut weather.Outcome
	if wIn.Warning, err = c.device.GetWeatherWarning(ctx); err != nil {
		// no reading this cycle, an active emergency stays in effect
		log.Ctx(ctx).WarnContext(ctx, "failed to get weather warning", slog.Any("error", err))
		wOut = c.weather.Hold(ctx, wIn)
	} else if wOut, err = c.weather.PeriodicUpdate(ctx, wIn); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "weather update failed", slog.Any("error", err))
	}
	res.Weather = wOut.Event

	// 6. Balancing
	socs, err := c.device.GetSOCHistory(ctx, now.Add(-socHistory), now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get soc history", slog.Any("error", err))
	}
	bOut, err := c.balancing.Check(ctx, balancing.Input{
		Now:        now,
		Sim:        sim,
		Status:     status,
		SOCHistory: socs,
		Settings:   settings.Balancing,
		Location:   loc,
		Horizon:    h,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "balancing check failed", slog.Any("error", err))
	}
	res.Balancing = bOut.Decision

	// 7. Automatic replanning
	res.Replanned, err = c.replan(ctx, now, sim, settings)
	if err != nil {
		return Result{}, err
	}

	// 8. Actuation
	action := c.actuate(ctx, now, settings, status, wOut, sim.Interval())
	if err := common.Retry(ctx, func() error {
		return c.db.InsertAction(ctx, c.device.DeviceID(), action)
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to insert action", slog.Any("error", err))
	}
	res.Action = &action
	res.Plan = c.plans.GetActivePlan()

	log.Ctx(ctx).InfoContext(
		ctx,
		"update: done",
		slog.String("weather", string(res.Weather)),
		slog.String("balancing", string(res.Balancing)),
		slog.Bool("replanned", res.Replanned),
		slog.String("mode", action.Mode.String()),
		slog.String("reason", string(action.Reason)),
		slog.Float64("batterySOC", status.BatterySOC),
	)
	return res, nil
}

// syncEnergyHistory copies hourly stats from the device into storage,
// starting at the last stored hour or historySyncDays ago. Failures are
// logged and the next update tries again.
func (c *Controller) syncEnergyHistory(ctx context.Context, now time.Time) {
	deviceID := c.device.DeviceID()
	lastHistoryTime, lastVersion, err := c.db.GetLatestEnergyHistoryTime(ctx, deviceID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get latest energy history time", slog.Any("error", err))
	}

	daysAgo := now.Add(-historySyncDays * 24 * time.Hour)
	syncStart := time.Date(daysAgo.Year(), daysAgo.Month(), daysAgo.Day(), 0, 0, 0, 0, daysAgo.Location())
	if !lastHistoryTime.IsZero() && lastVersion >= types.CurrentEnergyStatsVersion && lastHistoryTime.After(syncStart) {
		// the last stored hour may have been incomplete
		syncStart = lastHistoryTime.Truncate(time.Hour)
	} else if !lastHistoryTime.IsZero() && lastVersion < types.CurrentEnergyStatsVersion {
		log.Ctx(ctx).InfoContext(
			ctx,
			"backfilling energy history due to version mismatch",
			slog.Int("lastVersion", lastVersion),
			slog.Int("currentVersion", types.CurrentEnergyStatsVersion),
		)
	}

	for t := syncStart; t.Before(now); t = t.Add(24 * time.Hour) {
		end := t.Add(24 * time.Hour)
		if now.Before(end) {
			end = now
		}
		stats, err := c.device.GetEnergyHistory(ctx, t, end)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get energy history from ess", slog.Any("error", err), slog.Time("start", t), slog.Time("end", end))
			continue
		}
		for _, s := range stats {
			if err := c.db.UpsertEnergyHistory(ctx, deviceID, s, types.CurrentEnergyStatsVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to upsert energy history", slog.Any("error", err))
			}
		}
	}
}

// replan creates and activates an automatic plan when there is no active
// plan, the active plan no longer covers the next interval, or the active
// automatic plan is older than the replan interval.
func (c *Controller) replan(ctx context.Context, now time.Time, sim *simulation.Simulator, settings types.Settings) (bool, error) {
	active := c.plans.GetActivePlan()
	var reason string
	switch {
	case active == nil:
		reason = "no active plan"
	case !active.End.After(now.Add(sim.Interval())):
		reason = "active plan expired"
	case active.Type == types.PlanTypeAutomatic && now.Sub(active.CreatedAt) >= time.Duration(settings.ReplanIntervalHours*float64(time.Hour)):
		reason = "automatic plan is stale"
	default:
		return false, nil
	}

	p, err := c.plans.CreateAutomaticPlan(ctx, sim, now, now.Add(horizon(settings)))
	if err != nil {
		return false, fmt.Errorf("failed to create automatic plan: %w", err)
	}
	if _, err := c.plans.ActivatePlan(ctx, p.ID); err != nil {
		return false, fmt.Errorf("failed to activate automatic plan: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "replanned", slog.String("reason", reason), slog.String("planID", p.ID))
	return true, nil
}

// actuate applies the mode of the active plan's current interval. Weather
// maintenance already set the mode itself and dry runs only record what
// would have happened.
func (c *Controller) actuate(
	ctx context.Context,
	now time.Time,
	settings types.Settings,
	status types.SystemStatus,
	wOut weather.Outcome,
	interval time.Duration,
) types.Action {
	action := types.Action{
		Timestamp:    now,
		Mode:         status.Mode,
		PreviousMode: status.Mode,
		SystemStatus: status,
		DryRun:       settings.DryRun,
	}

	if wOut.Maintenance != nil {
		action.Mode = *wOut.Maintenance
		action.Reason = types.ActionReasonWeatherMaintenance
		action.Description = "weather maintenance"
		if wOut.Plan != nil {
			action.PlanID = wOut.Plan.ID
			action.PlanType = wOut.Plan.Type
		}
		return action
	}

	active := c.plans.GetActivePlan()
	if active == nil {
		action.Reason = types.ActionReasonNoPlan
		action.Description = "no active plan"
		return action
	}
	iv, ok := active.IntervalAt(now, interval)
	if !ok {
		action.Reason = types.ActionReasonNoPlan
		action.Description = fmt.Sprintf("plan %s has no interval at %s", active.ID, now.UTC().Format(time.RFC3339))
		return action
	}

	action.Mode = iv.Mode
	action.Reason = types.ActionReasonPlan
	action.PlanID = active.ID
	action.PlanType = active.Type
	action.Description = fmt.Sprintf("%s plan interval %s", active.Type, iv.Timestamp.UTC().Format("15:04"))

	switch {
	case settings.DryRun:
		action.Description += " (dry run)"
	case status.ModeKnown && status.Mode == iv.Mode:
		action.Description += " (no change)"
	default:
		err := common.Retry(ctx, func() error {
			return c.device.SetMode(ctx, iv.Mode, action.Description)
		})
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to set mode", slog.String("mode", iv.Mode.String()), slog.Any("error", err))
			action.Failed = true
			action.Error = err.Error()
		}
	}
	return action
}
