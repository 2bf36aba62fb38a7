package types

import (
	"errors"
	"fmt"
	"time"
)

const CurrentPlanVersion = 1

// IntervalSimulation is the outcome of running one interval of the horizon.
type IntervalSimulation struct {
	Timestamp time.Time `json:"timestamp"`
	Mode      Mode      `json:"mode"`

	SolarKWH       float64 `json:"solarKWH"`
	ConsumptionKWH float64 `json:"consumptionKWH"`

	BatteryChargeKWH    float64 `json:"batteryChargeKWH"`
	BatteryDischargeKWH float64 `json:"batteryDischargeKWH"`
	GridChargeKWH       float64 `json:"gridChargeKWH"`
	SolarChargeKWH      float64 `json:"solarChargeKWH"`
	GridImportKWH       float64 `json:"gridImportKWH"`
	GridExportKWH       float64 `json:"gridExportKWH"`
	// AuxiliaryKWH is surplus diverted to the boiler instead of exported.
	AuxiliaryKWH float64 `json:"auxiliaryKWH"`
	CurtailedKWH float64 `json:"curtailedKWH"`

	BatteryBeforeKWH float64 `json:"batteryBeforeKWH"`
	BatteryAfterKWH  float64 `json:"batteryAfterKWH"`

	SpotPricePerKWH         float64 `json:"spotPricePerKWH"`
	DistributionPricePerKWH float64 `json:"distributionPricePerKWH"`
	ExportPricePerKWH       float64 `json:"exportPricePerKWH"`
	Cost                    float64 `json:"cost"`

	IsDeficit bool `json:"isDeficit"`
	IsClamped bool `json:"isClamped"`
	IsHolding bool `json:"isHolding"`
}

// Holding describes a target state of charge that must be reached by
// TargetTime and then held for HoldingHours in HoldingMode. A plan either
// has all four values or none.
type Holding struct {
	TargetSOCKWH float64   `json:"targetSOCKWH"`
	TargetTime   time.Time `json:"targetTime"`
	HoldingHours float64   `json:"holdingHours"`
	HoldingMode  Mode      `json:"holdingMode"`
}

// End returns the end of the holding window.
func (h Holding) End() time.Time {
	return h.TargetTime.Add(time.Duration(h.HoldingHours * float64(time.Hour)))
}

// Contains reports whether ts falls in [TargetTime, End).
func (h Holding) Contains(ts time.Time) bool {
	return !ts.Before(h.TargetTime) && ts.Before(h.End())
}

// Validate checks the holding parameters against the battery capacity.
func (h Holding) Validate(capacityKWH float64) error {
	if h.TargetTime.IsZero() {
		return errors.New("holding target time is required")
	}
	if h.HoldingHours < 0 {
		return fmt.Errorf("holding hours must not be negative: %f", h.HoldingHours)
	}
	if h.TargetSOCKWH <= 0 || h.TargetSOCKWH > capacityKWH {
		return fmt.Errorf("holding target %.3f kWh outside (0, %.3f]", h.TargetSOCKWH, capacityKWH)
	}
	if !h.HoldingMode.Valid() {
		return fmt.Errorf("invalid holding mode: %d", h.HoldingMode)
	}
	return nil
}

// TargetViolation records a hard target that the optimizer could not reach.
type TargetViolation struct {
	TargetTime     time.Time `json:"targetTime"`
	TargetSOCKWH   float64   `json:"targetSOCKWH"`
	AchievedSOCKWH float64   `json:"achievedSOCKWH"`
	IntervalIndex  int       `json:"intervalIndex"`
}

func (v TargetViolation) Error() string {
	return fmt.Sprintf(
		"target %.2f kWh at %s not achieved (%.2f kWh)",
		v.TargetSOCKWH, v.TargetTime.Format(time.RFC3339), v.AchievedSOCKWH,
	)
}

// PlanType is the origin of a plan.
type PlanType string

const (
	PlanTypeAutomatic PlanType = "automatic"
	PlanTypeManual    PlanType = "manual"
	PlanTypeBalancing PlanType = "balancing"
	PlanTypeWeather   PlanType = "weather"
)

// ContextType returns the simulation context a plan of this type runs in.
func (t PlanType) ContextType() ContextType {
	switch t {
	case PlanTypeManual:
		return ContextManual
	case PlanTypeBalancing:
		return ContextBalancing
	case PlanTypeWeather:
		return ContextWeather
	}
	return ContextAutomatic
}

// PlanStatus is the lifecycle state of a plan. Plans move from simulated to
// active to deactivated and never backwards.
type PlanStatus string

const (
	PlanStatusSimulated   PlanStatus = "simulated"
	PlanStatusActive      PlanStatus = "active"
	PlanStatusDeactivated PlanStatus = "deactivated"
)

// Plan is an optimized schedule of modes over a horizon.
type Plan struct {
	ID       string     `json:"id"`
	DeviceID string     `json:"deviceID"`
	Name     string     `json:"name"`
	Type     PlanType   `json:"type"`
	Status   PlanStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`

	CreatedAt     time.Time `json:"createdAt"`
	ActivatedAt   time.Time `json:"activatedAt,omitzero"`
	DeactivatedAt time.Time `json:"deactivatedAt,omitzero"`

	Start     time.Time            `json:"start"`
	End       time.Time            `json:"end"`
	Intervals []IntervalSimulation `json:"intervals"`

	TotalCost      float64 `json:"totalCost"`
	TotalImportKWH float64 `json:"totalImportKWH"`
	TotalExportKWH float64 `json:"totalExportKWH"`

	Holding               *Holding         `json:"holding,omitempty"`
	Violation             *TargetViolation `json:"violation,omitempty"`
	UnrecoverableDeficits int              `json:"unrecoverableDeficits,omitempty"`

	BalancingMode BalancingMode `json:"balancingMode,omitempty"`
	WarningLevel  string        `json:"warningLevel,omitempty"`
	// Locked plans are not replaced by lower-priority planning.
	Locked bool `json:"locked,omitempty"`
}

// Infeasible reports whether the plan misses its hard target.
func (p *Plan) Infeasible() bool {
	return p.Violation != nil
}

// IntervalAt returns the interval containing t.
func (p *Plan) IntervalAt(t time.Time, interval time.Duration) (IntervalSimulation, bool) {
	for _, iv := range p.Intervals {
		if !t.Before(iv.Timestamp) && t.Before(iv.Timestamp.Add(interval)) {
			return iv, true
		}
	}
	return IntervalSimulation{}, false
}

// Summarize recomputes the plan totals from its intervals.
func (p *Plan) Summarize() {
	p.TotalCost, p.TotalImportKWH, p.TotalExportKWH = 0, 0, 0
	for _, iv := range p.Intervals {
		p.TotalCost += iv.Cost
		p.TotalImportKWH += iv.GridImportKWH
		p.TotalExportKWH += iv.GridExportKWH
	}
}

// PlanFilter narrows a plan listing. Zero values match everything.
type PlanFilter struct {
	Type   PlanType
	Status PlanStatus
	Limit  int
}

// Matches reports whether p passes the type and status filters.
func (f PlanFilter) Matches(p Plan) bool {
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	return true
}
