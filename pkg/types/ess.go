package types

import "time"

const CurrentEnergyStatsVersion = 1

// ESSMockState represents the internal state of the simulated ESS.
type ESSMockState struct {
	Timestamp    time.Time              `json:"timestamp"`
	BatterySOC   float64                `json:"batterySOC"`
	Mode         Mode                   `json:"mode"`
	DailyHistory map[string]EnergyStats `json:"dailyHistory"`
	SOCHistory   []SOCSample            `json:"socHistory,omitempty"`
}

// SystemStatus is a snapshot from the state source.
type SystemStatus struct {
	Timestamp          time.Time `json:"timestamp"`
	BatterySOC         float64   `json:"batterySOC"` // 0-100
	SOCKnown           bool      `json:"socKnown"`
	BatteryCapacityKWH float64   `json:"batteryCapacityKWH"`
	MaxBatteryChargeKW float64   `json:"maxBatteryChargeKW"`
	BatteryKW          float64   `json:"batteryKW"` // Positive for discharge, negative for charge
	SolarKW            float64   `json:"solarKW"`
	GridKW             float64   `json:"gridKW"` // + import, - export
	HomeKW             float64   `json:"homeKW"`
	Mode               Mode      `json:"mode"`
	ModeKnown          bool      `json:"modeKnown"`
}

// SOCKWH converts the percentage to kWh given the battery capacity.
func (s SystemStatus) SOCKWH() float64 {
	return s.BatterySOC / 100 * s.BatteryCapacityKWH
}

// SOCSample is one state-of-charge reading.
type SOCSample struct {
	Timestamp  time.Time `json:"timestamp"`
	SOCPercent float64   `json:"socPercent"`
}

// EnergyStats represents aggregated energy statistics for an hourly period.
type EnergyStats struct {
	TSHourStart time.Time `json:"tsHourStart"`

	MinBatterySOC float64 `json:"minBatterySOC"`
	MaxBatterySOC float64 `json:"maxBatterySOC"`

	BatteryChargedKWH float64 `json:"batteryChargedKWH"`
	BatteryUsedKWH    float64 `json:"batteryUsedKWH"`
	SolarKWH          float64 `json:"solarKWH"`
	HomeKWH           float64 `json:"homeKWH"`
	GridExportKWH     float64 `json:"gridExportKWH"`
	GridImportKWH     float64 `json:"gridImportKWH"`
}

// ActionReason says which component asked for a mode change.
type ActionReason string

const (
	ActionReasonPlan               ActionReason = "plan"
	ActionReasonWeatherMaintenance ActionReason = "weatherMaintenance"
	ActionReasonNoPlan             ActionReason = "noPlan"
)

// Action represents a mode change decided by the controller.
type Action struct {
	Timestamp    time.Time    `json:"timestamp"`
	Mode         Mode         `json:"mode"`
	PreviousMode Mode         `json:"previousMode"`
	Reason       ActionReason `json:"reason"`
	Description  string       `json:"description"`
	PlanID       string       `json:"planID,omitempty"`
	PlanType     PlanType     `json:"planType,omitempty"`
	SystemStatus SystemStatus `json:"systemStatus"`
	DryRun       bool         `json:"dryRun,omitempty"`
	Failed       bool         `json:"failed,omitempty"`
	Error        string       `json:"error,omitempty"`
}
