package types

import "time"

const CurrentWeatherStateVersion = 1

// WeatherWarning is the current severe-weather sensor reading. Known is false
// when the sensor was unavailable.
type WeatherWarning struct {
	Level string    `json:"level"`
	Known bool      `json:"known"`
	Start time.Time `json:"start,omitzero"`
	End   time.Time `json:"end,omitzero"`
	Event string    `json:"event,omitempty"`
}

// WeatherState is persisted while an emergency plan is in effect.
type WeatherState struct {
	ActiveLevel  string    `json:"activeLevel,omitempty"`
	WarningStart time.Time `json:"warningStart,omitzero"`
	WarningEnd   time.Time `json:"warningEnd,omitzero"`
	ActivePlanID string    `json:"activePlanID,omitempty"`
	LastPoll     time.Time `json:"lastPoll,omitzero"`
}

// Active reports whether an emergency plan is currently tracked.
func (s WeatherState) Active() bool {
	return s.ActiveLevel != ""
}

// WeatherEscalation says what to do for one warning level.
type WeatherEscalation struct {
	Enabled          bool    `json:"enabled"`
	TargetSOCPercent float64 `json:"targetSOCPercent"`
}
