package types

import (
	"encoding/json"
	"fmt"
)

// Mode is one of the four operating modes of the battery inverter.
type Mode int

const (
	// ModeGridPriority (Home I) covers load from solar then battery, down to
	// the hardware minimum, before importing.
	ModeGridPriority Mode = 0
	// ModeBatteryConserve (Home II) never discharges the battery while the sun
	// is up, the grid covers any deficit.
	ModeBatteryConserve Mode = 1
	// ModeSolarToBattery (Home III) sends all solar into the battery and
	// serves the home from the grid.
	ModeSolarToBattery Mode = 2
	// ModeForcedCharge (Home UPS) charges from solar and the grid.
	ModeForcedCharge Mode = 3
)

// Modes lists every known mode in ascending order.
var Modes = []Mode{ModeGridPriority, ModeBatteryConserve, ModeSolarToBattery, ModeForcedCharge}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m >= ModeGridPriority && m <= ModeForcedCharge
}

// Normalize maps unknown modes to ModeGridPriority.
func (m Mode) Normalize() Mode {
	if !m.Valid() {
		return ModeGridPriority
	}
	return m
}

func (m Mode) String() string {
	switch m {
	case ModeGridPriority:
		return "home_1"
	case ModeBatteryConserve:
		return "home_2"
	case ModeSolarToBattery:
		return "home_3"
	case ModeForcedCharge:
		return "home_ups"
	}
	return fmt.Sprintf("unknown(%d)", int(m))
}

// ParseMode accepts either the numeric form or the name returned by String.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if s == m.String() || s == fmt.Sprint(int(m)) {
			return m, nil
		}
	}
	return ModeGridPriority, fmt.Errorf("unknown mode: %q", s)
}

// UnmarshalJSON accepts both numbers and mode names.
func (m *Mode) UnmarshalJSON(b []byte) error {
	var i int
	if err := json.Unmarshal(b, &i); err == nil {
		*m = Mode(i)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid mode: %s", b)
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ContextType says on whose behalf a simulation is run. Every context except
// automatic treats its target as hard.
type ContextType string

const (
	ContextAutomatic ContextType = "automatic"
	ContextManual    ContextType = "manual"
	ContextWeather   ContextType = "weather"
	ContextBalancing ContextType = "balancing"
)

// IsHard reports whether a missed target should be reported instead of
// silently accepted.
func (c ContextType) IsHard() bool {
	return c != ContextAutomatic
}
