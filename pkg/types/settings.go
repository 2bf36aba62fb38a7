package types

import (
	"errors"
	"fmt"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 4

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	DryRun bool `json:"dryRun"`
	// Pause updates
	Pause bool `json:"pause"`

	// IANA zone used for night windows and tariff periods
	Location string `json:"location"`

	// Battery
	MinBatterySOC       float64 `json:"minBatterySOC"`
	TargetBatterySOC    float64 `json:"targetBatterySOC"`
	HWMinBatterySOC     float64 `json:"hwMinBatterySOC"`
	RoundTripEfficiency float64 `json:"roundTripEfficiency"`
	// AC charge limit (kW) applied when the status does not report one
	ACChargeLimitKW float64 `json:"acChargeLimitKW"`

	// Prices
	CheapPricePerKWH float64 `json:"cheapPricePerKWH"`
	// 0 derives the threshold from the forecast horizon
	ExpensivePricePerKWH  float64              `json:"expensivePricePerKWH"`
	DistributionTariffs   []DistributionTariff `json:"distributionTariffs"`
	ExportPriceMultiplier float64              `json:"exportPriceMultiplier"`
	ExportFeePerKWH       float64              `json:"exportFeePerKWH"`

	// Grid and auxiliary loads, 0 means unlimited / none
	ExportLimitKW float64 `json:"exportLimitKW"`
	BoilerKW      float64 `json:"boilerKW"`

	// Planning
	HorizonHours        float64 `json:"horizonHours"`
	ReplanIntervalHours float64 `json:"replanIntervalHours"`

	// Forecast model
	// What multiple over previous days to ignore when calculating power usage
	IgnoreHourUsageOverMultiple float64 `json:"ignoreHourUsageOverMultiple"`
	// Maximum ratio for solar trend adjustment (caps recentSolar/modelSolar).
	SolarTrendRatioMax float64 `json:"solarTrendRatioMax"`
	// Multiplier for bell curve solar smoothing weight.
	// 0 disables bell curve smoothing entirely. 1.0 = full weight.
	SolarBellCurveMultiplier float64 `json:"solarBellCurveMultiplier"`

	Balancing BalancingSettings `json:"balancing"`
	Weather   WeatherSettings   `json:"weather"`
}

// BalancingSettings configures the full-charge maintenance cycle.
type BalancingSettings struct {
	Enabled bool `json:"enabled"`
	// SoC at or above which the battery counts as full
	FullSOCPercent float64 `json:"fullSOCPercent"`
	HoldingHours   float64 `json:"holdingHours"`
	CycleDays      float64 `json:"cycleDays"`

	OpportunisticSOCPercent    float64 `json:"opportunisticSOCPercent"`
	CooldownHours              float64 `json:"cooldownHours"`
	MaxCandidateWindows        int     `json:"maxCandidateWindows"`
	MaxIncrementalCost         float64 `json:"maxIncrementalCost"`
	SelfDischargePercentPerDay float64 `json:"selfDischargePercentPerDay"`
	// Economic requires every holding price to be at or above the 48h median
	// export price.
	Economic bool `json:"economic"`

	// A forced cycle is scheduled tonight when checked before this hour,
	// otherwise as soon as the battery can be charged.
	ForcedCutoffHour     int `json:"forcedCutoffHour"`
	ForcedNightStartHour int `json:"forcedNightStartHour"`
	NightEndHour         int `json:"nightEndHour"`
}

// WeatherSettings configures the emergency override.
type WeatherSettings struct {
	Enabled            bool                         `json:"enabled"`
	Escalation         map[string]WeatherEscalation `json:"escalation"`
	FallbackHours      float64                      `json:"fallbackHours"`
	MaintainSOCPercent float64                      `json:"maintainSOCPercent"`
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	setDefault := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
			migrated = true
		}
	}
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: planner defaults
			setDefault(&s.MinBatterySOC, 33)
			setDefault(&s.TargetBatterySOC, 80)
			setDefault(&s.HWMinBatterySOC, 20)
			setDefault(&s.RoundTripEfficiency, 0.88)
			setDefault(&s.ACChargeLimitKW, 2.8)
			setDefault(&s.CheapPricePerKWH, 1.5)
			setDefault(&s.ExportPriceMultiplier, 1)
			setDefault(&s.HorizonHours, 36)
			setDefault(&s.ReplanIntervalHours, 1)
			if s.Location == "" {
				s.Location = "Europe/Prague"
				migrated = true
			}
		case 2:
			// version 2: balancing
			// balancing did not exist before so turn it on
			b := &s.Balancing
			if !b.Enabled {
				b.Enabled = true
				migrated = true
			}
			setDefault(&b.FullSOCPercent, 99)
			setDefault(&b.HoldingHours, 3)
			setDefault(&b.CycleDays, 7)
			setDefault(&b.OpportunisticSOCPercent, 80)
			setDefault(&b.CooldownHours, 6)
			setDefault(&b.MaxIncrementalCost, 50)
			setDefault(&b.SelfDischargePercentPerDay, 1)
			if b.MaxCandidateWindows == 0 {
				b.MaxCandidateWindows = 5
				migrated = true
			}
			if b.ForcedCutoffHour == 0 {
				b.ForcedCutoffHour = 18
				migrated = true
			}
			if b.ForcedNightStartHour == 0 {
				b.ForcedNightStartHour = 22
				migrated = true
			}
			if b.NightEndHour == 0 {
				b.NightEndHour = 6
				migrated = true
			}
		case 3:
			// version 3: weather emergency
			w := &s.Weather
			if !w.Enabled {
				w.Enabled = true
				migrated = true
			}
			setDefault(&w.FallbackHours, 24)
			setDefault(&w.MaintainSOCPercent, 99.5)
			if w.Escalation == nil {
				w.Escalation = map[string]WeatherEscalation{
					"yellow": {Enabled: false, TargetSOCPercent: 100},
					"orange": {Enabled: true, TargetSOCPercent: 100},
					"red":    {Enabled: true, TargetSOCPercent: 100},
				}
				migrated = true
			}
		case 4:
			// version 4: forecast model
			setDefault(&s.IgnoreHourUsageOverMultiple, 2)
			setDefault(&s.SolarTrendRatioMax, 3)
			setDefault(&s.SolarBellCurveMultiplier, 1)
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}

// Validate checks settings for values the planner cannot work with.
func (s Settings) Validate() error {
	var errs []error
	if s.MinBatterySOC <= 0 || s.MinBatterySOC >= s.TargetBatterySOC || s.TargetBatterySOC > 100 {
		errs = append(errs, fmt.Errorf("expected 0 < minBatterySOC (%v) < targetBatterySOC (%v) <= 100", s.MinBatterySOC, s.TargetBatterySOC))
	}
	if s.HWMinBatterySOC < 0 || s.HWMinBatterySOC > s.MinBatterySOC {
		errs = append(errs, fmt.Errorf("hwMinBatterySOC must be in [0, minBatterySOC]: %v", s.HWMinBatterySOC))
	}
	if s.RoundTripEfficiency <= 0 || s.RoundTripEfficiency > 1 {
		errs = append(errs, fmt.Errorf("roundTripEfficiency must be in (0, 1]: %v", s.RoundTripEfficiency))
	}
	if s.HorizonHours <= 0 {
		errs = append(errs, fmt.Errorf("horizonHours must be positive: %v", s.HorizonHours))
	}
	b := s.Balancing
	if b.FullSOCPercent < 90 || b.FullSOCPercent > 100 {
		errs = append(errs, fmt.Errorf("balancing fullSOCPercent must be in [90, 100]: %v", b.FullSOCPercent))
	}
	if b.OpportunisticSOCPercent < 50 || b.OpportunisticSOCPercent > 100 {
		errs = append(errs, fmt.Errorf("balancing opportunisticSOCPercent must be in [50, 100]: %v", b.OpportunisticSOCPercent))
	}
	if b.HoldingHours <= 0 {
		errs = append(errs, fmt.Errorf("balancing holdingHours must be positive: %v", b.HoldingHours))
	}
	if b.CycleDays <= 0 {
		errs = append(errs, fmt.Errorf("balancing cycleDays must be positive: %v", b.CycleDays))
	}
	if b.MaxCandidateWindows < 1 || b.MaxCandidateWindows > 5 {
		errs = append(errs, fmt.Errorf("balancing maxCandidateWindows must be in [1, 5]: %v", b.MaxCandidateWindows))
	}
	for level, e := range s.Weather.Escalation {
		if e.Enabled && (e.TargetSOCPercent <= 0 || e.TargetSOCPercent > 100) {
			errs = append(errs, fmt.Errorf("weather escalation %q target must be in (0, 100]: %v", level, e.TargetSOCPercent))
		}
	}
	return errors.Join(errs...)
}

// DefaultSettings returns fully migrated settings.
func DefaultSettings() Settings {
	s, _, _ := MigrateSettings(Settings{}, 0)
	return s
}
