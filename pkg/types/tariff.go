package types

import (
	"fmt"
	"time"
)

// TariffPeriod defines a recurring schedule for a distribution tariff.
type TariffPeriod struct {
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	HourStart     int            `json:"hourStart"`
	HourEnd       int            `json:"hourEnd"`
	DaysOfTheWeek []time.Weekday `json:"daysOfTheWeek"`
	Location      string         `json:"location"`
	LocationPtr   *time.Location `json:"-"`
}

// Contains checks if a time is within the period.
func (p *TariffPeriod) Contains(t time.Time) (bool, error) {
	if p.LocationPtr != nil {
		t = t.In(p.LocationPtr)
	} else if p.Location != "" {
		loc, err := time.LoadLocation(p.Location)
		if err != nil {
			return false, fmt.Errorf("failed to load location %s: %w", p.Location, err)
		}
		p.LocationPtr = loc
		t = t.In(loc)
	}
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false, nil
	}
	if !p.End.IsZero() && t.After(p.End) {
		return false, nil
	}
	// HourStart > HourEnd wraps over midnight, e.g. 22-6
	h := t.Hour()
	if p.HourStart <= p.HourEnd {
		if h < p.HourStart || h >= p.HourEnd {
			return false, nil
		}
	} else if h < p.HourStart && h >= p.HourEnd {
		return false, nil
	}
	if len(p.DaysOfTheWeek) > 0 {
		var found bool
		dow := t.Weekday()
		for _, d := range p.DaysOfTheWeek {
			if d == dow {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// DistributionTariff is a distribution fee charged on imported energy during
// a period, e.g. the low and high tariff of a dual-rate contract.
type DistributionTariff struct {
	TariffPeriod
	PerKWH      float64 `json:"perKWH"`
	Description string  `json:"description"`
}
