package types

import "time"

// Price is a spot price for a time range as delivered by a price source.
type Price struct {
	TSStart    time.Time `json:"tsStart"`
	TSEnd      time.Time `json:"tsEnd"`
	SpotPerKWH float64   `json:"spotPerKWH"`
}

// PowerSample is an average power over the period starting at TSStart.
type PowerSample struct {
	TSStart time.Time `json:"tsStart"`
	KW      float64   `json:"kw"`
}

// IntervalPrice holds every price component for a single interval.
type IntervalPrice struct {
	SpotPerKWH         float64 `json:"spotPerKWH"`
	DistributionPerKWH float64 `json:"distributionPerKWH"`
	ExportPerKWH       float64 `json:"exportPerKWH"`
}

// ImportPerKWH is the full price of a kWh taken from the grid.
func (p IntervalPrice) ImportPerKWH() float64 {
	return p.SpotPerKWH + p.DistributionPerKWH
}

// Forecast holds per-interval inputs keyed by the interval start in UTC.
// Missing keys mean zero.
type Forecast struct {
	Prices  map[time.Time]IntervalPrice `json:"prices"`
	SolarKW map[time.Time]float64       `json:"solarKW"`
	LoadKW  map[time.Time]float64       `json:"loadKW"`
}

// NewForecast returns a forecast with allocated maps.
func NewForecast() Forecast {
	return Forecast{
		Prices:  make(map[time.Time]IntervalPrice),
		SolarKW: make(map[time.Time]float64),
		LoadKW:  make(map[time.Time]float64),
	}
}
