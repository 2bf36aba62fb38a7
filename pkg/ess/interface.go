package ess

import (
	"context"
	"time"

	"github.com/raterudder/batteryplan/pkg/forecast"
	"github.com/raterudder/batteryplan/pkg/types"
)

// System defines the interface for interacting with the inverter and its
// battery.
type System interface {
	// GetStatus returns the current status of the system.
	GetStatus(ctx context.Context) (types.SystemStatus, error)

	// SetMode switches the inverter mode. reason is logged by the provider.
	SetMode(ctx context.Context, mode types.Mode, reason string) error

	// GetEnergyHistory returns hourly energy stats for the specified period.
	GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error)

	// GetSOCHistory returns state of charge readings for the specified period.
	GetSOCHistory(ctx context.Context, start, end time.Time) ([]types.SOCSample, error)
}

// WarningSource provides the current severe weather warning.
type WarningSource interface {
	GetWeatherWarning(ctx context.Context) (types.WeatherWarning, error)
}

// Device is a System together with the data sources of its site.
type Device interface {
	System
	WarningSource
	forecast.PriceSource
	forecast.SolarSource

	DeviceID() string
}
