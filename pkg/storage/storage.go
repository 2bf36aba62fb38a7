package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/batteryplan/pkg/types"
)

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrNoDeviceID   = errors.New("deviceID cannot be empty")
)

// Database defines the interface for persisting plans, component state and
// history for a device.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, deviceID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, deviceID string, settings types.Settings, version int) error

	// Plans
	SavePlan(ctx context.Context, deviceID string, plan types.Plan, version int) error
	// GetPlan returns ErrPlanNotFound when there is no such plan.
	GetPlan(ctx context.Context, deviceID, planID string) (types.Plan, error)
	// ListPlans returns matching plans, newest first.
	ListPlans(ctx context.Context, deviceID string, filter types.PlanFilter) ([]types.Plan, error)

	// Component state, missing state is returned as the zero value
	GetBalancingState(ctx context.Context, deviceID string) (types.BalancingState, int, error)
	SetBalancingState(ctx context.Context, deviceID string, state types.BalancingState, version int) error
	GetWeatherState(ctx context.Context, deviceID string) (types.WeatherState, int, error)
	SetWeatherState(ctx context.Context, deviceID string, state types.WeatherState, version int) error
	UpdateESSMockState(ctx context.Context, deviceID string, state types.ESSMockState) error
	GetESSMockState(ctx context.Context, deviceID string) (types.ESSMockState, error)

	// History
	InsertAction(ctx context.Context, deviceID string, action types.Action) error
	GetActionHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.Action, error)
	GetLatestAction(ctx context.Context, deviceID string) (*types.Action, error)
	UpsertEnergyHistory(ctx context.Context, deviceID string, stats types.EnergyStats, version int) error
	GetEnergyHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.EnergyStats, error)
	GetLatestEnergyHistoryTime(ctx context.Context, deviceID string) (time.Time, int, error)

	// Lifecycle
	Close() error
}

// PlanKey is the storage key of a plan.
func PlanKey(deviceID, planID string) string {
	return deviceID + "/" + planID
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, sqlite)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
