package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/batteryplan/pkg/storage"
	"github.com/raterudder/batteryplan/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, deviceID string) (types.Settings, int, error) {
	args := m.Called(ctx, deviceID)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, deviceID string, settings types.Settings, version int) error {
	args := m.Called(ctx, deviceID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) SavePlan(ctx context.Context, deviceID string, plan types.Plan, version int) error {
	args := m.Called(ctx, deviceID, plan, version)
	return args.Error(0)
}

func (m *MockDatabase) GetPlan(ctx context.Context, deviceID, planID string) (types.Plan, error) {
	args := m.Called(ctx, deviceID, planID)
	return args.Get(0).(types.Plan), args.Error(1)
}

func (m *MockDatabase) ListPlans(ctx context.Context, deviceID string, filter types.PlanFilter) ([]types.Plan, error) {
	args := m.Called(ctx, deviceID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Plan), args.Error(1)
}

func (m *MockDatabase) GetBalancingState(ctx context.Context, deviceID string) (types.BalancingState, int, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(types.BalancingState), args.Int(1), args.Error(2)
}

func (m *MockDatabase) SetBalancingState(ctx context.Context, deviceID string, state types.BalancingState, version int) error {
	args := m.Called(ctx, deviceID, state, version)
	return args.Error(0)
}

func (m *MockDatabase) GetWeatherState(ctx context.Context, deviceID string) (types.WeatherState, int, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(types.WeatherState), args.Int(1), args.Error(2)
}

func (m *MockDatabase) SetWeatherState(ctx context.Context, deviceID string, state types.WeatherState, version int) error {
	args := m.Called(ctx, deviceID, state, version)
	return args.Error(0)
}

func (m *MockDatabase) UpdateESSMockState(ctx context.Context, deviceID string, state types.ESSMockState) error {
	args := m.Called(ctx, deviceID, state)
	return args.Error(0)
}

func (m *MockDatabase) GetESSMockState(ctx context.Context, deviceID string) (types.ESSMockState, error) {
	args := m.Called(ctx, deviceID)
	if len(args) > 0 {
		return args.Get(0).(types.ESSMockState), args.Error(1)
	}
	return types.ESSMockState{}, nil
}

func (m *MockDatabase) InsertAction(ctx context.Context, deviceID string, action types.Action) error {
	args := m.Called(ctx, deviceID, action)
	return args.Error(0)
}

func (m *MockDatabase) GetActionHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.Action, error) {
	args := m.Called(ctx, deviceID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Action), args.Error(1)
}

func (m *MockDatabase) GetLatestAction(ctx context.Context, deviceID string) (*types.Action, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Action), args.Error(1)
}

func (m *MockDatabase) UpsertEnergyHistory(ctx context.Context, deviceID string, stats types.EnergyStats, version int) error {
	args := m.Called(ctx, deviceID, stats, version)
	return args.Error(0)
}

func (m *MockDatabase) GetEnergyHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.EnergyStats, error) {
	args := m.Called(ctx, deviceID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.EnergyStats), args.Error(1)
}

func (m *MockDatabase) GetLatestEnergyHistoryTime(ctx context.Context, deviceID string) (time.Time, int, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(time.Time), args.Int(1), args.Error(2)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
