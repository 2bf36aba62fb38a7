package forecast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/batteryplan/pkg/types"
)

type mockPrices struct {
	mock.Mock
}

func (m *mockPrices) GetSpotPrices(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Price), args.Error(1)
}

type mockSolar struct {
	mock.Mock
}

func (m *mockSolar) GetSolarForecast(ctx context.Context, start, end time.Time) ([]types.PowerSample, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.PowerSample), args.Error(1)
}

func hourlyPrices(start time.Time, hours int, price func(h int) float64) []types.Price {
	var out []types.Price
	for i := 0; i < hours; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		out = append(out, types.Price{TSStart: ts, TSEnd: ts.Add(time.Hour), SpotPerKWH: price(i)})
	}
	return out
}

func testSettings() types.Settings {
	s := types.DefaultSettings()
	s.Location = "UTC"
	s.ExportPriceMultiplier = 0.9
	s.ExportFeePerKWH = 0.1
	s.SolarBellCurveMultiplier = 0
	s.DistributionTariffs = []types.DistributionTariff{
		{TariffPeriod: types.TariffPeriod{HourStart: 22, HourEnd: 6}, PerKWH: 0.5, Description: "low"},
		{TariffPeriod: types.TariffPeriod{HourStart: 6, HourEnd: 22}, PerKWH: 1.5, Description: "high"},
	}
	return s
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 20, 7, 0, 0, time.UTC)
	start := time.Date(2026, 5, 4, 20, 0, 0, 0, time.UTC)

	prices := new(mockPrices)
	// only the next 12 hours are known
	prices.On("GetSpotPrices", mock.Anything, start, now.Add(24*time.Hour)).
		Return(hourlyPrices(start, 12, func(h int) float64 { return float64(h) }), nil)

	history := []types.EnergyStats{
		{TSHourStart: time.Date(2026, 5, 3, 21, 0, 0, 0, time.UTC), HomeKWH: 0.8},
		{TSHourStart: time.Date(2026, 5, 2, 21, 0, 0, 0, time.UTC), HomeKWH: 1.2},
		{TSHourStart: time.Date(2026, 5, 3, 12, 0, 0, 0, time.UTC), SolarKWH: 4, HomeKWH: 0.5},
	}

	b := NewBuilder(prices, nil)
	fc, err := b.Build(ctx, now, 24*time.Hour, testSettings(), history)
	require.NoError(t, err)

	// the grid runs up to and including 20:00 tomorrow
	assert.Len(t, fc.LoadKW, 97)
	assert.Len(t, fc.SolarKW, 97)
	assert.Len(t, fc.Prices, 48)

	p := fc.Prices[start.Add(45*time.Minute)]
	assert.Equal(t, 0.0, p.SpotPerKWH)
	assert.Equal(t, 1.5, p.DistributionPerKWH)
	assert.InDelta(t, -0.1, p.ExportPerKWH, 1e-9)

	p = fc.Prices[time.Date(2026, 5, 4, 23, 15, 0, 0, time.UTC)]
	assert.Equal(t, 3.0, p.SpotPerKWH)
	assert.Equal(t, 0.5, p.DistributionPerKWH)
	assert.InDelta(t, 2.6, p.ExportPerKWH, 1e-9)
	assert.InDelta(t, 3.5, p.ImportPerKWH(), 1e-9)

	_, ok := fc.Prices[time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC)]
	assert.False(t, ok, "unknown prices are left out")

	assert.InDelta(t, 1.0, fc.LoadKW[time.Date(2026, 5, 4, 21, 30, 0, 0, time.UTC)], 1e-9)
	assert.InDelta(t, 4.0, fc.SolarKW[time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)], 1e-9)
	assert.Equal(t, 0.0, fc.SolarKW[time.Date(2026, 5, 5, 2, 0, 0, 0, time.UTC)])
	prices.AssertExpectations(t)
}

func TestBuildSolarForecast(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	prices := new(mockPrices)
	prices.On("GetSpotPrices", mock.Anything, mock.Anything, mock.Anything).Return([]types.Price{}, nil)

	t.Run("Uses Source", func(t *testing.T) {
		solar := new(mockSolar)
		solar.On("GetSolarForecast", mock.Anything, now, now.Add(6*time.Hour)).Return([]types.PowerSample{
			{TSStart: now, KW: 2},
			{TSStart: now.Add(30 * time.Minute), KW: 3},
		}, nil)

		fc, err := NewBuilder(prices, solar).Build(ctx, now, 6*time.Hour, testSettings(), nil)
		require.NoError(t, err)
		assert.Equal(t, 2.0, fc.SolarKW[now.Add(15*time.Minute)])
		assert.Equal(t, 3.0, fc.SolarKW[now.Add(75*time.Minute)])
		assert.Equal(t, 0.0, fc.SolarKW[now.Add(90*time.Minute)])
		assert.Empty(t, fc.Prices)
	})

	t.Run("Falls Back On Error", func(t *testing.T) {
		solar := new(mockSolar)
		solar.On("GetSolarForecast", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("rate limited"))
		history := []types.EnergyStats{{TSHourStart: now.Add(-22 * time.Hour), SolarKWH: 1.5}}

		fc, err := NewBuilder(prices, solar).Build(ctx, now, 6*time.Hour, testSettings(), history)
		require.NoError(t, err)
		assert.InDelta(t, 1.5, fc.SolarKW[now.Add(2*time.Hour)], 1e-9)
	})
}

func TestBuildErrors(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	prices := new(mockPrices)
	prices.On("GetSpotPrices", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("down"))

	_, err := NewBuilder(prices, nil).Build(ctx, now, 6*time.Hour, testSettings(), nil)
	assert.ErrorContains(t, err, "failed to get spot prices")

	_, err = NewBuilder(prices, nil).Build(ctx, now, 0, testSettings(), nil)
	assert.Error(t, err)

	settings := testSettings()
	settings.Location = "Not/AZone"
	_, err = NewBuilder(prices, nil).Build(ctx, now, time.Hour, settings, nil)
	assert.ErrorContains(t, err, "invalid location")
}
