package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/sunwaysbridge/pkg/sunways"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) GetStationOverview(ctx context.Context, stationID string) (sunways.StationOverview, error) {
	args := m.Called(ctx, stationID)
	return args.Get(0).(sunways.StationOverview), args.Error(1)
}

func f(v float64) *float64 {
	return &v
}

func TestConvertToKilo(t *testing.T) {
	tests := []struct {
		name  string
		value *float64
		unit  string
		want  float64
	}{
		{"Nil", nil, "kW", 0},
		{"Kilo", f(2.5), "kW", 2.5},
		{"KiloUnrounded", f(2.5555), "kWh", 2.5555},
		{"Mega", f(1.2345), "MWh", 1234.5},
		{"Base", f(2450), "W", 2.45},
		{"BaseRounded", f(1234), "Wh", 1.23},
		{"EmptyUnit", f(500), "", 0.5},
		{"TieToEven", f(125), "W", 0.12},
		{"TieToEvenOdd", f(625), "W", 0.62},
		{"TieToEvenLarge", f(2125), "W", 2.12},
		{"TieUp", f(375), "W", 0.38},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ConvertToKilo(tt.value, tt.unit), 1e-9)
		})
	}
}

func TestConvertToMega(t *testing.T) {
	tests := []struct {
		name  string
		value *float64
		unit  string
		want  float64
	}{
		{"Nil", nil, "MWh", 0},
		{"Kilo", f(2346), "kWh", 2.35},
		{"Mega", f(1.23456), "MWh", 1.23456},
		{"Base", f(5_000_000), "Wh", 5},
		{"BaseRounded", f(1_234_567), "Wh", 1.23},
		{"TieToEven", f(125_000), "Wh", 0.12},
		{"KiloTieToEven", f(125), "kWh", 0.12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ConvertToMega(tt.value, tt.unit), 1e-9)
		})
	}
}

func testOverview() sunways.StationOverview {
	return sunways.StationOverview{
		ID:                    "1001",
		SolarPower:            f(2450),
		SolarPowerUnit:        "W",
		InstalledPower:        f(9.8),
		InstalledPowerUnit:    "kWp",
		PowerRatio:            f(25),
		LoadPower:             f(1.2),
		LoadPowerUnit:         "kW",
		GridPower:             f(300),
		GridPowerUnit:         "W",
		ArrowGridInverter:     1,
		DailyGeneration:       f(12.3),
		DailyGenerationUnit:   "kWh",
		MonthlyGeneration:     f(1.1),
		MonthlyGenerationUnit: "MWh",
		YearlyGeneration:      f(2346),
		YearlyGenerationUnit:  "kWh",
		TotalGeneration:       nil,
		TotalGenerationUnit:   "MWh",
	}
}

func TestBuildSnapshot(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := BuildSnapshot("1001", testOverview(), now)

	assert.Equal(t, "1001", snap.StationID)
	assert.Equal(t, now, snap.Time)

	want := map[types.SensorKey]float64{
		types.SensorSolarPower:           2.45,
		types.SensorInstalledPower:       9.8,
		types.SensorEfficiency:           25,
		types.SensorLoadPower:            1.2,
		types.SensorGridPowerConsumption: 0.3,
		types.SensorGridPowerReturn:      0,
		types.SensorDailyGeneration:      12.3,
		types.SensorMonthlyGeneration:    1100,
		types.SensorYearlyGeneration:     2.35,
		types.SensorTotalGeneration:      0,
	}
	require.Len(t, snap.Sensors, len(want))
	for k, v := range want {
		assert.InDelta(t, v, snap.Sensors[k], 1e-9, "key=%s", k)
	}
}

func TestBuildSnapshotCoversDescriptions(t *testing.T) {
	snap := BuildSnapshot("1", sunways.StationOverview{}, time.Now())
	require.Len(t, snap.Sensors, len(types.SensorDescriptions))
	for key := range types.SensorDescriptions {
		v, ok := snap.Value(key)
		assert.True(t, ok, "missing %s", key)
		assert.Zero(t, v)
	}
}

func TestRefresh(t *testing.T) {
	client := new(mockClient)
	client.On("GetStationOverview", mock.Anything, "1001").Return(testOverview(), nil).Once()

	c := New(client, "1001", 0)
	assert.Nil(t, c.Data())
	assert.False(t, c.LastUpdateSuccess())

	var calls []*types.Snapshot
	c.Listen(func(snap *types.Snapshot, err error) {
		assert.NoError(t, err)
		calls = append(calls, snap)
	})

	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, c.Data())
	assert.True(t, c.LastUpdateSuccess())
	assert.NoError(t, c.LastError())
	require.Len(t, calls, 1)
	assert.Same(t, snap, calls[0])
	client.AssertExpectations(t)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	apiErr := &sunways.RequestFailed{Code: "500", Message: "HTTP Request Error"}

	client := new(mockClient)
	client.On("GetStationOverview", mock.Anything, "1001").Return(testOverview(), nil).Once()
	client.On("GetStationOverview", mock.Anything, "1001").Return(sunways.StationOverview{}, apiErr).Once()

	c := New(client, "1001", time.Second)
	first, err := c.Refresh(context.Background())
	require.NoError(t, err)

	var gotErr error
	c.Listen(func(snap *types.Snapshot, err error) {
		assert.Nil(t, snap)
		gotErr = err
	})

	_, err = c.Refresh(context.Background())
	var uerr *UpdateFailedError
	require.ErrorAs(t, err, &uerr)
	assert.ErrorIs(t, err, apiErr)
	assert.Equal(t, err, gotErr)
	assert.Same(t, first, c.Data())
	assert.False(t, c.LastUpdateSuccess())
	assert.ErrorIs(t, c.LastError(), apiErr)
	client.AssertExpectations(t)
}

func TestFirstRefresh(t *testing.T) {
	t.Run("Ready", func(t *testing.T) {
		client := new(mockClient)
		client.On("GetStationOverview", mock.Anything, "1001").Return(testOverview(), nil)

		c := New(client, "1001", 0)
		require.NoError(t, c.FirstRefresh(context.Background()))
		assert.NotNil(t, c.Data())
	})

	t.Run("NotReady", func(t *testing.T) {
		client := new(mockClient)
		client.On("GetStationOverview", mock.Anything, "1001").Return(sunways.StationOverview{}, &sunways.ConnectionFailed{Err: errors.New("dial")})

		c := New(client, "1001", 0)
		err := c.FirstRefresh(context.Background())
		assert.ErrorIs(t, err, ErrNotReady)
		var cf *sunways.ConnectionFailed
		assert.ErrorAs(t, err, &cf)
		assert.Nil(t, c.Data())
	})
}

type blockingClient struct{}

func (blockingClient) GetStationOverview(ctx context.Context, stationID string) (sunways.StationOverview, error) {
	<-ctx.Done()
	return sunways.StationOverview{}, &sunways.ConnectionFailed{Err: ctx.Err()}
}

func TestRefreshTimeout(t *testing.T) {
	c := New(blockingClient{}, "1001", 20*time.Millisecond)

	start := time.Now()
	_, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

type countingClient struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (c *countingClient) GetStationOverview(ctx context.Context, stationID string) (sunways.StationOverview, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		m := c.maxSeen.Load()
		if n <= m || c.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return sunways.StationOverview{}, nil
}

func TestRefreshDoesNotOverlap(t *testing.T) {
	client := &countingClient{}
	c := New(client, "1001", time.Second)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Refresh(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), client.maxSeen.Load())
}
