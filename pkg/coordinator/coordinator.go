package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/sunways"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

const (
	// DefaultScanInterval is how often a station is polled.
	DefaultScanInterval = 60 * time.Second
	// DefaultUpdateTimeout bounds a single fetch.
	DefaultUpdateTimeout = 10 * time.Second
)

// ErrNotReady is returned when the first refresh of a coordinator failed and
// setup should be retried later.
var ErrNotReady = errors.New("station not ready")

// UpdateFailedError is returned when a poll cycle failed. The previous
// snapshot stays in place.
type UpdateFailedError struct {
	Err error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("error communicating with API: %v", e.Err)
}

func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}

// StationClient fetches the overview of a station.
type StationClient interface {
	GetStationOverview(ctx context.Context, stationID string) (sunways.StationOverview, error)
}

// Listener is called after every refresh with either the new snapshot or the
// error of the failed cycle.
type Listener func(snap *types.Snapshot, err error)

// Coordinator polls a station and holds the latest snapshot.
type Coordinator struct {
	client    StationClient
	stationID string
	timeout   time.Duration
	now       func() time.Time

	// refreshMu keeps refreshes from overlapping
	refreshMu sync.Mutex

	data          atomic.Pointer[types.Snapshot]
	lastErr       atomic.Pointer[UpdateFailedError]
	lastRefreshed atomic.Int64

	listenersMu sync.Mutex
	listeners   []Listener
}

// New returns a coordinator for the station. A zero timeout uses
// DefaultUpdateTimeout.
func New(client StationClient, stationID string, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultUpdateTimeout
	}
	return &Coordinator{
		client:    client,
		stationID: stationID,
		timeout:   timeout,
		now:       time.Now,
	}
}

// StationID returns the polled station.
func (c *Coordinator) StationID() string {
	return c.stationID
}

// Data returns the latest snapshot, or nil before the first successful
// refresh.
func (c *Coordinator) Data() *types.Snapshot {
	return c.data.Load()
}

// LastUpdateSuccess reports whether the most recent refresh succeeded.
func (c *Coordinator) LastUpdateSuccess() bool {
	return c.lastRefreshed.Load() != 0 && c.lastErr.Load() == nil
}

// LastError returns the error of the most recent refresh, if it failed.
func (c *Coordinator) LastError() error {
	if err := c.lastErr.Load(); err != nil {
		return err
	}
	return nil
}

// Listen registers fn to be called after every refresh.
func (c *Coordinator) Listen(fn Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) notify(snap *types.Snapshot, err error) {
	c.listenersMu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(snap, err)
	}
}

// FirstRefresh performs the initial refresh. A failure is reported as
// ErrNotReady so the caller can retry setup.
func (c *Coordinator) FirstRefresh(ctx context.Context) error {
	if _, err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return nil
}

// Refresh fetches the station overview and publishes a new snapshot. Any
// failure is returned as *UpdateFailedError and leaves the previous snapshot
// untouched.
func (c *Coordinator) Refresh(ctx context.Context) (*types.Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.lastRefreshed.Store(c.now().Unix())

	overview, err := c.client.GetStationOverview(ctx, c.stationID)
	if err != nil {
		uerr := &UpdateFailedError{Err: err}
		c.lastErr.Store(uerr)
		log.Ctx(ctx).WarnContext(ctx, "station update failed", slog.String("stationID", c.stationID), slog.Any("error", err))
		c.notify(nil, uerr)
		return nil, uerr
	}

	snap := BuildSnapshot(c.stationID, overview, c.now())
	c.data.Store(snap)
	c.lastErr.Store(nil)

	log.Ctx(ctx).DebugContext(ctx, "station updated",
		slog.String("stationID", c.stationID),
		slog.Float64("solarKW", snap.Sensors[types.SensorSolarPower]),
		slog.Float64("loadKW", snap.Sensors[types.SensorLoadPower]),
		slog.Float64("gridImportKW", snap.Sensors[types.SensorGridPowerConsumption]),
		slog.Float64("gridExportKW", snap.Sensors[types.SensorGridPowerReturn]),
	)

	c.notify(snap, nil)
	return snap, nil
}

// BuildSnapshot normalizes an overview into fixed units: power and the
// daily/monthly generation in kilo units, yearly and total generation in
// mega units.
func BuildSnapshot(stationID string, o sunways.StationOverview, now time.Time) *types.Snapshot {
	var efficiency float64
	if o.PowerRatio != nil {
		efficiency = *o.PowerRatio
	}

	return &types.Snapshot{
		StationID: stationID,
		Time:      now,
		Sensors: map[types.SensorKey]float64{
			types.SensorSolarPower:           ConvertToKilo(o.SolarPower, o.SolarPowerUnit),
			types.SensorInstalledPower:       ConvertToKilo(o.InstalledPower, o.InstalledPowerUnit),
			types.SensorEfficiency:           efficiency,
			types.SensorLoadPower:            ConvertToKilo(o.LoadPower, o.LoadPowerUnit),
			types.SensorGridPowerConsumption: ConvertToKilo(o.GridPowerConsumption(), o.GridPowerUnit),
			types.SensorGridPowerReturn:      ConvertToKilo(o.GridPowerReturn(), o.GridPowerUnit),
			types.SensorDailyGeneration:      ConvertToKilo(o.DailyGeneration, o.DailyGenerationUnit),
			types.SensorMonthlyGeneration:    ConvertToKilo(o.MonthlyGeneration, o.MonthlyGenerationUnit),
			types.SensorYearlyGeneration:     ConvertToMega(o.YearlyGeneration, o.YearlyGenerationUnit),
			types.SensorTotalGeneration:      ConvertToMega(o.TotalGeneration, o.TotalGenerationUnit),
		},
	}
}
