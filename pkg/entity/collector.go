package entity

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/raterudder/sunwaysbridge/pkg/types"
)

// StationSource is a Source that knows its station and the outcome of its
// last update.
type StationSource interface {
	Source
	StationID() string
	LastUpdateSuccess() bool
}

// Collector implements prometheus.Collector for the sensors of every added
// station.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]StationSource

	sensors       map[types.SensorKey]*prometheus.Desc
	updateSuccess *prometheus.Desc
	lastUpdate    *prometheus.Desc
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	c := &Collector{
		sources: make(map[string]StationSource),
		sensors: make(map[types.SensorKey]*prometheus.Desc, len(types.SensorKeys)),
		updateSuccess: prometheus.NewDesc(
			"sunways_update_success",
			"Whether the last update of the station was successful",
			[]string{"station_id"},
			nil,
		),
		lastUpdate: prometheus.NewDesc(
			"sunways_last_update_timestamp_seconds",
			"Time of the last successful update of the station",
			[]string{"station_id"},
			nil,
		),
	}
	for _, key := range types.SensorKeys {
		desc := types.SensorDescriptions[key]
		c.sensors[key] = prometheus.NewDesc(
			"sunways_"+string(key),
			displayName(key)+" ("+desc.Unit+")",
			[]string{"station_id"},
			nil,
		)
	}
	return c
}

// Add starts collecting src, replacing any source of the same station.
func (c *Collector) Add(src StationSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[src.StationID()] = src
}

// Remove stops collecting the station.
func (c *Collector) Remove(stationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, stationID)
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, key := range types.SensorKeys {
		ch <- c.sensors[key]
	}
	ch <- c.updateSuccess
	ch <- c.lastUpdate
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, src := range c.sources {
		success := 0.0
		if src.LastUpdateSuccess() {
			success = 1
		}
		ch <- prometheus.MustNewConstMetric(c.updateSuccess, prometheus.GaugeValue, success, id)

		snap := src.Data()
		if snap == nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.lastUpdate, prometheus.GaugeValue, float64(snap.Time.Unix()), id)
		for _, key := range types.SensorKeys {
			v, ok := snap.Value(key)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.sensors[key], prometheus.GaugeValue, v, id)
		}
	}
}
