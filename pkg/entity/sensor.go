package entity

import (
	"strings"

	"github.com/raterudder/sunwaysbridge/pkg/types"
)

// Domain is the identifier namespace of devices and entities.
const Domain = "sunways"

// Source provides the latest snapshot of a station.
type Source interface {
	Data() *types.Snapshot
}

// Device describes the station a sensor belongs to.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Name         string   `json:"name"`
}

// NewDevice returns the device of a station.
func NewDevice(stationID, stationName string) Device {
	return Device{
		Identifiers:  []string{Domain + "_" + stationID},
		Manufacturer: types.Manufacturer,
		Name:         types.Manufacturer + " " + stationName,
	}
}

// Sensor binds one sensor key of a station to its source. It holds no value
// itself, every read goes to the source's current snapshot.
type Sensor struct {
	src      Source
	desc     types.SensorDescription
	uniqueID string
	device   Device
}

// NewSensors returns a sensor for every key present in the source's current
// snapshot, in display order. It returns nil if the source has no data yet.
func NewSensors(src Source, stationID, stationName string) []*Sensor {
	snap := src.Data()
	if snap == nil {
		return nil
	}

	device := NewDevice(stationID, stationName)
	var sensors []*Sensor
	for _, key := range types.SensorKeys {
		if _, ok := snap.Value(key); !ok {
			continue
		}
		sensors = append(sensors, &Sensor{
			src:      src,
			desc:     types.SensorDescriptions[key],
			uniqueID: stationID + "-" + string(key),
			device:   device,
		})
	}
	return sensors
}

// Key identifies the measurement, e.g. solar_power.
func (s *Sensor) Key() types.SensorKey {
	return s.desc.Key
}

// UniqueID is the station id joined with the key. It stays the same across
// restarts so Home Assistant keeps the entity.
func (s *Sensor) UniqueID() string {
	return s.uniqueID
}

// Description returns the unit, device class and precision of the sensor.
func (s *Sensor) Description() types.SensorDescription {
	return s.desc
}

// Device returns the station device the sensor belongs to.
func (s *Sensor) Device() Device {
	return s.device
}

// Name is the human readable name of the sensor, "Solar power" for
// solar_power.
func (s *Sensor) Name() string {
	return displayName(s.desc.Key)
}

// NativeValue returns the sensor's value from the latest snapshot. It returns
// false until the source has data.
func (s *Sensor) NativeValue() (float64, bool) {
	return s.src.Data().Value(s.desc.Key)
}

func displayName(key types.SensorKey) string {
	name := strings.ReplaceAll(string(key), "_", " ")
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
