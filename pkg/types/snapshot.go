package types

import "time"

// Snapshot is the normalized result of one poll cycle for a station.
// A Snapshot is never modified after it has been published.
type Snapshot struct {
	StationID string                `json:"stationID"`
	Sensors   map[SensorKey]float64 `json:"sensors"`
	Time      time.Time             `json:"time"`
}

// Value returns the value of key and whether it was present.
func (s *Snapshot) Value(key SensorKey) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.Sensors[key]
	return v, ok
}
