// Package fix defines the positional fix model, tracking modes, cadence
// presets and acceptance policies shared by the producer and hub daemons.
package fix

import (
	"fmt"
	"math"
	"time"
)

// Fix represents one positional sample. A Fix is immutable once created;
// the bounded collections that hold fixes evict them but never modify them.
type Fix struct {
	Timestamp          time.Time `json:"timestamp"`
	DeviceID           string    `json:"device_id"`
	Latitude           float64   `json:"lat"`
	Longitude          float64   `json:"lon"`
	Altitude           *float64  `json:"altitude_m,omitempty"`
	HorizontalAccuracy float64   `json:"h_accuracy_m"`
	VerticalAccuracy   float64   `json:"v_accuracy_m"`
	Speed              float64   `json:"speed_mps"`
	Course             float64   `json:"course_deg"`
	Heading            *float64  `json:"heading_deg,omitempty"`
	BatteryFraction    float64   `json:"battery"`
	Sequence           int64     `json:"seq"`
	Preset             string    `json:"preset,omitempty"`
}

// Validate checks that the fix fields are within plausible ranges
func (f *Fix) Validate() error {
	if f.Timestamp.IsZero() {
		return fmt.Errorf("fix has no timestamp")
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("latitude out of range: %f", f.Latitude)
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("longitude out of range: %f", f.Longitude)
	}
	if f.Speed < 0 {
		return fmt.Errorf("speed cannot be negative: %f", f.Speed)
	}
	if f.BatteryFraction < 0 || f.BatteryFraction > 1 {
		return fmt.Errorf("battery fraction out of range: %f", f.BatteryFraction)
	}
	if f.Sequence <= 0 {
		return fmt.Errorf("sequence must be positive: %d", f.Sequence)
	}
	return nil
}

// Age returns how old the fix is relative to now
func (f *Fix) Age(now time.Time) time.Duration {
	return now.Sub(f.Timestamp)
}

// DistanceTo returns the great-circle distance in meters to another fix
func (f *Fix) DistanceTo(other *Fix) float64 {
	return Distance(f.Latitude, f.Longitude, other.Latitude, other.Longitude)
}

const earthRadiusM = 6371000.0

// Distance computes the haversine great-circle distance in meters between
// two coordinates given in degrees
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLon := (lon2 - lon1) * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180.0)*math.Cos(lat2*math.Pi/180.0)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}
