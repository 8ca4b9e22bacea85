package producer

import (
	"errors"
	"time"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

// ThermalState is the device thermal pressure reported with each sample
type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalSerious
	ThermalCritical
)

// String returns the thermal state name
func (t ThermalState) String() string {
	switch t {
	case ThermalSerious:
		return "serious"
	case ThermalCritical:
		return "critical"
	default:
		return "nominal"
	}
}

// ErrAuthorizationDenied is returned by a capture source when position
// permission is missing; it halts tracking until the user grants access
var ErrAuthorizationDenied = errors.New("position capture authorization denied")

// Sample is one raw capture callback from the positioning hardware
type Sample struct {
	Time               time.Time
	Latitude           float64
	Longitude          float64
	Altitude           *float64
	HorizontalAccuracy float64
	VerticalAccuracy   float64
	Speed              float64
	Course             float64
	Heading            *float64
	BatteryFraction    float64
	Thermal            ThermalState
}

// CaptureSource abstracts the positioning hardware. Samples delivers raw
// captures; the channel closing signals unexpected session termination
// (the engine auto-restarts unless it stopped the source itself).
type CaptureSource interface {
	// Start begins capture at the given preset. ErrAuthorizationDenied
	// means position permission is missing.
	Start(preset fix.CadencePreset) error

	// Stop halts capture; the samples channel is closed afterwards
	Stop()

	// RequestSample forces an immediate capture outside the cadence
	RequestSample()

	// Samples returns the capture stream for the current session
	Samples() <-chan Sample
}

// BackgroundGrant is the capability that keeps capture alive while the app
// is not foregrounded. Platforms without the capability use NoopGrant.
type BackgroundGrant interface {
	Acquire() error
	Release()
}

// NoopGrant is a BackgroundGrant for platforms lacking the capability
type NoopGrant struct{}

// Acquire does nothing
func (NoopGrant) Acquire() error { return nil }

// Release does nothing
func (NoopGrant) Release() {}
