package fix

import "fmt"

// TrackingMode selects how aggressively the device captures and transmits
// fixes. The hub chooses the mode and propagates it to the device.
type TrackingMode string

const (
	ModeAuto      TrackingMode = "auto"
	ModeEmergency TrackingMode = "emergency"
	ModeBalanced  TrackingMode = "balanced"
	ModeSaver     TrackingMode = "saver"
)

// ParseMode converts a mode string to a TrackingMode
func ParseMode(s string) (TrackingMode, error) {
	switch TrackingMode(s) {
	case ModeAuto, ModeEmergency, ModeBalanced, ModeSaver:
		return TrackingMode(s), nil
	default:
		return "", fmt.Errorf("unknown tracking mode: %q", s)
	}
}

// Effective resolves auto to the mode the policy tables actually use
func (m TrackingMode) Effective() TrackingMode {
	if m == ModeAuto {
		return ModeBalanced
	}
	return m
}
