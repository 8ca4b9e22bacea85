package fix

import "time"

// AcceptancePolicy holds the per-mode thresholds the hub applies before
// admitting a fix into its history.
type AcceptancePolicy struct {
	MaxHorizontalAccuracyM float64       `json:"max_h_accuracy_m"`
	MaxFixStaleness        time.Duration `json:"max_fix_staleness"`
	MaxJumpDistanceM       float64       `json:"max_jump_distance_m"`
}

// Canonical per-mode policies. Auto resolves to balanced via Effective.
var (
	policyBalanced = AcceptancePolicy{
		MaxHorizontalAccuracyM: 75,
		MaxFixStaleness:        120 * time.Second,
		MaxJumpDistanceM:       5000,
	}
	policySaver = AcceptancePolicy{
		MaxHorizontalAccuracyM: 100,
		MaxFixStaleness:        300 * time.Second,
		MaxJumpDistanceM:       10000,
	}
	policyEmergency = AcceptancePolicy{
		MaxHorizontalAccuracyM: 150,
		MaxFixStaleness:        600 * time.Second,
		MaxJumpDistanceM:       50000,
	}
)

// PolicyFor returns the acceptance policy for the given mode
func PolicyFor(mode TrackingMode) AcceptancePolicy {
	switch mode.Effective() {
	case ModeEmergency:
		return policyEmergency
	case ModeSaver:
		return policySaver
	default:
		return policyBalanced
	}
}
