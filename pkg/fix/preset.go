package fix

import "time"

// CadencePreset is a (heartbeat, full-fix) interval pair controlling update
// frequency. Intervals outside the clamp range are pulled back in.
type CadencePreset struct {
	Name              string        `json:"name"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	FullFixInterval   time.Duration `json:"full_fix_interval"`
}

// Clamp bounds for preset intervals
const (
	MinHeartbeatInterval = 10 * time.Second
	MaxHeartbeatInterval = 30 * time.Minute
	MinFullFixInterval   = 10 * time.Second
	MaxFullFixInterval   = 60 * time.Minute
)

// Named presets. Aggressive is used for emergency mode and fresh starts,
// saver when battery or thermal pressure demands it.
var (
	PresetAggressive = CadencePreset{Name: "aggressive", HeartbeatInterval: 10 * time.Second, FullFixInterval: 10 * time.Second}
	PresetBalanced   = CadencePreset{Name: "balanced", HeartbeatInterval: 60 * time.Second, FullFixInterval: 5 * time.Minute}
	PresetSaver      = CadencePreset{Name: "saver", HeartbeatInterval: 5 * time.Minute, FullFixInterval: 30 * time.Minute}
)

// Clamped returns a copy of the preset with both intervals pulled into the
// allowed range
func (p CadencePreset) Clamped() CadencePreset {
	out := p
	out.HeartbeatInterval = clampDuration(p.HeartbeatInterval, MinHeartbeatInterval, MaxHeartbeatInterval)
	out.FullFixInterval = clampDuration(p.FullFixInterval, MinFullFixInterval, MaxFullFixInterval)
	return out
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// EffectivePreset combines mode and device battery state into the preset the
// producer should run with. Emergency always forces aggressive capture;
// otherwise the battery tier decides.
func EffectivePreset(mode TrackingMode, batteryFraction float64) CadencePreset {
	switch mode.Effective() {
	case ModeEmergency:
		return PresetAggressive.Clamped()
	case ModeSaver:
		return PresetSaver.Clamped()
	default:
		if batteryFraction <= 0.20 {
			return PresetSaver.Clamped()
		}
		return PresetBalanced.Clamped()
	}
}
