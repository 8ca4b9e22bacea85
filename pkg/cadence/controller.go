// Package cadence computes the capture/transmission interval for the
// producer from battery level, motion state and tracking mode.
package cadence

import (
	"math"
	"time"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

// Config holds the cadence thresholds
type Config struct {
	MaxUpdateInterval            time.Duration `json:"max_update_interval"`
	StationaryUpdateInterval     time.Duration `json:"stationary_update_interval"`
	HighFrequencyInterval        time.Duration `json:"high_frequency_interval"`
	CriticalBatteryInterval      time.Duration `json:"critical_battery_interval"`
	LowBatteryMovingInterval     time.Duration `json:"low_battery_moving_interval"`
	LowBatteryStationaryInterval time.Duration `json:"low_battery_stationary_interval"`
	CriticalBatteryFraction      float64       `json:"critical_battery_fraction"`
	LowBatteryFraction           float64       `json:"low_battery_fraction"`
	TransmitAccuracyBypassM      float64       `json:"transmit_accuracy_bypass_m"`
	MovementThresholdM           float64       `json:"movement_threshold_m"`
	StationaryWindow             time.Duration `json:"stationary_window"`
}

// DefaultConfig returns the default cadence thresholds
func DefaultConfig() Config {
	return Config{
		MaxUpdateInterval:            120 * time.Second,
		StationaryUpdateInterval:     180 * time.Second,
		HighFrequencyInterval:        500 * time.Millisecond,
		CriticalBatteryInterval:      5 * time.Second,
		LowBatteryMovingInterval:     3 * time.Second,
		LowBatteryStationaryInterval: 5 * time.Second,
		CriticalBatteryFraction:      0.10,
		LowBatteryFraction:           0.20,
		TransmitAccuracyBypassM:      5,
		MovementThresholdM:           5,
		StationaryWindow:             30 * time.Second,
	}
}

// Sample is the input the controller evaluates on each capture
type Sample struct {
	Time                time.Time
	BatteryFraction     float64
	Stationary          bool
	HorizontalAccuracyM float64
	Mode                fix.TrackingMode
}

// Controller computes transmission intervals and owns the throttle state
// used by the accuracy-bypass and watchdog rules. Not safe for concurrent
// callers; the producer engine is its single owner.
type Controller struct {
	config Config
	preset fix.CadencePreset

	hasTransmitted   bool
	lastTransmitAt   time.Time
	lastTransmitHAcc float64
}

// New creates a controller with the given thresholds and preset
func New(config Config, preset fix.CadencePreset) *Controller {
	return &Controller{config: config, preset: preset.Clamped()}
}

// Config returns the controller's thresholds
func (c *Controller) Config() Config {
	return c.config
}

// SetPreset replaces the active cadence preset
func (c *Controller) SetPreset(p fix.CadencePreset) {
	c.preset = p.Clamped()
}

// Preset returns the active cadence preset
func (c *Controller) Preset() fix.CadencePreset {
	return c.preset
}

// NextInterval evaluates the cadence rules in priority order and returns the
// interval the producer should wait before transmitting. Zero means send now.
func (c *Controller) NextInterval(s Sample) time.Duration {
	// Emergency mode pins the interval to the preset regardless of motion
	// or battery. The clamp keeps a misconfigured preset from flooding.
	if s.Mode.Effective() == fix.ModeEmergency {
		iv := c.preset.FullFixInterval
		if iv < fix.MinFullFixInterval {
			iv = fix.MinFullFixInterval
		}
		return iv
	}

	// Watchdog override: guarantee periodic delivery even when throttled
	if !c.hasTransmitted || s.Time.Sub(c.lastTransmitAt) >= c.config.MaxUpdateInterval {
		return 0
	}

	// Critical battery floor wins over accuracy-driven eagerness
	if s.BatteryFraction <= c.config.CriticalBatteryFraction {
		return c.config.CriticalBatteryInterval
	}

	// Large accuracy change since the last transmitted fix bypasses throttling
	if math.Abs(s.HorizontalAccuracyM-c.lastTransmitHAcc) > c.config.TransmitAccuracyBypassM {
		return 0
	}

	if s.BatteryFraction <= c.config.LowBatteryFraction {
		if s.Stationary {
			return c.config.LowBatteryStationaryInterval
		}
		return c.config.LowBatteryMovingInterval
	}

	if s.Stationary {
		return c.config.StationaryUpdateInterval
	}
	return c.config.HighFrequencyInterval
}

// ShouldTransmit reports whether enough time has passed (or a bypass rule
// fired) for the sample to be transmitted now
func (c *Controller) ShouldTransmit(s Sample) bool {
	iv := c.NextInterval(s)
	if iv == 0 {
		return true
	}
	if !c.hasTransmitted {
		return true
	}
	return s.Time.Sub(c.lastTransmitAt) >= iv
}

// MarkTransmitted records a successful transmission; the recorded timestamp
// and accuracy feed the watchdog and bypass rules on the next call
func (c *Controller) MarkTransmitted(s Sample) {
	c.hasTransmitted = true
	c.lastTransmitAt = s.Time
	c.lastTransmitHAcc = s.HorizontalAccuracyM
}

// TimeSinceTransmit returns the elapsed time since the last transmission,
// or false if nothing has been transmitted yet
func (c *Controller) TimeSinceTransmit(now time.Time) (time.Duration, bool) {
	if !c.hasTransmitted {
		return 0, false
	}
	return now.Sub(c.lastTransmitAt), true
}
