// Package battery estimates the device's battery drain rate from recent
// samples so the producer can warn observers before the hard cadence
// floors engage.
package battery

import (
	"fmt"
	"time"

	"github.com/sajari/regression"
)

type sample struct {
	at       time.Time
	fraction float64
}

// Estimator fits a linear model over a sliding window of battery samples.
// Owned by the producer engine; not safe for concurrent callers.
type Estimator struct {
	window     time.Duration
	maxSamples int
	samples    []sample
}

// NewEstimator creates an estimator with the given lookback window
func NewEstimator(window time.Duration, maxSamples int) *Estimator {
	if window <= 0 {
		window = 30 * time.Minute
	}
	if maxSamples <= 0 {
		maxSamples = 120
	}
	return &Estimator{window: window, maxSamples: maxSamples}
}

// AddSample records a battery reading
func (e *Estimator) AddSample(at time.Time, fraction float64) {
	e.samples = append(e.samples, sample{at: at, fraction: fraction})
	e.prune(at)
}

// prune drops samples outside the window and beyond the sample cap
func (e *Estimator) prune(now time.Time) {
	cutoff := now.Add(-e.window)
	kept := e.samples[:0]
	for _, s := range e.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	e.samples = kept
	if len(e.samples) > e.maxSamples {
		e.samples = e.samples[len(e.samples)-e.maxSamples:]
	}
}

// DrainRatePerHour returns the estimated battery drain in fraction per hour
// (positive while discharging), or an error when there is not enough data
// for a fit
func (e *Estimator) DrainRatePerHour() (float64, error) {
	if len(e.samples) < 3 {
		return 0, fmt.Errorf("need at least 3 samples, have %d", len(e.samples))
	}

	origin := e.samples[0].at
	r := new(regression.Regression)
	r.SetObserved("battery_fraction")
	r.SetVar(0, "elapsed_hours")
	for _, s := range e.samples {
		hours := s.at.Sub(origin).Hours()
		r.Train(regression.DataPoint(s.fraction, []float64{hours}))
	}
	if err := r.Run(); err != nil {
		return 0, fmt.Errorf("regression failed: %w", err)
	}

	slope := r.Coeff(1)
	return -slope, nil
}

// TimeToThreshold estimates how long until the battery reaches the given
// fraction at the current drain rate
func (e *Estimator) TimeToThreshold(now time.Time, threshold float64) (time.Duration, error) {
	rate, err := e.DrainRatePerHour()
	if err != nil {
		return 0, err
	}
	if rate <= 0 {
		return 0, fmt.Errorf("battery is not draining (rate %.4f/h)", rate)
	}

	current := e.samples[len(e.samples)-1].fraction
	if current <= threshold {
		return 0, nil
	}
	hours := (current - threshold) / rate
	return time.Duration(hours * float64(time.Hour)), nil
}
