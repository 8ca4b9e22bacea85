package cadence

import (
	"time"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

// MotionTracker classifies the device as stationary when it has not moved
// more than the threshold distance for longer than the window.
type MotionTracker struct {
	thresholdM float64
	window     time.Duration

	hasAnchor  bool
	anchorLat  float64
	anchorLon  float64
	lastMoveAt time.Time
}

// NewMotionTracker creates a tracker with the given displacement threshold
// and stationary window
func NewMotionTracker(thresholdM float64, window time.Duration) *MotionTracker {
	return &MotionTracker{thresholdM: thresholdM, window: window}
}

// Update feeds a new position and reports whether the device is stationary
func (m *MotionTracker) Update(lat, lon float64, now time.Time) bool {
	if !m.hasAnchor {
		m.hasAnchor = true
		m.anchorLat = lat
		m.anchorLon = lon
		m.lastMoveAt = now
		return false
	}

	if fix.Distance(m.anchorLat, m.anchorLon, lat, lon) > m.thresholdM {
		m.anchorLat = lat
		m.anchorLon = lon
		m.lastMoveAt = now
		return false
	}

	return now.Sub(m.lastMoveAt) > m.window
}

// Reset clears the anchor so the next update starts a new observation window
func (m *MotionTracker) Reset() {
	m.hasAnchor = false
}
