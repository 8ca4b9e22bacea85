package cadence

import (
	"math"
	"time"
)

// InteractiveThrottle rate-limits the interactive delivery path: minimum
// spacing between sends with an accuracy-change bypass. Owned by the
// delivery router; not safe for concurrent callers.
type InteractiveThrottle struct {
	minSpacing      time.Duration
	accuracyBypassM float64

	hasSent      bool
	lastSendAt   time.Time
	lastSendHAcc float64
}

// NewInteractiveThrottle creates a throttle with the given spacing and bypass
func NewInteractiveThrottle(minSpacing time.Duration, accuracyBypassM float64) *InteractiveThrottle {
	return &InteractiveThrottle{minSpacing: minSpacing, accuracyBypassM: accuracyBypassM}
}

// Allow reports whether an interactive send is permitted now
func (t *InteractiveThrottle) Allow(now time.Time, accuracyM float64) bool {
	if !t.hasSent {
		return true
	}
	if math.Abs(accuracyM-t.lastSendHAcc) > t.accuracyBypassM {
		return true
	}
	return now.Sub(t.lastSendAt) >= t.minSpacing
}

// MarkSent records a successful interactive send
func (t *InteractiveThrottle) MarkSent(now time.Time, accuracyM float64) {
	t.hasSent = true
	t.lastSendAt = now
	t.lastSendHAcc = accuracyM
}
