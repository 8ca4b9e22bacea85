// Package recovery provides the durable latest-fix store used for disaster
// recovery: the hub seeds its working history from it on cold start and the
// device writes to it as an emergency side channel.
package recovery

import (
	"context"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

// Store is the durable key-value recovery store. Implementations must be
// safe for concurrent use.
type Store interface {
	// CheckAvailability reports whether the store can be reached
	CheckAvailability(ctx context.Context) bool

	// SaveLatest persists the latest fix for its device
	SaveLatest(ctx context.Context, f fix.Fix) error

	// LoadLatest returns the most recent fix saved for the device, or nil
	// when none exists
	LoadLatest(ctx context.Context, deviceID string) (*fix.Fix, error)
}
