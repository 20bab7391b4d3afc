// Package transfer contains the sinks that apply changes to target
// regions. Sinks are transport specific; the engine stays agnostic and
// only hands them a change, the pair and a rate cap.
package transfer

import (
	"context"
	"errors"

	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
)

// ErrConflict is returned by a sink when the destination object was
// modified concurrently since the change was discovered. The caller routes
// these through the conflict resolver instead of retrying blindly.
var ErrConflict = errors.New("destination was modified concurrently")

// Sink applies one change to the pair's target region. Transfer must be
// idempotent per change ID: a retried change after a cancelled cycle is
// safe to apply again.
type Sink interface {
	Transfer(ctx context.Context, change datastore.Change, pair topology.Pair, rateCapMBs float64) error
	// ForceTransfer applies the change overriding a concurrent write at
	// the destination. It implements the last-write-wins resolution and
	// must never return ErrConflict.
	ForceTransfer(ctx context.Context, change datastore.Change, pair topology.Pair) error
}
