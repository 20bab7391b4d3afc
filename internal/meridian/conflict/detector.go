package conflict

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/fleetops/meridian/internal/meridian/config"
)

// ConflictCounter counts recorded conflicts for a path between a directed
// pair. The datastore implements it.
type ConflictCounter interface {
	ConflictsSince(ctx context.Context, source, target, path string, since time.Time) (int, error)
}

// NewThresholdDetector returns the default anomaly detector: a path that
// keeps conflicting between the same pair is anomalous, a single routine
// last-writer race is not.
func NewThresholdDetector(counter ConflictCounter, conf config.Conflict) *ThresholdDetector {
	return &ThresholdDetector{
		counter:   counter,
		threshold: int(conf.AnomalyThreshold),
		window:    conf.AnomalyWindow.Duration(),
		now:       time.Now,
	}
}

// ThresholdDetector flags repeat offenders based on recent conflict
// history.
type ThresholdDetector struct {
	counter   ConflictCounter
	threshold int
	window    time.Duration
	now       func() time.Time
}

// IsAnomaly reports whether the conflict history of the event's path
// reached the configured threshold inside the window. The conflict under
// classification is already recorded, so the count includes it.
func (d *ThresholdDetector) IsAnomaly(ctx context.Context, event Event) (bool, error) {
	count, err := d.counter.ConflictsSince(ctx, event.Source, event.Target, event.Path, d.now().Add(-d.window))
	if err != nil {
		return false, fmt.Errorf("count recent conflicts: %w", err)
	}

	return count >= d.threshold, nil
}
