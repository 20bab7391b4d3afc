// Package datastore provides the storage layer for sync history, conflict
// records, scaling decisions and per-pair checkpoints. Two implementations
// exist: a process-local in-memory datastore and a Postgres backed one.
package datastore

import (
	"context"
	"errors"
	"time"
)

// ErrConflictNotFound is returned when a conflict id is not known to the
// review queue.
var ErrConflictNotFound = errors.New("conflict not found")

// Change is a discrete unit of pending divergence between two regions. Ref
// is an opaque payload reference the transfer sink resolves; the engine
// never loads payloads itself.
type Change struct {
	ID        string
	Path      string
	SizeBytes int64
	Ref       string
}

// SizeMB returns the change size in megabytes.
func (c Change) SizeMB() float64 {
	return float64(c.SizeBytes) / (1024 * 1024)
}

// SyncMetrics aggregates the outcome of synchronizing one pair for one
// cycle. SuccessRate is a percentage: auto-resolved conflicts count as
// successes, escalated ones as failures.
type SyncMetrics struct {
	BytesTransferred     int64
	DurationMs           int64
	SuccessRate          float64
	ConflictCount        int
	ObservedBandwidthMBs float64
	// PairLatencyMs is the probed latency of the pair during this cycle.
	// The adaptive controller tunes concurrency against its recent average.
	PairLatencyMs float64
}

// ConflictResolution is the terminal state of a conflict record.
type ConflictResolution string

const (
	// ResolutionAuto marks conflicts resolved automatically via
	// last-write-wins.
	ResolutionAuto ConflictResolution = "auto"
	// ResolutionQueued marks conflicts escalated to the manual review
	// queue. Records are created in this state so a crash mid-decision
	// always leaves the conflict visible to operators.
	ResolutionQueued ConflictResolution = "queued"
)

// ConflictRecord is the audit trail entry for a single conflict.
type ConflictRecord struct {
	ID         string
	Path       string
	Source     string
	Target     string
	OccurredAt time.Time
	Resolution ConflictResolution
	Details    string
}

// ScalingEvent records one configuration adjustment applied by the adaptive
// controller.
type ScalingEvent struct {
	At                     time.Time
	BandwidthLimitMBs      float64
	MaxConcurrentTransfers uint
	Reason                 string
}

// Window aggregates sync history over a recent time window. With zero
// Samples the averages are unset and callers should keep their current
// tuning.
type Window struct {
	SuccessRate     float64
	AvgLatencyMs    float64
	AvgBandwidthMBs float64
	Samples         int
}

// RegionStats summarizes the sync history involving one region.
type RegionStats struct {
	Region          string
	Syncs           int
	SuccessRate     float64
	AvgBandwidthMBs float64
	Conflicts       int
	LastSyncAt      time.Time
}

// MetricsSink records the engine's auditable decisions and aggregates
// recent history for adaptive tuning. Every conflict, every configuration
// change and every cycle's success rate passes through here; nothing is
// resolved invisibly.
type MetricsSink interface {
	RecordSync(ctx context.Context, source, target string, metrics SyncMetrics) error
	RecordConflict(ctx context.Context, record ConflictRecord) error
	// MarkConflictResolution flips a previously recorded conflict to its
	// terminal resolution.
	MarkConflictResolution(ctx context.Context, id string, resolution ConflictResolution) error
	RecordScaling(ctx context.Context, event ScalingEvent) error
	// LastNMinutes aggregates the sync history of the last n minutes.
	LastNMinutes(ctx context.Context, minutes uint) (Window, error)
	RegionMetrics(ctx context.Context, regions []string) (map[string]RegionStats, error)
	// LastObservedBandwidth returns the most recently observed bandwidth
	// for the directed pair, or 0 when the pair has no history.
	LastObservedBandwidth(ctx context.Context, source, target string) (float64, error)
	// ConflictsSince counts conflicts recorded for the path between the
	// directed pair since the given time.
	ConflictsSince(ctx context.Context, source, target, path string, since time.Time) (int, error)
}

// ReviewQueue holds conflicts escalated for manual review.
type ReviewQueue interface {
	Enqueue(ctx context.Context, record ConflictRecord) error
	ListPending(ctx context.Context) ([]ConflictRecord, error)
	Acknowledge(ctx context.Context, id string) error
}

// CheckpointStore persists the last sync token per directed pair. Tokens
// only advance after a fully successful pair sync so failed changes are
// re-fetched next cycle.
type CheckpointStore interface {
	Get(ctx context.Context, source, target string) (string, error)
	Put(ctx context.Context, source, target, token string) error
}
