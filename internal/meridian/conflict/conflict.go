// Package conflict classifies and resolves replication conflicts. The
// routing is deliberately inverted: ordinary conflicts are resolved
// automatically with last-write-wins, anomalous ones are escalated to a
// manual review queue, because anomalies are exactly the conflicts where
// automatic heuristics are least trustworthy.
package conflict

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
)

// EventTypeSyncConflict is the event type submitted to the anomaly
// detector for replication conflicts.
const EventTypeSyncConflict = "sync_conflict"

// Event describes a conflict to the anomaly detector.
type Event struct {
	Type    string
	Source  string
	Target  string
	Path    string
	Details string
}

// Detector classifies conflict events as anomalous or routine.
type Detector interface {
	IsAnomaly(ctx context.Context, event Event) (bool, error)
}

// Outcome is the resolver's decision for one conflict.
type Outcome string

const (
	// OutcomeAutoResolved means last-write-wins was applied and the change
	// counts as successful.
	OutcomeAutoResolved Outcome = "auto_resolved"
	// OutcomeQueued means the conflict awaits manual review and the change
	// counts as failed for this cycle. It reappears as a pending change
	// next cycle.
	OutcomeQueued Outcome = "queued"
)

// Conflict is a change that could not be applied cleanly to its pair.
type Conflict struct {
	Change  datastore.Change
	Pair    topology.Pair
	Details string
}

// ForceApplier re-applies a change overriding the concurrent destination
// write. Implemented by the transfer sinks.
type ForceApplier interface {
	ForceTransfer(ctx context.Context, change datastore.Change, pair topology.Pair) error
}

// NewResolver returns a resolver recording every conflict to the sink,
// consulting the detector and either force-applying the change or queueing
// it for review.
func NewResolver(
	log logrus.FieldLogger,
	detector Detector,
	applier ForceApplier,
	sink datastore.MetricsSink,
	queue datastore.ReviewQueue,
) *Resolver {
	return &Resolver{
		log:      log.WithField("component", "conflict_resolver"),
		detector: detector,
		applier:  applier,
		sink:     sink,
		queue:    queue,
		now:      time.Now,
		resolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_conflicts_total",
				Help: "Total number of resolved replication conflicts per outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Resolver drives conflict resolution.
type Resolver struct {
	log      logrus.FieldLogger
	detector Detector
	applier  ForceApplier
	sink     datastore.MetricsSink
	queue    datastore.ReviewQueue
	now      func() time.Time

	resolvedTotal *prometheus.CounterVec
}

// Resolve records the conflict, classifies it and applies or escalates it.
// Detector failures escalate: losing classification must never cause a
// silent automatic overwrite.
func (r *Resolver) Resolve(ctx context.Context, cflt Conflict) (Outcome, error) {
	record := datastore.ConflictRecord{
		ID:         uuid.New().String(),
		Path:       cflt.Change.Path,
		Source:     cflt.Pair.Source.Name,
		Target:     cflt.Pair.Target.Name,
		OccurredAt: r.now(),
		// Conflicts are recorded queued first so a crash mid-decision
		// always leaves them visible to operators.
		Resolution: datastore.ResolutionQueued,
		Details:    cflt.Details,
	}

	log := r.log.WithFields(logrus.Fields{
		"conflict_id": record.ID,
		"path":        record.Path,
		"source":      record.Source,
		"target":      record.Target,
	})

	if err := r.sink.RecordConflict(ctx, record); err != nil {
		log.WithError(err).Error("recording conflict failed")
	}

	anomalous, err := r.detector.IsAnomaly(ctx, Event{
		Type:    EventTypeSyncConflict,
		Source:  record.Source,
		Target:  record.Target,
		Path:    record.Path,
		Details: record.Details,
	})
	if err != nil {
		log.WithError(err).Warn("anomaly detection failed, escalating conflict")
		anomalous = true
	}

	if anomalous {
		return r.escalate(ctx, log, record)
	}

	if err := r.applier.ForceTransfer(ctx, cflt.Change, cflt.Pair); err != nil {
		log.WithError(err).Warn("last-write-wins application failed, escalating conflict")
		return r.escalate(ctx, log, record)
	}

	if err := r.sink.MarkConflictResolution(ctx, record.ID, datastore.ResolutionAuto); err != nil {
		log.WithError(err).Error("marking conflict auto-resolved failed")
	}

	r.resolvedTotal.WithLabelValues(string(OutcomeAutoResolved)).Inc()
	log.Info("conflict auto-resolved with last-write-wins")

	return OutcomeAutoResolved, nil
}

func (r *Resolver) escalate(ctx context.Context, log logrus.FieldLogger, record datastore.ConflictRecord) (Outcome, error) {
	if err := r.queue.Enqueue(ctx, record); err != nil {
		return OutcomeQueued, err
	}

	r.resolvedTotal.WithLabelValues(string(OutcomeQueued)).Inc()
	log.Info("conflict queued for manual review")

	return OutcomeQueued, nil
}

// Describe returns all metric descriptors.
func (r *Resolver) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(r, descs)
}

// Collect collects all metrics.
func (r *Resolver) Collect(collector chan<- prometheus.Metric) {
	r.resolvedTotal.Collect(collector)
}
