package datastore

import (
	"context"
	"sync"
	"time"
)

// maxHistory bounds the in-memory sync history so a long running process
// does not grow without bound. Adaptive tuning only ever looks at the most
// recent minutes of history.
const maxHistory = 4096

// NewMemoryDatastore returns an in-memory datastore implementing
// MetricsSink and ReviewQueue. All state is lost on restart.
func NewMemoryDatastore() *MemoryDatastore {
	return &MemoryDatastore{
		conflictByID: map[string]int{},
		now:          time.Now,
	}
}

// MemoryDatastore is a process-local datastore. It is the default when no
// database is configured.
type MemoryDatastore struct {
	sync.RWMutex
	history      []syncRecord
	conflicts    []ConflictRecord
	conflictByID map[string]int // conflict id => index into conflicts
	acknowledged map[string]time.Time
	scalings     []ScalingEvent
	now          func() time.Time
}

type syncRecord struct {
	source, target string
	at             time.Time
	metrics        SyncMetrics
}

// RecordSync appends the cycle outcome for one pair to the history.
func (s *MemoryDatastore) RecordSync(_ context.Context, source, target string, metrics SyncMetrics) error {
	s.Lock()
	defer s.Unlock()

	s.history = append(s.history, syncRecord{source: source, target: target, at: s.now(), metrics: metrics})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	return nil
}

// RecordConflict stores the audit record for a conflict. Recording the same
// id again overwrites the previous record.
func (s *MemoryDatastore) RecordConflict(_ context.Context, record ConflictRecord) error {
	s.Lock()
	defer s.Unlock()

	s.upsertConflict(record)
	return nil
}

// upsertConflict must be called with the lock held.
func (s *MemoryDatastore) upsertConflict(record ConflictRecord) {
	if i, found := s.conflictByID[record.ID]; found {
		s.conflicts[i] = record
		return
	}
	s.conflictByID[record.ID] = len(s.conflicts)
	s.conflicts = append(s.conflicts, record)
}

// MarkConflictResolution flips the stored conflict to the given resolution.
func (s *MemoryDatastore) MarkConflictResolution(_ context.Context, id string, resolution ConflictResolution) error {
	s.Lock()
	defer s.Unlock()

	i, found := s.conflictByID[id]
	if !found {
		return ErrConflictNotFound
	}
	s.conflicts[i].Resolution = resolution
	return nil
}

// RecordScaling appends one adaptive controller decision.
func (s *MemoryDatastore) RecordScaling(_ context.Context, event ScalingEvent) error {
	s.Lock()
	defer s.Unlock()

	s.scalings = append(s.scalings, event)
	return nil
}

// LastNMinutes aggregates sync history recorded within the last n minutes.
func (s *MemoryDatastore) LastNMinutes(_ context.Context, minutes uint) (Window, error) {
	s.RLock()
	defer s.RUnlock()

	cutoff := s.now().Add(-time.Duration(minutes) * time.Minute)

	var window Window
	for _, rec := range s.history {
		if rec.at.Before(cutoff) {
			continue
		}
		window.Samples++
		window.SuccessRate += rec.metrics.SuccessRate
		window.AvgLatencyMs += rec.metrics.PairLatencyMs
		window.AvgBandwidthMBs += rec.metrics.ObservedBandwidthMBs
	}
	if window.Samples > 0 {
		window.SuccessRate /= float64(window.Samples)
		window.AvgLatencyMs /= float64(window.Samples)
		window.AvgBandwidthMBs /= float64(window.Samples)
	}
	return window, nil
}

// RegionMetrics summarizes the history of each named region.
func (s *MemoryDatastore) RegionMetrics(_ context.Context, regions []string) (map[string]RegionStats, error) {
	s.RLock()
	defer s.RUnlock()

	stats := make(map[string]RegionStats, len(regions))
	for _, region := range regions {
		rs := RegionStats{Region: region}
		for _, rec := range s.history {
			if rec.source != region && rec.target != region {
				continue
			}
			rs.Syncs++
			rs.SuccessRate += rec.metrics.SuccessRate
			rs.AvgBandwidthMBs += rec.metrics.ObservedBandwidthMBs
			if rec.at.After(rs.LastSyncAt) {
				rs.LastSyncAt = rec.at
			}
		}
		if rs.Syncs > 0 {
			rs.SuccessRate /= float64(rs.Syncs)
			rs.AvgBandwidthMBs /= float64(rs.Syncs)
		}
		for _, c := range s.conflicts {
			if c.Source == region || c.Target == region {
				rs.Conflicts++
			}
		}
		stats[region] = rs
	}
	return stats, nil
}

// LastObservedBandwidth returns the bandwidth observed during the most
// recent sync of the directed pair, or 0 without history.
func (s *MemoryDatastore) LastObservedBandwidth(_ context.Context, source, target string) (float64, error) {
	s.RLock()
	defer s.RUnlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].source == source && s.history[i].target == target {
			return s.history[i].metrics.ObservedBandwidthMBs, nil
		}
	}
	return 0, nil
}

// ConflictsSince counts conflicts recorded for the path on the directed
// pair at or after the given time.
func (s *MemoryDatastore) ConflictsSince(_ context.Context, source, target, path string, since time.Time) (int, error) {
	s.RLock()
	defer s.RUnlock()

	var count int
	for _, c := range s.conflicts {
		if c.Source == source && c.Target == target && c.Path == path && !c.OccurredAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// Enqueue places a conflict on the manual review queue. Enqueueing an
// already recorded conflict keeps a single record and marks it queued.
func (s *MemoryDatastore) Enqueue(_ context.Context, record ConflictRecord) error {
	s.Lock()
	defer s.Unlock()

	record.Resolution = ResolutionQueued
	s.upsertConflict(record)
	return nil
}

// ListPending returns queued conflicts which have not been acknowledged,
// oldest first.
func (s *MemoryDatastore) ListPending(_ context.Context) ([]ConflictRecord, error) {
	s.RLock()
	defer s.RUnlock()

	var pending []ConflictRecord
	for _, c := range s.conflicts {
		if c.Resolution != ResolutionQueued {
			continue
		}
		if _, acked := s.acknowledged[c.ID]; acked {
			continue
		}
		pending = append(pending, c)
	}
	return pending, nil
}

// Acknowledge removes a conflict from the pending queue. The audit record
// itself is retained.
func (s *MemoryDatastore) Acknowledge(_ context.Context, id string) error {
	s.Lock()
	defer s.Unlock()

	i, found := s.conflictByID[id]
	if !found || s.conflicts[i].Resolution != ResolutionQueued {
		return ErrConflictNotFound
	}
	if _, acked := s.acknowledged[id]; acked {
		return ErrConflictNotFound
	}
	if s.acknowledged == nil {
		s.acknowledged = map[string]time.Time{}
	}
	s.acknowledged[id] = s.now()
	return nil
}

// ScalingEvents returns all recorded adaptive controller decisions in
// order of application.
func (s *MemoryDatastore) ScalingEvents() []ScalingEvent {
	s.RLock()
	defer s.RUnlock()

	events := make([]ScalingEvent, len(s.scalings))
	copy(events, s.scalings)
	return events
}
