package config

import (
	"sync/atomic"
)

// Snapshot is an immutable view of the tunables the adaptive controller
// retunes at runtime. Transfer workers load the snapshot current at their
// start and never observe partial updates.
type Snapshot struct {
	MaxConcurrentTransfers uint
	BandwidthLimitMBs      float64
}

// BaseSnapshot derives the initial snapshot from the configuration file
// values.
func (c Config) BaseSnapshot() Snapshot {
	return Snapshot{
		MaxConcurrentTransfers: c.Sync.MaxConcurrentTransfers,
		BandwidthLimitMBs:      c.Sync.BandwidthLimitMBs,
	}
}

// Store publishes snapshots copy-on-write: the adaptive controller is the
// single writer, everybody else loads.
type Store struct {
	v atomic.Value
}

// NewStore returns a store initialized with the given snapshot.
func NewStore(base Snapshot) *Store {
	s := &Store{}
	s.v.Store(base)
	return s
}

// Load returns the currently published snapshot.
func (s *Store) Load() Snapshot {
	return s.v.Load().(Snapshot)
}

// Swap atomically publishes the next snapshot. In-flight readers keep the
// snapshot they already loaded.
func (s *Store) Swap(next Snapshot) {
	s.v.Store(next)
}
