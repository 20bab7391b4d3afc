package transfer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
)

// NewMemoryStore returns a store keeping every region's objects in process
// memory. It doubles as change source and transfer sink, which makes it
// the backend for local development and tests.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		regions: map[string]map[string]memoryObject{},
	}
}

// MemoryStore is an in-memory object store per region with a global write
// sequence. Change tokens are sequence numbers, so ChangesSince is a
// simple diff of writes newer than the token.
type MemoryStore struct {
	sync.RWMutex
	regions map[string]map[string]memoryObject
	seq     int64

	// FailTransfer, when set, is consulted before every non-forced
	// transfer. Returning a non-nil error fails the transfer with it.
	// Tests use it to inject transient failures and conflicts.
	FailTransfer func(change datastore.Change, pair topology.Pair) error
}

type memoryObject struct {
	ref  string
	size int64
	seq  int64
}

// Write stores an object into a region directly, bypassing the sync
// machinery. It seeds state that the engine then has to converge.
func (s *MemoryStore) Write(region, path, ref string, size int64) {
	s.Lock()
	defer s.Unlock()

	s.seq++
	objects, found := s.regions[region]
	if !found {
		objects = map[string]memoryObject{}
		s.regions[region] = objects
	}
	objects[path] = memoryObject{ref: ref, size: size, seq: s.seq}
}

// Read returns the object ref stored in the region, or false when the path
// does not exist there.
func (s *MemoryStore) Read(region, path string) (string, bool) {
	s.RLock()
	defer s.RUnlock()

	object, found := s.regions[region][path]
	return object.ref, found
}

// ChangesSince returns the source region's writes newer than token that
// the target has not caught up with yet, in write order, plus the next
// token. An empty token means everything.
func (s *MemoryStore) ChangesSince(_ context.Context, source, target topology.Region, token string) ([]datastore.Change, string, error) {
	since, err := parseToken(token)
	if err != nil {
		return nil, "", err
	}

	s.RLock()
	defer s.RUnlock()

	type pending struct {
		path   string
		object memoryObject
	}

	var writes []pending
	maxSeq := since
	for path, object := range s.regions[source.Name] {
		if object.seq <= since {
			continue
		}
		if object.seq > maxSeq {
			maxSeq = object.seq
		}

		if applied, found := s.regions[target.Name][path]; found && applied.ref == object.ref {
			continue
		}

		writes = append(writes, pending{path: path, object: object})
	}

	// Map iteration order is random; discovery order is write order.
	sort.Slice(writes, func(i, j int) bool { return writes[i].object.seq < writes[j].object.seq })

	changes := make([]datastore.Change, 0, len(writes))
	for _, write := range writes {
		changes = append(changes, datastore.Change{
			ID:        fmt.Sprintf("%s-%d", source.Name, write.object.seq),
			Path:      write.path,
			SizeBytes: write.object.size,
			Ref:       write.object.ref,
		})
	}

	return changes, formatToken(maxSeq), nil
}

// Transfer copies the change into the target region's object map.
func (s *MemoryStore) Transfer(_ context.Context, change datastore.Change, pair topology.Pair, _ float64) error {
	if s.FailTransfer != nil {
		if err := s.FailTransfer(change, pair); err != nil {
			return err
		}
	}

	s.apply(change, pair.Target.Name)
	return nil
}

// ForceTransfer applies the change without consulting the failure hook,
// mirroring a last-write-wins overwrite at the destination.
func (s *MemoryStore) ForceTransfer(_ context.Context, change datastore.Change, pair topology.Pair) error {
	s.apply(change, pair.Target.Name)
	return nil
}

func (s *MemoryStore) apply(change datastore.Change, target string) {
	s.Lock()
	defer s.Unlock()

	objects, found := s.regions[target]
	if !found {
		objects = map[string]memoryObject{}
		s.regions[target] = objects
	}

	// The applied object keeps its source sequence zeroed so it does not
	// show up as a fresh write of the target region.
	objects[change.Path] = memoryObject{ref: change.Ref, size: change.SizeBytes}
}

func parseToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}

	seq, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed change token %q: %w", token, err)
	}
	return seq, nil
}

func formatToken(seq int64) string {
	return strconv.FormatInt(seq, 10)
}
