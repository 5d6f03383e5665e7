package device

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when no option overrides it.
const DefaultShards = 32

// maxShards caps WithShards.
const maxShards = 1 << 12

// Store is the in-memory latest-value cache for all devices.
// All methods are safe for concurrent use.
type Store struct {
	shards []shard
	mask   uint64

	version atomic.Uint64
	devices atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	devices map[string]*State
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	shards int
}

// WithShards sets the shard count. Values are rounded up to a power of two
// and clamped to [1, 4096].
func WithShards(n int) StoreOption {
	return func(c *storeConfig) { c.shards = n }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	cfg := storeConfig{shards: DefaultShards}
	for _, opt := range opts {
		opt(&cfg)
	}

	n := roundShards(cfg.shards)
	s := &Store{
		shards: make([]shard, n),
		mask:   uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i].devices = make(map[string]*State)
	}
	return s
}

func roundShards(n int) int {
	switch {
	case n <= 1:
		return 1
	case n >= maxShards:
		return maxShards
	default:
		return 1 << bits.Len(uint(n-1))
	}
}

func (s *Store) shardFor(deviceID string) *shard {
	return &s.shards[xxhash.Sum64String(deviceID)&s.mask]
}

// Upsert makes r the latest reading for (r.DeviceID, r.Category), replacing
// any previous reading for that pair. Readings for other categories of the
// same device are untouched. The store keeps its own copy of r.
//
// Ordering is by call order: the last Upsert for a key wins regardless of
// timestamps.
func (s *Store) Upsert(r Reading) error {
	if r.DeviceID == "" || r.Category == "" {
		return fmt.Errorf("%w: device id and category are required", ErrInvalidReading)
	}
	r = r.Clone()

	sh := s.shardFor(r.DeviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev := sh.devices[r.DeviceID]
	next := &State{
		DeviceID:  r.DeviceID,
		UpdatedAt: r.ObservedAt,
	}
	if prev == nil {
		next.Latest = make(map[Category]Reading, 2)
		s.devices.Add(1)
	} else {
		// Readings are immutable once stored, so the new map may share them.
		next.Latest = make(map[Category]Reading, len(prev.Latest)+1)
		for c, old := range prev.Latest {
			next.Latest[c] = old
		}
	}
	next.Latest[r.Category] = r

	sh.devices[r.DeviceID] = next
	s.version.Add(1)
	return nil
}

// Get returns a copy of the device's state. The boolean is false when the
// device has never been observed.
func (s *Store) Get(deviceID string) (State, bool) {
	sh := s.shardFor(deviceID)
	sh.mu.RLock()
	p := sh.devices[deviceID]
	sh.mu.RUnlock()

	if p == nil {
		return State{}, false
	}
	return p.clone(), true
}

// Snapshot returns a point-in-time copy of every device's state.
//
// No upsert is partially visible and the copy equals the store at a single
// Version. Shards are read one at a time, so upserts to other shards proceed
// during the copy; the pass is kept only if no upsert landed meanwhile. Under
// sustained writes Snapshot falls back to read-locking every shard at once,
// which briefly stalls all writers. Two calls with no upsert in between
// return equal maps.
func (s *Store) Snapshot() map[string]State {
	out, _ := s.SnapshotVersion()
	return out
}

// SnapshotVersion is Snapshot plus the Version the copy corresponds to.
func (s *Store) SnapshotVersion() (map[string]State, uint64) {
	ptrs, v := s.collect()

	out := make(map[string]State, len(ptrs))
	for _, p := range ptrs {
		out[p.DeviceID] = p.clone()
	}
	return out, v
}

// optimisticPasses is how many lock-per-shard passes collect tries before
// holding every shard lock.
const optimisticPasses = 2

// collect gathers state pointers forming a consistent cut of the store.
func (s *Store) collect() ([]*State, uint64) {
	for range optimisticPasses {
		if ptrs, v, ok := s.collectOptimistic(); ok {
			return ptrs, v
		}
	}
	return s.collectLocked()
}

// collectOptimistic copies shard by shard. Upsert bumps the version while
// holding its shard lock, so an unchanged version across the pass means
// every shard was seen at that version.
func (s *Store) collectOptimistic() ([]*State, uint64, bool) {
	start := s.version.Load()
	ptrs := make([]*State, 0, s.devices.Load())
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, p := range sh.devices {
			ptrs = append(ptrs, p)
		}
		sh.mu.RUnlock()
	}
	return ptrs, start, s.version.Load() == start
}

// collectLocked read-locks every shard in index order. Writers only ever
// hold one shard lock, so the order cannot deadlock.
func (s *Store) collectLocked() ([]*State, uint64) {
	for i := range s.shards {
		s.shards[i].mu.RLock()
	}
	ptrs := make([]*State, 0, s.devices.Load())
	for i := range s.shards {
		for _, p := range s.shards[i].devices {
			ptrs = append(ptrs, p)
		}
	}
	v := s.version.Load()
	for i := range s.shards {
		s.shards[i].mu.RUnlock()
	}
	return ptrs, v
}

// Len returns the number of devices ever observed.
func (s *Store) Len() int {
	return int(s.devices.Load())
}

// Version returns the number of upserts applied so far.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Shards returns the shard count.
func (s *Store) Shards() int {
	return len(s.shards)
}
