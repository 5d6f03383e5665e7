// Package device holds the latest observed state of every field device.
//
// The Store is an in-memory, process-wide cache keyed by device id. For each
// device it keeps the most recent Reading per Category. A new reading for the
// same (device, category) replaces the previous one entirely; nothing is
// merged and nothing is persisted.
//
// # Concurrency
//
// Devices are spread over a power-of-two number of shards chosen by xxhash of
// the device id. Each shard guards a map of *State pointers with an RWMutex.
// A State is never modified after it is published: Upsert builds a new State
// and swaps the pointer, so readers holding an older pointer always see a
// complete, self-consistent value.
//
// Snapshot takes every shard's read lock in index order, copies the pointers
// and releases the locks before deep-copying, giving a point-in-time view
// without blocking writers for longer than a map walk.
//
// # Usage
//
//	store := device.NewStore()
//	_ = store.Upsert(device.Reading{
//	    DeviceID:   "tank7",
//	    Category:   device.CategoryWater,
//	    Fields:     map[string]any{"temp": 24.5},
//	    ObservedAt: time.Now(),
//	})
//	state, ok := store.Get("tank7")
package device
