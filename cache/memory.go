package cache

import (
	"context"
	"sort"
	"sync"

	serializer "github.com/always-cache/sitecache/pkg/response-serializer"
)

// MemStore keeps snapshots in process memory.
// Snapshots are copied on the way in and out, so callers never share state with the store.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]map[string]serializer.Snapshot
}

var _ Store = MemStore{}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]serializer.Snapshot),
	}
}

func (m MemStore) Get(_ context.Context, generation, key string) (serializer.Snapshot, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	snap, ok := m.db[generation][key]
	if !ok {
		return serializer.Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

func (m MemStore) Put(_ context.Context, generation, key string, snap serializer.Snapshot) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries, ok := m.db[generation]
	if !ok {
		entries = make(map[string]serializer.Snapshot)
		m.db[generation] = entries
	}
	entries[key] = snap.Clone()
	return nil
}

func (m MemStore) Generations(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	gens := make([]string, 0, len(m.db))
	for gen := range m.db {
		gens = append(gens, gen)
	}
	sort.Strings(gens)
	return gens, nil
}

func (m MemStore) DeleteGeneration(_ context.Context, generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, generation)
	return nil
}

// Keys calls the given callback for each key of a generation.
func (m MemStore) Keys(generation string, cb func(string)) {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db[generation]))
	for key := range m.db[generation] {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
}

func (m MemStore) Close() error {
	return nil
}
