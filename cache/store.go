package cache

import (
	"context"

	serializer "github.com/always-cache/sitecache/pkg/response-serializer"
)

// Store holds response snapshots grouped by cache generation.
// Entries are addressed by (generation, key); a generation is created implicitly by its first Put
// and removed wholesale with DeleteGeneration.
//
// Implementations must be safe for concurrent use. Concurrent writes to the same key are
// last-writer-wins.
type Store interface {
	// Get returns the snapshot stored under key in the given generation.
	// The boolean is false if there is no such entry.
	Get(ctx context.Context, generation, key string) (serializer.Snapshot, bool, error)
	// Put stores (or overwrites) the snapshot under key in the given generation.
	Put(ctx context.Context, generation, key string, snap serializer.Snapshot) error
	// Generations lists the generations that currently hold entries.
	Generations(ctx context.Context) ([]string, error)
	// DeleteGeneration removes a generation and all of its entries.
	// Deleting a generation that does not exist is not an error.
	DeleteGeneration(ctx context.Context, generation string) error
	// Close releases resources held by the store.
	Close() error
}
