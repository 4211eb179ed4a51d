package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	serializer "github.com/always-cache/sitecache/pkg/response-serializer"
)

var ErrNilClient = errors.New("redis store: nil client")

// RedisStore shares the cache between edge instances.
// Entries live under `<ns>:entry:<hex(generation)>:<key>` and have no expiry;
// the set `<ns>:generations` lists the generations that were written to.
// The generation is hex encoded so that the SCAN pattern of one generation
// never matches entries of another (e.g. "v1" and "v1:x").
type RedisStore struct {
	rdb   redis.UniversalClient
	ns    string
	codec serializer.Codec
}

var _ Store = (*RedisStore)(nil)

// scanCount is the SCAN batch size used when deleting a generation.
const scanCount = 500

// NewRedisStore creates a store on an existing client.
// The store owns the client: Close closes it.
func NewRedisStore(client redis.UniversalClient, namespace string, codec serializer.Codec) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if namespace == "" {
		namespace = "sitecache"
	}
	if codec == nil {
		codec = serializer.Msgpack{}
	}
	return &RedisStore{rdb: client, ns: namespace, codec: codec}, nil
}

func (s *RedisStore) entryKey(generation, key string) string {
	return s.entryPrefix(generation) + key
}

func (s *RedisStore) entryPrefix(generation string) string {
	return s.ns + ":entry:" + hex.EncodeToString([]byte(generation)) + ":"
}

func (s *RedisStore) generationsKey() string {
	return s.ns + ":generations"
}

func (s *RedisStore) Get(ctx context.Context, generation, key string) (serializer.Snapshot, bool, error) {
	b, err := s.rdb.Get(ctx, s.entryKey(generation, key)).Bytes()
	if err == redis.Nil {
		return serializer.Snapshot{}, false, nil
	}
	if err != nil {
		return serializer.Snapshot{}, false, fmt.Errorf("redis get: %w", err)
	}
	snap, err := s.codec.Decode(b)
	if err != nil {
		return serializer.Snapshot{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return snap, true, nil
}

// Put writes the entry and registers its generation in one round-trip.
func (s *RedisStore) Put(ctx context.Context, generation, key string, snap serializer.Snapshot) error {
	b, err := s.codec.Encode(snap)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, s.generationsKey(), generation)
		p.Set(ctx, s.entryKey(generation, key), b, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Generations(ctx context.Context) ([]string, error) {
	gens, err := s.rdb.SMembers(ctx, s.generationsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return gens, nil
}

// DeleteGeneration scans for the generation's entries and deletes them in batches,
// then drops the generation from the index.
func (s *RedisStore) DeleteGeneration(ctx context.Context, generation string) error {
	iter := s.rdb.Scan(ctx, 0, s.entryPrefix(generation)+"*", scanCount).Iterator()
	batch := make([]string, 0, scanCount)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanCount {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	if err := s.rdb.SRem(ctx, s.generationsKey(), generation).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

// Close closes the underlying client. Repeated calls are no-ops.
func (s *RedisStore) Close() error {
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
