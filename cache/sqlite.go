package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	serializer "github.com/always-cache/sitecache/pkg/response-serializer"
)

type SQLiteStore struct {
	db         *sql.DB
	codec      serializer.Codec
	writeMutex *sync.Mutex
}

var _ Store = SQLiteStore{}

// NewSQLiteStore opens (or creates) a store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
// Snapshots are encoded with codec; msgpack is used if codec is nil.
func NewSQLiteStore(filename string, codec serializer.Codec) (SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	if codec == nil {
		codec = serializer.Msgpack{}
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStore{}, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStore{}, fmt.Errorf("init sqlite store: %w", err)
		}
	}
	return SQLiteStore{
		db:         db,
		codec:      codec,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStore) Get(ctx context.Context, generation, key string) (serializer.Snapshot, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE generation = ? AND key = ?", generation, key,
	).Scan(&bytes)
	if err == sql.ErrNoRows {
		return serializer.Snapshot{}, false, nil
	}
	if err != nil {
		return serializer.Snapshot{}, false, err
	}
	snap, err := s.codec.Decode(bytes)
	if err != nil {
		return serializer.Snapshot{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return snap, true, nil
}

func (s SQLiteStore) Put(ctx context.Context, generation, key string, snap serializer.Snapshot) error {
	bytes, err := s.codec.Encode(snap)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}
	storedAt := snap.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		generation, key, storedAt.Unix(), bytes)
	return err
}

func (s SQLiteStore) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT generation FROM entries ORDER BY generation")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	gens := make([]string, 0)
	for rows.Next() {
		var gen string
		if err := rows.Scan(&gen); err != nil {
			return gens, err
		}
		gens = append(gens, gen)
	}
	return gens, rows.Err()
}

func (s SQLiteStore) DeleteGeneration(ctx context.Context, generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", generation)
	return err
}

func (s SQLiteStore) Close() error {
	return s.db.Close()
}
