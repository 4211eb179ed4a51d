package cache

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"

	serializer "github.com/always-cache/sitecache/pkg/response-serializer"
)

// testStore runs the behaviour every Store implementation must have.
func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	snap := func(body string) serializer.Snapshot {
		return serializer.Snapshot{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       []byte(body),
		}
	}

	if _, ok, err := store.Get(ctx, "v1", "https://example.com/"); err != nil || ok {
		t.Fatalf("Empty store returned ok=%v err=%v", ok, err)
	}

	if err := store.Put(ctx, "v1", "https://example.com/", snap("one")); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "v1", "https://example.com/a.css", snap("css")); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "v2", "https://example.com/", snap("two")); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.Get(ctx, "v1", "https://example.com/")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "one" || got.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("Got %+v", got)
	}

	// last writer wins
	if err := store.Put(ctx, "v1", "https://example.com/", snap("one again")); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := store.Get(ctx, "v1", "https://example.com/"); string(got.Body) != "one again" {
		t.Fatalf("Overwrite not visible, body is %s", got.Body)
	}

	gens, err := store.Generations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(sorted(gens)) != "[v1 v2]" {
		t.Fatalf("Generations are %v", gens)
	}

	if err := store.DeleteGeneration(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteGeneration(ctx, "does-not-exist"); err != nil {
		t.Fatalf("Deleting missing generation: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "v1", "https://example.com/a.css"); ok {
		t.Fatal("Entry of deleted generation still readable")
	}
	if got, ok, _ := store.Get(ctx, "v2", "https://example.com/"); !ok || string(got.Body) != "two" {
		t.Fatal("Other generation affected by delete")
	}
	gens, _ = store.Generations(ctx)
	if fmt.Sprint(gens) != "[v2]" {
		t.Fatalf("Generations after delete are %v", gens)
	}

	// deleting a generation leaves generations it is a prefix of alone
	if err := store.Put(ctx, "v2:x", "https://example.com/", snap("two x")); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteGeneration(ctx, "v2"); err != nil {
		t.Fatal(err)
	}
	if got, ok, _ := store.Get(ctx, "v2:x", "https://example.com/"); !ok || string(got.Body) != "two x" {
		t.Fatal("Deleting v2 removed entries of v2:x")
	}
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestMemStore(t *testing.T) {
	testStore(t, NewMemStore())
}

func TestMemStoreCopiesSnapshots(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	snap := serializer.Snapshot{StatusCode: 200, Header: http.Header{}, Body: []byte("abc")}
	store.Put(ctx, "v1", "k", snap)
	snap.Body[0] = 'x'
	got, _, _ := store.Get(ctx, "v1", "k")
	if string(got.Body) != "abc" {
		t.Fatalf("Stored body changed to %s", got.Body)
	}

	var keys []string
	store.Keys("v1", func(key string) { keys = append(keys, key) })
	if len(keys) != 1 || keys[0] != "k" {
		t.Fatalf("Keys are %v", keys)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	testStore(t, store)
}

func TestSQLiteStoreCBOR(t *testing.T) {
	codec, err := serializer.NewCBOR()
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), codec)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	testStore(t, store)
}

func TestNewRedisStoreNilClient(t *testing.T) {
	if _, err := NewRedisStore(nil, "", nil); err != ErrNilClient {
		t.Fatalf("Expected ErrNilClient, got %v", err)
	}
}

func TestRedisStoreKeysDoNotOverlap(t *testing.T) {
	// the client never connects
	store, err := NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "sitecache", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	key := store.entryKey("v1:x", "https://example.com/a")
	if strings.HasPrefix(key, store.entryPrefix("v1")) {
		t.Fatalf("Entry %s of v1:x matches the v1 scan prefix %s", key, store.entryPrefix("v1"))
	}
	if prefix := store.entryPrefix("v[1]*"); strings.ContainsAny(strings.TrimPrefix(prefix, "sitecache:entry:"), "[]*?") {
		t.Fatalf("Glob characters in scan prefix %s", prefix)
	}
}
