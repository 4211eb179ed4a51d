package sitecache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/always-cache/sitecache/cache"
	serializer "github.com/always-cache/sitecache/pkg/response-serializer"
)

func newInstaller(t *testing.T, generation string, store cache.Store, fetcher Fetcher, manifest ...string) *Controller {
	t.Helper()
	origin, _ := url.Parse(testOrigin)
	c, err := New(Config{
		Generation: generation,
		Manifest:   manifest,
		Origin:     *origin,
		Store:      store,
		Fetcher:    fetcher,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestInstallStoresManifest(t *testing.T) {
	store := cache.NewMemStore()
	net := newNetwork(map[string]string{"/index.html": "home", "/app.js": "js"})
	c := newInstaller(t, "v1", store, net, "/index.html", "/app.js")

	if err := c.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{testOrigin + "/index.html", testOrigin + "/app.js"} {
		if _, ok, _ := store.Get(context.Background(), "v1", key); !ok {
			t.Fatalf("%s not pre-cached", key)
		}
	}
}

func TestInstallManifestWithQuery(t *testing.T) {
	store := cache.NewMemStore()
	net := newNetwork(map[string]string{"/app.js?v=3": "js"})
	c := newInstaller(t, "v1", store, net, "/app.js?v=3")

	if err := c.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	var keys []string
	store.Keys("v1", func(key string) { keys = append(keys, key) })
	if len(keys) != 2 {
		t.Fatalf("Expected raw and normalized keys, got %v", keys)
	}
	if _, ok, _ := store.Get(context.Background(), "v1", testOrigin+"/app.js"); !ok {
		t.Fatal("Normalized key missing")
	}
}

func TestInstallFailureRollsBack(t *testing.T) {
	store := cache.NewMemStore()
	net := newNetwork(map[string]string{"/index.html": "home", "/app.js": "js"})
	failing := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/broken.css" {
			return nil, errOffline
		}
		return net.Fetch(ctx, r)
	})
	c := newInstaller(t, "v2", store, failing, "/index.html", "/broken.css", "/app.js")

	err := c.Install(context.Background())
	if !errors.Is(err, ErrInstallFailure) {
		t.Fatalf("Expected ErrInstallFailure, got %v", err)
	}
	var installErr *InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("Expected *InstallError, got %T", err)
	}
	if installErr.Path != "/broken.css" || installErr.Generation != "v2" {
		t.Fatalf("Unexpected install error %+v", installErr)
	}
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Cause not kept: %v", err)
	}

	gens, _ := store.Generations(context.Background())
	if len(gens) != 0 {
		t.Fatalf("Partial generation left behind: %v", gens)
	}
	if err := c.Activate(context.Background()); !errors.Is(err, ErrInstallFailure) {
		t.Fatalf("Activate after failed install returned %v", err)
	}
	if c.Active() {
		t.Fatal("Controller activated after failed install")
	}
}

func TestInstallRejectsErrorStatus(t *testing.T) {
	store := cache.NewMemStore()
	net := newNetwork(map[string]string{"/index.html": "home"})
	c := newInstaller(t, "v1", store, net, "/index.html", "/missing.js")

	var installErr *InstallError
	if err := c.Install(context.Background()); !errors.As(err, &installErr) || installErr.Path != "/missing.js" {
		t.Fatalf("Expected install error for /missing.js, got %v", err)
	}
}

func TestInstallFailureKeepsOtherGenerations(t *testing.T) {
	store := cache.NewMemStore()
	store.Put(context.Background(), "v1", testOrigin+"/index.html", serializer.Snapshot{StatusCode: 200, Header: http.Header{}})
	net := newNetwork(map[string]string{})
	net.setOffline(true)
	c := newInstaller(t, "v2", store, net, "/index.html")

	if err := c.Install(context.Background()); err == nil {
		t.Fatal("Install succeeded while offline")
	}
	gens, _ := store.Generations(context.Background())
	if len(gens) != 1 || gens[0] != "v1" {
		t.Fatalf("Generations after failed install: %v", gens)
	}
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	store := cache.NewMemStore()
	for _, gen := range []string{"v1", "v2"} {
		store.Put(context.Background(), gen, testOrigin+"/index.html", serializer.Snapshot{StatusCode: 200, Header: http.Header{}})
	}
	net := newNetwork(map[string]string{"/index.html": "home v3"})
	c := newInstaller(t, "v3", store, net, "/index.html")

	if err := c.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Active() {
		t.Fatal("Active before Activate")
	}
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	gens, _ := store.Generations(context.Background())
	if len(gens) != 1 || gens[0] != "v3" {
		t.Fatalf("Generations after activate: %v", gens)
	}
	if !c.Active() {
		t.Fatal("Not active after Activate")
	}
}

// failingDeleteStore refuses to delete one generation.
type failingDeleteStore struct {
	cache.MemStore
	protected string
}

func (s failingDeleteStore) DeleteGeneration(ctx context.Context, gen string) error {
	if gen == s.protected {
		return errors.New("permission denied")
	}
	return s.MemStore.DeleteGeneration(ctx, gen)
}

func TestActivateDeleteFailure(t *testing.T) {
	mem := cache.NewMemStore()
	for _, gen := range []string{"v1", "v2"} {
		mem.Put(context.Background(), gen, testOrigin+"/index.html", serializer.Snapshot{StatusCode: 200, Header: http.Header{}})
	}
	store := failingDeleteStore{MemStore: mem, protected: "v1"}
	c := newInstaller(t, "v3", store, newNetwork(map[string]string{}))

	if err := c.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(context.Background()); err == nil {
		t.Fatal("Activate ignored delete failure")
	}
	if c.Active() {
		t.Fatal("Activated despite delete failure")
	}
	gens, _ := mem.Generations(context.Background())
	if len(gens) != 1 || gens[0] != "v1" {
		t.Fatalf("Other stale generations not deleted: %v", gens)
	}
}

func TestReinstallAfterFailure(t *testing.T) {
	store := cache.NewMemStore()
	net := newNetwork(map[string]string{})
	net.setOffline(true)
	c := newInstaller(t, "v1", store, net, "/index.html")

	if err := c.Install(context.Background()); err == nil {
		t.Fatal("Install succeeded while offline")
	}
	net.setOffline(false)
	net.set("/index.html", "home")
	if err := c.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
}
