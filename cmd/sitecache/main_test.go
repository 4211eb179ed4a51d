package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/always-cache/sitecache"
	"github.com/always-cache/sitecache/cache"

	"github.com/rs/zerolog"
)

func testController(t *testing.T) *sitecache.Controller {
	t.Helper()
	origin, _ := url.Parse("https://example.com")
	logger := zerolog.Nop()
	site := sitecache.FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("site " + r.URL.Path)),
		}, nil
	})
	c, err := sitecache.New(sitecache.Config{
		Generation: "v1",
		Origin:     *origin,
		Store:      cache.NewMemStore(),
		Fetcher:    site,
		Logger:     &logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func TestSiteRouterOwnsAllPaths(t *testing.T) {
	c := testController(t)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	site := siteRouter(c)
	for _, path := range []string{"/", "/metrics", "/healthz"} {
		if w := get(t, site, path); w.Body.String() != "site "+path {
			t.Fatalf("%s: body is %q", path, w.Body.String())
		}
	}
	c.Wait()
}

func TestAdminRouter(t *testing.T) {
	c := testController(t)
	admin := adminRouter(c)

	if w := get(t, admin, "/healthz"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Inactive healthz: %d", w.Code)
	}
	if err := c.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w := get(t, admin, "/healthz"); w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("Healthz: %d %s", w.Code, w.Body.String())
	}
	if w := get(t, admin, "/metrics"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "sitecache_") {
		t.Fatalf("Metrics: %d", w.Code)
	}
	if w := get(t, admin, "/index.html"); w.Code != http.StatusNotFound {
		t.Fatalf("Site path served on admin server: %d", w.Code)
	}
}
