package sitecache

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/always-cache/sitecache/cache"
	cachekey "github.com/always-cache/sitecache/pkg/cache-key"
	cachestatus "github.com/always-cache/sitecache/pkg/cache-status"
	serializer "github.com/always-cache/sitecache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// DefaultFallback is the document served when offline and nothing better is cached.
const DefaultFallback = "/index.html"

type Config struct {
	// Identifier of the active cache generation.
	// All reads and writes go to this generation; Activate deletes all others.
	Generation string
	// Paths that must be cached by Install, relative to the origin.
	Manifest []string
	// Origin of the site. Only GET requests to this origin are cached.
	// Origins with paths are not supported.
	Origin url.URL
	// Path of the document to serve when offline and the requested document is not cached.
	// Defaults to DefaultFallback.
	Fallback string
	// Storage for cache entries.
	Store cache.Store
	// Network access.
	Fetcher Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Controller decides, per request, how to combine the cache store and the network.
// Documents are fetched network-first, assets are served cache-first and
// refreshed in the background.
type Controller struct {
	generation string
	manifest   []string
	origin     url.URL
	fallback   string
	store      cache.Store
	fetcher    Fetcher
	log        zerolog.Logger

	active       atomic.Bool
	installFault atomic.Bool
	background   sync.WaitGroup
}

// New creates a controller for one cache generation.
// The controller does not intercept requests before Activate has succeeded.
func New(config Config) (*Controller, error) {
	if config.Generation == "" {
		return nil, errors.New("generation required")
	}
	if config.Store == nil {
		return nil, errors.New("store required")
	}
	if config.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if config.Origin.Scheme == "" || config.Origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute url, got %q", config.Origin.String())
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	fallbackPath := config.Fallback
	if fallbackPath == "" {
		fallbackPath = DefaultFallback
	}
	fallbackURL, err := cachekey.Resolve(&config.Origin, fallbackPath)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}

	c := &Controller{
		generation: config.Generation,
		manifest:   append([]string(nil), config.Manifest...),
		origin:     config.Origin,
		fallback:   cachekey.Raw(fallbackURL),
		store:      config.Store,
		fetcher:    config.Fetcher,
		// create a child logger and add defaults
		log: logger.With().
			Str("origin", config.Origin.String()).
			Str("generation", config.Generation).
			Logger(),
	}
	return c, nil
}

// Generation returns the identifier of the controller's cache generation.
func (c *Controller) Generation() string {
	return c.generation
}

// Active reports whether Activate has succeeded.
func (c *Controller) Active() bool {
	return c.active.Load()
}

// Handle produces the response for an intercepted request.
// The request URL must be absolute; requests to other origins, non-GET requests and
// all requests before activation are passed to the network untouched.
//
// Network fetches, writes to the cache and background refreshes are detached from the
// request: they are not cancelled with ctx, and Handle returns as soon as ctx ends.
// Writes and refreshes are never awaited. Use Wait to wait for them.
func (c *Controller) Handle(ctx context.Context, r *http.Request) (*http.Response, error) {
	if !c.intercepts(r) {
		return c.passThrough(ctx, r)
	}
	if isDocumentRequest(r) {
		return c.networkFirst(ctx, r)
	}
	return c.cacheFirst(ctx, r)
}

// Wait blocks until all detached cache writes and refreshes have finished.
func (c *Controller) Wait() {
	c.background.Wait()
}

func (c *Controller) intercepts(r *http.Request) bool {
	return c.active.Load() &&
		r.Method == http.MethodGet &&
		cachekey.SameOrigin(&c.origin, r.URL)
}

func (c *Controller) passThrough(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, err := c.fetcher.Fetch(ctx, r)
	if err != nil {
		Requests.WithLabelValues("passthrough", "error").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, r.URL.String(), err)
	}
	Requests.WithLabelValues("passthrough", "network").Inc()
	return res, nil
}

// networkFirst serves documents: live response if the network works, otherwise the
// cached copy of the document, otherwise the fallback document.
func (c *Controller) networkFirst(ctx context.Context, r *http.Request) (*http.Response, error) {
	key := cachekey.Raw(r.URL)
	log := c.log.With().Str("key", key).Str("strategy", "network-first").Logger()
	var cacheStatus cachestatus.CacheStatus

	res, err := c.fetchDetached(ctx, r, func(ctx context.Context, snap serializer.Snapshot) {
		c.storeDetached(ctx, key, snap, log)
	})
	if err == nil {
		cacheStatus.Forward(cachestatus.FwdRequest)
		cacheStatus.Stored = true
		Requests.WithLabelValues("document", "network").Inc()
		return withStatus(res, cacheStatus), nil
	}
	log.Debug().Err(err).Msg("Network failed, trying cache")

	if snap, ok := c.lookup(ctx, key, log); ok {
		cacheStatus.Hit(cachestatus.DetailOffline)
		Requests.WithLabelValues("document", "offline").Inc()
		return withStatus(snap.Response(r), cacheStatus), nil
	}
	if snap, ok := c.lookup(ctx, c.fallback, log); ok {
		log.Debug().Str("fallback", c.fallback).Msg("Serving fallback document")
		cacheStatus.Hit(cachestatus.DetailFallback)
		Requests.WithLabelValues("document", "fallback").Inc()
		return withStatus(snap.Response(r), cacheStatus), nil
	}

	Requests.WithLabelValues("document", "unavailable").Inc()
	return nil, fmt.Errorf("%w: %s: %w", ErrNotAvailable, key, err)
}

// cacheFirst serves assets: cached response immediately (refreshing it in the background),
// or the network response on a miss.
// URLs that cannot be normalized are fetched but never stored.
func (c *Controller) cacheFirst(ctx context.Context, r *http.Request) (*http.Response, error) {
	log := c.log.With().Str("url", r.URL.String()).Str("strategy", "cache-first").Logger()
	var cacheStatus cachestatus.CacheStatus

	key, err := cachekey.Normalize(r.URL.String())
	if err != nil {
		log.Warn().Err(err).Msg("Could not create cache key, not caching")
		res, _, err := c.fetch(ctx, r)
		if err != nil {
			Requests.WithLabelValues("asset", "unavailable").Inc()
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAvailable, r.URL.String(), err)
		}
		cacheStatus.Forward(cachestatus.FwdUriMiss)
		cacheStatus.Detail = cachestatus.DetailNoKey
		Requests.WithLabelValues("asset", "network").Inc()
		return withStatus(res, cacheStatus), nil
	}
	log = log.With().Str("key", key).Logger()

	if snap, ok := c.lookup(ctx, key, log); ok {
		c.refreshDetached(ctx, r, key, log)
		cacheStatus.Hit(cachestatus.DetailRevalidate)
		Requests.WithLabelValues("asset", "hit").Inc()
		return withStatus(snap.Response(r), cacheStatus), nil
	}

	res, err := c.fetchDetached(ctx, r, func(ctx context.Context, snap serializer.Snapshot) {
		c.storeDetached(ctx, key, snap, log)
	})
	if err != nil {
		Requests.WithLabelValues("asset", "unavailable").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrNotAvailable, key, err)
	}
	cacheStatus.Forward(cachestatus.FwdUriMiss)
	cacheStatus.Stored = true
	Requests.WithLabelValues("asset", "network").Inc()
	return withStatus(res, cacheStatus), nil
}

// fetch gets the response from the network and takes a snapshot of it.
// Failing to read the body counts as a network failure.
func (c *Controller) fetch(ctx context.Context, r *http.Request) (*http.Response, serializer.Snapshot, error) {
	res, err := c.fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, serializer.Snapshot{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	snap, err := serializer.TakeSnapshot(res)
	if err != nil {
		return nil, serializer.Snapshot{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if res.Request == nil {
		res.Request = r
	}
	return res, snap, nil
}

type fetchResult struct {
	res *http.Response
	err error
}

// fetchDetached runs fetch in the background so that it is not cancelled with ctx.
// onFetched is called with the snapshot of every successful fetch, also when the
// caller has already given up waiting because ctx ended.
func (c *Controller) fetchDetached(ctx context.Context, r *http.Request, onFetched func(ctx context.Context, snap serializer.Snapshot)) (*http.Response, error) {
	done := make(chan fetchResult, 1)
	c.detach(ctx, func(ctx context.Context) {
		res, snap, err := c.fetch(ctx, r.WithContext(ctx))
		if err == nil {
			onFetched(ctx, snap)
		}
		done <- fetchResult{res: res, err: err}
	})
	select {
	case result := <-done:
		return result.res, result.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
	}
}

// lookup reads from the active generation. Store errors are logged and count as a miss.
func (c *Controller) lookup(ctx context.Context, key string, log zerolog.Logger) (serializer.Snapshot, bool) {
	snap, ok, err := c.store.Get(ctx, c.generation, key)
	if err != nil {
		StoreErrors.WithLabelValues("get").Inc()
		log.Error().Err(err).Str("lookup", key).Msg("Could not read from cache")
		return serializer.Snapshot{}, false
	}
	if ok {
		log.Trace().Str("lookup", key).Msg("Cache hit")
	}
	return snap, ok
}

func (c *Controller) put(ctx context.Context, key string, snap serializer.Snapshot, log zerolog.Logger) error {
	if err := c.store.Put(ctx, c.generation, key, snap); err != nil {
		StoreErrors.WithLabelValues("put").Inc()
		return err
	}
	log.Trace().Str("stored", key).Int("status", snap.StatusCode).Msg("Cache write")
	return nil
}

// detach runs fn in the background with a context that is not cancelled with ctx.
func (c *Controller) detach(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		fn(ctx)
	}()
}

func (c *Controller) storeDetached(ctx context.Context, key string, snap serializer.Snapshot, log zerolog.Logger) {
	c.detach(ctx, func(ctx context.Context) {
		if err := c.put(ctx, key, snap, log); err != nil {
			log.Error().Err(err).Msg("Could not write to cache")
		}
	})
}

// refreshDetached updates a cached asset from the network.
// Failures are logged and dropped; there is no retry.
func (c *Controller) refreshDetached(ctx context.Context, r *http.Request, key string, log zerolog.Logger) {
	c.detach(ctx, func(ctx context.Context) {
		_, snap, err := c.fetch(ctx, r.Clone(ctx))
		if err != nil {
			Refreshes.WithLabelValues("failed").Inc()
			log.Debug().Err(err).Msg("Background refresh failed")
			return
		}
		if err := c.put(ctx, key, snap, log); err != nil {
			Refreshes.WithLabelValues("failed").Inc()
			log.Error().Err(err).Msg("Could not write refreshed response to cache")
			return
		}
		Refreshes.WithLabelValues("ok").Inc()
	})
}

// isDocumentRequest reports whether the request accepts an HTML document.
func isDocumentRequest(r *http.Request) bool {
	for _, accept := range r.Header.Values("Accept") {
		for _, part := range strings.Split(accept, ",") {
			mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err == nil && mediaType == "text/html" {
				return true
			}
		}
	}
	return false
}

func withStatus(res *http.Response, status cachestatus.CacheStatus) *http.Response {
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Add(cachestatus.HeaderName, status.String())
	return res
}
