package sitecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	cachekey "github.com/always-cache/sitecache/pkg/cache-key"
)

// Install pre-caches every path of the asset manifest into the controller's generation.
// It is all or nothing: if any path cannot be fetched (transport failure or non-2xx status)
// or stored, the generation is deleted again and an *InstallError is returned.
// A controller whose install failed refuses to activate.
func (c *Controller) Install(ctx context.Context) error {
	log := c.log.With().Str("phase", "install").Logger()
	log.Info().Int("paths", len(c.manifest)).Msg("Installing generation")

	for _, path := range c.manifest {
		if err := c.precache(ctx, path); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Could not pre-cache path, rolling back")
			if delErr := c.store.DeleteGeneration(context.WithoutCancel(ctx), c.generation); delErr != nil {
				StoreErrors.WithLabelValues("delete").Inc()
				log.Error().Err(delErr).Msg("Could not delete partially installed generation")
			}
			c.installFault.Store(true)
			Installs.WithLabelValues("failed").Inc()
			return &InstallError{Generation: c.generation, Path: path, Err: err}
		}
	}

	c.installFault.Store(false)
	Installs.WithLabelValues("ok").Inc()
	log.Info().Msg("Generation installed")
	return nil
}

// precache fetches one manifest path and stores it under its raw URL.
// If the path carries a query, it is also stored under its asset key, so that
// cache-first lookups find it too.
func (c *Controller) precache(ctx context.Context, path string) error {
	u, err := cachekey.Resolve(&c.origin, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	_, snap, err := c.fetch(ctx, req)
	if err != nil {
		return err
	}
	if !snap.OK() {
		return fmt.Errorf("unexpected status %d", snap.StatusCode)
	}

	log := c.log.With().Str("path", path).Logger()
	keys := []string{cachekey.Raw(u)}
	if assetKey, err := cachekey.Normalize(u.String()); err == nil && assetKey != keys[0] {
		keys = append(keys, assetKey)
	}
	for _, key := range keys {
		if err := c.put(ctx, key, snap, log); err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
	}
	log.Debug().Msg("Pre-cached")
	return nil
}

// Activate deletes every generation other than the controller's own and then
// starts intercepting requests. There is no draining period.
// If any stale generation could not be deleted the controller stays inactive and
// the joined errors are returned; Activate may be called again.
func (c *Controller) Activate(ctx context.Context) error {
	if c.installFault.Load() {
		return fmt.Errorf("activate generation %q: %w", c.generation, ErrInstallFailure)
	}
	log := c.log.With().Str("phase", "activate").Logger()

	gens, err := c.store.Generations(ctx)
	if err != nil {
		StoreErrors.WithLabelValues("list").Inc()
		return fmt.Errorf("list generations: %w", err)
	}

	var errs []error
	for _, gen := range gens {
		if gen == c.generation {
			continue
		}
		if err := c.store.DeleteGeneration(ctx, gen); err != nil {
			StoreErrors.WithLabelValues("delete").Inc()
			errs = append(errs, fmt.Errorf("delete generation %q: %w", gen, err))
			continue
		}
		log.Info().Str("stale", gen).Msg("Deleted stale generation")
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.active.Store(true)
	log.Info().Msg("Generation active")
	return nil
}
