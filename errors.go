package sitecache

import (
	"errors"
	"fmt"

	cachekey "github.com/always-cache/sitecache/pkg/cache-key"
)

var (
	// ErrNetwork marks a transport-level fetch failure.
	// Non-2xx responses are not network errors.
	ErrNetwork = errors.New("network error")
	// ErrNotAvailable is returned when neither the cache nor the network produced a response.
	ErrNotAvailable = errors.New("not available")
	// ErrInstallFailure is matched by every *InstallError.
	ErrInstallFailure = errors.New("install failure")
	// ErrInvalidInput is returned for URLs that cannot be normalized into a cache key.
	ErrInvalidInput = cachekey.ErrInvalidInput
)

// InstallError describes a failed pre-warm of the asset manifest.
type InstallError struct {
	Generation string
	Path       string
	Err        error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install generation %q: pre-caching %s: %v", e.Generation, e.Path, e.Err)
}

func (e *InstallError) Unwrap() []error {
	return []error{ErrInstallFailure, e.Err}
}
