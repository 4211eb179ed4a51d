package cachekey

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidInput is returned when a URL cannot be turned into a cache key.
var ErrInvalidInput = errors.New("invalid input")

// Normalize returns the cache key for a static asset URL.
// The query string is dropped so that versioned URLs (`style.css?v=3`) share one slot.
// Scheme, host, path and fragment are kept as they are.
// Only absolute URLs with a host are accepted.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: not an absolute url: %q", ErrInvalidInput, raw)
	}
	u.RawQuery = ""
	u.ForceQuery = false
	return u.String(), nil
}

// Raw returns the cache key for a document, i.e. the full request URL.
// No normalization is applied; two documents differing in query are separate entries.
func Raw(u *url.URL) string {
	return u.String()
}

// SameOrigin reports whether u has the scheme, host and port of origin.
// Hostnames compare case-insensitively and a missing port equals the scheme's default port.
func SameOrigin(origin, u *url.URL) bool {
	return strings.EqualFold(origin.Scheme, u.Scheme) && hostPort(origin) == hostPort(u)
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return strings.ToLower(u.Hostname()) + ":" + port
}

// Resolve returns the absolute URL of a site path (e.g. a manifest entry) on origin.
func Resolve(origin *url.URL, path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return origin.ResolveReference(ref), nil
}
