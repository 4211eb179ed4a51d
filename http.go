package sitecache

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// NewMiddleware creates a controller in front of an in-process handler.
// The handler acts as the network: its responses are cached, and a panic in it
// counts as a network failure.
// The returned controller still needs Install and Activate before it caches anything.
func NewMiddleware(config Config, next http.Handler) (*Controller, error) {
	config.Fetcher = HandlerFetcher{Handler: next}
	return New(config)
}

// ServeHTTP implements the http.Handler interface.
// Every request is served for the configured origin, whatever Host or absolute-form
// target the client sent, so the server never forwards to other hosts.
// Responses that cannot be produced are answered with 503 when offline and nothing is
// cached, and with 502 when a passed-through request fails.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer c.recover(w, r)

	req := r.Clone(r.Context())
	req.URL = c.originURL(r)
	req.RequestURI = ""

	res, err := c.Handle(r.Context(), req)
	if err != nil {
		logger := c.requestLogger(r)
		if errors.Is(err, ErrNotAvailable) {
			logger.Warn().Err(err).Msg("Not available")
			http.Error(w, "Not available offline", http.StatusServiceUnavailable)
			return
		}
		logger.Error().Err(err).Msg("Could not get response")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	c.send(w, r, res)
}

// recover recovers from panics and answers with a bad gateway.
func (c *Controller) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		c.requestLogger(r).WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		http.Error(w, "Could not get response", http.StatusBadGateway)
	}
}

func (c *Controller) send(w http.ResponseWriter, r *http.Request, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	for name, values := range res.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(res.StatusCode)
	if res.Body == nil || r.Method == http.MethodHead {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		c.requestLogger(r).Error().Err(err).Msg("Could not write response body to client")
		return
	}
	c.requestLogger(r).Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// requestLogger returns the logger from the request context if the server set one up,
// falling back to the controller's logger.
func (c *Controller) requestLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return &c.log
	}
	return logger
}

// originURL returns the request URL on the configured origin.
// Only path, query and fragment are taken from the client's request.
func (c *Controller) originURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Scheme = c.origin.Scheme
	u.Host = c.origin.Host
	u.User = nil
	u.Opaque = ""
	return &u
}
