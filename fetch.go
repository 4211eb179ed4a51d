package sitecache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	cachekey "github.com/always-cache/sitecache/pkg/cache-key"
	recorder "github.com/always-cache/sitecache/pkg/response-recorder"
	responsetransformer "github.com/always-cache/sitecache/pkg/response-transformer"
)

// Fetcher performs network requests for the controller.
// It returns an error only for transport failures; any HTTP status is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

type OriginFetcherConfig struct {
	// Public origin of the site, e.g. https://example.com.
	Origin url.URL
	// Where same-origin requests are actually sent, e.g. http://10.0.0.5:8080.
	// Defaults to Origin.
	Upstream url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the upstream URL is just an IP address.
	Host string
	// Header rules applied to same-origin responses.
	Rules responsetransformer.Rules
	// Client timeout. Zero means no timeout.
	Timeout time.Duration
}

// OriginFetcher fetches same-origin requests from the upstream server and
// everything else from wherever the request URL points.
type OriginFetcher struct {
	origin     url.URL
	upstream   url.URL
	hostHeader string
	rules      responsetransformer.Rules
	httpClient http.Client
}

func NewOriginFetcher(config OriginFetcherConfig) *OriginFetcher {
	upstream := config.Upstream
	if upstream.Host == "" {
		upstream = config.Origin
	}
	f := &OriginFetcher{
		origin:     config.Origin,
		upstream:   upstream,
		hostHeader: config.Origin.Host,
		rules:      config.Rules,
		httpClient: http.Client{
			Timeout: config.Timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for upstream if configured
	if config.Host != "" {
		f.hostHeader = config.Host
		f.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: config.Host,
			},
		}
	}
	return f
}

// Fetch the resource specified in the request.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	sameOrigin := cachekey.SameOrigin(&f.origin, r.URL)
	target := *r.URL
	if sameOrigin {
		target.Scheme = f.upstream.Scheme
		target.Host = f.upstream.Host
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", target.String(), err)
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	if sameOrigin {
		req.Host = f.hostHeader
	}

	res, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	// report the request as the client sent it
	res.Request = r
	if sameOrigin {
		f.rules.Apply(res)
	}
	return res, nil
}

// HandlerFetcher fetches responses from an in-process handler,
// e.g. a static file server the controller is placed in front of.
// A panicking handler is reported as a transport failure.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (res *http.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()
	rs := recorder.NewResponseSaver()
	f.Handler.ServeHTTP(rs, r.WithContext(ctx))
	return rs.Response(r), nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
