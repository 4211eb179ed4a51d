package cachestatus

import "fmt"

// HeaderName is the response header carrying the status.
const HeaderName = "Cache-Status"

// cacheName identifies this cache in the Cache-Status header.
const cacheName = "Sitecache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics did not allow its use.
	// Used for network-first documents.
	FwdRequest FwdReason = "request"
)

// Details used by the controller.
const (
	DetailRevalidate = "stale-while-revalidate"
	DetailOffline    = "offline"
	DetailFallback   = "fallback"
	DetailNoKey      = "no-key"
)

// CacheStatus collects how a response was produced.
// The zero value is a forward without reason.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit(detail string) {
	cs.Status = StatusHit
	cs.FwdReason = ""
	cs.Detail = detail
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// IsHit reports whether the response was served from the cache.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheName, cs.Status)
	if cs.Status == "" {
		status = fmt.Sprintf("%s; %s", cacheName, StatusFwd)
	}
	if cs.Status != StatusHit && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
