package sitecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Requests tracks handled requests by strategy and outcome.
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitecache_requests_total",
			Help: "Total number of requests handled by the cache controller",
		},
		[]string{"strategy", "result"}, // "document"|"asset"|"passthrough", "hit"|"network"|"offline"|"fallback"|"unavailable"|"error"
	)

	// Refreshes tracks background refreshes of cached assets.
	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitecache_refreshes_total",
			Help: "Total number of background asset refreshes",
		},
		[]string{"result"}, // "ok", "failed"
	)

	// StoreErrors tracks cache store operation errors.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitecache_store_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "get", "put", "list", "delete"
	)

	// Installs tracks generation installs.
	Installs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitecache_installs_total",
			Help: "Total number of generation installs",
		},
		[]string{"result"}, // "ok", "failed"
	)
)
