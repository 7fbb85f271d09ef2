package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catalog_cache_lookups_total",
	Help: "Cache lookups by key kind and result (hit, miss, error)",
}, []string{"kind", "result"})

var SecondaryStoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catalog_secondary_store_failures_total",
	Help: "Post-persistence cache or index operations that failed",
}, []string{"store", "op"})

var ProductWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catalog_product_writes_total",
	Help: "Committed product writes by operation",
}, []string{"op"})

var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catalog_events_published_total",
	Help: "Events handed to the channel by topic and result",
}, []string{"topic", "result"})

var EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catalog_events_processed_total",
	Help: "Consumer outcomes by topic, group and result (ok, retried, dead_lettered)",
}, []string{"topic", "group", "result"})

var DocumentsReindexed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "catalog_documents_reindexed_total",
	Help: "Documents written by full reindex runs",
})

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "catalog_http_requests_total",
	Help: "HTTP requests by method, route pattern and status",
}, []string{"method", "route", "status"})
