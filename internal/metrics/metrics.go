// Package metrics holds the prometheus collectors of the coordination core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shortener_cache_hits_total",
		Help: "Cache hits by tier (l1, l2).",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shortener_cache_misses_total",
		Help: "Lookups that missed both cache tiers.",
	})

	OriginLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shortener_origin_loads_total",
		Help: "Origin fetches performed on the cache miss path.",
	})

	CacheDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shortener_cache_degraded_total",
		Help: "Shared tier, lock or bus failures absorbed by a fallback.",
	}, []string{"op"})

	OutboxEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shortener_outbox_events_total",
		Help: "Outbox relay outcomes (published, failed, dead_lettered).",
	}, []string{"topic", "outcome"})

	ConsumedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shortener_consumed_events_total",
		Help: "Consumer outcomes (inserted, duplicate, cached, dead_lettered).",
	}, []string{"topic", "outcome"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shortener_dead_letters_total",
		Help: "Dead-letter sends by result (sent, failed).",
	}, []string{"topic", "result"})

	LeaseRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shortener_lease_renewals_total",
		Help: "Node lease renewals by result (renewed, reclaimed, lost, error).",
	}, []string{"result"})
)
