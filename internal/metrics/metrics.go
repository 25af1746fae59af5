// Package metrics exposes prometheus collectors for the pricing pipeline.
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fiatoracle"

type Metrics struct {
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec
	OracleCalls     *prometheus.CounterVec
	OracleFailures  *prometheus.CounterVec
	LimiterWait     *prometheus.HistogramVec
	DedupShared     *prometheus.CounterVec
	BackfillFetches *prometheus.CounterVec
}

// New builds the collectors and registers them on reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Cache hits by cache name and tier.",
		}, []string{"cache", "tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Cache misses by cache name.",
		}, []string{"cache"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_evictions_total",
			Help: "Memory tier evictions by cache name.",
		}, []string{"cache"}),
		OracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "oracle_calls_total",
			Help: "Oracle read calls by network and source.",
		}, []string{"network", "source"}),
		OracleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "oracle_failures_total",
			Help: "Terminal oracle failures by network, source and kind.",
		}, []string{"network", "source", "kind"}),
		LimiterWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rate_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter slot.",
			Buckets: []float64{0, .01, .05, .1, .5, 1, 5, 15, 60},
		}, []string{"limiter"}),
		DedupShared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "price_requests_shared_total",
			Help: "Price requests served by an identical in-flight request.",
		}, []string{"network"}),
		BackfillFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_backfill_fetches_total",
			Help: "Bulk daily-close fetches by network and outcome.",
		}, []string{"network", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.CacheEvictions, m.OracleCalls,
			m.OracleFailures, m.LimiterWait, m.DedupShared, m.BackfillFetches)
	}
	return m
}

func (m *Metrics) CacheHit(cache, tier string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cache, tier).Inc()
}

func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}

func (m *Metrics) CacheEvicted(cache string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(cache).Inc()
}

func (m *Metrics) OracleCall(network, source string) {
	if m == nil {
		return
	}
	m.OracleCalls.WithLabelValues(network, source).Inc()
}

func (m *Metrics) OracleFailure(network, source, kind string) {
	if m == nil {
		return
	}
	m.OracleFailures.WithLabelValues(network, source, kind).Inc()
}

func (m *Metrics) LimiterWaited(limiter string, d time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWait.WithLabelValues(limiter).Observe(d.Seconds())
}

func (m *Metrics) RequestShared(network string) {
	if m == nil {
		return
	}
	m.DedupShared.WithLabelValues(network).Inc()
}

func (m *Metrics) Backfill(network, outcome string) {
	if m == nil {
		return
	}
	m.BackfillFetches.WithLabelValues(network, outcome).Inc()
}
