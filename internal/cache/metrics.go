package cache

import "github.com/prometheus/client_golang/prometheus"

type metricsProvider struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	stores    *prometheus.CounterVec
	evictions prometheus.Counter
}

// WithMetrics registers cache counters on the given registry. A nil registry
// disables metrics entirely; every provider method is nil-safe.
func WithMetrics(registry *prometheus.Registry) Option {
	return func(c *Cache) {
		c.metrics = newMetricsProvider(registry)
	}
}

func newMetricsProvider(registry *prometheus.Registry) *metricsProvider {
	if registry == nil {
		return nil
	}

	provider := &metricsProvider{
		hits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolcache_hits_total",
				Help: "Total cache hits by tool name",
			},
			[]string{"tool"},
		),
		misses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolcache_misses_total",
				Help: "Total cache misses by tool name",
			},
			[]string{"tool"},
		),
		stores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolcache_stores_total",
				Help: "Total results stored by tool name",
			},
			[]string{"tool"},
		),
		evictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "toolcache_evictions_total",
				Help: "Total entries removed by eviction",
			},
		),
	}

	registry.MustRegister(
		provider.hits,
		provider.misses,
		provider.stores,
		provider.evictions,
	)

	return provider
}

func (p *metricsProvider) IncHit(tool string) {
	if p != nil {
		p.hits.WithLabelValues(tool).Inc()
	}
}

func (p *metricsProvider) IncMiss(tool string) {
	if p != nil {
		p.misses.WithLabelValues(tool).Inc()
	}
}

func (p *metricsProvider) IncStore(tool string) {
	if p != nil {
		p.stores.WithLabelValues(tool).Inc()
	}
}

func (p *metricsProvider) IncEviction() {
	if p != nil {
		p.evictions.Inc()
	}
}
