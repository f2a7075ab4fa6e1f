package batch

import "github.com/prometheus/client_golang/prometheus"

type metricsProvider struct {
	runs   *prometheus.CounterVec
	calls  prometheus.Counter
	errors prometheus.Counter
}

// WithMetrics registers batch counters on the given registry. A nil registry
// disables metrics; every provider method is nil-safe.
func WithMetrics(registry *prometheus.Registry) Option {
	return func(r *Runner) {
		r.metrics = newMetricsProvider(registry)
	}
}

func newMetricsProvider(registry *prometheus.Registry) *metricsProvider {
	if registry == nil {
		return nil
	}

	provider := &metricsProvider{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_runs_total",
				Help: "Total batch runs by mode",
			},
			[]string{"mode"},
		),
		calls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "batch_calls_total",
				Help: "Total tool calls executed by the batch runner",
			},
		),
		errors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "batch_call_errors_total",
				Help: "Total failed tool calls in batch runs",
			},
		),
	}

	registry.MustRegister(provider.runs, provider.calls, provider.errors)
	return provider
}

func (p *metricsProvider) ObserveRun(mode string, calls, errors int) {
	if p == nil {
		return
	}
	p.runs.WithLabelValues(mode).Inc()
	p.calls.Add(float64(calls))
	p.errors.Add(float64(errors))
}
