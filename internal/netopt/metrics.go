package netopt

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// optMetrics mirrors the optimizer counters as Prometheus metrics. A nil
// *optMetrics is valid and records nothing.
type optMetrics struct {
	requests *prometheus.CounterVec
	errors   prometheus.Counter
	bytes    prometheus.Counter
	latency  prometheus.Histogram
	pending  prometheus.GaugeFunc
}

func newOptMetrics(reg prometheus.Registerer, pendingFn func() float64) (*optMetrics, error) {
	m := &optMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wotscan",
			Subsystem: "netopt",
			Name:      "requests_total",
			Help:      "Optimizer requests by outcome (hit, miss, dedup, batched).",
		}, []string{"outcome"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wotscan",
			Subsystem: "netopt",
			Name:      "errors_total",
			Help:      "Network operations that failed after retries.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wotscan",
			Subsystem: "netopt",
			Name:      "bytes_transferred_total",
			Help:      "Response body bytes read from the network.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wotscan",
			Subsystem: "netopt",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of individual network attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "wotscan",
			Subsystem: "netopt",
			Name:      "pending_requests",
			Help:      "Requests currently in flight.",
		}, pendingFn),
	}
	for _, c := range []prometheus.Collector{m.requests, m.errors, m.bytes, m.latency, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *optMetrics) outcome(name string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(name).Inc()
}

func (m *optMetrics) outcomeN(name string, n int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(name).Add(float64(n))
}

func (m *optMetrics) failure() {
	if m == nil {
		return
	}
	m.errors.Inc()
}

func (m *optMetrics) addBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.Add(float64(n))
}

func (m *optMetrics) observe(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}
