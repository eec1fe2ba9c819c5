package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyBuckets cover in-process verification (sub-millisecond) up to RPC
// confirmations that run into the confirm timeout.
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

// PrometheusRecorder exposes x402_events_total{type,network} and
// x402_latency_seconds{operation,network}.
type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the x402 collectors on reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	p := &PrometheusRecorder{
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "events_total",
			Help:      "Verification, settlement and registry outcomes by type.",
		}, []string{"type", "network"}),
		histogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "latency_seconds",
			Help:      "Duration of verify, settle and transfer confirmation calls.",
			Buckets:   latencyBuckets,
		}, []string{"operation", "network"}),
	}

	if err := reg.Register(p.counters); err != nil {
		return nil, err
	}
	if err := reg.Register(p.histogram); err != nil {
		reg.Unregister(p.counters)
		return nil, err
	}
	return p, nil
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.WithLabelValues(name, labels["network"]).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.WithLabelValues(name, labels["network"]).Observe(d.Seconds())
}
