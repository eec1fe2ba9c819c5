// Package metrics records counters and latencies for verification, settlement
// and registry operations.
package metrics

import "time"

// Recorder is implemented by PrometheusRecorder and NoopRecorder. Labels other
// than "network" are ignored by the prometheus implementation.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

var (
	_ Recorder = NoopRecorder{}
	_ Recorder = (*PrometheusRecorder)(nil)
)

// NoopRecorder is the default when metrics are disabled.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

// Since observes the time elapsed from start under name.
func Since(r Recorder, name string, start time.Time, network string) {
	r.ObserveLatency(name, time.Since(start), map[string]string{"network": network})
}
