// Package metrics exposes AquaFeed Core counters and gauges to Prometheus.
//
// Every instrument is registered on a caller-supplied registry so tests can
// use a fresh prometheus.NewRegistry per case. All methods are safe on a nil
// *Metrics, which makes instrumentation optional for callers.
package metrics
