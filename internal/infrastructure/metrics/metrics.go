package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aquafeed/aquafeed-core/internal/infrastructure/mqtt"
)

const namespace = "aquafeed"

// Metrics holds every instrument the gateway reports.
type Metrics struct {
	gatherer prometheus.Gatherer

	messagesReceived prometheus.Counter
	connectionState  prometheus.Gauge
	reconnects       prometheus.Counter
	decodeErrors     *prometheus.CounterVec
	readingsApplied  *prometheus.CounterVec
	ingestDropped    prometheus.Counter
	queueLength      prometheus.Gauge
	devicesObserved  prometheus.Gauge
	commands         *prometheus.CounterVec
	publishLatency   prometheus.Histogram
}

// New creates and registers all instruments on reg, plus the Go runtime and
// process collectors.
//
// Parameters:
//   - reg: Registry to register on; also used by Handler for exposition
//
// Returns:
//   - *Metrics: Ready for use
//   - error: If any instrument collides with one already registered
func New(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		gatherer: reg,
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_received_total",
			Help:      "Telemetry messages delivered by the broker.",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connection_state",
			Help:      "Broker supervisor state: 0 disconnected, 1 connecting, 2 subscribing, 3 connected, 4 backoff.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_reconnects_total",
			Help:      "Times the broker supervisor entered backoff.",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Telemetry messages discarded by the decoder.",
		}, []string{"kind"}),
		readingsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_applied_total",
			Help:      "Readings written to the device store.",
		}, []string{"category"}),
		ingestDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_dropped_total",
			Help:      "Messages dropped because a worker queue stayed full past the enqueue timeout.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_queue_length",
			Help:      "Messages buffered across all ingest worker queues.",
		}),
		devicesObserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_observed",
			Help:      "Distinct devices seen since start.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Command dispatch outcomes.",
		}, []string{"command", "outcome"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_publish_seconds",
			Help:      "Time spent publishing a command to the broker.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesReceived,
		m.connectionState,
		m.reconnects,
		m.decodeErrors,
		m.readingsApplied,
		m.ingestDropped,
		m.queueLength,
		m.devicesObserved,
		m.commands,
		m.publishLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// MessageReceived counts one inbound telemetry message.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// ConnectionState records a supervisor transition. Entering backoff counts
// as a reconnect.
func (m *Metrics) ConnectionState(s mqtt.ConnState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
	if s == mqtt.StateBackoff {
		m.reconnects.Inc()
	}
}

// DecodeError counts a discarded message by error kind.
func (m *Metrics) DecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(kind).Inc()
}

// ReadingApplied counts a store write and refreshes the device gauge.
func (m *Metrics) ReadingApplied(category string, devices int) {
	if m == nil {
		return
	}
	m.readingsApplied.WithLabelValues(category).Inc()
	m.devicesObserved.Set(float64(devices))
}

// IngestDropped counts a message lost to backpressure.
func (m *Metrics) IngestDropped() {
	if m == nil {
		return
	}
	m.ingestDropped.Inc()
}

// QueueLength sets the number of buffered ingest messages.
func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

// CommandDispatched counts a dispatch outcome. A zero publish duration means
// the transport was never reached and is not observed.
func (m *Metrics) CommandDispatched(command, outcome string, publish time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	if publish > 0 {
		m.publishLatency.Observe(publish.Seconds())
	}
}
