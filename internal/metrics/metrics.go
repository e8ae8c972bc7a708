// Package metrics exposes pipeline counters to Prometheus.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry (tests, embedded use).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamplot"

type Metrics struct {
	registry *prometheus.Registry

	bytesRead      prometheus.Counter
	records        prometheus.Counter
	overflows      prometheus.Counter
	commandsSent   prometheus.Counter
	writeErrors    prometheus.Counter
	linesDecoded   prometheus.Counter
	parseErrors    prometheus.Counter
	sessionsOpened *prometheus.CounterVec
	sessionOpen    prometheus.Gauge
	pollBatch      prometheus.Histogram
}

// New creates the metric set on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "bytes_read_total",
			Help: "Bytes read from the transport",
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "framer", Name: "records_total",
			Help: "Records emitted by the framer",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "framer", Name: "line_overflows_total",
			Help: "Lines discarded for exceeding the maximum line length",
		}),
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "commands_sent_total",
			Help: "Commands written to the transport",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "write_errors_total",
			Help: "Failed transport writes (each ends its session)",
		}),
		linesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decoder", Name: "lines_decoded_total",
			Help: "Lines that produced channel values",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decoder", Name: "parse_errors_total",
			Help: "Lines dropped because numeric extraction failed",
		}),
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "opened_total",
			Help: "Sessions opened, by transport mode",
		}, []string{"mode"}),
		sessionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "open",
			Help: "1 while a session is open",
		}),
		pollBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "poll_batch_records",
			Help:    "Records drained per poll tick",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),
	}

	m.registry.MustRegister(
		m.bytesRead, m.records, m.overflows, m.commandsSent, m.writeErrors,
		m.linesDecoded, m.parseErrors, m.sessionsOpened, m.sessionOpen, m.pollBatch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRead(bytes, records, overflows int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(bytes))
	m.records.Add(float64(records))
	m.overflows.Add(float64(overflows))
}

func (m *Metrics) CommandSent() {
	if m == nil {
		return
	}
	m.commandsSent.Inc()
}

func (m *Metrics) WriteError() {
	if m == nil {
		return
	}
	m.writeErrors.Inc()
}

func (m *Metrics) LineDecoded() {
	if m == nil {
		return
	}
	m.linesDecoded.Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) SessionOpened(mode string) {
	if m == nil {
		return
	}
	m.sessionsOpened.WithLabelValues(mode).Inc()
	m.sessionOpen.Set(1)
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionOpen.Set(0)
}

func (m *Metrics) ObservePoll(records int) {
	if m == nil {
		return
	}
	m.pollBatch.Observe(float64(records))
}
