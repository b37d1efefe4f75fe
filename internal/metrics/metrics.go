package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fundingwatcher"

// Metrics holds the collectors for scan activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	scans            *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	fetchErrors      prometheus.Counter
	deliveryFailures prometheus.Counter
	trackedSymbols   prometheus.Gauge
	scanDuration     prometheus.Histogram
	lastScan         prometheus.Gauge
}

// New registers collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		scans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan ticks by trigger and outcome.",
		}, []string{"trigger", "result"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Grid alerts emitted by direction.",
		}, []string{"direction"}),
		fetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Per-symbol sampling failures.",
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Failed per-subscriber deliveries.",
		}),
		trackedSymbols: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_symbols",
			Help:      "Symbols currently holding alert state.",
		}),
		scanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of one scan tick.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		lastScan: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_timestamp_seconds",
			Help:      "Unix time of the last completed scan.",
		}),
	}
}

// ObserveScan records one finished tick.
func (m *Metrics) ObserveScan(trigger, result string, took time.Duration, tracked int, at time.Time) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(trigger, result).Inc()
	m.scanDuration.Observe(took.Seconds())
	m.trackedSymbols.Set(float64(tracked))
	m.lastScan.Set(float64(at.Unix()))
}

func (m *Metrics) AddAlert(direction string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(direction).Inc()
}

func (m *Metrics) AddFetchErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fetchErrors.Add(float64(n))
}

func (m *Metrics) AddDeliveryFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveryFailures.Add(float64(n))
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
