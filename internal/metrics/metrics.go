package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shuttle"

// Metrics holds the collectors for one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	uploads           *prometheus.CounterVec
	uploadBytes       prometheus.Counter
	preflightFailures *prometheus.CounterVec
	storeCalls        *prometheus.HistogramVec
	authOK            prometheus.Gauge
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total bytes stored by successful uploads.",
		}),
		preflightFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preflight_failures_total",
			Help:      "Bucket and diagnostic write checks that failed, by kind.",
		}, []string{"kind"}),
		storeCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_call_duration_seconds",
			Help:      "Latency of object store calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		authOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "startup_auth_ok",
			Help:      "1 if the store accepted the credentials at startup.",
		}),
	}

	m.registry.MustRegister(
		m.uploads,
		m.uploadBytes,
		m.preflightFailures,
		m.storeCalls,
		m.authOK,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

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

func (m *Metrics) UploadFinished(result string, size int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
	if size > 0 {
		m.uploadBytes.Add(float64(size))
	}
}

func (m *Metrics) PreflightFailed(kind string) {
	if m == nil {
		return
	}
	m.preflightFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveStoreCall(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.storeCalls.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) SetAuthOK(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.authOK.Set(1)
	} else {
		m.authOK.Set(0)
	}
}
