package mediawiki

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus counters/histogram for transport-level
// request and retry volume, following the metrics convention
// established elsewhere in the retrieval pack (brawer-wikidata-qrank,
// nordic-registry-mcp-server) even though the teacher itself does not
// export metrics. Nil by default so a Client built without
// WithMetrics never touches Prometheus.
type Metrics struct {
	requests *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration prometheus.Histogram

	lastStart time.Time
}

// NewMetrics registers mediawiki_requests_total,
// mediawiki_retries_total, and mediawiki_request_duration_seconds on
// reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediawiki_requests_total",
			Help: "Total MediaWiki API requests attempted.",
		}, nil),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediawiki_retries_total",
			Help: "Total MediaWiki API request retries, by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediawiki_request_duration_seconds",
			Help:    "MediaWiki API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.requests, m.retries, m.duration)
	return m
}

// ObserveRequest increments the request counter.
func (m *Metrics) ObserveRequest() {
	if m == nil {
		return
	}
	m.requests.WithLabelValues().Inc()
}

// ObserveRetry increments the retry counter for the given reason.
func (m *Metrics) ObserveRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

// ObserveDuration records a request's wall-clock latency.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}
