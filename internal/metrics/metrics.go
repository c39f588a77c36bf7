package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the sync engine and quota engine.
type Metrics struct {
	windowsQueried *prometheus.CounterVec
	queryRetries   *prometheus.CounterVec
	recordsFetched *prometheus.CounterVec
	syncs          *prometheus.CounterVec
	liveEvents     *prometheus.CounterVec
	droppedLogs    *prometheus.CounterVec
	quotaDecisions *prometheus.CounterVec
	watermark      *prometheus.GaugeVec
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			windowsQueried: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "wallet_sync_windows_queried_total",
				Help: "Historical fetch windows queried",
			}, []string{"network"}),
			queryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "wallet_sync_query_retries_total",
				Help: "Retried log source queries",
			}, []string{"network"}),
			recordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "wallet_sync_records_fetched_total",
				Help: "Relevant event records returned by historical fetches",
			}, []string{"network"}),
			syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "wallet_sync_syncs_total",
				Help: "Sync cycles by domain and outcome",
			}, []string{"domain", "outcome"}),
			liveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "wallet_sync_live_events_total",
				Help: "Events delivered through live subscriptions",
			}, []string{"network"}),
			droppedLogs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "wallet_sync_dropped_logs_total",
				Help: "Logs dropped because they could not be decoded",
			}, []string{"network"}),
			quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "wallet_sync_quota_decisions_total",
				Help: "Gas payment decisions by method",
			}, []string{"method"}),
			watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "wallet_sync_watermark",
				Help: "Last processed block per domain",
			}, []string{"domain"}),
		}
		prometheus.MustRegister(
			metrics.windowsQueried,
			metrics.queryRetries,
			metrics.recordsFetched,
			metrics.syncs,
			metrics.liveEvents,
			metrics.droppedLogs,
			metrics.quotaDecisions,
			metrics.watermark,
		)
	})
	return metrics
}

// WindowQueried increments the windows counter for a network.
func (m *Metrics) WindowQueried(network string) {
	if m != nil {
		m.windowsQueried.WithLabelValues(network).Inc()
	}
}

// QueryRetried increments the retry counter for a network.
func (m *Metrics) QueryRetried(network string) {
	if m != nil {
		m.queryRetries.WithLabelValues(network).Inc()
	}
}

// RecordsFetched adds n fetched records for a network.
func (m *Metrics) RecordsFetched(network string, n int) {
	if m != nil {
		m.recordsFetched.WithLabelValues(network).Add(float64(n))
	}
}

// Sync counts a finished sync cycle; outcome is ok, failed or in_progress.
func (m *Metrics) Sync(domain, outcome string) {
	if m != nil {
		m.syncs.WithLabelValues(domain, outcome).Inc()
	}
}

// LiveEvent increments the live delivery counter.
func (m *Metrics) LiveEvent(network string) {
	if m != nil {
		m.liveEvents.WithLabelValues(network).Inc()
	}
}

// LogDropped increments the undecodable log counter.
func (m *Metrics) LogDropped(network string) {
	if m != nil {
		m.droppedLogs.WithLabelValues(network).Inc()
	}
}

// QuotaDecision counts a rendered payment decision.
func (m *Metrics) QuotaDecision(method string) {
	if m != nil {
		m.quotaDecisions.WithLabelValues(method).Inc()
	}
}

// Watermark records the latest persisted watermark of a domain.
func (m *Metrics) Watermark(domain string, height uint64) {
	if m != nil {
		m.watermark.WithLabelValues(domain).Set(float64(height))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
