package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_ingest_outcomes_total",
			Help: "Webhook deliveries by final ingestion status",
		},
		[]string{"status"},
	)

	ResolveOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_resolve_outcomes_total",
			Help: "Sender attribution results by resolution phase",
		},
		[]string{"phase"},
	)

	DedupHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_dedup_hits_total",
			Help: "Duplicate deliveries caught, by detecting layer",
		},
		[]string{"layer"},
	)

	DedupCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sms_dedup_cache_entries",
			Help: "Identity keys currently held in the in-process dedup cache",
		},
	)

	NotifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sms_notify_failures_total",
			Help: "Notification publishes that failed and were swallowed",
		},
	)

	HistoryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sms_history_append_failures_total",
			Help: "Lead history appends that failed after the message was stored",
		},
	)

	PurgedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sms_purged_messages_total",
			Help: "Stored messages removed by bulk purge",
		},
	)
)

// Init registers metrics with Prometheus
func Init() {
	prometheus.MustRegister(IngestOutcomes)
	prometheus.MustRegister(ResolveOutcomes)
	prometheus.MustRegister(DedupHits)
	prometheus.MustRegister(DedupCacheSize)
	prometheus.MustRegister(NotifyFailures)
	prometheus.MustRegister(HistoryFailures)
	prometheus.MustRegister(PurgedMessages)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
