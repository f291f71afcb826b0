package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook intake
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvanalytics_ingest_webhooks_total",
			Help: "Total number of webhook deliveries by outcome",
		},
		[]string{"source", "status"},
	)

	WebhookBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cvanalytics_ingest_webhook_bytes_total",
			Help: "Total bytes of webhook bodies received",
		},
	)

	// Signature verification
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvanalytics_ingest_auth_failures_total",
			Help: "Total number of rejected webhook signatures",
		},
		[]string{"source", "reason"},
	)

	SecretRotationHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvanalytics_ingest_secondary_secret_hits_total",
			Help: "Deliveries verified with the secondary secret",
		},
		[]string{"source"},
	)

	// Storage metrics
	WriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cvanalytics_ingest_write_duration_seconds",
			Help:    "Duration of durable event writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cvanalytics_ingest_write_errors_total",
			Help: "Total number of event writes that failed after retries",
		},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvanalytics_ingest_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"source"},
	)
)
