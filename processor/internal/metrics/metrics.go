package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay and routing
	NotificationsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvanalytics_processor_notifications_relayed_total",
			Help: "Change notifications read from the change feed",
		},
		[]string{"partition"},
	)

	RoutedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvanalytics_processor_routed_messages_total",
			Help: "Messages enqueued by the router",
		},
		[]string{"queue", "rule"},
	)

	RoutingMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cvanalytics_processor_routing_misses_total",
			Help: "Notifications that matched no routing rule and were dropped",
		},
	)

	RelayResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvanalytics_processor_relay_resyncs_total",
			Help: "Times a relay checkpoint fell outside the change feed retention window",
		},
		[]string{"partition"},
	)

	// Batch processing
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvanalytics_processor_messages_total",
			Help: "Queue messages processed by outcome",
		},
		[]string{"queue", "outcome"},
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cvanalytics_processor_batch_duration_seconds",
			Help:    "Wall-clock duration of ProcessBatch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	AggregateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cvanalytics_processor_aggregate_conflicts_total",
			Help: "Lost compare-and-swap races on aggregate records",
		},
	)

	// Queues
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cvanalytics_processor_queue_depth",
			Help: "Messages pending or in flight per queue",
		},
		[]string{"queue"},
	)

	DeadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cvanalytics_processor_dead_letters",
			Help: "Messages held in the dead-letter store",
		},
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvanalytics_processor_dead_lettered_total",
			Help: "Messages moved to the dead-letter store",
		},
		[]string{"queue", "reason"},
	)

	// Realtime
	RealtimeSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cvanalytics_processor_realtime_subscribers",
			Help: "Currently connected realtime subscribers",
		},
	)

	RealtimeDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cvanalytics_processor_realtime_dropped_total",
			Help: "Subscribers disconnected for falling behind",
		},
	)

	// Maintenance
	ChangesPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cvanalytics_processor_changes_pruned_total",
			Help: "Change notifications removed by retention pruning",
		},
	)
)
