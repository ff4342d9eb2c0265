package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueItemsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_queue_items_processed_total",
			Help: "Total queue items processed across batch runs",
		},
	)

	QueueItemsSucceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_queue_items_succeeded_total",
			Help: "Total queue items resolved successfully",
		},
	)

	QueueItemsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_queue_items_failed_total",
			Help: "Total queue items resolved as terminally failed",
		},
	)

	QueueItemsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_queue_items_retried_total",
			Help: "Total transient failures returned to the queue with backoff",
		},
	)

	WebhookEventsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_webhook_events_accepted_total",
			Help: "Total webhook events accepted after signature verification",
		},
		[]string{"event_type"},
	)

	WebhookEventsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_webhook_events_rejected_total",
			Help: "Total webhook events rejected at the ingress boundary",
		},
	)

	ProviderCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fulfillment_provider_call_duration_seconds",
			Help:    "Duration of provisioning API calls",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register installs all collectors on the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		QueueItemsProcessed,
		QueueItemsSucceeded,
		QueueItemsFailed,
		QueueItemsRetried,
		WebhookEventsAccepted,
		WebhookEventsRejected,
		ProviderCallDuration,
	)
}
