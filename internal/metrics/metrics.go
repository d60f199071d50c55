package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_retry/internal/model"
)

var (
	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborretry_delivery_attempts_total",
			Help: "Total number of delivery attempts by outcome and failure reason.",
		},
		[]string{"outcome", "reason"}, // outcome: success|failure
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborretry_delivery_latency_seconds",
			Help:    "Latency of outbound webhook attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborretry_retries_scheduled_total",
			Help: "Total number of retries scheduled by failure reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, connection_refused
	)

	RetryDelaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborretry_retry_delay_seconds",
			Help:    "Backoff delay assigned to scheduled retries.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		},
	)

	DeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborretry_dead_lettered_total",
			Help: "Total number of subscriptions moved to dead-letter.",
		},
		[]string{"reason"},
	)

	CASConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborretry_cas_conflicts_total",
			Help: "Total number of optimistic state updates that lost a race.",
		},
		[]string{"op"}, // claim|schedule|success|dead_letter|reactivate
	)

	ProcessRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborretry_process_runs_total",
			Help: "Retry queue processing runs by result bucket.",
		},
		[]string{"result"}, // processed|succeeded|failed|dead_lettered|skipped
	)

	ProcessDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborretry_process_duration_seconds",
			Help:    "Wall time of one retry queue processing run.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetryQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborretry_retry_queue_depth",
			Help: "Subscriptions in the retry queue by state.",
		},
		[]string{"state"}, // queued|processing|dead_lettered
	)

	AvgRetryDelaySeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborretry_avg_retry_delay_seconds",
			Help: "Mean scheduled backoff across queued subscriptions.",
		},
	)

	TriggersConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborretry_triggers_consumed_total",
			Help: "Delivery triggers consumed from NSQ by status.",
		},
		[]string{"status"}, // delivered|failed|dropped|requeued|bad_payload|error
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		DeliveryAttemptsTotal,
		DeliveryLatencySeconds,
		RetriesScheduledTotal,
		RetryDelaySeconds,
		DeadLetteredTotal,
		CASConflictsTotal,
		ProcessRunsTotal,
		ProcessDurationSeconds,
		RetryQueueDepth,
		AvgRetryDelaySeconds,
		TriggersConsumedTotal,
	)
}

// RecordAttempt counts one delivery attempt. reason is empty for successes.
func RecordAttempt(outcome, reason string, latency time.Duration) {
	DeliveryAttemptsTotal.WithLabelValues(outcome, reason).Inc()
	DeliveryLatencySeconds.WithLabelValues(outcome).Observe(latency.Seconds())
}

func RecordRetryScheduled(reason string, delay time.Duration) {
	RetriesScheduledTotal.WithLabelValues(reason).Inc()
	RetryDelaySeconds.Observe(delay.Seconds())
}

func RecordDeadLetter(reason string) {
	DeadLetteredTotal.WithLabelValues(reason).Inc()
}

func RecordConflict(op string) {
	CASConflictsTotal.WithLabelValues(op).Inc()
}

// RecordProcessRun adds the counts of one processing run
func RecordProcessRun(processed, succeeded, failed, deadLettered, skipped int, took time.Duration) {
	ProcessRunsTotal.WithLabelValues("processed").Add(float64(processed))
	ProcessRunsTotal.WithLabelValues("succeeded").Add(float64(succeeded))
	ProcessRunsTotal.WithLabelValues("failed").Add(float64(failed))
	ProcessRunsTotal.WithLabelValues("dead_lettered").Add(float64(deadLettered))
	ProcessRunsTotal.WithLabelValues("skipped").Add(float64(skipped))
	ProcessDurationSeconds.Observe(took.Seconds())
}

// UpdateQueueGauges publishes a stats snapshot
func UpdateQueueGauges(s model.QueueStats) {
	RetryQueueDepth.WithLabelValues("queued").Set(float64(s.Queued))
	RetryQueueDepth.WithLabelValues("processing").Set(float64(s.Processing))
	RetryQueueDepth.WithLabelValues("dead_lettered").Set(float64(s.DeadLettered))
	AvgRetryDelaySeconds.Set(s.AvgRetryDelay.Seconds())
}

func RecordTrigger(status string) {
	TriggersConsumedTotal.WithLabelValues(status).Inc()
}
