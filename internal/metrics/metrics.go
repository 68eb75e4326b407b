// Package metrics provides Prometheus instrumentation for the realtime
// dispatcher. It exposes gauges for live push sessions, counters for event
// throughput and queue drops, and histograms for poll wait times.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsPublished counts events accepted by the dispatcher, labeled by
	// event kind.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Total number of events published through the dispatcher",
	}, []string{"kind"})

	// PushesTotal counts push fan-out attempts, labeled by outcome:
	// "ok" or "failed".
	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_pushes_total",
		Help: "Total number of push deliveries to live sessions",
	}, []string{"result"})

	// QueueDrops counts events evicted by the drop-oldest overflow policy.
	QueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_queue_drops_total",
		Help: "Total number of queued events evicted on overflow",
	})

	// PollWait records how long poll calls waited before returning.
	PollWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_poll_wait_seconds",
		Help:    "Time poll calls spent waiting for events",
		Buckets: []float64{.05, .1, .3, .6, 1, 2, 3.5, 5, 6},
	})

	// PushSessions tracks the current number of live push sessions on this
	// instance.
	PushSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_push_sessions",
		Help: "Current number of live push sessions on this instance",
	})

	// ReceiptRetries counts retried receipt-store writes.
	ReceiptRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_receipt_retries_total",
		Help: "Total number of retried receipt store writes",
	})
)

func init() {
	prometheus.MustRegister(
		EventsPublished,
		PushesTotal,
		QueueDrops,
		PollWait,
		PushSessions,
		ReceiptRetries,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
