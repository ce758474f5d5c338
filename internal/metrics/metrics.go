// Package metrics exposes process counters over expvar and delivery metrics
// over Prometheus.
package metrics

import (
	"expvar"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Input metrics
	ConnectionsAccepted = expvar.NewInt("connections_accepted")
	ConnectionsRejected = expvar.NewInt("connections_rejected")
	ConnectionsActive   = expvar.NewInt("connections_active")
	BytesReceived       = expvar.NewInt("bytes_received_total")
	LinesProcessed      = expvar.NewMap("lines_processed")

	// System metrics
	StartTime = expvar.NewInt("start_time_seconds")
	Version   = expvar.NewString("version_info")
)

var (
	EventsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hecsender_events_submitted_total",
			Help: "Total number of events accepted into the batching queue",
		},
	)

	EventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hecsender_events_rejected_total",
			Help: "Total number of events rejected as invalid envelopes",
		},
	)

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hecsender_batches_total",
			Help: "Total number of batches that reached a terminal state",
		},
		[]string{"result"}, // result: delivered, failed
	)

	BatchEvents = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hecsender_batch_events",
			Help:    "Number of events per dispatched batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	TransportAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hecsender_transport_attempts_total",
			Help: "Total number of HTTP send attempts to the collector",
		},
		[]string{"result"}, // result: success, failure
	)

	Retries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hecsender_retries_total",
			Help: "Total number of batch resends after a transport failure",
		},
	)

	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hecsender_bytes_sent_total",
			Help: "Total request body bytes sent to the collector",
		},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hecsender_batches_in_flight",
			Help: "Number of batches currently being delivered",
		},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hecsender_delivery_duration_seconds",
			Help:    "Time from dispatch to terminal state, including retries",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Init initialises system metrics that should be set once at startup.
func Init(versionString string) {
	StartTime.Set(time.Now().Unix())
	Version.Set(versionString)
}
