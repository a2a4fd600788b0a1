package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionRenewals tracks credential renewal round trips by outcome
	SessionRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsession_session_renewals_total",
			Help: "Total number of credential renewal round trips",
		},
		[]string{"outcome"},
	)

	// SessionRenewalWaiters tracks callers that joined an in-flight renewal
	SessionRenewalWaiters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netsession_session_renewal_shared_total",
			Help: "Total number of callers that shared an in-flight renewal",
		},
	)

	// RequestsTotal tracks requests sent through the client by outcome
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsession_requests_total",
			Help: "Total number of requests attempted",
		},
		[]string{"method", "outcome"},
	)

	// RequestErrors tracks classified failures
	RequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsession_request_errors_total",
			Help: "Total number of classified request failures",
		},
		[]string{"category"},
	)

	// RequestLatency tracks request latency
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netsession_request_latency_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// QueueSize tracks the number of queued requests
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsession_queue_size",
			Help: "Number of requests waiting in the durable queue",
		},
	)

	// QueueOutcomes tracks how queued requests leave the queue
	QueueOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsession_queue_outcomes_total",
			Help: "Total number of queued requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	// QueueDrains tracks drain cycles by band
	QueueDrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsession_queue_drains_total",
			Help: "Total number of drain cycles",
		},
		[]string{"band"},
	)

	// QueuePersistWrites tracks snapshot writes to the store
	QueuePersistWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsession_queue_persist_writes_total",
			Help: "Total number of queue snapshot writes",
		},
		[]string{"result"},
	)

	// NetworkOnline is 1 while the device is online
	NetworkOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsession_network_online",
			Help: "Whether the device is currently online",
		},
	)

	// NetworkThroughput tracks the smoothed throughput estimate
	NetworkThroughput = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsession_network_throughput_kbps",
			Help: "Smoothed throughput estimate in kbps",
		},
	)

	// NetworkBand tracks the current band as a number (0 unknown, 1 slow, 2 moderate, 3 fast)
	NetworkBand = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsession_network_band",
			Help: "Current network band",
		},
	)
)
