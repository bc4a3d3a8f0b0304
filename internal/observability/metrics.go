package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	requestsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "session",
			Name:      "requests_sent_total",
			Help:      "Requests handed to the transport.",
		},
		[]string{"server"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "session",
			Name:      "messages_received_total",
			Help:      "Server messages demultiplexed, by kind.",
		},
		[]string{"server", "kind"},
	)
	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "session",
			Name:      "protocol_violations_total",
			Help:      "Undecodable messages and unknown wire ids.",
		},
		[]string{"server"},
	)
	sessionTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "session",
			Name:      "timeouts_total",
			Help:      "Stalled-session detections.",
		},
		[]string{"server"},
	)
	keepalivePings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "session",
			Name:      "keepalive_pings_total",
			Help:      "Keepalive requests queued by the liveness window.",
		},
		[]string{"server"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Session teardowns that led to a redial.",
		},
		[]string{"server"},
	)
	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relayctl",
			Subsystem: "session",
			Name:      "pending_requests",
			Help:      "Requests sent and still unanswered.",
		},
		[]string{"server"},
	)
	collectBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "session",
			Name:      "collect_batch_size",
			Help:      "Messages drained per collector wake-up.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"server"},
	)
	opsRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "ops",
			Name:      "requests_total",
			Help:      "HTTP requests served by the ops surface.",
		},
		[]string{"server", "method", "path", "status"},
	)
	opsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "ops",
			Name:      "request_duration_seconds",
			Help:      "Ops request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			requestsSent,
			messagesReceived,
			protocolViolations,
			sessionTimeouts,
			keepalivePings,
			reconnects,
			pendingRequests,
			collectBatchSize,
			opsRequests,
			opsDuration,
		)
	})
}

func RecordRequestSent(server string) {
	RegisterMetrics()
	requestsSent.WithLabelValues(server).Inc()
}

func RecordMessageReceived(server string, notification bool) {
	RegisterMetrics()
	kind := "response"
	if notification {
		kind = "notification"
	}
	messagesReceived.WithLabelValues(server, kind).Inc()
}

func RecordProtocolViolation(server string) {
	RegisterMetrics()
	protocolViolations.WithLabelValues(server).Inc()
}

func RecordSessionTimeout(server string) {
	RegisterMetrics()
	sessionTimeouts.WithLabelValues(server).Inc()
}

func RecordKeepalivePing(server string) {
	RegisterMetrics()
	keepalivePings.WithLabelValues(server).Inc()
}

func RecordReconnect(server string) {
	RegisterMetrics()
	reconnects.WithLabelValues(server).Inc()
}

func SetPendingRequests(server string, n int) {
	RegisterMetrics()
	pendingRequests.WithLabelValues(server).Set(float64(n))
}

func ObserveCollectBatch(server string, size int) {
	RegisterMetrics()
	collectBatchSize.WithLabelValues(server).Observe(float64(size))
}

func RecordOpsRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	opsRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	opsDuration.WithLabelValues(server, method, path, statusLabel).Observe(duration.Seconds())
}
