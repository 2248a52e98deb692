package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery paths and outcomes used as metric labels.
const (
	PathLocal   = "local"
	PathRemote  = "remote"
	PathInbound = "inbound"

	OutcomeDelivered        = "delivered"
	OutcomeUnknownRecipient = "unknown_recipient"
	OutcomeFailed           = "failed"
	OutcomeCancelled        = "cancelled"
	OutcomeForwarded        = "forwarded"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playermesh",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "playermesh",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connectionsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "playermesh",
			Subsystem: "lifecycle",
			Name:      "connections_open",
			Help:      "Client connections currently open.",
		},
		[]string{"node"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "playermesh",
			Subsystem: "registry",
			Name:      "sessions_active",
			Help:      "Player sessions registered on this node.",
		},
		[]string{"node"},
	)
	logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playermesh",
			Subsystem: "lifecycle",
			Name:      "logins_total",
			Help:      "Accepted logins.",
		},
		[]string{"node", "replaced"},
	)
	closes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playermesh",
			Subsystem: "lifecycle",
			Name:      "closes_total",
			Help:      "Connection teardowns by reason.",
		},
		[]string{"node", "reason"},
	)
	clientErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playermesh",
			Subsystem: "lifecycle",
			Name:      "client_errors_total",
			Help:      "Error envelopes sent to clients by code.",
		},
		[]string{"node", "code"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playermesh",
			Subsystem: "router",
			Name:      "deliveries_total",
			Help:      "Routed notifications by path and outcome.",
		},
		[]string{"node", "path", "outcome"},
	)
	forwardAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playermesh",
			Subsystem: "router",
			Name:      "forward_attempts_total",
			Help:      "Remote forward attempts by result.",
		},
		[]string{"node", "result"},
	)
	forwardLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "playermesh",
			Subsystem: "router",
			Name:      "forward_duration_seconds",
			Help:      "Time from route to remote ack.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"node"},
	)
	pendingAttempts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "playermesh",
			Subsystem: "router",
			Name:      "pending_attempts",
			Help:      "Remote deliveries awaiting ack.",
		},
		[]string{"node"},
	)
	membershipVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "playermesh",
			Subsystem: "directory",
			Name:      "membership_version",
			Help:      "Installed membership snapshot version.",
		},
		[]string{"node"},
	)
	ringNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "playermesh",
			Subsystem: "directory",
			Name:      "ring_nodes",
			Help:      "Members in the installed ring.",
		},
		[]string{"node"},
	)
	peerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playermesh",
			Subsystem: "peer",
			Name:      "requests_total",
			Help:      "Peer link requests by direction, type and result.",
		},
		[]string{"node", "direction", "type", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			connectionsOpen, sessionsActive, logins, closes, clientErrors,
			deliveries, forwardAttempts, forwardLatency, pendingAttempts,
			membershipVersion, ringNodes,
			peerRequests,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetConnectionsOpen(node string, n int) {
	RegisterMetrics()
	connectionsOpen.WithLabelValues(node).Set(float64(n))
}

func SetSessionsActive(node string, n int) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(node).Set(float64(n))
}

func RecordLogin(node string, replaced bool) {
	RegisterMetrics()
	logins.WithLabelValues(node, strconv.FormatBool(replaced)).Inc()
}

func RecordClose(node, reason string) {
	RegisterMetrics()
	closes.WithLabelValues(node, reason).Inc()
}

func RecordClientError(node, code string) {
	RegisterMetrics()
	clientErrors.WithLabelValues(node, code).Inc()
}

func RecordDelivery(node, path, outcome string) {
	RegisterMetrics()
	deliveries.WithLabelValues(node, path, outcome).Inc()
}

func RecordForwardAttempt(node string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	forwardAttempts.WithLabelValues(node, result).Inc()
}

func ObserveForwardLatency(node string, d time.Duration) {
	RegisterMetrics()
	forwardLatency.WithLabelValues(node).Observe(d.Seconds())
}

func SetPendingAttempts(node string, n int) {
	RegisterMetrics()
	pendingAttempts.WithLabelValues(node).Set(float64(n))
}

func SetMembership(node string, version uint64, members int) {
	RegisterMetrics()
	membershipVersion.WithLabelValues(node).Set(float64(version))
	ringNodes.WithLabelValues(node).Set(float64(members))
}

func RecordPeerRequest(node, direction, msgType string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	peerRequests.WithLabelValues(node, direction, msgType, result).Inc()
}
