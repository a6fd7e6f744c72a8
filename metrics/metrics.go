// Package metrics holds the Prometheus collectors of the transport.
//
// A *Metrics is created per process (or per test) against an explicit
// registerer, so several isolated transports can coexist. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mcpnats"

// Request outcomes recorded by the correlator.
const (
	OutcomeOK         = "ok"
	OutcomeTimeout    = "timeout"
	OutcomeCancelled  = "cancelled"
	OutcomeConnection = "connection"
	OutcomeClosed     = "closed"
)

// Metrics groups every collector of the transport.
type Metrics struct {
	busConnected  prometheus.Gauge
	busReconnects prometheus.Counter
	busDropped    *prometheus.CounterVec
	busPublishErr *prometheus.CounterVec

	requests       *prometheus.CounterVec
	pending        prometheus.Gauge
	requestLatency prometheus.Histogram
	mismatches     prometheus.Counter

	serverRequests  *prometheus.CounterVec
	serverProtocol  prometheus.Counter
	serverInflight  prometheus.Gauge
	serverHandleDur prometheus.Histogram
	serverShed      *prometheus.CounterVec
	serverCancels   *prometheus.CounterVec
	serverReplyErr  prometheus.Counter

	tasksTerminal *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors, which is useful in tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		busConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "connected",
			Help:      "Substrate connection state (1=connected, 0=disconnected)",
		}),
		busReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Successful reconnections to the substrate",
		}),
		busDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped because a subscription buffer was full",
		}, []string{"kind"}),
		busPublishErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_errors_total",
			Help:      "Failed publishes by error code",
		}, []string{"code"}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "requests_total",
			Help:      "Correlated requests by outcome",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "pending_requests",
			Help:      "Requests awaiting a reply",
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "request_duration_seconds",
			Help:      "Time from publish to matching reply",
			Buckets:   prometheus.DefBuckets,
		}),
		mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "correlation_mismatches_total",
			Help:      "Replies discarded because no pending request matched",
		}),

		serverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests answered by this instance, by result",
		}, []string{"result"}),
		serverProtocol: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "protocol_errors_total",
			Help:      "Inbound envelopes discarded as malformed",
		}),
		serverInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "inflight_requests",
			Help:      "Requests received and not yet answered",
		}),
		serverHandleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to response publish",
			Buckets:   prometheus.DefBuckets,
		}),

		serverShed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rate_limited_total",
			Help:      "Requests rejected for lack of method capacity",
		}, []string{"method"}),
		serverCancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "cancellations_total",
			Help:      "Cancellation notifications, forwarded or dropped for lack of a matching call",
		}, []string{"result"}),
		serverReplyErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "reply_errors_total",
			Help:      "Responses that could not be published to the caller",
		}),

		tasksTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Async tasks reaching a terminal status",
		}, []string{"status"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "running",
			Help:      "Async tasks currently executing",
		}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.busConnected, m.busReconnects, m.busDropped, m.busPublishErr,
		m.requests, m.pending, m.requestLatency, m.mismatches,
		m.serverRequests, m.serverProtocol, m.serverInflight, m.serverHandleDur, m.serverShed,
		m.serverCancels, m.serverReplyErr,
		m.tasksTerminal, m.tasksRunning,
	}
}

// SetConnected records the substrate connection state.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.busConnected.Set(1)
	} else {
		m.busConnected.Set(0)
	}
}

// IncReconnect records a successful reconnection.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.busReconnects.Inc()
}

// IncDropped records a message dropped by a full subscription buffer.
// kind is "queue" or "plain".
func (m *Metrics) IncDropped(kind string) {
	if m == nil {
		return
	}
	m.busDropped.WithLabelValues(kind).Inc()
}

// IncPublishError records a failed publish.
func (m *Metrics) IncPublishError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.busPublishErr.WithLabelValues(code).Inc()
}

// RequestStarted records a new pending request.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

// RequestFinished records the resolution of a pending request.
func (m *Metrics) RequestFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.requests.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.requestLatency.Observe(elapsed.Seconds())
	}
}

// IncMismatch records a discarded reply.
func (m *Metrics) IncMismatch() {
	if m == nil {
		return
	}
	m.mismatches.Inc()
}

// ServerReceived records an inbound request on a server.
func (m *Metrics) ServerReceived() {
	if m == nil {
		return
	}
	m.serverInflight.Inc()
}

// ServerAnswered records a published response. isError is true for
// error responses.
func (m *Metrics) ServerAnswered(isError bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.serverInflight.Dec()
	result := "ok"
	if isError {
		result = "error"
	}
	m.serverRequests.WithLabelValues(result).Inc()
	m.serverHandleDur.Observe(elapsed.Seconds())
}

// IncProtocolError records a discarded malformed envelope.
func (m *Metrics) IncProtocolError() {
	if m == nil {
		return
	}
	m.serverProtocol.Inc()
}

// IncRateLimited records a request rejected by the rate limiter.
func (m *Metrics) IncRateLimited(method string) {
	if m == nil {
		return
	}
	m.serverShed.WithLabelValues(method).Inc()
}

// IncCancellation records a cancellation notification. forwarded is
// false when no call of this instance matched it.
func (m *Metrics) IncCancellation(forwarded bool) {
	if m == nil {
		return
	}
	result := "forwarded"
	if !forwarded {
		result = "dropped"
	}
	m.serverCancels.WithLabelValues(result).Inc()
}

// IncReplyError records a response that could not be published.
func (m *Metrics) IncReplyError() {
	if m == nil {
		return
	}
	m.serverReplyErr.Inc()
}

// TaskStarted records an async task entering execution.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksRunning.Inc()
}

// TaskFinished records an async task reaching status.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasksRunning.Dec()
	m.tasksTerminal.WithLabelValues(status).Inc()
}
