// server/metrics.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MorpheusXAUT/vacs-server/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's prometheus collectors, registered against a
// private registry so tests can run any number of them side by side.
type Metrics struct {
	registry *prometheus.Registry

	clientsConnected prometheus.Gauge
	clientsTotal     prometheus.Counter
	loginAttempts    *prometheus.CounterVec
	loginFailures    *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
	sessionDuration  prometheus.Histogram

	callsActive         prometheus.Gauge
	callAttempts        *prometheus.CounterVec
	callAttemptDuration *prometheus.HistogramVec
	callsTotal          prometheus.Counter
	callDuration        prometheus.Histogram

	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesMalformed prometheus.Counter
	messageSize       *prometheus.HistogramVec

	errorsTotal   *prometheus.CounterVec
	peerNotFound  prometheus.Counter
	rateLimitsHit *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(registry)
	return &Metrics{
		registry: registry,

		clientsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "vacs_clients_connected",
			Help: "Currently connected clients.",
		}),
		clientsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vacs_clients_total",
			Help: "Client connections accepted since start.",
		}),
		loginAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vacs_clients_login_attempts_total",
			Help: "Login attempts by status.",
		}, []string{"status"}),
		loginFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vacs_clients_login_failures_total",
			Help: "Failed logins by reason.",
		}, []string{"reason"}),
		disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vacs_clients_disconnects_total",
			Help: "Session ends by reason.",
		}, []string{"reason"}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vacs_clients_session_duration_seconds",
			Help:    "Session length from login to disconnect.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}),

		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "vacs_calls_active",
			Help: "Currently established calls.",
		}),
		callAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vacs_calls_attempts_total",
			Help: "Call attempts by outcome.",
		}, []string{"result"}),
		callAttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vacs_calls_attempts_duration_seconds",
			Help:    "Ringing time until the attempt resolved.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90},
		}, []string{"result"}),
		callsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vacs_calls_total",
			Help: "Calls established since start.",
		}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vacs_calls_duration_seconds",
			Help:    "Established call length.",
			Buckets: []float64{15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),

		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vacs_messages_sent_total",
			Help: "Messages sent to clients by type.",
		}, []string{"type"}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vacs_messages_received_total",
			Help: "Messages received from clients by type.",
		}, []string{"type"}),
		messagesMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "vacs_messages_malformed_total",
			Help: "Messages that failed to decode.",
		}),
		messageSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vacs_message_size_bytes",
			Help:    "Wire size of websocket messages.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"direction"}),

		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vacs_errors_total",
			Help: "Protocol errors reported to clients by type.",
		}, []string{"type"}),
		peerNotFound: f.NewCounter(prometheus.CounterOpts{
			Name: "vacs_errors_peer_not_found_total",
			Help: "Messages addressed to clients that were not connected.",
		}),
		rateLimitsHit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vacs_errors_rate_limits_hit_total",
			Help: "Operations refused by a rate limit.",
		}, []string{"limit"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LoginAttempt(success bool) {
	if success {
		m.loginAttempts.WithLabelValues("success").Inc()
	} else {
		m.loginAttempts.WithLabelValues("failure").Inc()
	}
}

func (m *Metrics) LoginFailure(kind protocol.LoginFailureKind) {
	m.loginFailures.WithLabelValues(camelToSnake(string(kind))).Inc()
}

func (m *Metrics) MessageSent(msgType string, size int) {
	m.messagesSent.WithLabelValues(camelToSnake(msgType)).Inc()
	m.messageSize.WithLabelValues("sent").Observe(float64(size))
}

func (m *Metrics) MessageReceived(msgType string, size int) {
	m.messagesReceived.WithLabelValues(camelToSnake(msgType)).Inc()
	m.messageSize.WithLabelValues("received").Observe(float64(size))
}

func (m *Metrics) MalformedMessage() {
	m.messagesMalformed.Inc()
}

func (m *Metrics) ProtocolError(kind protocol.ErrorKind) {
	m.errorsTotal.WithLabelValues(camelToSnake(string(kind))).Inc()
}

func (m *Metrics) PeerNotFound() {
	m.peerNotFound.Inc()
}

func (m *Metrics) RateLimitHit(limit string) {
	m.rateLimitsHit.WithLabelValues(limit).Inc()
}

// camelToSnake converts the wire's camelCase identifiers to the
// snake_case convention of metric label values.
func camelToSnake(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

///////////////////////////////////////////////////////////////////////////
// Lifecycle guards

// Guards tie gauge increments to their matching decrement and record the
// duration in between. Each guard completes exactly once; later
// completions are ignored, so every exit path can safely finish one.

// ClientConnectionGuard tracks one client session from registration to
// removal.
type ClientConnectionGuard struct {
	m     *Metrics
	start time.Time

	mu     sync.Mutex
	reason *protocol.DisconnectReason
	done   bool
}

func (m *Metrics) NewClientConnectionGuard() *ClientConnectionGuard {
	m.clientsConnected.Inc()
	m.clientsTotal.Inc()
	return &ClientConnectionGuard{m: m, start: time.Now()}
}

// SetDisconnectReason records why the server dropped the session; the
// first reason wins. Sessions completed without one count as graceful.
func (g *ClientConnectionGuard) SetDisconnectReason(reason protocol.DisconnectReason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reason == nil {
		g.reason = &reason
	}
}

func (g *ClientConnectionGuard) Complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return
	}
	g.done = true

	reason := "graceful"
	if g.reason != nil {
		reason = g.reason.MetricLabel()
	}
	g.m.clientsConnected.Dec()
	g.m.disconnects.WithLabelValues(reason).Inc()
	g.m.sessionDuration.Observe(time.Since(g.start).Seconds())
}

// Call attempt outcome labels.
const (
	callOutcomeAccepted  = "accepted"
	callOutcomeRejected  = "rejected"
	callOutcomeCancelled = "cancelled"
	callOutcomeAborted   = "aborted"
)

func callOutcomeError(reason protocol.CallErrorReason) string {
	return "error_" + camelToSnake(string(reason))
}

// CallAttemptGuard tracks one ringing call until it resolves.
type CallAttemptGuard struct {
	m     *Metrics
	start time.Time

	mu      sync.Mutex
	outcome string
	done    bool
}

func (m *Metrics) NewCallAttemptGuard() *CallAttemptGuard {
	return &CallAttemptGuard{m: m, start: time.Now()}
}

// SetOutcome records how the attempt ended; the first outcome wins.
func (g *CallAttemptGuard) SetOutcome(outcome string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.outcome == "" {
		g.outcome = outcome
	}
}

func (g *CallAttemptGuard) Complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return
	}
	g.done = true

	outcome := g.outcome
	if outcome == "" {
		outcome = callOutcomeAborted
	}
	g.m.callAttempts.WithLabelValues(outcome).Inc()
	g.m.callAttemptDuration.WithLabelValues(outcome).Observe(time.Since(g.start).Seconds())
}

// CallGuard tracks one established call until it ends.
type CallGuard struct {
	m     *Metrics
	start time.Time

	mu   sync.Mutex
	done bool
}

func (m *Metrics) NewCallGuard() *CallGuard {
	m.callsActive.Inc()
	m.callsTotal.Inc()
	return &CallGuard{m: m, start: time.Now()}
}

func (g *CallGuard) Complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return
	}
	g.done = true

	g.m.callsActive.Dec()
	g.m.callDuration.Observe(time.Since(g.start).Seconds())
}
