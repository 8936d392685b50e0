// Package metrics exposes prometheus collectors for the issuance core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fedmint"

// Metrics groups the collectors shared by the mint and the message queue.
type Metrics struct {
	sharesAccepted prometheus.Counter
	sharesRejected *prometheus.CounterVec
	requests       *prometheus.CounterVec
	pending        prometheus.Gauge
	cacheLookups   *prometheus.CounterVec
	queueMessages  *prometheus.CounterVec
	queueFaults    *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	sent           prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sharesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "combiner",
			Name:      "shares_accepted_total",
			Help:      "Signature shares that verified and were counted.",
		}),
		sharesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "combiner",
			Name:      "shares_rejected_total",
			Help:      "Signature shares rejected, by peer error type.",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "combiner",
			Name:      "requests_total",
			Help:      "Sign requests that reached a final state.",
		}, []string{"state"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "combiner",
			Name:      "pending_requests",
			Help:      "Sign requests currently collecting shares.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Verification cache lookups, by result.",
		}, []string{"result"}),
		queueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_total",
			Help:      "Peer messages seen by the queue, by outcome.",
		}, []string{"outcome"}),
		queueFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "faulty_streams_total",
			Help:      "Sender streams marked faulty, by peer.",
		}, []string{"peer"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "messages_rejected_total",
			Help:      "Peer messages dropped before the queue or the dispatcher, by reason.",
		}, []string{"reason"}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "messages_sent_total",
			Help:      "Envelopes sequenced by the local peer.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sharesAccepted,
			m.sharesRejected,
			m.requests,
			m.pending,
			m.cacheLookups,
			m.queueMessages,
			m.queueFaults,
			m.rejected,
			m.sent,
		)
	}

	return m
}

// ShareAccepted counts a verified share.
func (m *Metrics) ShareAccepted() {
	if m == nil {
		return
	}

	m.sharesAccepted.Inc()
}

// ShareRejected counts a rejected share.
func (m *Metrics) ShareRejected(reason string) {
	if m == nil {
		return
	}

	m.sharesRejected.WithLabelValues(reason).Inc()
}

// RequestTracked increments the pending gauge.
func (m *Metrics) RequestTracked() {
	if m == nil {
		return
	}

	m.pending.Inc()
}

// RequestFinished records the final state of a request.
func (m *Metrics) RequestFinished(state string) {
	if m == nil {
		return
	}

	m.pending.Dec()
	m.requests.WithLabelValues(state).Inc()
}

// CacheLookup records a verification cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}

	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

// QueueMessage records a queue outcome: delivered, buffered, duplicate or dropped.
func (m *Metrics) QueueMessage(outcome string) {
	if m == nil {
		return
	}

	m.queueMessages.WithLabelValues(outcome).Inc()
}

// StreamFaulty records a sender stream marked faulty.
func (m *Metrics) StreamFaulty(peer string) {
	if m == nil {
		return
	}

	m.queueFaults.WithLabelValues(peer).Inc()
}

// MessageRejected records a peer message dropped for reason.
func (m *Metrics) MessageRejected(reason string) {
	if m == nil {
		return
	}

	m.rejected.WithLabelValues(reason).Inc()
}

// MessageSent counts an envelope sequenced by the local peer.
func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}

	m.sent.Inc()
}
