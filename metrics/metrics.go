// Package metrics exposes Prometheus collectors for token acquisition and
// listener fan-out. A nil *Metrics is valid and records nothing, so
// components accept one unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Token request outcomes recorded by ObserveToken.
const (
	OutcomeCacheHit  = "cache_hit"
	OutcomeRefreshed = "refreshed"
	OutcomeSignedOut = "signed_out"
	OutcomeError     = "error"
)

// Metrics groups the collectors registered by New.
type Metrics struct {
	tokenRequests    *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	listenerFailures *prometheus.CounterVec
	activeTopics     *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which is convenient in tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		tokenRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsync",
			Subsystem: "token",
			Name:      "requests_total",
			Help:      "Token requests by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsync",
			Subsystem: "token",
			Name:      "refreshes_total",
			Help:      "Forced token refresh round trips by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsync",
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Events delivered to local listeners.",
		}, []string{"kind"}),
		listenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsync",
			Subsystem: "fanout",
			Name:      "listener_failures_total",
			Help:      "Listener invocations that returned an error or panicked.",
		}, []string{"kind"}),
		activeTopics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "authsync",
			Subsystem: "fanout",
			Name:      "active_topics",
			Help:      "Underlying subscriptions currently held open.",
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.tokenRequests, m.refreshes, m.deliveries, m.listenerFailures, m.activeTopics} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveToken records the outcome of a single token request.
func (m *Metrics) ObserveToken(outcome string) {
	if m == nil {
		return
	}
	m.tokenRequests.WithLabelValues(outcome).Inc()
}

// ObserveRefresh records one forced refresh round trip.
func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

// ObserveDelivery records one listener invocation for a topic kind and
// whether it failed.
func (m *Metrics) ObserveDelivery(kind string, failed bool) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind).Inc()
	if failed {
		m.listenerFailures.WithLabelValues(kind).Inc()
	}
}

// TopicOpened and TopicClosed track underlying subscriptions.
func (m *Metrics) TopicOpened(kind string) {
	if m == nil {
		return
	}
	m.activeTopics.WithLabelValues(kind).Inc()
}

func (m *Metrics) TopicClosed(kind string) {
	if m == nil {
		return
	}
	m.activeTopics.WithLabelValues(kind).Dec()
}
