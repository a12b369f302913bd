// Package metrics holds the Prometheus collectors for livequery.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors updated by the bus, the subscription engine
// and the store. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TriggersPublished   prometheus.Counter
	Deliveries          prometheus.Counter
	Conflations         prometheus.Counter
	SubscriptionErrors  prometheus.Counter
	SubscriptionsActive prometheus.Gauge
}

// New creates the collectors. They are not registered.
func New() *Metrics {
	return &Metrics{
		TriggersPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livequery_triggers_published_total",
			Help: "Cumulative number of trigger sets published to the bus.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livequery_deliveries_total",
			Help: "Cumulative number of query re-runs delivered to consumers.",
		}),
		Conflations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livequery_conflations_total",
			Help: "Cumulative number of pending triggers overwritten before delivery.",
		}),
		SubscriptionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livequery_subscription_errors_total",
			Help: "Cumulative number of subscriptions terminated by an error.",
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livequery_subscriptions_active",
			Help: "Number of subscriptions currently active.",
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TriggersPublished,
		m.Deliveries,
		m.Conflations,
		m.SubscriptionErrors,
		m.SubscriptionsActive,
	}
}

// Published records one trigger set published to the bus.
func (m *Metrics) Published() {
	if m != nil {
		m.TriggersPublished.Inc()
	}
}

// Delivered records one delivery.
func (m *Metrics) Delivered() {
	if m != nil {
		m.Deliveries.Inc()
	}
}

// Conflated records one overwritten pending trigger.
func (m *Metrics) Conflated() {
	if m != nil {
		m.Conflations.Inc()
	}
}

// Errored records one subscription terminated by an error.
func (m *Metrics) Errored() {
	if m != nil {
		m.SubscriptionErrors.Inc()
	}
}

// Activated records a subscription becoming active.
func (m *Metrics) Activated() {
	if m != nil {
		m.SubscriptionsActive.Inc()
	}
}

// Deactivated records a subscription reaching a terminal state.
func (m *Metrics) Deactivated() {
	if m != nil {
		m.SubscriptionsActive.Dec()
	}
}
