package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	OrdersCreated        prometheus.Counter
	OrderTransitions     *prometheus.CounterVec
	TransitionConflicts  prometheus.Counter
	AuthorizationDenials prometheus.Counter
	EventsPublished      prometheus.Counter
	PropagationLatency   prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		OrdersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_orders_created_total",
			Help: "Total number of orders created",
		}),
		OrderTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_order_transitions_total",
			Help: "Total number of successful order status transitions",
		}, []string{"to"}),
		TransitionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_order_transition_conflicts_total",
			Help: "Total number of transitions that lost an optimistic concurrency race",
		}),
		AuthorizationDenials: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_authorization_denials_total",
			Help: "Total number of row-scoped authorization denials",
		}),
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_events_published_total",
			Help: "Total number of order events fanned out to subscribers",
		}),
		PropagationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_propagation_latency_seconds",
			Help:    "Round-trip delivery latency of propagated order events",
			Buckets: []float64{.005, .01, .025, .05, .1, .2, .5, 1, 2.5},
		}),
	}
}

// IncrementOrdersCreated increments the orders created counter by 1.
func (m *Metrics) IncrementOrdersCreated() {
	if m == nil {
		return
	}
	m.OrdersCreated.Inc()
}

// IncrementTransition records a successful transition to the given status.
func (m *Metrics) IncrementTransition(to string) {
	if m == nil {
		return
	}
	m.OrderTransitions.WithLabelValues(to).Inc()
}

// IncrementConflicts increments the lost-race counter by 1.
func (m *Metrics) IncrementConflicts() {
	if m == nil {
		return
	}
	m.TransitionConflicts.Inc()
}

// IncrementDenials increments the authorization denial counter by 1.
func (m *Metrics) IncrementDenials() {
	if m == nil {
		return
	}
	m.AuthorizationDenials.Inc()
}

// IncrementEventsPublished increments the published event counter by 1.
func (m *Metrics) IncrementEventsPublished() {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
}

// ObservePropagationLatency records one measured round trip.
func (m *Metrics) ObservePropagationLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.PropagationLatency.Observe(d.Seconds())
}
