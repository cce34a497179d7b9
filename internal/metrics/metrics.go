package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveryTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "delivery_transitions_total",
		Help:      "Delivery state transitions applied to local messages",
	}, []string{"to"})

	SubscriptionStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "subscription_status_total",
		Help:      "Live subscription status changes",
	}, []string{"status"})

	EventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "events_applied_total",
		Help:      "Live events routed into a message log",
	}, []string{"type", "result"})

	ReadReceipts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "read_receipts_total",
		Help:      "Read receipt writes by result",
	}, []string{"result"})

	HubSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Name:      "hub_subscribers",
		Help:      "Live subscribers attached to the realtime hub",
	})
)

var once sync.Once

// Register adds the chat collectors to the default registry. Safe to call more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(DeliveryTransitions, SubscriptionStatus, EventsApplied, ReadReceipts, HubSubscribers)
	})
}
