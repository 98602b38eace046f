package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the realtime layer
type Metrics struct {
	// Publisher
	EventsPublished *prometheus.CounterVec
	PublishErrors   *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec

	// Broker
	BrokerReconnects    *prometheus.CounterVec
	BrokerSubscriptions prometheus.Gauge

	// Gateway
	EventsReceived  *prometheus.CounterVec
	MalformedEvents prometheus.Counter
	FanoutMessages  prometheus.Counter
	FanoutDropped   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter

	// Unread counter
	UnreadMutations *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Initialize creates and registers all collectors. Safe to call more than once.
func Initialize() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realtime_events_published_total",
					Help: "Domain events handed to the broker",
				},
				[]string{"channel", "type"},
			),
			PublishErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realtime_publish_errors_total",
					Help: "Publish attempts that failed and were dropped",
				},
				[]string{"channel"},
			),
			PublishDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "realtime_publish_duration_seconds",
					Help:    "Time spent publishing one event to the broker",
					Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
				},
				[]string{"channel"},
			),
			BrokerReconnects: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realtime_broker_reconnects_total",
					Help: "Broker reconnect attempts by connection role",
				},
				[]string{"role"},
			),
			BrokerSubscriptions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "realtime_broker_subscriptions",
					Help: "Active broker channel subscriptions in this process",
				},
			),
			EventsReceived: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realtime_events_received_total",
					Help: "Events received from the broker by the gateway",
				},
				[]string{"channel"},
			),
			MalformedEvents: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "realtime_malformed_events_total",
					Help: "Broker messages dropped because they did not decode",
				},
			),
			FanoutMessages: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "realtime_fanout_messages_total",
					Help: "Messages queued to local client sessions",
				},
			),
			FanoutDropped: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "realtime_fanout_dropped_total",
					Help: "Messages dropped because a session was closed or its buffer was full",
				},
			),
			SessionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "realtime_sessions_active",
					Help: "Client sessions attached to this instance",
				},
			),
			SessionsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "realtime_sessions_total",
					Help: "Client sessions accepted since start",
				},
			),
			UnreadMutations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realtime_unread_mutations_total",
					Help: "Unread counter mutations by operation",
				},
				[]string{"op"},
			),
		}
	})
	return instance
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Initialize()
}
