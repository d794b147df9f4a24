package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains client-level metrics shared across the SDK
type Metrics struct {
	// Push channel
	PushConnected  prometheus.Gauge
	PushReconnects prometheus.Counter

	// Notification flow
	NotificationsReceived   *prometheus.CounterVec
	NotificationsDispatched *prometheus.CounterVec
	NotificationsDropped    *prometheus.CounterVec

	// Mailbox
	MailboxPolls *prometheus.CounterVec

	// Renewal
	RenewalRuns *prometheus.CounterVec

	// Correlation
	CorrelationResolved prometheus.Counter
	CorrelationTimeouts prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all client metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PushConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "amppsdk",
				Subsystem: "push",
				Name:      "connected",
				Help:      "Push channel connection status (0=disconnected, 1=connected)",
			},
		),

		PushReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "amppsdk",
				Subsystem: "push",
				Name:      "reconnects_total",
				Help:      "Total number of push channel reconnections",
			},
		),

		NotificationsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "amppsdk",
				Subsystem: "notifications",
				Name:      "received_total",
				Help:      "Total number of notifications received",
			},
			[]string{"channel"},
		),

		NotificationsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "amppsdk",
				Subsystem: "notifications",
				Name:      "dispatched_total",
				Help:      "Total number of dispatch records delivered to listeners",
			},
			[]string{"family"},
		),

		NotificationsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "amppsdk",
				Subsystem: "notifications",
				Name:      "dropped_total",
				Help:      "Total number of notifications dropped",
			},
			[]string{"reason"},
		),

		MailboxPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "amppsdk",
				Subsystem: "mailbox",
				Name:      "polls_total",
				Help:      "Total number of mailbox poll requests",
			},
			[]string{"status"},
		),

		RenewalRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "amppsdk",
				Subsystem: "renewal",
				Name:      "runs_total",
				Help:      "Total number of subscription renewal passes",
			},
			[]string{"status"},
		),

		CorrelationResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "amppsdk",
				Subsystem: "correlation",
				Name:      "resolved_total",
				Help:      "Total number of correlated requests resolved",
			},
		),

		CorrelationTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "amppsdk",
				Subsystem: "correlation",
				Name:      "timeouts_total",
				Help:      "Total number of correlated requests that timed out",
			},
		),
	}
}

// RecordPushConnected updates the push channel connection gauge
func (c *Metrics) RecordPushConnected(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.PushConnected.Set(value)
}

// RecordPushReconnect increments the reconnection counter
func (c *Metrics) RecordPushReconnect() {
	c.PushReconnects.Inc()
}

// RecordNotificationReceived increments the received counter for a channel
func (c *Metrics) RecordNotificationReceived(channel string) {
	c.NotificationsReceived.WithLabelValues(channel).Inc()
}

// RecordNotificationDispatched increments the dispatched counter for a family
func (c *Metrics) RecordNotificationDispatched(family string) {
	c.NotificationsDispatched.WithLabelValues(family).Inc()
}

// RecordNotificationDropped increments the dropped counter with a reason
func (c *Metrics) RecordNotificationDropped(reason string) {
	c.NotificationsDropped.WithLabelValues(reason).Inc()
}

// RecordMailboxPoll increments the poll counter with a status
func (c *Metrics) RecordMailboxPoll(status string) {
	c.MailboxPolls.WithLabelValues(status).Inc()
}

// RecordRenewalRun increments the renewal pass counter with a status
func (c *Metrics) RecordRenewalRun(status string) {
	c.RenewalRuns.WithLabelValues(status).Inc()
}

// RecordCorrelationResolved increments the resolved counter
func (c *Metrics) RecordCorrelationResolved() {
	c.CorrelationResolved.Inc()
}

// RecordCorrelationTimeout increments the timeout counter
func (c *Metrics) RecordCorrelationTimeout() {
	c.CorrelationTimeouts.Inc()
}
