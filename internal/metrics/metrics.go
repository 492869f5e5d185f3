// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatelink_session_connection_state",
			Help: "Connection state of the gateway session (1 for the current state)",
		},
		[]string{"state"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatelink_session_reconnect_attempts_total",
			Help: "Reconnect attempts by result",
		},
		[]string{"result"},
	)
	heartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatelink_session_heartbeat_timeouts_total",
			Help: "Liveness timeouts detected by the heartbeat monitor",
		},
	)
	gatewayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatelink_gateway_errors_total",
			Help: "Inbound gateway errors by classified category",
		},
		[]string{"category"},
	)
	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatelink_marketdata_active_subscriptions",
			Help: "Market-data subscriptions currently live on the transport",
		},
	)
	resubscriptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatelink_marketdata_resubscriptions_total",
			Help: "Resubscription attempts after a reconnect, by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		connectionState,
		reconnectAttempts,
		heartbeatTimeouts,
		gatewayErrors,
		activeSubscriptions,
		resubscriptions,
	)
}

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

// Collector is the handle components use to publish session health metrics.
// A nil *Collector is valid and drops every update, so tests and metric-less
// runs need no conditionals at the call sites.
type Collector struct{}

func NewCollector() *Collector {
	return &Collector{}
}

// ConnectionState marks the given state as current and clears the others.
func (c *Collector) ConnectionState(state string) {
	if c == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) ReconnectAttempt(result string) {
	if c == nil {
		return
	}
	reconnectAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) HeartbeatTimeout() {
	if c == nil {
		return
	}
	heartbeatTimeouts.Inc()
}

func (c *Collector) GatewayError(category string) {
	if c == nil {
		return
	}
	gatewayErrors.WithLabelValues(category).Inc()
}

func (c *Collector) ActiveSubscriptions(n int) {
	if c == nil {
		return
	}
	activeSubscriptions.Set(float64(n))
}

func (c *Collector) Resubscription(result string) {
	if c == nil {
		return
	}
	resubscriptions.WithLabelValues(result).Inc()
}
