package metrics

import "github.com/prometheus/client_golang/prometheus"

// SignalingMetrics exposes counters for the signaling endpoints.
type SignalingMetrics struct {
	operationsTotal *prometheus.CounterVec
	incomingCalls   *prometheus.CounterVec
	presenceChanges *prometheus.CounterVec
	wsClients       prometheus.Gauge
	pushTotal       *prometheus.CounterVec
}

func NewSignalingMetrics(reg prometheus.Registerer) *SignalingMetrics {
	m := &SignalingMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medcall",
			Subsystem: "signaling",
			Name:      "operations_total",
			Help:      "Signaling store operations by outcome",
		}, []string{"operation", "status"}),
		incomingCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medcall",
			Subsystem: "signaling",
			Name:      "incoming_calls_total",
			Help:      "Incoming call records posted, split by whether they were new",
		}, []string{"duplicate"}),
		presenceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medcall",
			Subsystem: "signaling",
			Name:      "presence_changes_total",
			Help:      "Channel presence updates by role and action",
		}, []string{"role", "action"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "medcall",
			Subsystem: "realtime",
			Name:      "ws_clients",
			Help:      "Connected websocket clients",
		}),
		pushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medcall",
			Subsystem: "push",
			Name:      "notifications_total",
			Help:      "Web push deliveries by outcome",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.incomingCalls, m.presenceChanges, m.wsClients, m.pushTotal)
	return m
}

func (m *SignalingMetrics) ObserveOperation(operation, status string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

func (m *SignalingMetrics) ObserveIncomingCall(duplicate bool) {
	if m == nil {
		return
	}
	label := "false"
	if duplicate {
		label = "true"
	}
	m.incomingCalls.WithLabelValues(label).Inc()
}

func (m *SignalingMetrics) ObservePresence(role, action string) {
	if m == nil {
		return
	}
	m.presenceChanges.WithLabelValues(role, action).Inc()
}

func (m *SignalingMetrics) WSConnected() {
	if m == nil {
		return
	}
	m.wsClients.Inc()
}

func (m *SignalingMetrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.wsClients.Dec()
}

func (m *SignalingMetrics) ObservePush(status string) {
	if m == nil {
		return
	}
	m.pushTotal.WithLabelValues(status).Inc()
}
