package smtpkit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for one or more engines.
// All methods are safe on a nil receiver, so instrumentation is strictly
// opt-in: engines carry a nil *Metrics unless configured otherwise.
type Metrics struct {
	sessions     *prometheus.CounterVec
	commands     *prometheus.CounterVec
	responses    *prometheus.CounterVec
	transactions *prometheus.CounterVec
	bytesIn      prometheus.Counter
	bytesOut     prometheus.Counter
}

// NewMetrics creates the metric set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpkit",
			Name:      "sessions_total",
			Help:      "Sessions started, by engine side",
		}, []string{"side"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpkit",
			Name:      "commands_total",
			Help:      "Commands processed, by verb",
		}, []string{"verb"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpkit",
			Name:      "responses_total",
			Help:      "Responses processed, by code class",
		}, []string{"class"}),
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpkit",
			Name:      "transactions_total",
			Help:      "Mail transactions completed, by outcome",
		}, []string{"outcome"}),
		bytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpkit",
			Name:      "bytes_fetched_total",
			Help:      "Bytes fetched from transport sources",
		}),
		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpkit",
			Name:      "bytes_flushed_total",
			Help:      "Bytes flushed to transport sinks",
		}),
	}
}

func (m *Metrics) addSession(side string) {
	if m != nil {
		m.sessions.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) addCommand(verb Verb) {
	if m != nil {
		m.commands.WithLabelValues(string(verb)).Inc()
	}
}

func (m *Metrics) addResponse(code int) {
	if m != nil {
		m.responses.WithLabelValues(codeClass(code)).Inc()
	}
}

func (m *Metrics) addTransaction(outcome string) {
	if m != nil {
		m.transactions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) addBytesIn(n int) {
	if m != nil {
		m.bytesIn.Add(float64(n))
	}
}

func (m *Metrics) addBytesOut(n int) {
	if m != nil {
		m.bytesOut.Add(float64(n))
	}
}
