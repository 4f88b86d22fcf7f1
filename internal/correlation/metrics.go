package correlation

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commands    *prometheus.CounterVec
	roundTrip   *prometheus.HistogramVec
	pending     prometheus.Gauge
	lateReplies prometheus.Counter
	abandoned   prometheus.Counter
}

func newMetrics(channel string, reg prometheus.Registerer) *metrics {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucs_commands_total",
			Help: "Commands dispatched to the backend by outcome.",
		}, []string{"command", "outcome"}),
		roundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ucs_command_roundtrip_seconds",
			Help:    "Time from dispatch to reply, timeout or failure.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"command"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ucs_pending_correlations",
			Help: "Dispatches currently waiting for a reply.",
		}),
		lateReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ucs_late_replies_total",
			Help: "Replies that arrived for a correlation that no longer exists.",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ucs_inbound_abandoned_total",
			Help: "Inbound requests whose sender went away before a worker took them.",
		}),
	}
	if reg == nil {
		return m
	}
	wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"channel": channel}, reg)
	m.commands = register(wrapped, m.commands)
	m.roundTrip = register(wrapped, m.roundTrip)
	m.pending = register(wrapped, m.pending)
	m.lateReplies = register(wrapped, m.lateReplies)
	m.abandoned = register(wrapped, m.abandoned)
	return m
}

// register reuses an identical collector when a channel with the same name
// was registered earlier, e.g. by a recreated session.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
