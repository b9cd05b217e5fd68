package bridge

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the session counters. All methods are nil-safe so a
// Controller without metrics costs nothing.
type Metrics struct {
	events       *prometheus.CounterVec
	stdinBytes   prometheus.Counter
	loads        prometheus.Counter
	loadFailures prometheus.Counter
}

// NewMetrics creates and registers the bridge counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wasio",
				Name:      "events_total",
				Help:      "Outbound events emitted, by kind.",
			},
			[]string{"kind"},
		),
		stdinBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wasio",
			Name:      "stdin_bytes_total",
			Help:      "Input bytes queued for the module.",
		}),
		loads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wasio",
			Name:      "loads_total",
			Help:      "Successful module loads.",
		}),
		loadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wasio",
			Name:      "load_failures_total",
			Help:      "Module loads that faulted the session.",
		}),
	}
	reg.MustRegister(m.events, m.stdinBytes, m.loads, m.loadFailures)
	return m
}

func (m *Metrics) eventEmitted(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) addStdinBytes(n int) {
	if m == nil {
		return
	}
	m.stdinBytes.Add(float64(n))
}

func (m *Metrics) loadSucceeded() {
	if m == nil {
		return
	}
	m.loads.Inc()
}

func (m *Metrics) loadFailed() {
	if m == nil {
		return
	}
	m.loadFailures.Inc()
}
