package admission

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors of one controller. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Admissions           *prometheus.CounterVec // labels: result
	Closed               *prometheus.CounterVec // labels: reason
	QueueDepth           *prometheus.GaugeVec   // labels: tier
	WorkersBusy          prometheus.Gauge
	Promotions           prometheus.Counter
	CollaboratorFailures prometheus.Counter
}

// NewMetrics creates the controller collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qgate",
			Name:      "admissions_total",
			Help:      "Admission attempts by outcome.",
		}, []string{"result"}),
		Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qgate",
			Name:      "closed_total",
			Help:      "Closed connection handles by reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qgate",
			Name:      "queue_depth",
			Help:      "Current number of handles per admission tier.",
		}, []string{"tier"}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qgate",
			Name:      "workers_busy",
			Help:      "Workers currently running a service loop.",
		}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qgate",
			Name:      "promotions_total",
			Help:      "Handles moved from the overflow buffer to the admission queue.",
		}),
		CollaboratorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qgate",
			Name:      "collaborator_failures_total",
			Help:      "Service loops that returned an error or panicked.",
		}),
	}
	reg.MustRegister(m.Admissions, m.Closed, m.QueueDepth, m.WorkersBusy, m.Promotions, m.CollaboratorFailures)
	return m
}

func (m *Metrics) admission(r Result) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) closed(r CloseReason) {
	if m == nil {
		return
	}
	m.Closed.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) depth(tier Location) func(int) {
	if m == nil {
		return nil
	}
	g := m.QueueDepth.WithLabelValues(tier.String())
	return func(n int) { g.Set(float64(n)) }
}

func (m *Metrics) busy(delta float64) {
	if m == nil {
		return
	}
	m.WorkersBusy.Add(delta)
}

func (m *Metrics) promoted() {
	if m == nil {
		return
	}
	m.Promotions.Inc()
}

func (m *Metrics) failure() {
	if m == nil {
		return
	}
	m.CollaboratorFailures.Inc()
}
