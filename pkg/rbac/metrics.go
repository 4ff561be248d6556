package rbac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the RBAC core's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	CacheLookups     *prometheus.CounterVec
	Mutations        *prometheus.CounterVec
	SweepRows        *prometheus.CounterVec
	ProbeStatus      *prometheus.GaugeVec
	AuditFailures    prometheus.Counter
}

// NewMetrics creates and registers the collectors
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_rbac_decisions_total",
				Help: "Authorization decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		DecisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "registrar_rbac_decision_duration_seconds",
				Help:    "Time spent evaluating a permission",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_rbac_cache_lookups_total",
				Help: "Evaluator permission-set cache lookups",
			},
			[]string{"result"},
		),
		Mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_rbac_mutations_total",
				Help: "Grant manager mutations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		SweepRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_rbac_sweep_rows_total",
				Help: "Direct grant rows touched by the expiry sweep",
			},
			[]string{"action"},
		),
		ProbeStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "registrar_rbac_probe_status",
				Help: "Health probe status (0 ok, 1 warn, 2 fail)",
			},
			[]string{"probe"},
		),
		AuditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "registrar_audit_write_failures_total",
				Help: "Audit records that could not be written",
			},
		),
	}

	reg.MustRegister(m.Decisions, m.DecisionDuration, m.CacheLookups, m.Mutations, m.SweepRows, m.ProbeStatus, m.AuditFailures)
	return m
}

func (m *Metrics) observeDecision(d Decision, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	m.Decisions.WithLabelValues(outcome, string(d.Reason)).Inc()
	m.DecisionDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) cacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) mutation(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = ReasonOf(err)
	}
	m.Mutations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) sweep(res *SweepResult) {
	if m == nil || res == nil {
		return
	}
	m.SweepRows.WithLabelValues("inactivated").Add(float64(res.Inactivated))
	m.SweepRows.WithLabelValues("hard_deleted").Add(float64(res.HardDeleted))
}

func (m *Metrics) probe(r ProbeResult) {
	if m == nil {
		return
	}
	var v float64
	switch r.Status {
	case StatusWarn:
		v = 1
	case StatusFail:
		v = 2
	}
	m.ProbeStatus.WithLabelValues(r.Name).Set(v)
}

func (m *Metrics) auditFailure() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}
