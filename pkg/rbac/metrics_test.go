package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func prometheusRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	return prometheus.NewRegistry()
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeDecision(Decision{Allowed: true, Reason: ReasonRole}, 0)
		m.cacheLookup("hit")
		m.mutation("grant", nil)
		m.sweep(&SweepResult{Inactivated: 1})
		m.probe(ProbeResult{Name: ProbeAdminCount, Status: StatusFail})
		m.auditFailure()
	})
}

func TestMetrics_Recording(t *testing.T) {
	ctx := context.Background()
	m := NewMetrics(prometheusRegistry(t))
	env := NewTestEnv(t, WithEvaluatorMetrics(m))
	user := env.CreateUser(t, "pat", "viewer")

	env.Evaluator.Decide(ctx, user, "grades:read")
	env.Evaluator.Decide(ctx, user, "grades:read")
	env.Evaluator.Decide(ctx, user, "grades:delete")

	assert.Equal(t, 2.0, counterValue(t, m.Decisions.WithLabelValues("allow", "role")))
	assert.Equal(t, 1.0, counterValue(t, m.Decisions.WithLabelValues("deny", "no_grant")))
	assert.Equal(t, 1.0, counterValue(t, m.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 2.0, counterValue(t, m.CacheLookups.WithLabelValues("hit")))

	m.mutation("grant", &Error{Kind: ErrDuplicateEdge})
	m.mutation("grant", errors.New("driver exploded"))
	assert.Equal(t, 1.0, counterValue(t, m.Mutations.WithLabelValues("grant", "duplicate_edge")))
	assert.Equal(t, 1.0, counterValue(t, m.Mutations.WithLabelValues("grant", "store_fault")))

	m.probe(ProbeResult{Name: ProbeAdminCount, Status: StatusWarn})
	assert.Equal(t, 1.0, counterValue(t, m.ProbeStatus.WithLabelValues(ProbeAdminCount)))
}
