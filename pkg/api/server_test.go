package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/auth"
	"github.com/platinummonkey/registrar/pkg/coverage"
	"github.com/platinummonkey/registrar/pkg/httputil"
	"github.com/platinummonkey/registrar/pkg/observability"
	"github.com/platinummonkey/registrar/pkg/rbac"
	"github.com/platinummonkey/registrar/pkg/routing"
)

const testRequestID = "0b6a4f0e-2f0c-4c61-9d0e-7d1f6f3b8a21"

type testServer struct {
	env  *rbac.TestEnv
	srv  *Server
	prom *prometheus.Registry
}

func loadExemptions(t *testing.T) *coverage.Exemptions {
	t.Helper()
	e, err := coverage.LoadExemptions("../../coverage-exemptions.yaml")
	require.NoError(t, err)
	return e
}

func newTestServer(t *testing.T, opts Options, mutate ...func(*Deps)) *testServer {
	t.Helper()
	env := rbac.NewTestEnv(t)
	prom := prometheus.NewRegistry()

	deps := Deps{
		Store:       env.Store,
		Registry:    env.Registry,
		Grants:      env.Grants,
		Guard:       env.Guard,
		Prober:      rbac.NewProber(env.Store, rbac.ProberConfig{MaxAdmins: 3}, rbac.WithProberClock(env.Clock)),
		AuditReader: env.Audit,
		DB:          env.DB,
		Health:      observability.NewHealthChecker(env.DB, nil),
		Metrics:     observability.NewMetrics(prom),
		Prometheus:  prom,
		Exemptions:  loadExemptions(t),
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	return &testServer{env: env, srv: NewServer(opts, deps), prom: prom}
}

func (ts *testServer) do(t *testing.T, p *auth.Principal, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", testRequestID)
	if p != nil {
		req.Header.Set("X-Principal-Id", strconv.FormatInt(p.ID, 10))
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorEnvelope {
	t.Helper()
	var env httputil.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env), rec.Body.String())
	return env
}

func TestServer_ForbiddenPath(t *testing.T) {
	ts := newTestServer(t, Options{})
	teacher := ts.env.CreateUser(t, "teacher", "teacher")

	rec := ts.do(t, teacher, http.MethodDelete, "/grades/42", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, "forbidden", envelope.Code)
	assert.Equal(t, "grades:delete", envelope.RequiredKey)
	assert.Equal(t, "no_grant", envelope.Reason)
	assert.Equal(t, testRequestID, envelope.CorrelationID)

	recs := ts.env.Audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.KindDeny, recs[0].Kind)
	require.NotNil(t, recs[0].TargetID)
	assert.Equal(t, teacher.ID, *recs[0].TargetID)
	assert.Equal(t, "grades:delete", recs[0].Subject)
	assert.Equal(t, testRequestID, recs[0].CorrelationID)
}

func TestServer_DirectGrantOverridesRole(t *testing.T) {
	ts := newTestServer(t, Options{})
	admin := ts.env.CreateUser(t, "admin", rbac.AdminRole)
	teacher := ts.env.CreateUser(t, "teacher", "teacher")

	rec := ts.do(t, admin, http.MethodPost, fmt.Sprintf("/admin/users/%d/permissions", teacher.ID), map[string]interface{}{
		"key":        "grades:delete",
		"expires_at": ts.env.Clock.Now().Add(time.Hour),
		"reason":     "grade correction backlog",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, teacher, http.MethodDelete, "/grades/42", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, []audit.Kind{audit.KindGrant, audit.KindAllow}, ts.env.Audit.Kinds())

	t.Run("grant lapses with the clock", func(t *testing.T) {
		ts.env.Clock.Advance(time.Hour + time.Second)
		rec := ts.do(t, teacher, http.MethodDelete, "/grades/42", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestServer_LastAdmin(t *testing.T) {
	ts := newTestServer(t, Options{})
	admin := ts.env.CreateUser(t, "admin", rbac.AdminRole)

	rec := ts.do(t, admin, http.MethodDelete, fmt.Sprintf("/admin/users/%d/roles/admin?reason=handover", admin.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, "invariant_violation", envelope.Code)
	assert.Equal(t, "last_admin_protected", envelope.Reason)
	assert.Equal(t, testRequestID, envelope.CorrelationID)

	rec = ts.do(t, admin, http.MethodGet, "/admin/roles", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "admin must keep access after the refused revoke")
}

func TestServer_BulkGrantPartialFailure(t *testing.T) {
	ts := newTestServer(t, Options{})
	admin := ts.env.CreateUser(t, "admin", rbac.AdminRole)
	u2 := ts.env.CreateUser(t, "u2")
	u3 := ts.env.CreateUser(t, "u3")

	rec := ts.do(t, admin, http.MethodPost, "/admin/grants/bulk", map[string]interface{}{
		"user_ids": []int64{u2.ID, u3.ID},
		"keys":     []string{"students:write", "nope:nope"},
		"reason":   "enrolment week",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, "nope:nope", envelope.RequiredKey)

	var rows int
	require.NoError(t, ts.env.DB.QueryRow("SELECT COUNT(*) FROM user_permissions").Scan(&rows))
	assert.Zero(t, rows)

	recs := ts.env.Audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.KindBulkGrantRejected, recs[0].Kind)
	assert.Equal(t, "nope:nope", recs[0].Subject)
}

func TestServer_SeedCompleteness(t *testing.T) {
	ts := newTestServer(t, Options{})
	admin := ts.env.CreateUser(t, "admin", rbac.AdminRole)

	_, err := ts.env.DB.Exec("UPDATE permissions SET active = FALSE WHERE perm_key = $1", "attendance:export")
	require.NoError(t, err)

	rec := ts.do(t, admin, http.MethodGet, "/health/rbac/seed_completeness", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var res rbac.ProbeResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, rbac.StatusFail, res.Status)
	assert.Equal(t, `missing=["attendance:export"]`, res.Message)

	_, err = ts.env.Registry.Load(context.Background(), rbac.DefaultSeed(), rbac.Mutation{Reason: "reseed"})
	require.NoError(t, err)

	rec = ts.do(t, admin, http.MethodGet, "/health/rbac/seed_completeness", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestServer_GuardMatrix(t *testing.T) {
	ts := newTestServer(t, Options{})
	admin := ts.env.CreateUser(t, "admin", rbac.AdminRole)
	teacher := ts.env.CreateUser(t, "teacher", "teacher")
	viewer := ts.env.CreateUser(t, "viewer", "viewer")
	nobody := ts.env.CreateUser(t, "nobody")

	tests := []struct {
		name      string
		principal *auth.Principal
		method    string
		path      string
		want      int
	}{
		{"viewer reads students", viewer, http.MethodGet, "/students", http.StatusOK},
		{"viewer cannot create students", viewer, http.MethodPost, "/students", http.StatusForbidden},
		{"teacher records grades", teacher, http.MethodPost, "/grades", http.StatusCreated},
		{"teacher updates grades", teacher, http.MethodPut, "/grades/9", http.StatusOK},
		{"teacher lacks attendance export", teacher, http.MethodGet, "/attendance/export", http.StatusForbidden},
		{"admin exports attendance", admin, http.MethodGet, "/attendance/export", http.StatusOK},
		{"teacher generates reports", teacher, http.MethodPost, "/reports", http.StatusAccepted},
		{"viewer lists reports through either key", viewer, http.MethodGet, "/reports", http.StatusOK},
		{"viewer cannot send notifications", viewer, http.MethodPost, "/notifications", http.StatusForbidden},
		{"admin imports students", admin, http.MethodPost, "/students/import", http.StatusAccepted},
		{"anonymous write is unauthenticated", nil, http.MethodPost, "/students", http.StatusUnauthorized},
		{"anonymous reads the course catalog", nil, http.MethodGet, "/courses", http.StatusOK},
		{"signed-in user without courses:read is refused", nobody, http.MethodGet, "/courses", http.StatusForbidden},
		{"exempt unsubscribe needs no principal", nil, http.MethodPost, "/notifications/unsubscribe", http.StatusNoContent},
		{"viewer cannot reach admin api", viewer, http.MethodGet, "/admin/roles", http.StatusForbidden},
		{"teacher cannot read rbac health", teacher, http.MethodGet, "/health/rbac", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.principal, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_AnonymousView(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(t, nil, http.MethodGet, "/courses/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body ack
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Anonymous)
	assert.Equal(t, "anonymous", body.Principal)
	assert.Equal(t, "3", body.ID)
}

func TestServer_PrincipalResolution(t *testing.T) {
	ts := newTestServer(t, Options{})
	inactive := ts.env.CreateUser(t, "former", "teacher")
	require.NoError(t, ts.env.Store.SetUserActive(context.Background(), inactive.ID, false))

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/students", nil)
		req.Header.Set("X-Principal-Id", "abc")
		rec := httptest.NewRecorder()
		ts.srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotEmpty(t, decodeEnvelope(t, rec).CorrelationID)
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := ts.do(t, &auth.Principal{ID: 9999}, http.MethodGet, "/students", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("inactive user is denied", func(t *testing.T) {
		rec := ts.do(t, inactive, http.MethodGet, "/students", nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "inactive", decodeEnvelope(t, rec).Reason)
	})
}

func TestServer_Users(t *testing.T) {
	ts := newTestServer(t, Options{})
	admin := ts.env.CreateUser(t, "admin", rbac.AdminRole)

	rec := ts.do(t, admin, http.MethodPost, "/users", map[string]interface{}{"username": "ines"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created rbac.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.True(t, created.IsActive)

	rec = ts.do(t, admin, http.MethodGet, fmt.Sprintf("/users/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, admin, http.MethodGet, "/users/424242", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, admin, http.MethodPost, "/users", map[string]interface{}{"username": "  "})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "required", decodeEnvelope(t, rec).Details["username"])
}

func TestServer_Envelope(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(t, nil, http.MethodGet, "/nowhere", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, testRequestID, decodeEnvelope(t, rec).CorrelationID)
	assert.Equal(t, testRequestID, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = ts.do(t, nil, http.MethodPatch, "/students", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.srv.Table().Handle(http.MethodGet, "/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := ts.do(t, nil, http.MethodGet, "/boom", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, testRequestID, decodeEnvelope(t, rec).CorrelationID)
}

func TestServer_RequestTimeout(t *testing.T) {
	ts := newTestServer(t, Options{RequestTimeout: 50 * time.Millisecond})
	ts.srv.Table().Handle(http.MethodGet, "/slow", func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Context().Deadline()
		assert.True(t, ok)
		w.WriteHeader(http.StatusOK)
	})

	rec := ts.do(t, nil, http.MethodGet, "/slow", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AdminRateLimit(t *testing.T) {
	t.Run("in process", func(t *testing.T) {
		ts := newTestServer(t, Options{AdminRateLimit: 2})
		admin := ts.env.CreateUser(t, "admin", rbac.AdminRole)

		for i := 0; i < 2; i++ {
			assert.Equal(t, http.StatusOK, ts.do(t, admin, http.MethodGet, "/admin/roles", nil).Code)
		}
		rec := ts.do(t, admin, http.MethodGet, "/admin/roles", nil)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "rate_limited", decodeEnvelope(t, rec).Code)

		assert.Equal(t, http.StatusOK, ts.do(t, admin, http.MethodGet, "/students", nil).Code,
			"domain routes are outside the admin budget")
	})

	t.Run("shared through redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		ts := newTestServer(t, Options{AdminRateLimit: 1}, func(d *Deps) { d.Redis = client })
		admin := ts.env.CreateUser(t, "admin", rbac.AdminRole)

		assert.Equal(t, http.StatusOK, ts.do(t, admin, http.MethodGet, "/admin/roles", nil).Code)
		assert.Equal(t, http.StatusTooManyRequests, ts.do(t, admin, http.MethodGet, "/admin/roles", nil).Code)
		assert.NotEmpty(t, mr.Keys())
	})
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, Options{})
	admin := ts.env.CreateUser(t, "admin", rbac.AdminRole)

	assert.Equal(t, http.StatusOK, ts.do(t, nil, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, nil, http.MethodGet, "/health/ready", nil).Code)

	rec := ts.do(t, admin, http.MethodGet, "/health/rbac", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report rbac.HealthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	names := make([]string, 0, len(report.Probes))
	for _, p := range report.Probes {
		names = append(names, p.Name)
		if p.Name == rbac.ProbeWriteRouteCoverage {
			assert.Equal(t, rbac.StatusOK, p.Status, p.Message)
		}
	}
	assert.Contains(t, names, rbac.ProbeWriteRouteCoverage)

	rec = ts.do(t, nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	raw, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `registrar_http_requests_total{method="GET",route="/health/rbac",status="200"} 1`)
	assert.Contains(t, string(raw), "registrar_db_connections_open ")
}

func TestServer_CoverageGate(t *testing.T) {
	ts := newTestServer(t, Options{})

	res := ts.srv.Auditor().Audit()
	require.True(t, res.OK(), res.Error())
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 23, res.Checked)
	assert.Equal(t, 21, res.Guarded)
	assert.Equal(t, 2, res.Exempt)

	t.Run("exemption file is required for the webhook", func(t *testing.T) {
		ts.srv.Auditor().SetExemptions(nil)
		defer ts.srv.Auditor().SetExemptions(loadExemptions(t))

		res := ts.srv.Auditor().Audit()
		require.Len(t, res.Failures, 1)
		assert.Equal(t, "POST /webhooks/sis", res.Failures[0].Operation)
		assert.True(t, strings.HasSuffix(res.Failures[0].File, "domain.go"), res.Failures[0].File)
	})

	t.Run("new unguarded write fails the gate", func(t *testing.T) {
		ts.srv.Table().Handle(http.MethodPost, "/students/{id}/transfer", acknowledge("students", "transfer", http.StatusOK))

		res := ts.srv.Auditor().Audit()
		require.False(t, res.OK())
		require.Len(t, res.Failures, 1)
		assert.Equal(t, "POST /students/{id}/transfer", res.Failures[0].Operation)
		assert.True(t, strings.HasSuffix(res.Failures[0].File, "server_test.go"), res.Failures[0].File)
		assert.Contains(t, res.Error(), "POST /students/{id}/transfer")
	})
}

func TestServer_CoverageGateGuardedAddition(t *testing.T) {
	ts := newTestServer(t, Options{}, func(d *Deps) { d.Exemptions = nil })
	ts.srv.Auditor().SetExemptions(loadExemptions(t))

	ts.srv.Table().Handle(http.MethodPost, "/courses/{id}/archive", acknowledge("courses", "archive", http.StatusOK),
		routing.Guarded(ts.env.Guard.Required("courses:write")))
	assert.True(t, ts.srv.Auditor().Audit().OK())
}
