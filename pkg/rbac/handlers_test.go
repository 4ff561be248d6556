package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/auth"
	"github.com/platinummonkey/registrar/pkg/contextkeys"
	"github.com/platinummonkey/registrar/pkg/routing"
)

func setupAdminRouter(env *TestEnv) *mux.Router {
	router := mux.NewRouter()
	table := routing.NewTable(router)
	NewHandlers(env.Store, env.Registry, env.Grants, env.Guard, env.Audit).RegisterRoutes(table.Subtable("/admin"))
	return router
}

func adminRequest(t *testing.T, router http.Handler, p *auth.Principal, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	ctx := contextkeys.WithCorrelationID(req.Context(), "corr-admin")
	if p != nil {
		ctx = auth.WithPrincipal(ctx, p)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func TestHandlers_RevokeLastAdmin(t *testing.T) {
	env := NewTestEnv(t)
	admin := env.CreateUser(t, "admin", AdminRole)
	router := setupAdminRouter(env)

	rec := adminRequest(t, router, admin, http.MethodDelete,
		fmt.Sprintf("/admin/users/%d/roles/admin?reason=leaving", admin.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, "invariant_violation", envelope.Code)
	assert.Equal(t, "last_admin_protected", envelope.Reason)
	assert.Equal(t, "corr-admin", envelope.CorrelationID)

	roles, err := env.Store.RolesOf(context.Background(), admin.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{AdminRole}, roles)

	recs := env.Audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.KindRoleRevoke, recs[0].Kind)
	assert.Equal(t, audit.OutcomeDenied, recs[0].Outcome)
	assert.Equal(t, "corr-admin", recs[0].CorrelationID)

	t.Run("second admin can be revoked", func(t *testing.T) {
		other := env.CreateUser(t, "other", AdminRole)
		rec := adminRequest(t, router, admin, http.MethodDelete,
			fmt.Sprintf("/admin/users/%d/roles/admin?reason=rotation", other.ID), nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestHandlers_BulkGrant(t *testing.T) {
	env := NewTestEnv(t)
	admin := env.CreateUser(t, "admin", AdminRole)
	a := env.CreateUser(t, "a")
	b := env.CreateUser(t, "b")
	router := setupAdminRouter(env)

	rec := adminRequest(t, router, admin, http.MethodPost, "/admin/grants/bulk", map[string]interface{}{
		"user_ids": []int64{a.ID, b.ID},
		"keys":     []string{"grades:write", "grades:frobnicate"},
		"reason":   "term start",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, "validation_error", envelope.Code)
	assert.Equal(t, "unknown_permission", envelope.Reason)
	assert.Equal(t, "grades:frobnicate", envelope.RequiredKey)
	assert.Equal(t, int64(0), countRows(t, env, "SELECT COUNT(*) FROM user_permissions"))
	assert.Equal(t, []audit.Kind{audit.KindBulkGrantRejected}, env.Audit.Kinds())

	expires := env.Clock.Now().Add(24 * time.Hour)
	rec = adminRequest(t, router, admin, http.MethodPost, "/admin/grants/bulk", map[string]interface{}{
		"user_ids":   []int64{a.ID, b.ID},
		"keys":       []string{"grades:write", "attendance:write"},
		"expires_at": expires,
		"reason":     "term start",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res BulkGrantResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 4, res.Granted)
	assert.Equal(t, []string{"attendance:write", "grades:write"}, res.Keys)
}

func TestHandlers_Validation(t *testing.T) {
	env := NewTestEnv(t)
	admin := env.CreateUser(t, "admin", AdminRole)
	user := env.CreateUser(t, "pat")
	router := setupAdminRouter(env)
	grantPath := fmt.Sprintf("/admin/users/%d/permissions", user.ID)

	tests := []struct {
		name    string
		method  string
		path    string
		body    interface{}
		details map[string]string
	}{
		{
			name:    "missing fields",
			method:  http.MethodPost,
			path:    grantPath,
			body:    map[string]interface{}{},
			details: map[string]string{"key": "required", "reason": "required"},
		},
		{
			name:    "reason too long",
			method:  http.MethodPost,
			path:    "/admin/users/1/roles",
			body:    map[string]interface{}{"role": "teacher", "reason": string(bytes.Repeat([]byte("x"), 501))},
			details: map[string]string{"reason": "max"},
		},
		{
			name:    "bad user id",
			method:  http.MethodPost,
			path:    "/admin/users/abc/roles",
			body:    map[string]interface{}{"role": "teacher", "reason": "r"},
			details: map[string]string{"id": "must be a positive integer"},
		},
		{
			name:    "empty bulk",
			method:  http.MethodPost,
			path:    "/admin/grants/bulk",
			body:    map[string]interface{}{"user_ids": []int64{}, "keys": []string{"grades:write"}, "reason": "r"},
			details: map[string]string{"user_ids": "min"},
		},
		{
			name:    "missing revoke reason",
			method:  http.MethodDelete,
			path:    fmt.Sprintf("/admin/users/%d/permissions/grades:write", user.ID),
			details: map[string]string{"reason": "required query parameter, at most 500 characters"},
		},
		{
			name:    "bad all flag",
			method:  http.MethodGet,
			path:    "/admin/permissions?all=maybe",
			details: map[string]string{"all": "must be a boolean"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := adminRequest(t, router, admin, tt.method, tt.path, tt.body)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
			envelope := decodeEnvelope(t, rec)
			assert.Equal(t, "validation_error", envelope.Code)
			assert.Equal(t, "corr-admin", envelope.CorrelationID)
			assert.Equal(t, tt.details, envelope.Details)
		})
	}

	t.Run("unknown field", func(t *testing.T) {
		rec := adminRequest(t, router, admin, http.MethodPost, grantPath, `{"key":"grades:write","reason":"r","scope":"all"}`)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, decodeEnvelope(t, rec).Details["body"], "unknown field")
	})

	t.Run("expiry in the past", func(t *testing.T) {
		rec := adminRequest(t, router, admin, http.MethodPost, grantPath, map[string]interface{}{
			"key":        "grades:write",
			"expires_at": env.Clock.Now().Add(-time.Minute),
			"reason":     "r",
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "time_constraint", decodeEnvelope(t, rec).Reason)
	})
	assert.Equal(t, int64(0), countRows(t, env, "SELECT COUNT(*) FROM user_permissions"))
}

func TestHandlers_Roles(t *testing.T) {
	env := NewTestEnv(t)
	admin := env.CreateUser(t, "admin", AdminRole)
	teacher := env.CreateUser(t, "teacher", "teacher")
	router := setupAdminRouter(env)

	rec := adminRequest(t, router, teacher, http.MethodGet, "/admin/roles", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = adminRequest(t, router, admin, http.MethodGet, "/admin/roles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Roles []Role `json:"roles"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	assert.Len(t, listed.Roles, 3)

	rec = adminRequest(t, router, admin, http.MethodGet, "/admin/roles/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeEnvelope(t, rec).Code)

	rec = adminRequest(t, router, admin, http.MethodPost, "/admin/roles", map[string]interface{}{
		"name":        "registrar",
		"description": "Records office",
		"permissions": []string{"students:read", "students:write"},
		"reason":      "new office",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = adminRequest(t, router, admin, http.MethodPost, "/admin/roles", map[string]interface{}{
		"name":   "registrar",
		"reason": "again",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = adminRequest(t, router, admin, http.MethodPut, "/admin/roles/registrar", map[string]interface{}{
		"permissions": []string{"students:read"},
		"reason":      "narrow",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var role Role
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&role))
	assert.Equal(t, []string{"students:read"}, role.Permissions)

	rec = adminRequest(t, router, admin, http.MethodPut, "/admin/roles/admin", map[string]interface{}{
		"active": false,
		"reason": "oops",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "last_admin_protected", decodeEnvelope(t, rec).Reason)
}

func TestHandlers_UserPermissions(t *testing.T) {
	env := NewTestEnv(t)
	admin := env.CreateUser(t, "admin", AdminRole)
	user := env.CreateUser(t, "pat", "viewer")
	router := setupAdminRouter(env)

	path := fmt.Sprintf("/admin/users/%d/permissions", user.ID)
	rec := adminRequest(t, router, admin, http.MethodPost, path, map[string]interface{}{
		"key":    "grades:write",
		"reason": "grading help",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = adminRequest(t, router, admin, http.MethodPost, path, map[string]interface{}{
		"key":    "grades:write",
		"reason": "grading help",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, "validation_error", envelope.Code)
	assert.Equal(t, "duplicate_edge", envelope.Reason)

	rec = adminRequest(t, router, admin, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var eff EffectivePermissions
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&eff))
	assert.Equal(t, []string{"viewer"}, eff.Roles)
	require.Len(t, eff.Direct, 1)
	assert.Contains(t, eff.Keys, "grades:write")
	assert.Contains(t, eff.Keys, "students:read")

	rec = adminRequest(t, router, admin, http.MethodGet, "/admin/users/9999/permissions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = adminRequest(t, router, admin, http.MethodDelete, path+"/grades:write?reason=done", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = adminRequest(t, router, admin, http.MethodPost, fmt.Sprintf("/admin/users/%d/roles", user.ID), map[string]interface{}{
		"role":   "teacher",
		"reason": "promotion",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = adminRequest(t, router, admin, http.MethodGet, "/admin/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var catalog struct {
		Permissions []Permission `json:"permissions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&catalog))
	assert.Len(t, catalog.Permissions, 26)
}

func TestHandlers_Audit(t *testing.T) {
	env := NewTestEnv(t)
	admin := env.CreateUser(t, "admin", AdminRole)
	user := env.CreateUser(t, "pat")
	router := setupAdminRouter(env)

	rec := adminRequest(t, router, admin, http.MethodPost, fmt.Sprintf("/admin/users/%d/roles", user.ID), map[string]interface{}{
		"role":   "teacher",
		"reason": "hire",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = adminRequest(t, router, admin, http.MethodGet, fmt.Sprintf("/admin/audit?kind=role_assign&target=%d", user.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page audit.Page
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	require.Len(t, page.Records, 1)
	assert.Equal(t, audit.KindRoleAssign, page.Records[0].Kind)
	assert.Equal(t, "corr-admin", page.Records[0].CorrelationID)
	assert.Equal(t, "hire", page.Records[0].Reason)

	rec = adminRequest(t, router, admin, http.MethodGet, "/admin/audit?limit=-1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
