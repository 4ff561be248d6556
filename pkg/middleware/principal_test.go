package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/registrar/pkg/auth"
	"github.com/platinummonkey/registrar/pkg/httputil"
	"github.com/platinummonkey/registrar/pkg/rbac"
)

type failingLookup struct{ err error }

func (f failingLookup) GetUser(context.Context, int64) (*rbac.User, error) {
	return nil, f.err
}

func principalEcho(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		w.Header().Set("X-Principal", "anonymous")
	} else {
		w.Header().Set("X-Principal", p.String())
		w.Header().Set("X-Active", strconv.FormatBool(p.IsActive))
	}
	w.WriteHeader(http.StatusNoContent)
}

func resolve(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/students", nil)
	if header != "" {
		req.Header.Set("X-Principal-Id", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPrincipalMiddleware(t *testing.T) {
	env := rbac.NewTestEnv(t)
	active := env.CreateUser(t, "active", "teacher")
	inactive := env.CreateUser(t, "inactive")
	require.NoError(t, env.Store.SetUserActive(context.Background(), inactive.ID, false))

	h := NewPrincipalMiddleware(env.Store, "X-Principal-Id").Handler(http.HandlerFunc(principalEcho))

	rec := resolve(h, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "anonymous", rec.Header().Get("X-Principal"))

	rec = resolve(h, strconv.FormatInt(active.ID, 10))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, strconv.FormatInt(active.ID, 10), rec.Header().Get("X-Principal"))
	assert.Equal(t, "true", rec.Header().Get("X-Active"))

	rec = resolve(h, strconv.FormatInt(inactive.ID, 10))
	assert.Equal(t, http.StatusNoContent, rec.Code, "inactive users resolve; the guard denies them")
	assert.Equal(t, "false", rec.Header().Get("X-Active"))

	for _, bad := range []string{"abc", "-3", "0"} {
		rec = resolve(h, bad)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, bad)
	}

	rec = resolve(h, "424242")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var env401 httputil.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env401))
	assert.Equal(t, httputil.CodeUnauthenticated, env401.Code)
	assert.Equal(t, "unknown principal", env401.Message)
}

func TestPrincipalMiddleware_StoreFault(t *testing.T) {
	h := NewPrincipalMiddleware(failingLookup{err: &rbac.Error{Kind: rbac.ErrStoreFault, Err: errors.New("down")}}, "X-Principal-Id").
		Handler(http.HandlerFunc(principalEcho))

	rec := resolve(h, "7")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var envelope httputil.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	assert.Equal(t, httputil.CodeStoreFault, envelope.Code)
}
