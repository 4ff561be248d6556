package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/registrar/pkg/contextkeys"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusOK, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteEnvelope(t *testing.T) {
	w := httptest.NewRecorder()

	WriteEnvelope(w, http.StatusForbidden, ErrorEnvelope{
		Code:          CodeForbidden,
		RequiredKey:   "grades:delete",
		Reason:        "no_grant",
		CorrelationID: "req-1",
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "forbidden", body["code"])
	assert.Equal(t, "grades:delete", body["required_key"])
	assert.Equal(t, "no_grant", body["reason"])
	assert.Equal(t, "req-1", body["correlation_id"])
	assert.NotContains(t, body, "details")
}

func TestWriteEnvelope_EmptyCorrelationIDIsPresent(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorMessage(w, http.StatusNotFound, CodeNotFound, "", "user not found")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "correlation_id")
	assert.Equal(t, "user not found", body["message"])
}

func TestWriteCreatedAndNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]int{"id": 1}))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, w.Body.Len())
}

func TestRecoveryMiddleware(t *testing.T) {
	var reported interface{}
	h := RecoveryMiddleware(func(_ *http.Request, rec interface{}, stack []byte) {
		reported = rec
		assert.NotEmpty(t, stack)
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(contextkeys.WithCorrelationID(req.Context(), "req-9"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "boom", reported)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"internal_error"`)
	assert.Contains(t, w.Body.String(), `"correlation_id":"req-9"`)
}

func TestStatusRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	rec := NewStatusRecorder(w)
	assert.Equal(t, http.StatusOK, rec.Status)

	rec.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, rec.Status)
	assert.Equal(t, http.StatusTeapot, w.Code)
}
