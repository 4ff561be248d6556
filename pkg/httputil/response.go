package httputil

import (
	"encoding/json"
	"net/http"
)

// Envelope codes shared by the guard and the admin API.
const (
	CodeUnauthenticated    = "unauthenticated"
	CodeForbidden          = "forbidden"
	CodeInvariantViolation = "invariant_violation"
	CodeValidation         = "validation_error"
	CodeInactivePermission = "inactive_permission"
	CodeNotFound           = "not_found"
	CodeAuditUnavailable   = "audit_unavailable"
	CodeTimeout            = "timeout"
	CodeStoreFault         = "store_fault"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal_error"
)

// ErrorEnvelope is the wire-level error body. Every user-visible failure
// carries the correlation id so operators can find the matching audit record.
type ErrorEnvelope struct {
	Code          string            `json:"code"`
	RequiredKey   string            `json:"required_key,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Message       string            `json:"message,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteEnvelope writes an error envelope with the given status code
func WriteEnvelope(w http.ResponseWriter, status int, env ErrorEnvelope) {
	_ = WriteJSON(w, status, env)
}

// WriteErrorMessage writes an envelope carrying only a code and message
func WriteErrorMessage(w http.ResponseWriter, status int, code, correlationID, message string) {
	WriteEnvelope(w, status, ErrorEnvelope{
		Code:          code,
		CorrelationID: correlationID,
		Message:       message,
	})
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
