// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Error envelope
//
// All guard and admin failures use the same body:
//
//	{"code": "forbidden", "required_key": "grades:delete", "reason": "no_grant", "correlation_id": "..."}
//
// Write it with:
//
//	httputil.WriteEnvelope(w, http.StatusForbidden, httputil.ErrorEnvelope{...})
//
// # Request Parsing
//
//	var req GrantRequest
//	if err := httputil.ParseJSON(r, &req); err != nil { ... }
//
//	id, err := httputil.ParsePathInt64(r, "id")
//	limit, err := httputil.ParseQueryInt(r, "limit", 50)
//	since, err := httputil.ParseQueryTime(r, "since")
//
// # Middleware
//
// RecoveryMiddleware converts panics into a 500 envelope.
package httputil
