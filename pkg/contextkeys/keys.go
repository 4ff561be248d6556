// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/registrar/pkg/contextkeys"
//	ctx = contextkeys.WithCorrelationID(ctx, id)
//	id := contextkeys.GetCorrelationID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *auth.Principal
	// Set by: middleware.PrincipalMiddleware (pkg/middleware/principal.go)
	// Required by: rbac.Guard, admin handlers
	// Type: *auth.Principal
	PrincipalKey Key = "principal"

	// CorrelationIDKey contains the request correlation id (UUID)
	// Set by: middleware.RequestID (pkg/middleware/requestid.go)
	// Used by: Logger, audit records, error envelopes
	// Type: string
	CorrelationIDKey Key = "correlation_id"

	// RequiredKeyKey contains the permission key a guard enforced
	// Set by: rbac.Guard after an allow decision
	// Used by: audit records emitted further down the handler chain
	// Type: string
	RequiredKeyKey Key = "required_key"

	// AnonymousKey marks a request admitted by an optional guard without a principal
	// Set by: rbac.Guard (optional kind)
	// Used by: handlers that render a reduced anonymous view
	// Type: bool
	AnonymousKey Key = "anonymous"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.RequestID (pkg/middleware/requestid.go)
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithCorrelationID adds the correlation id to the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithRequiredKey records the enforced permission key on the context
func WithRequiredKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, RequiredKeyKey, key)
}

// WithAnonymous marks the request as admitted anonymously
func WithAnonymous(ctx context.Context) context.Context {
	return context.WithValue(ctx, AnonymousKey, true)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetCorrelationID retrieves the correlation id from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRequiredKey retrieves the enforced permission key from context
func GetRequiredKey(ctx context.Context) string {
	if key, ok := ctx.Value(RequiredKeyKey).(string); ok {
		return key
	}
	return ""
}

// IsAnonymous reports whether an optional guard admitted the request without a principal
func IsAnonymous(ctx context.Context) bool {
	anon, _ := ctx.Value(AnonymousKey).(bool)
	return anon
}
