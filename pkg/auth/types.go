package auth

import (
	"context"
	"strconv"

	"github.com/platinummonkey/registrar/pkg/contextkeys"
)

// Principal is an already-authenticated user identity. Token parsing and
// credential checks happen upstream; the RBAC core only consumes this value.
type Principal struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	IsActive bool   `json:"is_active"`
}

// String returns the principal id in decimal form
func (p *Principal) String() string {
	if p == nil {
		return "anonymous"
	}
	return strconv.FormatInt(p.ID, 10)
}

// WithPrincipal adds the principal to the context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return contextkeys.WithPrincipal(ctx, p)
}

// PrincipalFromContext returns the principal stored in ctx, or nil when the
// request is anonymous.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}
