package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/registrar/pkg/auth"
	"github.com/platinummonkey/registrar/pkg/contextkeys"
	"github.com/platinummonkey/registrar/pkg/httputil"
	"github.com/platinummonkey/registrar/pkg/observability"
	"github.com/platinummonkey/registrar/pkg/rbac"
)

// UserLookup loads the identity record behind a principal id
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*rbac.User, error)
}

// PrincipalMiddleware resolves the authenticated principal from a header set
// by the trusted upstream
type PrincipalMiddleware struct {
	users  UserLookup
	header string
}

// NewPrincipalMiddleware creates principal middleware reading header
func NewPrincipalMiddleware(users UserLookup, header string) *PrincipalMiddleware {
	return &PrincipalMiddleware{users: users, header: header}
}

// Handler stores an *auth.Principal in the request context. Requests without
// the header pass through anonymously.
func (m *PrincipalMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(m.header))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		correlationID := contextkeys.GetCorrelationID(r.Context())

		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httputil.WriteErrorMessage(w, http.StatusUnauthorized, httputil.CodeUnauthenticated,
				correlationID, "malformed principal header")
			return
		}

		user, err := m.users.GetUser(r.Context(), id)
		switch {
		case errors.Is(err, rbac.ErrUnknownUser):
			httputil.WriteErrorMessage(w, http.StatusUnauthorized, httputil.CodeUnauthenticated,
				correlationID, "unknown principal")
			return
		case err != nil:
			observability.FromContext(r.Context()).WithError(err).WithField("principal_id", id).
				Error("Failed to load principal")
			httputil.WriteEnvelope(w, rbac.HTTPStatus(err), httputil.ErrorEnvelope{
				Code:          rbac.ErrorCode(err),
				Reason:        rbac.ReasonOf(err),
				CorrelationID: correlationID,
				Message:       "failed to load principal",
			})
			return
		}

		principal := &auth.Principal{ID: user.ID, Username: user.Username, IsActive: user.IsActive}
		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = observability.WithLogger(ctx, observability.FromContext(ctx).WithField("principal_id", user.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
