package rbac

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/auth"
	"github.com/platinummonkey/registrar/pkg/contextkeys"
	"github.com/platinummonkey/registrar/pkg/httputil"
	"github.com/platinummonkey/registrar/pkg/observability"
	"github.com/platinummonkey/registrar/pkg/routing"
)

// AllowAudit selects which allow decisions produce ALLOW records
type AllowAudit string

const (
	AllowAuditNone   AllowAudit = "none"
	AllowAuditDirect AllowAudit = "direct"
	AllowAuditAll    AllowAudit = "all"
)

// ParseAllowAudit validates a configured allow-audit level
func ParseAllowAudit(s string) (AllowAudit, error) {
	switch AllowAudit(s) {
	case AllowAuditNone, AllowAuditDirect, AllowAuditAll:
		return AllowAudit(s), nil
	}
	return "", fmt.Errorf("invalid allow audit level %q (want none, direct or all)", s)
}

// Guard builds route bindings that enforce permission keys at dispatch
type Guard struct {
	decider    Decider
	policy     AuditPolicy
	allowAudit AllowAudit
}

// GuardOption configures a Guard
type GuardOption func(*Guard)

// WithAllowAudit sets which allow decisions are recorded
func WithAllowAudit(level AllowAudit) GuardOption {
	return func(g *Guard) { g.allowAudit = level }
}

// NewGuard creates a guard factory
func NewGuard(decider Decider, policy AuditPolicy, opts ...GuardOption) *Guard {
	g := &Guard{decider: decider, policy: policy, allowAudit: AllowAuditDirect}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Required admits principals holding key
func (g *Guard) Required(key string) routing.Guard {
	return g.binding(routing.KindRequired, key)
}

// RequiredAny admits principals holding at least one of keys
func (g *Guard) RequiredAny(keys ...string) routing.Guard {
	return g.binding(routing.KindRequiredAny, keys...)
}

// RequiredAll admits principals holding every key
func (g *Guard) RequiredAll(keys ...string) routing.Guard {
	return g.binding(routing.KindRequiredAll, keys...)
}

// Optional admits anonymous requests with a reduced view, but rejects a
// present principal that lacks key
func (g *Guard) Optional(key string) routing.Guard {
	return g.binding(routing.KindOptional, key)
}

func (g *Guard) binding(kind routing.GuardKind, keys ...string) routing.Guard {
	if len(keys) == 0 {
		panic("rbac: guard requires at least one permission key")
	}
	keys = append([]string(nil), keys...)
	return routing.Guard{
		Kind: kind,
		Keys: keys,
		Middleware: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				g.dispatch(w, r, next, kind, keys)
			})
		},
	}
}

func (g *Guard) dispatch(w http.ResponseWriter, r *http.Request, next http.Handler, kind routing.GuardKind, keys []string) {
	ctx, span := observability.Tracer().Start(r.Context(), "rbac.Guard")
	defer span.End()
	span.SetAttributes(
		attribute.String("rbac.guard.kind", string(kind)),
		attribute.StringSlice("rbac.guard.keys", keys),
	)

	correlationID := contextkeys.GetCorrelationID(ctx)
	principal := auth.PrincipalFromContext(ctx)
	if principal == nil {
		if kind == routing.KindOptional {
			span.SetAttributes(attribute.Bool("rbac.anonymous", true))
			next.ServeHTTP(w, r.WithContext(contextkeys.WithAnonymous(ctx)))
			return
		}
		span.SetStatus(codes.Error, "unauthenticated")
		httputil.WriteEnvelope(w, http.StatusUnauthorized, httputil.ErrorEnvelope{
			Code:          httputil.CodeUnauthenticated,
			RequiredKey:   strings.Join(keys, ","),
			Reason:        string(ReasonUnauthenticated),
			CorrelationID: correlationID,
		})
		return
	}
	span.SetAttributes(attribute.Int64("rbac.principal", principal.ID))

	d, requiredKey := g.evaluate(ctx, kind, keys, principal)
	span.SetAttributes(attribute.Bool("rbac.allowed", d.Allowed), attribute.String("rbac.reason", string(d.Reason)))

	if d.Err != nil {
		span.RecordError(d.Err)
		span.SetStatus(codes.Error, string(d.Reason))
		observability.WithTraceContext(ctx, observability.FromContext(ctx)).
			WithError(d.Err).WithField("required_key", requiredKey).Error("permission evaluation failed")

		status, code := http.StatusInternalServerError, httputil.CodeStoreFault
		if d.Reason == ReasonTimeout {
			status, code = http.StatusGatewayTimeout, httputil.CodeTimeout
		}
		httputil.WriteEnvelope(w, status, httputil.ErrorEnvelope{
			Code:          code,
			RequiredKey:   requiredKey,
			Reason:        string(d.Reason),
			CorrelationID: correlationID,
		})
		return
	}

	if !d.Allowed {
		g.record(ctx, audit.KindDeny, audit.OutcomeDenied, principal, requiredKey, d)
		httputil.WriteEnvelope(w, http.StatusForbidden, httputil.ErrorEnvelope{
			Code:          httputil.CodeForbidden,
			RequiredKey:   requiredKey,
			Reason:        string(d.Reason),
			CorrelationID: correlationID,
		})
		return
	}

	if g.allowAudit == AllowAuditAll || (g.allowAudit == AllowAuditDirect && d.Reason == ReasonDirect) {
		g.record(ctx, audit.KindAllow, audit.OutcomeSuccess, principal, requiredKey, d)
	}
	next.ServeHTTP(w, r.WithContext(contextkeys.WithRequiredKey(ctx, requiredKey)))
}

// evaluate applies the guard kind to per-key decisions and returns the
// decisive one with the key to report
func (g *Guard) evaluate(ctx context.Context, kind routing.GuardKind, keys []string, p *auth.Principal) (Decision, string) {
	switch kind {
	case routing.KindRequiredAny:
		var first Decision
		for i, key := range keys {
			d := g.decider.Decide(ctx, p, key)
			if d.Allowed || d.Err != nil {
				return d, key
			}
			if i == 0 {
				first = d
			}
		}
		return first, strings.Join(keys, ",")
	case routing.KindRequiredAll:
		var last Decision
		for _, key := range keys {
			d := g.decider.Decide(ctx, p, key)
			if !d.Allowed {
				return d, key
			}
			last = d
		}
		return last, strings.Join(keys, ",")
	default:
		return g.decider.Decide(ctx, p, keys[0]), keys[0]
	}
}

func (g *Guard) record(ctx context.Context, kind audit.Kind, outcome audit.Outcome, p *auth.Principal, requiredKey string, d Decision) {
	reason := string(d.Reason)
	if d.Role != "" {
		reason += "=" + d.Role
	}
	// Decisions are never rolled back, so the policy's strict mode has
	// nothing to abort; a failed write is logged by emitDetached.
	g.policy.emitDetached(ctx, &audit.Record{
		Kind:          kind,
		Outcome:       outcome,
		ActorID:       audit.Int64(p.ID),
		TargetID:      audit.Int64(p.ID),
		Subject:       d.Key,
		RequiredKey:   requiredKey,
		CorrelationID: contextkeys.GetCorrelationID(ctx),
		Reason:        reason,
	})
}
