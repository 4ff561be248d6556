package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/coverage"
	"github.com/platinummonkey/registrar/pkg/httputil"
	"github.com/platinummonkey/registrar/pkg/middleware"
	"github.com/platinummonkey/registrar/pkg/observability"
	"github.com/platinummonkey/registrar/pkg/rbac"
	"github.com/platinummonkey/registrar/pkg/routing"
)

// Options holds the HTTP-level settings of the server
type Options struct {
	// PrincipalHeader carries the authenticated user id from the upstream
	PrincipalHeader string
	// AdminRateLimit is the admin API budget per principal per minute; 0 disables it
	AdminRateLimit int
	// RequestTimeout bounds every request context; 0 disables it
	RequestTimeout time.Duration
	// SSLRedirect redirects plain HTTP requests to HTTPS
	SSLRedirect bool
}

// Deps are the components the server routes to. Store, Registry, Grants,
// Guard and Prober are required; the rest are optional.
type Deps struct {
	Store    *rbac.Store
	Registry *rbac.Registry
	Grants   *rbac.GrantManager
	Guard    *rbac.Guard
	Prober   *rbac.Prober

	AuditReader audit.Reader
	// DB feeds the connection pool gauges served on /metrics
	DB          *sql.DB
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Prometheus  *prometheus.Registry
	Redis       *redis.Client
	Logger      *observability.Logger
	Exemptions  *coverage.Exemptions
}

// Server is the registrar HTTP server
type Server struct {
	opts    Options
	deps    Deps
	router  *mux.Router
	table   *routing.Table
	auditor *coverage.Auditor
	handler http.Handler
}

// NewServer builds the router, registers every route and attaches the
// coverage auditor to the prober
func NewServer(opts Options, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	if opts.PrincipalHeader == "" {
		opts.PrincipalHeader = "X-Principal-Id"
	}

	s := &Server{
		opts:   opts,
		deps:   deps,
		router: mux.NewRouter(),
	}
	s.table = routing.NewTable(s.router)

	s.router.Use(middleware.NewPrincipalMiddleware(deps.Store, opts.PrincipalHeader).Handler)
	if deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}
	s.router.NotFoundHandler = http.HandlerFunc(s.notFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)

	s.setupRoutes()

	s.auditor = coverage.NewAuditor(s.table, deps.Exemptions)
	if deps.Prober != nil {
		deps.Prober.SetCoverage(s.auditor)
	}

	s.handler = s.wrap(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.registerDomainRoutes(s.table)

	admin := s.table.Subtable("/admin", s.adminMiddleware()...)
	rbac.NewHandlers(s.deps.Store, s.deps.Registry, s.deps.Grants, s.deps.Guard, s.deps.AuditReader).
		RegisterRoutes(admin)

	if s.deps.Prober != nil {
		s.deps.Prober.RegisterRoutes(s.table, s.deps.Guard.Required("admin:health"))
	}
	if s.deps.Health != nil {
		observability.RegisterHealthRoutes(s.table, s.deps.Health)
	}
	if s.deps.Prometheus != nil {
		metrics := observability.MetricsHandler(s.deps.Prometheus)
		s.table.Handle(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request) {
			if s.deps.Metrics != nil && s.deps.DB != nil {
				s.deps.Metrics.ObserveDB(s.deps.DB)
			}
			metrics.ServeHTTP(w, r)
		}, routing.Named("metrics"))
	}
}

func (s *Server) adminMiddleware() []mux.MiddlewareFunc {
	if s.opts.AdminRateLimit <= 0 {
		return nil
	}
	cfg := middleware.AdminRateLimitConfig(s.opts.AdminRateLimit)
	if s.deps.Redis != nil {
		limiter := middleware.NewDistributedRateLimiter(s.deps.Redis, cfg, "")
		return []mux.MiddlewareFunc{middleware.DistributedRateLimit(limiter)}
	}
	return []mux.MiddlewareFunc{middleware.RateLimit(cfg)}
}

// wrap applies the middleware that must run for every request, matched or not
func (s *Server) wrap(h http.Handler) http.Handler {
	logger := s.deps.Logger

	h = withTimeout(s.opts.RequestTimeout)(h)
	h = httputil.RecoveryMiddleware(func(r *http.Request, recovered interface{}, stack []byte) {
		observability.FromContext(r.Context()).WithFields(map[string]interface{}{
			"panic":  recovered,
			"stack":  string(stack),
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("PANIC recovered in handler")
	})(h)
	h = middleware.RequestID(logger)(h)
	h = secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLRedirect:           s.opts.SSLRedirect,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	}).Handler(h)
	return otelhttp.NewHandler(h, "registrar",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router returns the underlying mux router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Table returns the route table holding every declared operation
func (s *Server) Table() *routing.Table {
	return s.table
}

// Auditor returns the coverage auditor bound to the route table
func (s *Server) Auditor() *coverage.Auditor {
	return s.auditor
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteErrorMessage(w, http.StatusNotFound, httputil.CodeNotFound,
		correlationID(r), "no route for "+r.Method+" "+r.URL.Path)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, httputil.CodeValidation,
		correlationID(r), "method "+r.Method+" not allowed on "+r.URL.Path)
}
