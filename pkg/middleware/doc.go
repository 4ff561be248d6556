// Package middleware provides the HTTP middleware that runs ahead of the RBAC
// guards: request ids, principal resolution and admin rate limiting.
//
// # Request ids
//
// RequestID accepts a well-formed X-Request-Id from the caller or mints a new
// UUID, stores it as the correlation id and attaches a request-scoped logger:
//
//	router.Use(middleware.RequestID(logger))
//
// # Principals
//
// Authentication happens upstream. The trusted proxy forwards the user id in
// a header; PrincipalMiddleware loads the user's is_active flag and stores an
// *auth.Principal in the context for rbac.Guard:
//
//	principals := middleware.NewPrincipalMiddleware(store, "X-Principal-Id")
//	router.Use(principals.Handler)
//
// A request without the header continues anonymously; the guards decide
// whether that is acceptable.
//
// # Rate limiting
//
// RateLimit limits per principal (or per client IP when anonymous) inside one
// process using httprate. DistributedRateLimiter shares a fixed-window count
// across replicas through Redis and fails open when Redis is unreachable.
package middleware
