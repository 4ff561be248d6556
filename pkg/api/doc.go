// Package api assembles the registrar HTTP server.
//
// # Overview
//
// The server is built on gorilla/mux through a routing.Table, so every
// operation it exposes is declared together with its guard bindings or
// exemption marker. That catalog is what the coverage auditor checks.
//
// Routes fall into four groups:
//
//   - Domain: students, courses, grades, attendance, reports, notifications,
//     analytics and users. Each write is guarded by its resource:action key.
//   - Admin: roles, permission catalog, user assignments, direct grants,
//     bulk grants and the audit log, all under /admin and rate limited.
//   - Health: /health/live and /health/ready for orchestrators, and the
//     guarded RBAC probes under /health/rbac.
//   - Metrics: /metrics in the Prometheus exposition format.
//
// # Middleware
//
// Outermost first: OpenTelemetry instrumentation, security headers, request
// id and request logger, panic recovery, request deadline, then (after route
// matching) principal resolution and HTTP metrics. Guards run per route.
//
// # Usage
//
//	srv := api.NewServer(api.Options{PrincipalHeader: "X-Principal-Id"}, deps)
//	if res := srv.Auditor().Audit(); !res.OK() {
//		log.Fatal(res.Error())
//	}
//	http.ListenAndServe(":8080", srv)
package api
