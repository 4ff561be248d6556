// Package routing wraps gorilla/mux with a route table that remembers how each
// HTTP operation was declared.
//
// Every route registered through a Table produces a Declaration carrying its
// method, path template, source position, guard bindings and exemption marker.
// The coverage auditor reads these declarations to prove that every mutating
// operation is guarded:
//
//	table := routing.NewTable(mux.NewRouter())
//	admin := table.Subtable("/admin")
//	admin.Handle(http.MethodDelete, "/roles/{name}", h.deleteRole,
//		routing.Guarded(guard.Required("admin:roles")))
//	table.Handle(http.MethodPost, "/webhooks/sis", h.ingest,
//		routing.Exempt("signed by the SIS; verified in handler"))
package routing
