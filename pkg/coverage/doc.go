// Package coverage proves that every write HTTP operation is guarded.
//
// The Auditor reads the declarations recorded by a routing.Table and the
// routes actually mounted on its mux router. A POST, PUT, PATCH or DELETE
// operation passes when it carries at least one guard binding, an inline
// routing.Exempt marker, or an entry in the exemption file:
//
//	exemptions:
//	  - operation: POST /webhooks/sis
//	    reason: signed by the SIS; verified in handler
//
// Anything else is a failure reported with the file and line that declared
// it. Exemption entries that name missing operations, read-only operations or
// operations that are already guarded are reported as warnings so the file
// does not rot.
//
// The audit runs in two places: as a test over the application's route
// table, and as a startup self-check in the daemon. Watcher reloads the
// exemption file when it changes on disk.
package coverage
