// Package cli implements registrar-cli, the operator tool for the RBAC core.
//
// Commands:
//
//	seed            load the seed descriptor into the store
//	sweep-expired   inactivate and purge expired direct grants
//	audit-coverage  check that every write route is guarded or exempt
//	report-health   run the RBAC health probes
//	migrate         apply schema migrations
//
// Every command accepts --db-driver and --database-url. Settings not given
// on the command line come from the REGISTRAR_* environment unless
// --config-from-env=false, in which case built-in defaults apply.
//
// Exit codes: 0 on success (a health report with warnings still succeeds),
// 1 when the operation fails, the coverage audit fails or any probe fails,
// and 2 for usage errors.
package cli
