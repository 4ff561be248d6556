// Package rbac provides role-based access control for the student management
// API.
//
// # Overview
//
// A permission is a "<resource>:<action>" key such as "grades:delete". Roles
// bundle keys; users hold roles and, optionally, direct grants with an expiry.
// A user's effective set is the union of both, and an inactive user's
// effective set is empty.
//
// The package is organized around five components:
//
//	Registry      - immutable snapshot of the permission catalog
//	Store         - users, roles, bindings and direct grants (postgres or sqlite)
//	Evaluator     - answers "may principal P perform key K" with a reason
//	Guard         - binds routes to keys and turns decisions into 401/403
//	GrantManager  - role and grant mutations with invariants and audit
//
// # Seeding
//
// The seed descriptor is an ordered list of YAML flow mappings. Loading it is
// additive and idempotent: missing keys, roles and bindings are created,
// inactive ones reactivated, and nothing is ever removed.
//
//	registry := rbac.NewRegistry(store, policy)
//	report, err := registry.Load(ctx, rbac.DefaultSeed(), rbac.Mutation{Reason: "boot"})
//
// # Evaluation
//
// Decide never returns an error. Store failures become store_fault or timeout
// denials with Decision.Err set:
//
//	d := evaluator.Decide(ctx, principal, "grades:delete")
//	if !d.Allowed {
//		// d.Reason is one of inactive, no_grant, unknown_permission,
//		// store_fault, timeout
//	}
//
// Unknown keys deny instead of panicking. With WithCache, per-user permission
// sets are cached and revalidated against the user's rbac_version, which every
// mutation bumps in the same transaction.
//
// # Guarding routes
//
//	table.Handle(http.MethodDelete, "/grades/{id}", deleteGrade,
//		routing.Guarded(guard.Required("grades:delete")))
//
// Required, RequiredAny, RequiredAll and Optional produce routing.Guard values,
// so every guarded route is declared in one table the coverage auditor reads.
//
// # Mutations
//
// GrantManager serializes mutations per user, retries serialization failures,
// and refuses any change that would leave no administrator
// (ErrLastAdminProtected). Every committed change writes one audit record in
// the same transaction; rejected bulk grants and last-admin refusals are
// recorded after rollback.
//
// # Expiry
//
// SweepExpired inactivates expired direct grants and hard-deletes those older
// than the retention horizon. SweepScheduler runs it on a cron schedule under
// a database lease so only one replica sweeps at a time.
package rbac
