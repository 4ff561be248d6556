package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/observability"
)

// GrantManager applies role and permission mutations under per-user locks,
// with invariant checks and audit emission in the same transaction.
type GrantManager struct {
	store       *Store
	policy      AuditPolicy
	invalidator CacheInvalidator
	clock       Clock
	maxRetries  uint64
	metrics     *Metrics
	logger      *observability.Logger

	leaseHolder string
	leaseTTL    time.Duration
}

// GrantOption configures a GrantManager
type GrantOption func(*GrantManager)

// WithGrantInvalidator drops evaluator cache entries after each commit
func WithGrantInvalidator(inv CacheInvalidator) GrantOption {
	return func(g *GrantManager) { g.invalidator = inv }
}

// WithGrantClock sets the clock used for granted_at and expiry checks
func WithGrantClock(c Clock) GrantOption {
	return func(g *GrantManager) { g.clock = c }
}

// WithMaxRetries bounds the retries of transient store faults
func WithMaxRetries(n uint64) GrantOption {
	return func(g *GrantManager) { g.maxRetries = n }
}

// WithGrantMetrics records mutation and sweep metrics
func WithGrantMetrics(m *Metrics) GrantOption {
	return func(g *GrantManager) { g.metrics = m }
}

// WithGrantLogger sets the logger
func WithGrantLogger(l *observability.Logger) GrantOption {
	return func(g *GrantManager) { g.logger = l }
}

// WithSweepLease sets the lease holder identity and TTL used by SweepExpired
func WithSweepLease(holder string, ttl time.Duration) GrantOption {
	return func(g *GrantManager) {
		if holder != "" {
			g.leaseHolder = holder
		}
		if ttl > 0 {
			g.leaseTTL = ttl
		}
	}
}

// NewGrantManager creates a grant manager
func NewGrantManager(store *Store, policy AuditPolicy, opts ...GrantOption) *GrantManager {
	host, _ := os.Hostname()
	g := &GrantManager{
		store:       store,
		policy:      policy,
		clock:       SystemClock,
		maxRetries:  3,
		logger:      observability.NewNopLogger(),
		leaseHolder: fmt.Sprintf("%s:%d", host, os.Getpid()),
		leaseTTL:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.policy.Metrics == nil {
		g.policy.Metrics = g.metrics
	}
	return g
}

// run executes fn in a transaction holding the locks of userIDs. Transient
// store faults are retried with exponential backoff; everything else is final.
func (g *GrantManager) run(ctx context.Context, op string, userIDs []int64, fn func(tx *sql.Tx, now time.Time) error) error {
	ctx, span := observability.Tracer().Start(ctx, "rbac.GrantManager."+op)
	defer span.End()
	span.SetAttributes(attribute.Int("rbac.users", len(userIDs)))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		release, err := g.store.locks.acquire(ctx, userIDs)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer release()

		err = g.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := g.store.advisoryLockUsers(ctx, tx, userIDs); err != nil {
				return err
			}
			return fn(tx, g.clock.Now().UTC())
		})
		if err != nil && isTransient(err) && ctx.Err() == nil {
			g.logger.WithError(err).WithFields(map[string]interface{}{
				"operation": op,
				"attempt":   attempt,
			}).Warn("Retrying transient store fault")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, g.maxRetries), ctx))

	err = classifyStoreError(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ReasonOf(err))
	}
	return err
}

func (g *GrantManager) invalidate(ctx context.Context, userIDs ...int64) {
	if g.invalidator != nil && len(userIDs) > 0 {
		g.invalidator.Invalidate(ctx, userIDs...)
	}
}

func (g *GrantManager) invalidateAll(ctx context.Context) {
	if g.invalidator != nil {
		g.invalidator.InvalidateAll(ctx)
	}
}

// protectLastAdmin fails when the mutation just applied in tx removed the
// last admin-equivalent user
func (g *GrantManager) protectLastAdmin(ctx context.Context, tx *sql.Tx, before int64, now time.Time) error {
	after, err := g.store.countAdmins(ctx, tx, now)
	if err != nil {
		return err
	}
	if before >= 1 && after == 0 {
		return &Error{Kind: ErrLastAdminProtected, Reason: "mutation would leave no active administrator"}
	}
	return nil
}

// recordDenied writes the audit trail for a mutation rejected by an invariant.
// The mutation's transaction is already rolled back.
func (g *GrantManager) recordDenied(ctx context.Context, err error, rec *audit.Record) {
	if !errors.Is(err, ErrLastAdminProtected) {
		return
	}
	rec.Outcome = audit.OutcomeDenied
	rec.Reason = ReasonOf(err)
	g.policy.emitDetached(ctx, rec)
}

func assignedRoles(ctx context.Context, q querier, userID int64) ([]string, error) {
	return queryStrings(ctx, q, `SELECT r.name FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 ORDER BY r.name`, userID)
}

func grantSnapshot(key string, g *DirectGrant) map[string]interface{} {
	if g == nil {
		return nil
	}
	snap := map[string]interface{}{"key": key, "active": g.Active, "granted_at": g.GrantedAt}
	if g.ExpiresAt != nil {
		snap["expires_at"] = *g.ExpiresAt
	}
	return snap
}

// Roles on users

// GrantRole assigns an active role to a user
func (g *GrantManager) GrantRole(ctx context.Context, userID int64, roleName string, m Mutation) (err error) {
	defer func() { g.metrics.mutation("role_assign", err) }()
	m = m.withDefaults(ctx)

	err = g.run(ctx, "GrantRole", []int64{userID}, func(tx *sql.Tx, now time.Time) error {
		if _, err := g.store.getUser(ctx, tx, userID); err != nil {
			return err
		}
		role, err := g.store.getRole(ctx, tx, roleName)
		if err != nil {
			return err
		}
		if !role.Active {
			return &Error{Kind: ErrValidation, Role: roleName, Reason: "role is inactive"}
		}

		before, err := assignedRoles(ctx, tx, userID)
		if err != nil {
			return err
		}
		for _, name := range before {
			if name == roleName {
				return &Error{Kind: ErrDuplicateEdge, Role: roleName, UserID: userID}
			}
		}
		if err := g.store.insertUserRole(ctx, tx, userID, role.ID, m.Actor, now); err != nil {
			return err
		}
		if err := g.store.bumpVersions(ctx, tx, userID); err != nil {
			return err
		}

		after := append(append([]string(nil), before...), roleName)
		sort.Strings(after)
		return g.policy.emit(ctx, tx, &audit.Record{
			Timestamp:     now,
			Kind:          audit.KindRoleAssign,
			ActorID:       actorRef(m.Actor),
			TargetID:      audit.Int64(userID),
			Subject:       roleName,
			CorrelationID: m.CorrelationID,
			Reason:        m.Reason,
			Changes: &audit.ChangeDetails{
				Before: map[string]interface{}{"roles": before},
				After:  map[string]interface{}{"roles": after},
			},
		})
	})
	if err == nil {
		g.invalidate(ctx, userID)
	}
	return err
}

// RevokeRole removes a role from a user. It fails with ErrLastAdminProtected
// when the user is the last admin-equivalent principal.
func (g *GrantManager) RevokeRole(ctx context.Context, userID int64, roleName string, m Mutation) (err error) {
	defer func() { g.metrics.mutation("role_revoke", err) }()
	m = m.withDefaults(ctx)

	var before []string
	err = g.run(ctx, "RevokeRole", []int64{userID}, func(tx *sql.Tx, now time.Time) error {
		if _, err := g.store.getUser(ctx, tx, userID); err != nil {
			return err
		}
		role, err := g.store.getRole(ctx, tx, roleName)
		if err != nil {
			return err
		}
		if before, err = assignedRoles(ctx, tx, userID); err != nil {
			return err
		}
		admins, err := g.store.countAdmins(ctx, tx, now)
		if err != nil {
			return err
		}

		removed, err := g.store.deleteUserRole(ctx, tx, userID, role.ID)
		if err != nil {
			return err
		}
		if !removed {
			return &Error{Kind: ErrNotFound, Role: roleName, UserID: userID, Reason: "role is not assigned"}
		}
		if err := g.protectLastAdmin(ctx, tx, admins, now); err != nil {
			return err
		}
		if err := g.store.bumpVersions(ctx, tx, userID); err != nil {
			return err
		}

		after := make([]string, 0, len(before))
		for _, name := range before {
			if name != roleName {
				after = append(after, name)
			}
		}
		return g.policy.emit(ctx, tx, &audit.Record{
			Timestamp:     now,
			Kind:          audit.KindRoleRevoke,
			ActorID:       actorRef(m.Actor),
			TargetID:      audit.Int64(userID),
			Subject:       roleName,
			CorrelationID: m.CorrelationID,
			Reason:        m.Reason,
			Changes: &audit.ChangeDetails{
				Before: map[string]interface{}{"roles": before},
				After:  map[string]interface{}{"roles": after},
			},
		})
	})
	if err != nil {
		g.recordDenied(ctx, err, &audit.Record{
			Kind:          audit.KindRoleRevoke,
			ActorID:       actorRef(m.Actor),
			TargetID:      audit.Int64(userID),
			Subject:       roleName,
			CorrelationID: m.CorrelationID,
			Changes:       &audit.ChangeDetails{Before: map[string]interface{}{"roles": before}},
		})
		return err
	}
	g.invalidate(ctx, userID)
	return nil
}

// Direct grants

// GrantPermission attaches key to a user directly, optionally until expiresAt.
// An expired or swept-inactive grant for the same pair is revived.
func (g *GrantManager) GrantPermission(ctx context.Context, userID int64, key string, expiresAt *time.Time, m Mutation) (grant *DirectGrant, err error) {
	defer func() { g.metrics.mutation("grant", err) }()
	m = m.withDefaults(ctx)

	err = g.run(ctx, "GrantPermission", []int64{userID}, func(tx *sql.Tx, now time.Time) error {
		if _, err := g.store.getUser(ctx, tx, userID); err != nil {
			return err
		}
		perm, err := g.store.getPermission(ctx, tx, key)
		if err != nil {
			return err
		}
		if !perm.Active {
			return &Error{Kind: ErrInactivePermission, Key: key}
		}
		if expiresAt != nil && !expiresAt.After(now) {
			return &Error{Kind: ErrTimeConstraint, Key: key, Reason: "expires_at must be in the future"}
		}

		existing, err := g.store.getDirectGrant(ctx, tx, userID, perm.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.ActiveAt(now) {
			return &Error{Kind: ErrDuplicateEdge, Key: key, UserID: userID}
		}
		if existing != nil {
			existing.Key = key
		}
		if err := g.store.putDirectGrant(ctx, tx, existing, userID, perm.ID, m.Actor, now, expiresAt); err != nil {
			return err
		}
		if err := g.store.bumpVersions(ctx, tx, userID); err != nil {
			return err
		}

		grant = &DirectGrant{UserID: userID, Key: key, GrantedBy: actorRef(m.Actor), GrantedAt: now, Active: true}
		if expiresAt != nil {
			t := expiresAt.UTC()
			grant.ExpiresAt = &t
		}
		return g.policy.emit(ctx, tx, &audit.Record{
			Timestamp:     now,
			Kind:          audit.KindGrant,
			ActorID:       actorRef(m.Actor),
			TargetID:      audit.Int64(userID),
			Subject:       key,
			CorrelationID: m.CorrelationID,
			Reason:        m.Reason,
			Changes: &audit.ChangeDetails{
				Before: grantSnapshot(key, existing),
				After:  grantSnapshot(key, grant),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	g.invalidate(ctx, userID)
	return grant, nil
}

// RevokePermission hard-deletes a direct grant row
func (g *GrantManager) RevokePermission(ctx context.Context, userID int64, key string, m Mutation) (err error) {
	defer func() { g.metrics.mutation("revoke", err) }()
	m = m.withDefaults(ctx)

	var existing *DirectGrant
	err = g.run(ctx, "RevokePermission", []int64{userID}, func(tx *sql.Tx, now time.Time) error {
		if _, err := g.store.getUser(ctx, tx, userID); err != nil {
			return err
		}
		perm, err := g.store.getPermission(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing, err = g.store.getDirectGrant(ctx, tx, userID, perm.ID); err != nil {
			return err
		}
		if existing == nil {
			return &Error{Kind: ErrNotFound, Key: key, UserID: userID, Reason: "permission is not directly granted"}
		}
		admins, err := g.store.countAdmins(ctx, tx, now)
		if err != nil {
			return err
		}
		if _, err := g.store.deleteDirectGrant(ctx, tx, userID, perm.ID); err != nil {
			return err
		}
		if err := g.protectLastAdmin(ctx, tx, admins, now); err != nil {
			return err
		}
		if err := g.store.bumpVersions(ctx, tx, userID); err != nil {
			return err
		}
		return g.policy.emit(ctx, tx, &audit.Record{
			Timestamp:     now,
			Kind:          audit.KindRevoke,
			ActorID:       actorRef(m.Actor),
			TargetID:      audit.Int64(userID),
			Subject:       key,
			CorrelationID: m.CorrelationID,
			Reason:        m.Reason,
			Changes:       &audit.ChangeDetails{Before: grantSnapshot(key, existing)},
		})
	})
	if err != nil {
		g.recordDenied(ctx, err, &audit.Record{
			Kind:          audit.KindRevoke,
			ActorID:       actorRef(m.Actor),
			TargetID:      audit.Int64(userID),
			Subject:       key,
			CorrelationID: m.CorrelationID,
			Changes:       &audit.ChangeDetails{Before: grantSnapshot(key, existing)},
		})
		return err
	}
	g.invalidate(ctx, userID)
	return nil
}

// BulkGrantRequest grants every key to every user
type BulkGrantRequest struct {
	UserIDs   []int64
	Keys      []string
	ExpiresAt *time.Time
}

// BulkGrantResult reports a committed bulk grant
type BulkGrantResult struct {
	Users   []int64    `json:"users"`
	Keys    []string   `json:"keys"`
	Granted int        `json:"granted"`
	Expires *time.Time `json:"expires_at,omitempty"`
}

// BulkGrant grants all (user, key) pairs atomically. Every key and user is
// validated before the first write; any failure rejects the whole batch and
// leaves a single BULK_GRANT_REJECTED record.
func (g *GrantManager) BulkGrant(ctx context.Context, req BulkGrantRequest, m Mutation) (res *BulkGrantResult, err error) {
	defer func() { g.metrics.mutation("bulk_grant", err) }()
	m = m.withDefaults(ctx)

	users := sortedUnique(req.UserIDs)
	keys := uniqueStrings(req.Keys)
	sort.Strings(keys)
	if len(users) == 0 || len(keys) == 0 {
		err = &Error{Kind: ErrValidation, Reason: "bulk grant needs at least one user and one key"}
		g.rejectBulk(ctx, m, users, keys, err, nil)
		return nil, err
	}

	var offending map[string]interface{}
	err = g.run(ctx, "BulkGrant", users, func(tx *sql.Tx, now time.Time) error {
		offending = nil
		permIDs := make(map[string]int64, len(keys))
		var unknownKeys, inactiveKeys []string
		for _, key := range keys {
			perm, err := g.store.getPermission(ctx, tx, key)
			switch {
			case errors.Is(err, ErrUnknownPermission):
				unknownKeys = append(unknownKeys, key)
				continue
			case err != nil:
				return err
			}
			if !perm.Active {
				inactiveKeys = append(inactiveKeys, key)
			}
			permIDs[key] = perm.ID
		}

		found, err := g.store.existingUsers(ctx, tx, users)
		if err != nil {
			return err
		}
		var unknownUsers []int64
		for _, id := range users {
			if !found[id] {
				unknownUsers = append(unknownUsers, id)
			}
		}

		switch {
		case len(unknownKeys) > 0:
			offending = map[string]interface{}{"unknown_keys": unknownKeys}
			return &Error{Kind: ErrUnknownPermission, Key: unknownKeys[0], Reason: fmt.Sprintf("unknown keys %v", unknownKeys)}
		case len(unknownUsers) > 0:
			offending = map[string]interface{}{"unknown_users": unknownUsers}
			return &Error{Kind: ErrUnknownUser, UserID: unknownUsers[0], Reason: fmt.Sprintf("unknown users %v", unknownUsers)}
		case len(inactiveKeys) > 0:
			offending = map[string]interface{}{"inactive_keys": inactiveKeys}
			return &Error{Kind: ErrInactivePermission, Key: inactiveKeys[0], Reason: fmt.Sprintf("inactive keys %v", inactiveKeys)}
		case req.ExpiresAt != nil && !req.ExpiresAt.After(now):
			offending = map[string]interface{}{"expires_at": req.ExpiresAt.UTC()}
			return &Error{Kind: ErrTimeConstraint, Reason: "expires_at must be in the future"}
		}

		pairs := make([]map[string]interface{}, 0, len(users)*len(keys))
		for _, id := range users {
			for _, key := range keys {
				existing, err := g.store.getDirectGrant(ctx, tx, id, permIDs[key])
				if err != nil {
					return err
				}
				if existing != nil && existing.ActiveAt(now) {
					offending = map[string]interface{}{"duplicate": map[string]interface{}{"user_id": id, "key": key}}
					return &Error{Kind: ErrDuplicateEdge, Key: key, UserID: id}
				}
				if err := g.store.putDirectGrant(ctx, tx, existing, id, permIDs[key], m.Actor, now, req.ExpiresAt); err != nil {
					return err
				}
				pairs = append(pairs, map[string]interface{}{"user_id": id, "key": key})
			}
		}
		if err := g.store.bumpVersions(ctx, tx, users...); err != nil {
			return err
		}

		after := map[string]interface{}{"pairs": pairs}
		if req.ExpiresAt != nil {
			after["expires_at"] = req.ExpiresAt.UTC()
		}
		return g.policy.emit(ctx, tx, &audit.Record{
			Timestamp:     now,
			Kind:          audit.KindBulkGrant,
			ActorID:       actorRef(m.Actor),
			Subject:       fmt.Sprintf("%d users x %d keys", len(users), len(keys)),
			CorrelationID: m.CorrelationID,
			Reason:        m.Reason,
			Changes:       &audit.ChangeDetails{After: after},
		})
	})
	if err != nil {
		if offending != nil {
			g.rejectBulk(ctx, m, users, keys, err, offending)
		}
		return nil, err
	}

	g.invalidate(ctx, users...)
	res = &BulkGrantResult{Users: users, Keys: keys, Granted: len(users) * len(keys)}
	if req.ExpiresAt != nil {
		t := req.ExpiresAt.UTC()
		res.Expires = &t
	}
	return res, nil
}

func (g *GrantManager) rejectBulk(ctx context.Context, m Mutation, users []int64, keys []string, err error, offending map[string]interface{}) {
	scope := fmt.Sprintf("%d users x %d keys", len(users), len(keys))
	rec := &audit.Record{
		Kind:          audit.KindBulkGrantRejected,
		Outcome:       audit.OutcomeDenied,
		ActorID:       actorRef(m.Actor),
		Subject:       scope,
		CorrelationID: m.CorrelationID,
		Reason:        ReasonOf(err),
		Changes: &audit.ChangeDetails{
			Before: map[string]interface{}{"users": users, "keys": keys, "scope": scope, "request_reason": m.Reason},
			After:  offending,
		},
	}
	if key := offendingKey(err, offending); key != "" {
		rec.Subject = key
		rec.RequiredKey = key
	}
	if e := (*Error)(nil); errors.As(err, &e) && e.UserID != 0 {
		rec.TargetID = &e.UserID
	}
	g.policy.emitDetached(ctx, rec)
}

// offendingKey names the key that sank a bulk grant; every unknown or
// inactive key when there are several
func offendingKey(err error, offending map[string]interface{}) string {
	for _, field := range []string{"unknown_keys", "inactive_keys"} {
		if list, ok := offending[field].([]string); ok && len(list) > 0 {
			return strings.Join(list, ",")
		}
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Key
	}
	return ""
}

// Role lifecycle

// CreateRole creates an active role bound to keys
func (g *GrantManager) CreateRole(ctx context.Context, name, description string, keys []string, m Mutation) (role *Role, err error) {
	defer func() { g.metrics.mutation("role_create", err) }()
	m = m.withDefaults(ctx)

	if !ValidRoleName(name) {
		return nil, &Error{Kind: ErrValidation, Role: name, Reason: "role name must match [a-z][a-z0-9_-]*"}
	}
	keys = uniqueStrings(keys)
	sort.Strings(keys)

	err = g.run(ctx, "CreateRole", nil, func(tx *sql.Tx, now time.Time) error {
		if _, err := g.store.getRole(ctx, tx, name); err == nil {
			return &Error{Kind: ErrDuplicateEdge, Role: name, Reason: "role already exists"}
		} else if !errors.Is(err, ErrUnknownRole) {
			return err
		}

		permIDs, err := g.activePermissionIDs(ctx, tx, keys)
		if err != nil {
			return err
		}
		id, err := g.store.insertRole(ctx, tx, name, description, now)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := g.store.bindRolePermission(ctx, tx, id, permIDs[key], now); err != nil {
				return err
			}
		}

		role = &Role{ID: id, Name: name, Description: description, Active: true, Permissions: keys, CreatedAt: now, UpdatedAt: now}
		return g.policy.emit(ctx, tx, &audit.Record{
			Timestamp:     now,
			Kind:          audit.KindRoleCreate,
			ActorID:       actorRef(m.Actor),
			Subject:       name,
			CorrelationID: m.CorrelationID,
			Reason:        m.Reason,
			Changes:       &audit.ChangeDetails{After: roleSnapshot(role)},
		})
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// RoleUpdate holds the optional fields of an UpdateRole call. Permissions,
// when set, replaces the role's bindings.
type RoleUpdate struct {
	Description *string
	Active      *bool
	Permissions *[]string
}

// UpdateRole changes a role's description, active flag or bindings. A change
// that leaves no admin-equivalent user fails with ErrLastAdminProtected.
func (g *GrantManager) UpdateRole(ctx context.Context, name string, upd RoleUpdate, m Mutation) (role *Role, err error) {
	defer func() { g.metrics.mutation("role_update", err) }()
	m = m.withDefaults(ctx)

	var before map[string]interface{}
	err = g.run(ctx, "UpdateRole", nil, func(tx *sql.Tx, now time.Time) error {
		current, err := g.store.getRole(ctx, tx, name)
		if err != nil {
			if errors.Is(err, ErrUnknownRole) {
				return &Error{Kind: ErrNotFound, Role: name}
			}
			return err
		}
		before = roleSnapshot(current)
		admins, err := g.store.countAdmins(ctx, tx, now)
		if err != nil {
			return err
		}

		next := *current
		if upd.Description != nil {
			next.Description = *upd.Description
		}
		if upd.Active != nil {
			next.Active = *upd.Active
		}
		if err := g.store.updateRoleRow(ctx, tx, current.ID, next.Description, next.Active, now); err != nil {
			return err
		}

		if upd.Permissions != nil {
			keys := uniqueStrings(*upd.Permissions)
			sort.Strings(keys)
			permIDs, err := g.activePermissionIDs(ctx, tx, keys)
			if err != nil {
				return err
			}
			want := make(map[string]bool, len(keys))
			for _, key := range keys {
				want[key] = true
				if _, err := g.store.bindRolePermission(ctx, tx, current.ID, permIDs[key], now); err != nil {
					return err
				}
			}
			for _, key := range current.Permissions {
				if want[key] {
					continue
				}
				perm, err := g.store.getPermission(ctx, tx, key)
				if err != nil {
					return err
				}
				if err := g.store.unbindRolePermission(ctx, tx, current.ID, perm.ID); err != nil {
					return err
				}
			}
			next.Permissions = keys
		}

		if err := g.protectLastAdmin(ctx, tx, admins, now); err != nil {
			return err
		}
		holders, err := g.store.roleHolders(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		if err := g.store.bumpVersions(ctx, tx, holders...); err != nil {
			return err
		}

		next.UpdatedAt = now
		role = &next
		return g.policy.emit(ctx, tx, &audit.Record{
			Timestamp:     now,
			Kind:          audit.KindRoleUpdate,
			ActorID:       actorRef(m.Actor),
			Subject:       name,
			CorrelationID: m.CorrelationID,
			Reason:        m.Reason,
			Changes:       &audit.ChangeDetails{Before: before, After: roleSnapshot(role)},
		})
	})
	if err != nil {
		g.recordDenied(ctx, err, &audit.Record{
			Kind:          audit.KindRoleUpdate,
			ActorID:       actorRef(m.Actor),
			Subject:       name,
			CorrelationID: m.CorrelationID,
			Changes:       &audit.ChangeDetails{Before: before},
		})
		return nil, err
	}
	// Holders were bumped in the transaction; the role's effect on every
	// cached set is simplest to drop wholesale.
	g.invalidateAll(ctx)
	return role, nil
}

// activePermissionIDs resolves keys that must exist and be active
func (g *GrantManager) activePermissionIDs(ctx context.Context, tx *sql.Tx, keys []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(keys))
	for _, key := range keys {
		perm, err := g.store.getPermission(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if !perm.Active {
			return nil, &Error{Kind: ErrInactivePermission, Key: key}
		}
		ids[key] = perm.ID
	}
	return ids, nil
}

func roleSnapshot(r *Role) map[string]interface{} {
	perms := r.Permissions
	if perms == nil {
		perms = []string{}
	}
	return map[string]interface{}{
		"name":        r.Name,
		"description": r.Description,
		"active":      r.Active,
		"permissions": perms,
	}
}
