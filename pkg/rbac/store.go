package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Dialect selects SQL variants for the backing database
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// ParseDialect validates a configured driver name
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(s) {
	case DialectPostgres, DialectSQLite:
		return Dialect(s), nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// querier is satisfied by *sql.DB and *sql.Tx.
//
// Placeholders must first appear in ascending order ($1, $2, ...) in every
// statement: sqlite numbers "$N" parameters by first appearance.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store handles RBAC data persistence
type Store struct {
	db      *sql.DB
	dialect Dialect
	locks   *userLocks
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, locks: newUserLocks()}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL dialect
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// WithTx runs fn in a transaction (serializable on postgres). fn's error rolls
// the transaction back and is classified into the error taxonomy.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var opts *sql.TxOptions
	if s.dialect == DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return classifyStoreError(fmt.Errorf("failed to begin transaction: %w", err))
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classifyStoreError(err)
	}

	if err := tx.Commit(); err != nil {
		return classifyStoreError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// withReadTx runs fn in a snapshot read transaction
func (s *Store) withReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var opts *sql.TxOptions
	if s.dialect == DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return classifyStoreError(fmt.Errorf("failed to begin read transaction: %w", err))
	}
	defer tx.Rollback()

	return classifyStoreError(fn(tx))
}

// Users

// CreateUser inserts a user row. Identity is owned upstream; this exists for
// provisioning and tests.
func (s *Store) CreateUser(ctx context.Context, username string, active bool) (*User, error) {
	u := &User{Username: username, IsActive: active}
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO users (username, is_active, rbac_version, created_at) VALUES ($1, $2, 0, $3) RETURNING id",
		username, active, time.Now().UTC(),
	).Scan(&u.ID)
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to create user: %w", err))
	}
	return u, nil
}

// SetUserActive flips is_active and bumps the user's version
func (s *Store) SetUserActive(ctx context.Context, userID int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_active = $1, rbac_version = rbac_version + 1 WHERE id = $2",
		active, userID,
	)
	if err != nil {
		return classifyStoreError(fmt.Errorf("failed to update user: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &Error{Kind: ErrUnknownUser, UserID: userID}
	}
	return nil
}

// GetUser retrieves a user by id
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	return s.getUser(ctx, s.db, userID)
}

func (s *Store) getUser(ctx context.Context, q querier, userID int64) (*User, error) {
	u := &User{ID: userID}
	err := q.QueryRowContext(ctx,
		"SELECT username, is_active, rbac_version FROM users WHERE id = $1", userID,
	).Scan(&u.Username, &u.IsActive, &u.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: ErrUnknownUser, UserID: userID}
	}
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to get user: %w", err))
	}
	return u, nil
}

// existingUsers returns the subset of ids present in users
func (s *Store) existingUsers(ctx context.Context, q querier, ids []int64) (map[int64]bool, error) {
	found := make(map[int64]bool, len(ids))
	for _, id := range ids {
		var one int
		err := q.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id = $1", id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check user %d: %w", id, err)
		}
		found[id] = true
	}
	return found, nil
}

func (s *Store) bumpVersions(ctx context.Context, q querier, ids ...int64) error {
	for _, id := range sortedUnique(ids) {
		if _, err := q.ExecContext(ctx, "UPDATE users SET rbac_version = rbac_version + 1 WHERE id = $1", id); err != nil {
			return fmt.Errorf("failed to bump version for user %d: %w", id, err)
		}
	}
	return nil
}

func (s *Store) bumpAllVersions(ctx context.Context, q querier) error {
	if _, err := q.ExecContext(ctx, "UPDATE users SET rbac_version = rbac_version + 1"); err != nil {
		return fmt.Errorf("failed to bump user versions: %w", err)
	}
	return nil
}

// Permissions

const permissionColumns = "id, perm_key, resource, action, description, active, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPermission(row rowScanner) (*Permission, error) {
	var p Permission
	if err := row.Scan(&p.ID, &p.Key, &p.Resource, &p.Action, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPermissionByKey retrieves a permission regardless of its active flag
func (s *Store) GetPermissionByKey(ctx context.Context, key string) (*Permission, error) {
	return s.getPermission(ctx, s.db, key)
}

func (s *Store) getPermission(ctx context.Context, q querier, key string) (*Permission, error) {
	p, err := scanPermission(q.QueryRowContext(ctx,
		"SELECT "+permissionColumns+" FROM permissions WHERE perm_key = $1", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: ErrUnknownPermission, Key: key}
	}
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to get permission: %w", err))
	}
	return p, nil
}

// ListPermissions returns permissions ordered by key
func (s *Store) ListPermissions(ctx context.Context, activeOnly bool) ([]Permission, error) {
	return s.listPermissions(ctx, s.db, activeOnly)
}

func (s *Store) listPermissions(ctx context.Context, q querier, activeOnly bool) ([]Permission, error) {
	query := "SELECT " + permissionColumns + " FROM permissions"
	if activeOnly {
		query += " WHERE active = TRUE"
	}
	query += " ORDER BY perm_key"

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to list permissions: %w", err))
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) insertPermission(ctx context.Context, q querier, p *Permission, at time.Time) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO permissions (perm_key, resource, action, description, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5) RETURNING id`,
		p.Key, p.Resource, p.Action, p.Description, at,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to insert permission %s: %w", p.Key, err)
	}
	p.Active = true
	p.CreatedAt, p.UpdatedAt = at, at
	return nil
}

func (s *Store) reactivatePermission(ctx context.Context, q querier, id int64, at time.Time) error {
	if _, err := q.ExecContext(ctx, "UPDATE permissions SET active = TRUE, updated_at = $1 WHERE id = $2", at, id); err != nil {
		return fmt.Errorf("failed to reactivate permission: %w", err)
	}
	return nil
}

// Roles

func (s *Store) scanRole(row rowScanner) (*Role, error) {
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRoleByName retrieves a role and its bound permission keys
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return s.getRole(ctx, s.db, name)
}

func (s *Store) getRole(ctx context.Context, q querier, name string) (*Role, error) {
	r, err := s.scanRole(q.QueryRowContext(ctx,
		"SELECT id, name, description, active, created_at, updated_at FROM roles WHERE name = $1", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: ErrUnknownRole, Role: name}
	}
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to get role: %w", err))
	}

	if r.Permissions, err = s.roleKeys(ctx, q, r.ID, false); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) roleKeys(ctx context.Context, q querier, roleID int64, activeOnly bool) ([]string, error) {
	query := `SELECT p.perm_key FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1`
	if activeOnly {
		query += " AND p.active = TRUE"
	}
	query += " ORDER BY p.perm_key"
	return queryStrings(ctx, q, query, roleID)
}

// ListRoles returns every role with its bound keys, ordered by name
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, description, active, created_at, updated_at FROM roles ORDER BY name")
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to list roles: %w", err))
	}

	var roles []Role
	for rows.Next() {
		r, err := s.scanRole(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		r.Permissions = []string{}
		roles = append(roles, *r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	bindings, err := s.db.QueryContext(ctx, `SELECT rp.role_id, p.perm_key FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id ORDER BY p.perm_key`)
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to list role bindings: %w", err))
	}
	defer bindings.Close()

	index := make(map[int64]int, len(roles))
	for i, r := range roles {
		index[r.ID] = i
	}
	for bindings.Next() {
		var (
			roleID int64
			key    string
		)
		if err := bindings.Scan(&roleID, &key); err != nil {
			return nil, fmt.Errorf("failed to scan role binding: %w", err)
		}
		if i, ok := index[roleID]; ok {
			roles[i].Permissions = append(roles[i].Permissions, key)
		}
	}
	return roles, bindings.Err()
}

// PermissionsOfRole returns the active keys bound to an active role
func (s *Store) PermissionsOfRole(ctx context.Context, name string) ([]string, error) {
	r, err := s.getRole(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if !r.Active {
		return []string{}, nil
	}
	return s.roleKeys(ctx, s.db, r.ID, true)
}

func (s *Store) insertRole(ctx context.Context, q querier, name, description string, at time.Time) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO roles (name, description, active, created_at, updated_at)
		VALUES ($1, $2, TRUE, $3, $3) RETURNING id`,
		name, description, at,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert role %s: %w", name, err)
	}
	return id, nil
}

func (s *Store) updateRoleRow(ctx context.Context, q querier, id int64, description string, active bool, at time.Time) error {
	if _, err := q.ExecContext(ctx,
		"UPDATE roles SET description = $1, active = $2, updated_at = $3 WHERE id = $4",
		description, active, at, id,
	); err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return nil
}

func (s *Store) bindRolePermission(ctx context.Context, q querier, roleID, permissionID int64, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		roleID, permissionID, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to bind permission to role: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) unbindRolePermission(ctx context.Context, q querier, roleID, permissionID int64) error {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2", roleID, permissionID,
	); err != nil {
		return fmt.Errorf("failed to unbind permission from role: %w", err)
	}
	return nil
}

func (s *Store) roleHolders(ctx context.Context, q querier, roleID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, "SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id", roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role holders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// User roles

// RolesOf returns the active role names of an active user
func (s *Store) RolesOf(ctx context.Context, userID int64) ([]string, error) {
	return s.rolesOf(ctx, s.db, userID)
}

func (s *Store) rolesOf(ctx context.Context, q querier, userID int64) ([]string, error) {
	return queryStrings(ctx, q, `SELECT r.name FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		JOIN users u ON u.id = ur.user_id
		WHERE ur.user_id = $1 AND u.is_active = TRUE AND r.active = TRUE
		ORDER BY r.name`, userID)
}

func (s *Store) insertUserRole(ctx context.Context, q querier, userID, roleID, grantedBy int64, at time.Time) error {
	if _, err := q.ExecContext(ctx,
		"INSERT INTO user_roles (user_id, role_id, granted_by, granted_at) VALUES ($1, $2, $3, $4)",
		userID, roleID, nullableID(grantedBy), at,
	); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

func (s *Store) deleteUserRole(ctx context.Context, q querier, userID, roleID int64) (bool, error) {
	res, err := q.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2", userID, roleID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke role: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Direct grants

// DirectPermissionsOf returns keys directly granted to an active user and
// active at the given time
func (s *Store) DirectPermissionsOf(ctx context.Context, userID int64, at time.Time) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT p.perm_key FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		JOIN users u ON u.id = up.user_id
		WHERE up.user_id = $1 AND u.is_active = TRUE AND up.active = TRUE AND p.active = TRUE
		AND (up.expires_at IS NULL OR up.expires_at > $2)
		ORDER BY p.perm_key`, userID, at.UTC())
}

// DirectGrantsOf returns every direct grant row of a user, including expired ones
func (s *Store) DirectGrantsOf(ctx context.Context, userID int64) ([]DirectGrant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT p.perm_key, up.granted_by, up.granted_at, up.expires_at, up.active
		FROM user_permissions up JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1 ORDER BY p.perm_key`, userID)
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to list direct grants: %w", err))
	}
	defer rows.Close()

	var out []DirectGrant
	for rows.Next() {
		g := DirectGrant{UserID: userID}
		var (
			grantedBy sql.NullInt64
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&g.Key, &grantedBy, &g.GrantedAt, &expiresAt, &g.Active); err != nil {
			return nil, fmt.Errorf("failed to scan direct grant: %w", err)
		}
		if grantedBy.Valid {
			g.GrantedBy = &grantedBy.Int64
		}
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			g.ExpiresAt = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) getDirectGrant(ctx context.Context, q querier, userID, permissionID int64) (*DirectGrant, error) {
	g := DirectGrant{UserID: userID}
	var (
		grantedBy sql.NullInt64
		expiresAt sql.NullTime
	)
	err := q.QueryRowContext(ctx,
		`SELECT granted_by, granted_at, expires_at, active FROM user_permissions
		WHERE user_id = $1 AND permission_id = $2`, userID, permissionID,
	).Scan(&grantedBy, &g.GrantedAt, &expiresAt, &g.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get direct grant: %w", err)
	}
	if grantedBy.Valid {
		g.GrantedBy = &grantedBy.Int64
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		g.ExpiresAt = &t
	}
	return &g, nil
}

// putDirectGrant inserts a grant row, or revives an existing row that is
// no longer active.
func (s *Store) putDirectGrant(ctx context.Context, q querier, existing *DirectGrant, userID, permissionID, grantedBy int64, at time.Time, expiresAt *time.Time) error {
	var expires interface{}
	if expiresAt != nil {
		expires = expiresAt.UTC()
	}

	var err error
	if existing == nil {
		_, err = q.ExecContext(ctx,
			`INSERT INTO user_permissions (user_id, permission_id, granted_by, granted_at, expires_at, active)
			VALUES ($1, $2, $3, $4, $5, TRUE)`,
			userID, permissionID, nullableID(grantedBy), at, expires)
	} else {
		_, err = q.ExecContext(ctx,
			`UPDATE user_permissions SET granted_by = $1, granted_at = $2, expires_at = $3, active = TRUE
			WHERE user_id = $4 AND permission_id = $5`,
			nullableID(grantedBy), at, expires, userID, permissionID)
	}
	if err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	return nil
}

func (s *Store) deleteDirectGrant(ctx context.Context, q querier, userID, permissionID int64) (bool, error) {
	res, err := q.ExecContext(ctx,
		"DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2", userID, permissionID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke permission: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EffectivePermissions resolves a user's roles, direct grants and effective key set at t
func (s *Store) EffectivePermissions(ctx context.Context, userID int64, at time.Time) (*EffectivePermissions, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	set, err := s.loadPermissionSet(ctx, userID)
	if err != nil {
		return nil, err
	}
	direct, err := s.DirectGrantsOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	roles, err := s.RolesOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	if direct == nil {
		direct = []DirectGrant{}
	}
	return &EffectivePermissions{
		UserID:   userID,
		IsActive: u.IsActive,
		Roles:    roles,
		Direct:   direct,
		Keys:     set.keys(at),
	}, nil
}

// Admin population

// adminPredicate selects admin-equivalent users u. $1 is the admin role name,
// $2 the evaluation time.
const adminPredicate = `
	FROM users u
	WHERE u.is_active = TRUE
	AND EXISTS (SELECT 1 FROM roles ar WHERE ar.name = $1 AND ar.active = TRUE)
	AND NOT EXISTS (
		SELECT 1 FROM role_permissions arp
		JOIN roles ar ON ar.id = arp.role_id
		JOIN permissions ap ON ap.id = arp.permission_id
		WHERE ar.name = $1 AND ap.active = TRUE
		AND NOT EXISTS (
			SELECT 1 FROM user_roles ur
			JOIN roles r ON r.id = ur.role_id AND r.active = TRUE
			JOIN role_permissions rp ON rp.role_id = r.id
			WHERE ur.user_id = u.id AND rp.permission_id = ap.id
		)
		AND NOT EXISTS (
			SELECT 1 FROM user_permissions up
			WHERE up.user_id = u.id AND up.permission_id = ap.id AND up.active = TRUE
			AND (up.expires_at IS NULL OR up.expires_at > $2)
		)
	)`

// CountAdmins counts active users whose effective set covers every active
// permission of the active admin role
func (s *Store) CountAdmins(ctx context.Context, at time.Time) (int64, error) {
	return s.countAdmins(ctx, s.db, at)
}

func (s *Store) countAdmins(ctx context.Context, q querier, at time.Time) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*)"+adminPredicate, AdminRole, at.UTC()).Scan(&n); err != nil {
		return 0, classifyStoreError(fmt.Errorf("failed to count admins: %w", err))
	}
	return n, nil
}

// AdminUsers lists the ids of admin-equivalent users
func (s *Store) AdminUsers(ctx context.Context, at time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT u.id"+adminPredicate+" ORDER BY u.id", AdminRole, at.UTC())
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to list admins: %w", err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Evaluator snapshot

// permissionSet is one user's authorization state as of version
type permissionSet struct {
	userID  int64
	active  bool
	version int64
	roles   map[string][]string   // key -> granting role names, sorted
	direct  map[string]*time.Time // key -> expires_at (nil = permanent)
}

func (ps *permissionSet) keys(at time.Time) []string {
	seen := make(map[string]bool)
	var out []string
	if !ps.active {
		return []string{}
	}
	for k := range ps.roles {
		seen[k] = true
	}
	for k, exp := range ps.direct {
		if exp == nil || exp.After(at) {
			seen[k] = true
		}
	}
	for k := range seen {
		out = append(out, k)
	}
	if out == nil {
		return []string{}
	}
	sort.Strings(out)
	return out
}

func (s *Store) userVersion(ctx context.Context, userID int64) (int64, bool, error) {
	var (
		version int64
		active  bool
	)
	err := s.db.QueryRowContext(ctx, "SELECT rbac_version, is_active FROM users WHERE id = $1", userID).Scan(&version, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, &Error{Kind: ErrUnknownUser, UserID: userID}
	}
	if err != nil {
		return 0, false, classifyStoreError(fmt.Errorf("failed to read user version: %w", err))
	}
	return version, active, nil
}

// loadPermissionSet reads the user's version, role bindings and active direct
// grants from one snapshot
func (s *Store) loadPermissionSet(ctx context.Context, userID int64) (*permissionSet, error) {
	ps := &permissionSet{
		userID: userID,
		roles:  make(map[string][]string),
		direct: make(map[string]*time.Time),
	}

	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, "SELECT rbac_version, is_active FROM users WHERE id = $1", userID).
			Scan(&ps.version, &ps.active)
		if errors.Is(err, sql.ErrNoRows) {
			return &Error{Kind: ErrUnknownUser, UserID: userID}
		}
		if err != nil {
			return fmt.Errorf("failed to read user: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT p.perm_key, r.name FROM user_roles ur
			JOIN roles r ON r.id = ur.role_id AND r.active = TRUE
			JOIN role_permissions rp ON rp.role_id = r.id
			JOIN permissions p ON p.id = rp.permission_id AND p.active = TRUE
			WHERE ur.user_id = $1
			ORDER BY r.name`, userID)
		if err != nil {
			return fmt.Errorf("failed to read role bindings: %w", err)
		}
		for rows.Next() {
			var key, role string
			if err := rows.Scan(&key, &role); err != nil {
				rows.Close()
				return err
			}
			ps.roles[key] = append(ps.roles[key], role)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.QueryContext(ctx, `SELECT p.perm_key, up.expires_at FROM user_permissions up
			JOIN permissions p ON p.id = up.permission_id AND p.active = TRUE
			WHERE up.user_id = $1 AND up.active = TRUE`, userID)
		if err != nil {
			return fmt.Errorf("failed to read direct grants: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				key string
				exp sql.NullTime
			)
			if err := rows.Scan(&key, &exp); err != nil {
				return err
			}
			if exp.Valid {
				t := exp.Time.UTC()
				ps.direct[key] = &t
			} else {
				ps.direct[key] = nil
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ps, nil
}

// Leases

func (s *Store) acquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_leases (name, holder, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE sweep_leases.expires_at < $4 OR sweep_leases.holder = excluded.holder`,
		name, holder, now.Add(ttl).UTC(), now.UTC(),
	)
	if err != nil {
		return false, classifyStoreError(fmt.Errorf("failed to acquire lease %s: %w", name, err))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) releaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sweep_leases WHERE name = $1 AND holder = $2", name, holder); err != nil {
		return classifyStoreError(fmt.Errorf("failed to release lease %s: %w", name, err))
	}
	return nil
}

// nullableID stores the zero actor (system) as NULL
func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

func queryStrings(ctx context.Context, q querier, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func queryCount(ctx context.Context, q querier, query string, args ...interface{}) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classifyStoreError(err)
	}
	return n, nil
}
