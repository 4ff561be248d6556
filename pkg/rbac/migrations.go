package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// dialectReplacer rewrites the portable DDL markers for a dialect
func dialectReplacer(dialect Dialect) *strings.Replacer {
	if dialect == DialectSQLite {
		return strings.NewReplacer(
			"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{ts}}", "TIMESTAMP",
		)
	}
	return strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{ts}}", "TIMESTAMPTZ",
	)
}

// GetMigrations returns all RBAC migrations rendered for dialect
func GetMigrations(dialect Dialect) []Migration {
	r := dialectReplacer(dialect)
	migrations := []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id {{id}},
					username VARCHAR(255) NOT NULL UNIQUE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					rbac_version BIGINT NOT NULL DEFAULT 0,
					created_at {{ts}} NOT NULL
				);
			`,
		},
		{
			Version:     2,
			Description: "Create permissions and roles tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id {{id}},
					perm_key VARCHAR(128) NOT NULL UNIQUE,
					resource VARCHAR(64) NOT NULL,
					action VARCHAR(64) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE TABLE IF NOT EXISTS roles (
					id {{id}},
					name VARCHAR(64) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);
			`,
		},
		{
			Version:     3,
			Description: "Create binding tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					created_at {{ts}} NOT NULL,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE TABLE IF NOT EXISTS user_roles (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					granted_by BIGINT,
					granted_at {{ts}} NOT NULL,
					PRIMARY KEY (user_id, role_id)
				);

				CREATE TABLE IF NOT EXISTS user_permissions (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					granted_by BIGINT,
					granted_at {{ts}} NOT NULL,
					expires_at {{ts}},
					active BOOLEAN NOT NULL DEFAULT TRUE,
					PRIMARY KEY (user_id, permission_id),
					CHECK (expires_at IS NULL OR granted_at <= expires_at)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission ON role_permissions(permission_id);
				CREATE INDEX IF NOT EXISTS idx_user_roles_role ON user_roles(role_id);
				CREATE INDEX IF NOT EXISTS idx_user_permissions_permission ON user_permissions(permission_id);
				CREATE INDEX IF NOT EXISTS idx_user_permissions_expires_at ON user_permissions(expires_at);
			`,
		},
		{
			Version:     4,
			Description: "Create sweep_leases table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sweep_leases (
					name VARCHAR(64) PRIMARY KEY,
					holder VARCHAR(255) NOT NULL,
					expires_at {{ts}} NOT NULL
				);
			`,
		},
	}

	for i := range migrations {
		migrations[i].SQL = r.Replace(migrations[i].SQL)
	}
	return append(migrations, Migration{
		Version:     5,
		Description: "Create audit_records table",
		SQL:         audit.SchemaSQL(string(dialect)),
	})
}

// RunMigrations applies pending migrations in order, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	if _, err := db.ExecContext(ctx, dialectReplacer(dialect).Replace(`
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR(255) NOT NULL,
			applied_at {{ts}} NOT NULL
		)
	`)); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range GetMigrations(dialect) {
		if applied[migration.Version] {
			continue
		}

		logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
			migration.Version, migration.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
