package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// DBSink appends audit records to the audit_records table. It is the
// authoritative sink: WriteTx commits records atomically with the mutation.
type DBSink struct {
	db      *sql.DB
	dialect string
}

// NewDBSink creates a database sink for the "postgres" or "sqlite3" dialect
// and ensures the audit_records table exists.
func NewDBSink(db *sql.DB, dialect string) (*DBSink, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect != "postgres" && dialect != "sqlite3" {
		return nil, fmt.Errorf("unsupported audit dialect %q", dialect)
	}

	sink := &DBSink{db: db, dialect: dialect}
	if err := sink.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_records table: %w", err)
	}
	return sink, nil
}

func (s *DBSink) ensureTable() error {
	_, err := s.db.Exec(SchemaSQL(s.dialect))
	return err
}

// SchemaSQL returns the idempotent DDL for audit_records in the given dialect
func SchemaSQL(dialect string) string {
	idCol, tsType, jsonType := "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "JSONB"
	if dialect == "sqlite3" {
		idCol, tsType, jsonType = "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP", "TEXT"
	}

	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS audit_records (
		id %s,
		ts %s NOT NULL,
		kind VARCHAR(32) NOT NULL,
		outcome VARCHAR(16) NOT NULL,
		actor_id BIGINT,
		target_id BIGINT,
		subject VARCHAR(255) NOT NULL DEFAULT '',
		required_key VARCHAR(128) NOT NULL DEFAULT '',
		correlation_id VARCHAR(64) NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		changes %s
	);

	CREATE INDEX IF NOT EXISTS idx_audit_records_ts ON audit_records(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_records_kind ON audit_records(kind);
	CREATE INDEX IF NOT EXISTS idx_audit_records_target ON audit_records(target_id);
	CREATE INDEX IF NOT EXISTS idx_audit_records_correlation ON audit_records(correlation_id);
	`, idCol, tsType, jsonType)
}

const insertRecordQuery = `
	INSERT INTO audit_records (
		ts, kind, outcome, actor_id, target_id,
		subject, required_key, correlation_id, reason, changes
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id
`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *DBSink) insert(ctx context.Context, q rowQuerier, rec *Record) error {
	rec.normalize()

	var changes sql.NullString
	if rec.Changes != nil {
		raw, err := json.Marshal(rec.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
		changes = sql.NullString{String: string(raw), Valid: true}
	}

	err := q.QueryRowContext(ctx, insertRecordQuery,
		rec.Timestamp, string(rec.Kind), string(rec.Outcome), rec.ActorID, rec.TargetID,
		rec.Subject, rec.RequiredKey, rec.CorrelationID, rec.Reason, changes,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("%w: failed to insert audit record: %v", ErrSinkUnavailable, err)
	}
	return nil
}

// Write appends a record in its own implicit transaction
func (s *DBSink) Write(ctx context.Context, rec *Record) error {
	return s.insert(ctx, s.db, rec)
}

// WriteTx appends a record inside tx
func (s *DBSink) WriteTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	return s.insert(ctx, tx, rec)
}

// Close is a no-op; the caller owns the *sql.DB
func (s *DBSink) Close() error {
	return nil
}

// Search returns a page of records matching filter, newest first
func (s *DBSink) Search(ctx context.Context, filter Filter) (*Page, error) {
	filter.clamp()

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		if s.dialect == "postgres" {
			where = append(where, "kind = ANY("+arg(pq.Array(kinds))+")")
		} else {
			placeholders := make([]string, len(kinds))
			for i, k := range kinds {
				placeholders[i] = arg(k)
			}
			where = append(where, "kind IN ("+strings.Join(placeholders, ", ")+")")
		}
	}
	if filter.ActorID != nil {
		where = append(where, "actor_id = "+arg(*filter.ActorID))
	}
	if filter.TargetID != nil {
		where = append(where, "target_id = "+arg(*filter.TargetID))
	}
	if filter.Subject != "" {
		where = append(where, "subject = "+arg(filter.Subject))
	}
	if filter.CorrelationID != "" {
		where = append(where, "correlation_id = "+arg(filter.CorrelationID))
	}
	if filter.Since != nil {
		where = append(where, "ts >= "+arg(filter.Since.UTC()))
	}
	if filter.Until != nil {
		where = append(where, "ts <= "+arg(filter.Until.UTC()))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	page := &Page{Records: []*Record{}, Limit: filter.Limit, Offset: filter.Offset}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_records"+clause, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}

	query := `SELECT id, ts, kind, outcome, actor_id, target_id, subject, required_key, correlation_id, reason, changes
		FROM audit_records` + clause + " ORDER BY ts DESC, id DESC LIMIT " + arg(filter.Limit) + " OFFSET " + arg(filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec             Record
			kind, outcome   string
			actorID, target sql.NullInt64
			changes         sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &kind, &outcome, &actorID, &target,
			&rec.Subject, &rec.RequiredKey, &rec.CorrelationID, &rec.Reason, &changes); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Outcome = Outcome(outcome)
		if actorID.Valid {
			rec.ActorID = Int64(actorID.Int64)
		}
		if target.Valid {
			rec.TargetID = Int64(target.Int64)
		}
		if changes.Valid && changes.String != "" {
			rec.Changes = &ChangeDetails{}
			if err := json.Unmarshal([]byte(changes.String), rec.Changes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal changes for record %d: %w", rec.ID, err)
			}
		}
		page.Records = append(page.Records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return page, nil
}
