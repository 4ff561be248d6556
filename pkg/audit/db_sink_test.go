package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBSink(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").WillReturnResult(sqlmock.NewResult(0, 0))

		sink, err := NewDBSink(db, "postgres")
		require.NoError(t, err)
		assert.NotNil(t, sink)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		sink, err := NewDBSink(nil, "postgres")
		assert.Error(t, err)
		assert.Nil(t, sink)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("unknown dialect", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		_, err := NewDBSink(db, "mysql")
		assert.ErrorContains(t, err, "unsupported audit dialect")
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").WillReturnError(errors.New("disk full"))

		sink, err := NewDBSink(db, "postgres")
		assert.Error(t, err)
		assert.Nil(t, sink)
		assert.Contains(t, err.Error(), "failed to ensure audit_records table")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDBSink_WriteFailureIsSinkUnavailable(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO audit_records").WillReturnError(errors.New("connection reset"))

	sink, err := NewDBSink(db, "postgres")
	require.NoError(t, err)

	err = sink.Write(context.Background(), &Record{Kind: KindGrant, CorrelationID: "c-1"})
	assert.ErrorIs(t, err, ErrSinkUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSink_WriteAssignsID(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO audit_records").
		WithArgs(sqlmock.AnyArg(), "DENY", "denied", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"grades:delete", "grades:delete", "c-2", "no_grant", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(17))

	sink, err := NewDBSink(db, "postgres")
	require.NoError(t, err)

	rec := &Record{
		Kind:          KindDeny,
		Outcome:       OutcomeDenied,
		ActorID:       Int64(5),
		Subject:       "grades:delete",
		RequiredKey:   "grades:delete",
		CorrelationID: "c-2",
		Reason:        "no_grant",
	}
	require.NoError(t, sink.Write(context.Background(), rec))
	assert.Equal(t, int64(17), rec.ID)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSink_SQLiteRoundTrip(t *testing.T) {
	db := openSQLite(t)
	sink, err := NewDBSink(db, "sqlite3")
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []*Record{
		{Timestamp: base, Kind: KindGrant, ActorID: Int64(1), TargetID: Int64(2), Subject: "grades:delete", CorrelationID: "a",
			Changes: &ChangeDetails{After: map[string]interface{}{"expires_at": "2026-04-01T00:00:00Z"}}},
		{Timestamp: base.Add(time.Minute), Kind: KindDeny, Outcome: OutcomeDenied, ActorID: Int64(2), Subject: "grades:delete", RequiredKey: "grades:delete", CorrelationID: "b", Reason: "no_grant"},
		{Timestamp: base.Add(2 * time.Minute), Kind: KindRevoke, ActorID: Int64(1), TargetID: Int64(2), Subject: "grades:delete", CorrelationID: "c"},
	}
	for _, rec := range records {
		require.NoError(t, sink.Write(ctx, rec))
	}

	t.Run("newest first", func(t *testing.T) {
		page, err := sink.Search(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, page.Records, 3)
		assert.Equal(t, int64(3), page.Total)
		assert.Equal(t, KindRevoke, page.Records[0].Kind)
		assert.Equal(t, KindGrant, page.Records[2].Kind)
		require.NotNil(t, page.Records[2].Changes)
		assert.Equal(t, "2026-04-01T00:00:00Z", page.Records[2].Changes.After["expires_at"])
	})

	t.Run("kind filter", func(t *testing.T) {
		page, err := sink.Search(ctx, Filter{Kinds: []Kind{KindGrant, KindRevoke}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), page.Total)
	})

	t.Run("target and time window", func(t *testing.T) {
		since := base.Add(30 * time.Second)
		page, err := sink.Search(ctx, Filter{TargetID: Int64(2), Since: &since})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, "c", page.Records[0].CorrelationID)
	})

	t.Run("pagination", func(t *testing.T) {
		page, err := sink.Search(ctx, Filter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, int64(3), page.Total)
		assert.Equal(t, KindDeny, page.Records[0].Kind)
	})
}

func TestDBSink_WriteTxRollsBackWithMutation(t *testing.T) {
	db := openSQLite(t)
	sink, err := NewDBSink(db, "sqlite3")
	require.NoError(t, err)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, sink.WriteTx(ctx, tx, &Record{Kind: KindGrant, CorrelationID: "rolled-back"}))
	require.NoError(t, tx.Rollback())

	page, err := sink.Search(ctx, Filter{CorrelationID: "rolled-back"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}
