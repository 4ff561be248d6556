package main

import (
	"database/sql"
	"net"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/registrar/pkg/config"
	"github.com/platinummonkey/registrar/pkg/observability"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRun_BadRefreshScheduleAbortsStartup(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "registrar.db")

	cfg := config.Defaults()
	cfg.DBDriver = "sqlite3"
	cfg.DatabaseURL = dbPath + "?_foreign_keys=on"
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.AuditFileDir = filepath.Join(dir, "audit")
	cfg.CoverageExemptions = "../../coverage-exemptions.yaml"
	cfg.HTTPAddr = freeAddr(t)
	// Load would reject this; run must still fail cleanly on it.
	cfg.RefreshSchedule = "hourly-ish"

	err := run(cfg, observability.NewNopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid refresh schedule")

	l, err := net.Listen("tcp", cfg.HTTPAddr)
	require.NoError(t, err, "nothing may be listening after a failed start")
	l.Close()

	assert.Zero(t, mr.CurrentConnectionCount())

	// Startup got as far as seeding before it stopped.
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var perms int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM permissions WHERE active").Scan(&perms))
	assert.Positive(t, perms)
}
