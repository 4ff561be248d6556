package rbac

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/auth"
)

// NewTestDB opens a migrated in-memory sqlite database that lives until the
// test ends. A single connection keeps every statement on the same database.
func NewTestDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := RunMigrations(context.Background(), db, DialectSQLite, nil); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// ManualClock is a Clock that only moves when told to
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a clock at t
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Advance moves the clock forward by d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestEnv is a seeded RBAC stack over an in-memory database
type TestEnv struct {
	DB        *sql.DB
	Store     *Store
	Registry  *Registry
	Evaluator *Evaluator
	Grants    *GrantManager
	Guard     *Guard
	Audit     *audit.MemorySink
	Policy    AuditPolicy
	Clock     *ManualClock
}

// NewTestEnv migrates a fresh database, loads the default seed and wires the
// evaluator cache to the grant manager. Audit records land in env.Audit; the
// seed record is cleared before returning.
func NewTestEnv(t testing.TB, opts ...EvaluatorOption) *TestEnv {
	t.Helper()

	db := NewTestDB(t)
	clock := NewManualClock(time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))
	sink := audit.NewMemorySink()
	policy := AuditPolicy{Sink: sink, Mode: audit.ModeStrict}
	store := NewStore(db, DialectSQLite)

	registry := NewRegistry(store, policy)
	registry.clock = clock
	if _, err := registry.Load(context.Background(), DefaultSeed(), Mutation{Reason: "test seed"}); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}

	evalOpts := append([]EvaluatorOption{WithClock(clock), WithCache(128, time.Minute)}, opts...)
	evaluator := NewEvaluator(store, registry, evalOpts...)
	grants := NewGrantManager(store, policy,
		WithGrantInvalidator(evaluator),
		WithGrantClock(clock),
		WithSweepLease("test-replica", time.Minute),
	)
	sink.Reset()

	return &TestEnv{
		DB:        db,
		Store:     store,
		Registry:  registry,
		Evaluator: evaluator,
		Grants:    grants,
		Guard:     NewGuard(evaluator, policy),
		Audit:     sink,
		Policy:    policy,
		Clock:     clock,
	}
}

// CreateUser inserts an active user holding roles and returns its principal
func (env *TestEnv) CreateUser(t testing.TB, username string, roles ...string) *auth.Principal {
	t.Helper()
	ctx := context.Background()

	u, err := env.Store.CreateUser(ctx, username, true)
	if err != nil {
		t.Fatalf("failed to create user %s: %v", username, err)
	}
	for _, role := range roles {
		if err := env.Grants.GrantRole(ctx, u.ID, role, Mutation{Reason: "test fixture"}); err != nil {
			t.Fatalf("failed to assign %s to %s: %v", role, username, err)
		}
	}
	env.Audit.Reset()
	return &auth.Principal{ID: u.ID, Username: username, IsActive: true}
}
