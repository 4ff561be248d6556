//go:build integration

package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/registrar/pkg/audit"
)

func newPostgresEnv(t *testing.T) (*Store, *Registry, *GrantManager, *audit.DBSink) {
	db := SetupPostgresContainer(t)
	sink, err := audit.NewDBSink(db, string(DialectPostgres))
	require.NoError(t, err)

	policy := AuditPolicy{Sink: sink, Mode: audit.ModeStrict}
	store := NewStore(db, DialectPostgres)
	registry := NewRegistry(store, policy)
	_, err = registry.Load(context.Background(), DefaultSeed(), Mutation{Reason: "integration seed"})
	require.NoError(t, err)

	return store, registry, NewGrantManager(store, policy, WithMaxRetries(8)), sink
}

func TestPostgres_SeedIsIdempotent(t *testing.T) {
	store, registry, _, _ := newPostgresEnv(t)
	ctx := context.Background()

	report, err := registry.Load(ctx, DefaultSeed(), Mutation{Reason: "second run"})
	require.NoError(t, err)
	assert.False(t, report.Changed())

	perms, err := store.ListPermissions(ctx, true)
	require.NoError(t, err)
	assert.Len(t, perms, len(DefaultSeed().Permissions))
}

func TestPostgres_ConcurrentAdminRevokesKeepOneAdmin(t *testing.T) {
	store, _, grants, sink := newPostgresEnv(t)
	ctx := context.Background()

	var ids []int64
	for _, name := range []string{"alice", "bob"} {
		u, err := store.CreateUser(ctx, name, true)
		require.NoError(t, err)
		require.NoError(t, grants.GrantRole(ctx, u.ID, AdminRole, Mutation{Reason: "fixture"}))
		ids = append(ids, u.ID)
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = grants.RevokeRole(ctx, id, AdminRole, Mutation{Actor: ids[1-i], Reason: "race"})
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrLastAdminProtected)
			failed++
		}
	}
	assert.Equal(t, 1, failed, "exactly one revoke must lose")

	admins, err := store.CountAdmins(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), admins)

	page, err := sink.Search(ctx, audit.Filter{Kinds: []audit.Kind{audit.KindRoleRevoke}})
	require.NoError(t, err)
	outcomes := map[audit.Outcome]int{}
	for _, rec := range page.Records {
		outcomes[rec.Outcome]++
	}
	assert.Equal(t, map[audit.Outcome]int{audit.OutcomeSuccess: 1, audit.OutcomeDenied: 1}, outcomes)
}
