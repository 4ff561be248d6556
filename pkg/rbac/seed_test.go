package rbac

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/registrar/pkg/audit"
)

func TestParseSeed(t *testing.T) {
	t.Run("roles and permissions", func(t *testing.T) {
		desc, err := ParseSeed(strings.NewReader(`
# comment
{role: admin, description: "Admins"}
{role: teacher}

{resource: grades, action: write, description: "Record grades", roles: [admin, teacher, admin]}
{key: grades:read, resource: grades, action: read}
`))
		require.NoError(t, err)
		assert.Equal(t, []string{"grades:write", "grades:read"}, desc.Keys())
		assert.Equal(t, []string{"admin", "teacher"}, desc.Permissions[0].Roles)
		assert.Equal(t, map[string][]string{
			"admin":   {"grades:write"},
			"teacher": {"grades:write"},
		}, desc.Bindings())
	})

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"unknown field", `{resource: a, action: b, color: red}`, "line 1"},
		{"bad key", `{resource: Grades, action: read}`, "invalid permission key"},
		{"key mismatch", `{key: a:c, resource: a, action: b}`, "does not match"},
		{"duplicate key", "{resource: a, action: b}\n{resource: a, action: b}", "duplicate key"},
		{"duplicate role", "{role: x}\n{role: x}", "duplicate role"},
		{"undeclared role", `{resource: a, action: b, roles: [ghost]}`, "undeclared role"},
		{"role with key fields", `{role: x, resource: a}`, "role records take only"},
		{"invalid role name", `{role: "Bad Name"}`, "invalid role name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultSeed(t *testing.T) {
	desc := DefaultSeed()
	assert.Len(t, desc.Permissions, 26)
	assert.Len(t, desc.Roles, 3)

	bindings := desc.Bindings()
	assert.Len(t, bindings[AdminRole], 26, "admin holds every key")
	assert.NotContains(t, bindings["teacher"], "grades:delete")
	assert.Contains(t, bindings["teacher"], "grades:write")
	for _, key := range bindings["viewer"] {
		assert.True(t, strings.HasSuffix(key, ":read"), key)
	}
}

func storeSnapshot(t *testing.T, s *Store) ([]Permission, []Role) {
	t.Helper()
	perms, err := s.ListPermissions(context.Background(), false)
	require.NoError(t, err)
	roles, err := s.ListRoles(context.Background())
	require.NoError(t, err)
	return perms, roles
}

func TestSeedIdempotence(t *testing.T) {
	ctx := context.Background()
	env := NewTestEnv(t)

	t.Run("second run changes nothing", func(t *testing.T) {
		permsBefore, rolesBefore := storeSnapshot(t, env.Store)

		report, err := env.Registry.Load(ctx, DefaultSeed(), Mutation{Reason: "rerun"})
		require.NoError(t, err)
		assert.False(t, report.Changed())
		assert.Equal(t, 26, report.Unchanged)

		permsAfter, rolesAfter := storeSnapshot(t, env.Store)
		assert.Equal(t, permsBefore, permsAfter)
		assert.Equal(t, rolesBefore, rolesAfter)
		assert.Empty(t, env.Audit.Records(), "no SEED record for a no-op run")
	})

	t.Run("additional key inserts exactly that key", func(t *testing.T) {
		desc := DefaultSeed()
		desc.Permissions = append(desc.Permissions, SeedPermission{
			Key: "transcripts:read", Resource: "transcripts", Action: "read", Roles: []string{AdminRole},
		})

		report, err := env.Registry.Load(ctx, desc, Mutation{Reason: "add transcripts"})
		require.NoError(t, err)
		assert.Equal(t, []string{"transcripts:read"}, report.Created)
		assert.Equal(t, 1, report.BindingsCreated)
		assert.True(t, env.Registry.Exists("transcripts:read"))

		perms, _ := storeSnapshot(t, env.Store)
		assert.Len(t, perms, 27)

		recs := env.Audit.Records()
		require.Len(t, recs, 1)
		assert.Equal(t, audit.KindSeed, recs[0].Kind)
	})

	t.Run("resource downgrade conflicts", func(t *testing.T) {
		desc := DefaultSeed()
		for i := range desc.Permissions {
			if desc.Permissions[i].Key == "grades:delete" {
				desc.Permissions[i].Resource = "grade"
			}
		}

		_, err := env.Registry.Load(ctx, desc, Mutation{Reason: "bad seed"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSeedConflict)
		assert.Equal(t, "grades:delete", err.(*Error).Key)

		perm, err := env.Store.GetPermissionByKey(ctx, "grades:delete")
		require.NoError(t, err)
		assert.Equal(t, "grades", perm.Resource)
	})
}

func TestSeedReactivatesInactiveKeys(t *testing.T) {
	ctx := context.Background()
	env := NewTestEnv(t)

	_, err := env.DB.Exec("UPDATE permissions SET active = FALSE WHERE perm_key = $1", "attendance:export")
	require.NoError(t, err)
	_, err = env.DB.Exec("UPDATE roles SET active = FALSE WHERE name = $1", "viewer")
	require.NoError(t, err)
	require.NoError(t, env.Registry.Refresh(ctx))
	assert.False(t, env.Registry.Exists("attendance:export"))

	report, err := env.Registry.Load(ctx, DefaultSeed(), Mutation{Reason: "repair"})
	require.NoError(t, err)
	assert.Equal(t, []string{"attendance:export"}, report.Reactivated)
	assert.Equal(t, []string{"viewer"}, report.RolesReactivated)
	assert.True(t, env.Registry.Exists("attendance:export"))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	env := NewTestEnv(t)

	v := env.Registry.Version()
	assert.True(t, env.Registry.Exists("grades:delete"))
	assert.False(t, env.Registry.Exists("nope:nope"))

	p, err := env.Registry.Describe("grades:delete")
	require.NoError(t, err)
	assert.Equal(t, "grades", p.Resource)
	assert.Equal(t, "delete", p.Action)

	_, err = env.Registry.Describe("nope:nope")
	assert.ErrorIs(t, err, ErrUnknownPermission)

	all := env.Registry.Enumerate(true)
	require.Len(t, all, 26)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Key, all[i].Key)
	}

	_, err = env.DB.Exec("UPDATE permissions SET active = FALSE WHERE perm_key = $1", "analytics:read")
	require.NoError(t, err)
	require.NoError(t, env.Registry.Refresh(ctx))
	assert.Greater(t, env.Registry.Version(), v)
	assert.False(t, env.Registry.Exists("analytics:read"))
	assert.Len(t, env.Registry.Enumerate(true), 25)
	assert.Len(t, env.Registry.Enumerate(false), 26)

	p, err = env.Registry.Describe("analytics:read")
	require.NoError(t, err)
	assert.False(t, p.Active)
}
