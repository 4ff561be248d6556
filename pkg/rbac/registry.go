package rbac

import (
	"context"
	"sync"
	"sync/atomic"
)

// Registry is the process-wide, read-mostly catalog of permission keys. Reads
// are lock-free against an immutable snapshot; Refresh swaps in a new one.
type Registry struct {
	store  *Store
	policy AuditPolicy
	clock  Clock

	snap      atomic.Pointer[registrySnapshot]
	refreshMu sync.Mutex
}

type registrySnapshot struct {
	byKey   map[string]Permission
	ordered []Permission
	version uint64
}

// NewRegistry creates an empty registry backed by store
func NewRegistry(store *Store, policy AuditPolicy) *Registry {
	r := &Registry{store: store, policy: policy, clock: SystemClock}
	r.snap.Store(&registrySnapshot{byKey: map[string]Permission{}})
	return r
}

// Load seeds the store from seed and refreshes the snapshot. It is additive
// and idempotent.
func (r *Registry) Load(ctx context.Context, seed *SeedDescriptor, m Mutation) (*SeedReport, error) {
	report, err := r.store.seed(ctx, r.policy, seed, m.withDefaults(ctx), r.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return report, nil
}

// Refresh reloads the snapshot from the store
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	perms, err := r.store.ListPermissions(ctx, false)
	if err != nil {
		return err
	}

	next := &registrySnapshot{
		byKey:   make(map[string]Permission, len(perms)),
		ordered: perms,
		version: r.snap.Load().version + 1,
	}
	for _, p := range perms {
		next.byKey[p.Key] = p
	}
	r.snap.Store(next)
	return nil
}

// Exists reports whether key is a known, active permission
func (r *Registry) Exists(key string) bool {
	p, ok := r.snap.Load().byKey[key]
	return ok && p.Active
}

// Enumerate returns permissions ordered by key
func (r *Registry) Enumerate(activeOnly bool) []Permission {
	snap := r.snap.Load()
	out := make([]Permission, 0, len(snap.ordered))
	for _, p := range snap.ordered {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Describe returns the descriptor for key, active or not
func (r *Registry) Describe(key string) (Permission, error) {
	p, ok := r.snap.Load().byKey[key]
	if !ok {
		return Permission{}, &Error{Kind: ErrUnknownPermission, Key: key}
	}
	return p, nil
}

// Version increments on every refresh
func (r *Registry) Version() uint64 {
	return r.snap.Load().version
}
