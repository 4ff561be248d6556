package rbac

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/registrar/pkg/auth"
	"github.com/platinummonkey/registrar/pkg/observability"
)

// Decider evaluates whether a principal holds a permission key
type Decider interface {
	Decide(ctx context.Context, principal *auth.Principal, key string) Decision
}

// KeyChecker reports whether a permission key is known and active
type KeyChecker interface {
	Exists(key string) bool
}

// CacheInvalidator drops cached authorization state after a mutation
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userIDs ...int64)
	InvalidateAll(ctx context.Context)
}

// Evaluator resolves decisions from the registry and the store. It keeps a
// per-user permission-set cache keyed by the user's rbac_version.
type Evaluator struct {
	store    *Store
	registry KeyChecker
	clock    Clock
	metrics  *Metrics
	logger   *observability.Logger

	cache             *expirable.LRU[int64, *permissionSet]
	trustInvalidation bool
	bus               Invalidator

	genMu sync.Mutex
	epoch uint64
	gens  map[int64]uint64
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithClock injects the clock used to evaluate grant expiry
func WithClock(c Clock) EvaluatorOption {
	return func(e *Evaluator) { e.clock = c }
}

// WithCache enables the permission-set cache
func WithCache(size int, ttl time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if size > 0 {
			e.cache = expirable.NewLRU[int64, *permissionSet](size, nil, ttl)
		}
	}
}

// WithInvalidator publishes invalidations to other replicas
func WithInvalidator(bus Invalidator) EvaluatorOption {
	return func(e *Evaluator) { e.bus = bus }
}

// TrustInvalidation skips the per-decision version read and relies on the
// invalidation bus and the cache TTL for freshness
func TrustInvalidation() EvaluatorOption {
	return func(e *Evaluator) { e.trustInvalidation = true }
}

// WithEvaluatorMetrics records decision metrics
func WithEvaluatorMetrics(m *Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// WithEvaluatorLogger sets the logger for invalidation failures
func WithEvaluatorLogger(l *observability.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = l }
}

// NewEvaluator creates an evaluator
func NewEvaluator(store *Store, registry KeyChecker, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		store:    store,
		registry: registry,
		clock:    SystemClock,
		logger:   observability.NewNopLogger(),
		gens:     make(map[int64]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide never fails; store errors become store_fault or timeout denials
// carrying Err.
//
// Resolution order: inactive principal, active direct grant, role binding,
// otherwise no_grant.
func (e *Evaluator) Decide(ctx context.Context, principal *auth.Principal, key string) Decision {
	start := time.Now()
	d := e.decide(ctx, principal, key)
	e.metrics.observeDecision(d, time.Since(start))
	return d
}

func (e *Evaluator) decide(ctx context.Context, principal *auth.Principal, key string) Decision {
	if principal == nil {
		return deny(key, ReasonUnauthenticated)
	}
	if !principal.IsActive {
		return deny(key, ReasonInactive)
	}
	if !e.registry.Exists(key) {
		return deny(key, ReasonUnknownPermission)
	}

	set, err := e.permissionSet(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return deny(key, ReasonNoGrant)
		}
		d := deny(key, ReasonStoreFault)
		if errors.Is(err, ErrTimeout) {
			d.Reason = ReasonTimeout
		}
		d.Err = err
		return d
	}

	if !set.active {
		return deny(key, ReasonInactive)
	}
	if exp, ok := set.direct[key]; ok && (exp == nil || exp.After(e.clock.Now())) {
		return allow(key, ReasonDirect, "")
	}
	if roles := set.roles[key]; len(roles) > 0 {
		return allow(key, ReasonRole, roles[0])
	}
	return deny(key, ReasonNoGrant)
}

func (e *Evaluator) permissionSet(ctx context.Context, userID int64) (*permissionSet, error) {
	if e.cache == nil {
		return e.store.loadPermissionSet(ctx, userID)
	}

	if cached, ok := e.cache.Get(userID); ok {
		if e.trustInvalidation {
			e.metrics.cacheLookup("hit")
			return cached, nil
		}
		version, active, err := e.store.userVersion(ctx, userID)
		if err != nil {
			return nil, err
		}
		if version == cached.version && active == cached.active {
			e.metrics.cacheLookup("hit")
			return cached, nil
		}
		e.metrics.cacheLookup("stale")
	} else {
		e.metrics.cacheLookup("miss")
	}

	gen := e.generation(userID)
	set, err := e.store.loadPermissionSet(ctx, userID)
	if err != nil {
		return nil, err
	}
	// An invalidation that raced the load makes this set stale; serve it
	// once but do not cache it.
	if e.generation(userID) == gen {
		e.cache.Add(userID, set)
	}
	return set, nil
}

func (e *Evaluator) generation(userID int64) uint64 {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return e.epoch<<32 + e.gens[userID]
}

// InvalidateLocal drops cached state for userIDs in this process only
func (e *Evaluator) InvalidateLocal(userIDs ...int64) {
	e.genMu.Lock()
	for _, id := range userIDs {
		e.gens[id]++
	}
	e.genMu.Unlock()
	if e.cache != nil {
		for _, id := range userIDs {
			e.cache.Remove(id)
		}
	}
}

// InvalidateAllLocal drops every cached entry in this process
func (e *Evaluator) InvalidateAllLocal() {
	e.genMu.Lock()
	e.epoch++
	e.gens = make(map[int64]uint64)
	e.genMu.Unlock()
	if e.cache != nil {
		e.cache.Purge()
	}
}

// Invalidate drops cached state for userIDs here and on every replica
func (e *Evaluator) Invalidate(ctx context.Context, userIDs ...int64) {
	if len(userIDs) == 0 {
		return
	}
	e.InvalidateLocal(userIDs...)
	if e.bus != nil {
		if err := e.bus.Publish(ctx, userIDs...); err != nil {
			e.logger.WithError(err).Warn("failed to publish cache invalidation")
		}
	}
}

// InvalidateAll drops every cached entry here and on every replica
func (e *Evaluator) InvalidateAll(ctx context.Context) {
	e.InvalidateAllLocal()
	if e.bus != nil {
		if err := e.bus.PublishAll(ctx); err != nil {
			e.logger.WithError(err).Warn("failed to publish cache invalidation")
		}
	}
}

// Listen applies invalidations published by other replicas until ctx ends
func (e *Evaluator) Listen(ctx context.Context) error {
	if e.bus == nil {
		return nil
	}
	return e.bus.Subscribe(ctx, func(userIDs []int64, all bool) {
		if all {
			e.InvalidateAllLocal()
			return
		}
		e.InvalidateLocal(userIDs...)
	})
}
