package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// advisoryNamespace separates registrar's advisory locks from other users of
// the same database.
const advisoryNamespace int64 = 0x52424143 // "RBAC"

// userLocks serializes mutations per user inside one process. Each lock is a
// one-slot channel so acquisition can honor the caller's deadline.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	slot chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*userLock)}
}

func (l *userLocks) ref(id int64) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &userLock{slot: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	return lk
}

func (l *userLocks) unref(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk := l.locks[id]
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

// acquire locks ids in ascending order. The returned release func unlocks
// them all; it must be called exactly once.
func (l *userLocks) acquire(ctx context.Context, ids []int64) (func(), error) {
	ids = sortedUnique(ids)
	held := make([]int64, 0, len(ids))
	slots := make([]*userLock, 0, len(ids))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-slots[i].slot
			l.unref(held[i])
		}
	}

	for _, id := range ids {
		lk := l.ref(id)
		select {
		case lk.slot <- struct{}{}:
			held = append(held, id)
			slots = append(slots, lk)
		case <-ctx.Done():
			l.unref(id)
			release()
			return nil, &Error{Kind: ErrTimeout, UserID: id, Reason: "waiting for user lock", Err: ctx.Err()}
		}
	}
	return release, nil
}

// advisoryLockUsers takes transaction-scoped postgres advisory locks in
// ascending id order. Other dialects rely on the in-process locks alone.
func (s *Store) advisoryLockUsers(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if s.dialect != DialectPostgres {
		return nil
	}
	for _, id := range sortedUnique(ids) {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryNamespace<<32^id); err != nil {
			return fmt.Errorf("failed to take advisory lock for user %d: %w", id, err)
		}
	}
	return nil
}
