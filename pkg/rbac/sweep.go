package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/observability"
)

// DefaultRetention is how long expired direct grants stay before hard delete
const DefaultRetention = 7 * 24 * time.Hour

const sweepLease = "expire_sweep"

// SweepResult reports one expiry sweep
type SweepResult struct {
	Inactivated int64     `json:"inactivated"`
	HardDeleted int64     `json:"hard_deleted"`
	Retained    int64     `json:"retained"`
	Users       []int64   `json:"users"`
	Now         time.Time `json:"now"`
	Horizon     time.Time `json:"horizon"`
}

// SweepExpired inactivates direct grants with expires_at < now and
// hard-deletes those with expires_at < now - retention. Only the replica
// holding the sweep lease does any work; others get ErrSweepLeaseHeld.
func (g *GrantManager) SweepExpired(ctx context.Context, now time.Time, retention time.Duration, m Mutation) (res *SweepResult, err error) {
	defer func() { g.metrics.mutation("expire_sweep", err) }()
	m = m.withDefaults(ctx)

	if retention <= 0 {
		return nil, &Error{Kind: ErrValidation, Reason: "retention must be positive"}
	}
	now = now.UTC()
	horizon := now.Add(-retention)

	acquired, err := g.store.acquireLease(ctx, sweepLease, g.leaseHolder, now, g.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, &Error{Kind: ErrSweepLeaseHeld}
	}
	defer func() {
		// The sweep's own context may be done; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := g.store.releaseLease(releaseCtx, sweepLease, g.leaseHolder); rerr != nil {
			g.logger.WithError(rerr).Warn("Failed to release sweep lease")
		}
	}()

	err = g.run(ctx, "SweepExpired", nil, func(tx *sql.Tx, _ time.Time) error {
		res = &SweepResult{Now: now, Horizon: horizon}

		ids, err := queryInt64s(ctx, tx, `SELECT DISTINCT user_id FROM user_permissions
			WHERE (active = TRUE AND expires_at < $1) OR expires_at < $2
			ORDER BY user_id`, now, horizon)
		if err != nil {
			return fmt.Errorf("failed to collect swept users: %w", err)
		}
		res.Users = ids

		deleted, err := tx.ExecContext(ctx, "DELETE FROM user_permissions WHERE expires_at < $1", horizon)
		if err != nil {
			return fmt.Errorf("failed to delete aged grants: %w", err)
		}
		res.HardDeleted, _ = deleted.RowsAffected()

		inactivated, err := tx.ExecContext(ctx,
			"UPDATE user_permissions SET active = FALSE WHERE active = TRUE AND expires_at < $1", now)
		if err != nil {
			return fmt.Errorf("failed to inactivate expired grants: %w", err)
		}
		res.Inactivated, _ = inactivated.RowsAffected()

		if res.Retained, err = queryCount(ctx, tx, `SELECT COUNT(*) FROM user_permissions
			WHERE active = TRUE AND expires_at IS NOT NULL AND expires_at >= $1`, now); err != nil {
			return err
		}

		if res.Inactivated+res.HardDeleted == 0 {
			return nil
		}
		if err := g.store.bumpVersions(ctx, tx, ids...); err != nil {
			return err
		}
		return g.policy.emit(ctx, tx, &audit.Record{
			Timestamp:     now,
			Kind:          audit.KindExpireSweep,
			ActorID:       actorRef(m.Actor),
			Subject:       "user_permissions",
			CorrelationID: m.CorrelationID,
			Reason:        m.Reason,
			Changes: &audit.ChangeDetails{After: map[string]interface{}{
				"inactivated":  res.Inactivated,
				"hard_deleted": res.HardDeleted,
				"retained":     res.Retained,
				"users":        ids,
				"horizon":      horizon,
			}},
		})
	})
	if err != nil {
		return nil, err
	}

	g.metrics.sweep(res)
	g.invalidate(ctx, res.Users...)
	if res.Users == nil {
		res.Users = []int64{}
	}
	return res, nil
}

func queryInt64s(ctx context.Context, q querier, query string, args ...interface{}) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SweepScheduler runs the expiry sweep, and optionally a registry refresh,
// on cron schedules
type SweepScheduler struct {
	cron      *cron.Cron
	grants    *GrantManager
	retention time.Duration
	timeout   time.Duration
	logger    *observability.Logger
}

// NewSweepScheduler schedules SweepExpired with a standard cron expression or a
// descriptor such as "@every 10m"
func NewSweepScheduler(grants *GrantManager, schedule string, retention time.Duration, logger *observability.Logger) (*SweepScheduler, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &SweepScheduler{
		cron:      cron.New(),
		grants:    grants,
		retention: retention,
		timeout:   grants.leaseTTL,
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// AddRefresh reloads the registry snapshot on schedule
func (s *SweepScheduler) AddRefresh(schedule string, registry *Registry) error {
	_, err := s.cron.AddFunc(schedule, func() {
		defer observability.RecoverPanic(s.logger, "registry refresh")
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := registry.Refresh(ctx); err != nil {
			s.logger.WithError(err).Warn("Registry refresh failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return nil
}

func (s *SweepScheduler) tick() {
	defer observability.RecoverPanic(s.logger, "expiry sweep")
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrSweepLeaseHeld) {
		s.logger.WithError(err).Error("Expiry sweep failed")
	}
}

// RunOnce sweeps immediately
func (s *SweepScheduler) RunOnce(ctx context.Context) (*SweepResult, error) {
	res, err := s.grants.SweepExpired(ctx, s.grants.clock.Now(), s.retention, Mutation{Reason: "scheduled expiry sweep"})
	if errors.Is(err, ErrSweepLeaseHeld) {
		s.logger.Debug("Sweep lease held by another replica, skipping")
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"inactivated":  res.Inactivated,
		"hard_deleted": res.HardDeleted,
		"retained":     res.Retained,
		"users":        len(res.Users),
	}).Info("Expiry sweep completed")
	return res, nil
}

// Start begins running scheduled jobs in the background
func (s *SweepScheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler; the returned context is done once running jobs finish
func (s *SweepScheduler) Stop() context.Context {
	return s.cron.Stop()
}
