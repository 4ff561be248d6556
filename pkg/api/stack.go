package api

import (
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/config"
	"github.com/platinummonkey/registrar/pkg/coverage"
	"github.com/platinummonkey/registrar/pkg/observability"
	"github.com/platinummonkey/registrar/pkg/rbac"
)

// Stack is the RBAC component graph over one database, shared by the daemon
// and the operator tool
type Stack struct {
	Config *config.Config
	Logger *observability.Logger

	DB          *sql.DB
	Redis       *redis.Client
	Store       *rbac.Store
	Seed        *rbac.SeedDescriptor
	Registry    *rbac.Registry
	Evaluator   *rbac.Evaluator
	Grants      *rbac.GrantManager
	Guard       *rbac.Guard
	Prober      *rbac.Prober
	Policy      rbac.AuditPolicy
	Sink        audit.Sink
	AuditReader audit.Reader
	Invalidator *rbac.RedisInvalidator

	Prometheus  *prometheus.Registry
	Metrics     *rbac.Metrics
	HTTPMetrics *observability.Metrics
}

type stackOptions struct {
	offline bool
	redis   *redis.Client
}

// StackOption configures NewStack
type StackOption func(*stackOptions)

// Offline builds the graph without touching the database. Audit records go
// to memory. Used to inspect the route table.
func Offline() StackOption {
	return func(o *stackOptions) { o.offline = true }
}

// WithRedis enables the cross-replica invalidation bus and the shared admin
// rate limiter
func WithRedis(client *redis.Client) StackOption {
	return func(o *stackOptions) { o.redis = client }
}

// OpenDB opens the configured database. SQLite is limited to one connection
// so every statement sees the same database and writers never contend.
func OpenDB(cfg *config.Config) (*sql.DB, rbac.Dialect, error) {
	dialect, err := rbac.ParseDialect(cfg.DBDriver)
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == rbac.DialectSQLite {
		db.SetMaxOpenConns(1)
	} else if cfg.DBMaxConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxConns)
		db.SetMaxIdleConns(cfg.DBMaxConns / 2)
	}
	return db, dialect, nil
}

// NewStack wires the registry, evaluator, grant manager, guard and prober
// over db. The registry snapshot is empty until the caller seeds or refreshes it.
func NewStack(cfg *config.Config, db *sql.DB, logger *observability.Logger, opts ...StackOption) (*Stack, error) {
	var o stackOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	dialect, err := rbac.ParseDialect(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	mode, err := audit.ParseMode(cfg.AuditMode)
	if err != nil {
		return nil, err
	}
	allowAudit, err := rbac.ParseAllowAudit(cfg.AuditAllow)
	if err != nil {
		return nil, err
	}
	seed, err := rbac.LoadSeedFile(cfg.SeedPath)
	if err != nil {
		return nil, err
	}

	s := &Stack{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Redis:      o.redis,
		Store:      rbac.NewStore(db, dialect),
		Seed:       seed,
		Prometheus: prometheus.NewRegistry(),
	}
	s.Prometheus.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = rbac.NewMetrics(s.Prometheus)
	s.HTTPMetrics = observability.NewMetrics(s.Prometheus)

	if err := s.openAudit(o.offline, string(dialect)); err != nil {
		return nil, err
	}
	s.Policy = rbac.AuditPolicy{Sink: s.Sink, Mode: mode, Logger: logger, Metrics: s.Metrics}

	s.Registry = rbac.NewRegistry(s.Store, s.Policy)

	evalOpts := []rbac.EvaluatorOption{
		rbac.WithCache(cfg.CacheSize, cfg.CacheTTL),
		rbac.WithEvaluatorMetrics(s.Metrics),
		rbac.WithEvaluatorLogger(logger),
	}
	if o.redis != nil {
		s.Invalidator = rbac.NewRedisInvalidator(o.redis, logger)
		evalOpts = append(evalOpts, rbac.WithInvalidator(s.Invalidator))
		if cfg.TrustInvalidation {
			evalOpts = append(evalOpts, rbac.TrustInvalidation())
		}
	}
	s.Evaluator = rbac.NewEvaluator(s.Store, s.Registry, evalOpts...)

	s.Grants = rbac.NewGrantManager(s.Store, s.Policy,
		rbac.WithGrantInvalidator(s.Evaluator),
		rbac.WithMaxRetries(uint64(cfg.GrantMaxRetries)),
		rbac.WithGrantMetrics(s.Metrics),
		rbac.WithGrantLogger(logger),
		rbac.WithSweepLease("", cfg.SweepLeaseTTL),
	)
	s.Guard = rbac.NewGuard(s.Evaluator, s.Policy, rbac.WithAllowAudit(allowAudit))
	s.Prober = rbac.NewProber(s.Store, rbac.ProberConfig{
		MaxAdmins:          cfg.MaxAdmins,
		ExpiredBacklogWarn: int64(cfg.ExpiredBacklogWarn),
		DirectGrantWarn:    int64(cfg.DirectGrantWarn),
		Seed:               seed,
	}, rbac.WithProberMetrics(s.Metrics))

	return s, nil
}

func (s *Stack) openAudit(offline bool, dialect string) error {
	if offline {
		mem := audit.NewMemorySink()
		s.Sink, s.AuditReader = mem, mem
		return nil
	}

	primary, err := audit.NewDBSink(s.DB, dialect)
	if err != nil {
		return err
	}
	s.AuditReader = primary
	if s.Config.AuditFileDir == "" {
		s.Sink = primary
		return nil
	}

	mirror, err := audit.NewFileSink(audit.FileSinkConfig{Dir: s.Config.AuditFileDir})
	if err != nil {
		return err
	}
	s.Sink = audit.NewMultiSink(primary, mirror)
	return nil
}

// LoadExemptions reads the configured exemption file. A missing file is an
// empty set.
func (s *Stack) LoadExemptions() (*coverage.Exemptions, error) {
	return coverage.LoadExemptions(s.Config.CoverageExemptions)
}

// Server builds the HTTP server over the stack
func (s *Stack) Server(exemptions *coverage.Exemptions) *Server {
	return NewServer(Options{
		PrincipalHeader: s.Config.PrincipalHeader,
		AdminRateLimit:  s.Config.AdminRateLimit,
		RequestTimeout:  s.Config.RequestTimeout,
	}, Deps{
		Store:       s.Store,
		Registry:    s.Registry,
		Grants:      s.Grants,
		Guard:       s.Guard,
		Prober:      s.Prober,
		AuditReader: s.AuditReader,
		DB:          s.DB,
		Health:      observability.NewHealthChecker(s.DB, s.Redis),
		Metrics:     s.HTTPMetrics,
		Prometheus:  s.Prometheus,
		Redis:       s.Redis,
		Logger:      s.Logger,
		Exemptions:  exemptions,
	})
}

// Close releases the audit sink. The database and Redis client belong to the caller.
func (s *Stack) Close() error {
	if s.Sink == nil {
		return nil
	}
	return s.Sink.Close()
}
