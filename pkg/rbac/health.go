package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/registrar/pkg/contextkeys"
	"github.com/platinummonkey/registrar/pkg/httputil"
	"github.com/platinummonkey/registrar/pkg/routing"
)

// ProbeStatus is the verdict of one health probe
type ProbeStatus string

const (
	StatusOK   ProbeStatus = "ok"
	StatusWarn ProbeStatus = "warn"
	StatusFail ProbeStatus = "fail"
)

func (s ProbeStatus) rank() int {
	switch s {
	case StatusWarn:
		return 1
	case StatusFail:
		return 2
	}
	return 0
}

// Probe names
const (
	ProbeUsersWithoutRoles  = "users_without_roles"
	ProbeAdminCount         = "admin_count"
	ProbeSeedCompleteness   = "seed_completeness"
	ProbeExpiredBacklog     = "expired_backlog"
	ProbeDirectGrantLoad    = "direct_grant_load"
	ProbeWriteRouteCoverage = "write_route_coverage"
)

// ProbeResult is the outcome of one probe
type ProbeResult struct {
	Name    string                 `json:"name"`
	Status  ProbeStatus            `json:"status"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthReport aggregates every probe; Status is the worst probe status
type HealthReport struct {
	Status    ProbeStatus   `json:"status"`
	Probes    []ProbeResult `json:"probes"`
	CheckedAt time.Time     `json:"checked_at"`
}

// CoverageReporter summarizes the write-route coverage audit
type CoverageReporter interface {
	CoverageSummary() (failures, warnings []string, err error)
}

// ProberConfig holds the probe thresholds
type ProberConfig struct {
	MaxAdmins          int
	ExpiredBacklogWarn int64
	DirectGrantWarn    int64
	Seed               *SeedDescriptor
}

type probeFunc func(ctx context.Context, now time.Time) (ProbeResult, error)

// Prober runs the read-only operational probes
type Prober struct {
	store   *Store
	cfg     ProberConfig
	clock   Clock
	metrics *Metrics

	mu       sync.RWMutex
	coverage CoverageReporter

	names  []string
	probes map[string]probeFunc
}

// ProberOption configures a Prober
type ProberOption func(*Prober)

// WithProberClock sets the clock used for expiry probes
func WithProberClock(c Clock) ProberOption {
	return func(p *Prober) { p.clock = c }
}

// WithProberMetrics exports probe statuses as gauges
func WithProberMetrics(m *Metrics) ProberOption {
	return func(p *Prober) { p.metrics = m }
}

// WithCoverage adds the write_route_coverage probe
func WithCoverage(c CoverageReporter) ProberOption {
	return func(p *Prober) { p.coverage = c }
}

// NewProber creates a prober. A nil cfg.Seed uses the embedded default.
func NewProber(store *Store, cfg ProberConfig, opts ...ProberOption) *Prober {
	if cfg.Seed == nil {
		cfg.Seed = DefaultSeed()
	}
	if cfg.MaxAdmins <= 0 {
		cfg.MaxAdmins = 5
	}
	p := &Prober{store: store, cfg: cfg, clock: SystemClock}
	for _, opt := range opts {
		opt(p)
	}

	p.probes = map[string]probeFunc{
		ProbeUsersWithoutRoles:  p.usersWithoutRoles,
		ProbeAdminCount:         p.adminCount,
		ProbeSeedCompleteness:   p.seedCompleteness,
		ProbeExpiredBacklog:     p.expiredBacklog,
		ProbeDirectGrantLoad:    p.directGrantLoad,
		ProbeWriteRouteCoverage: p.writeRouteCoverage,
	}
	p.names = []string{
		ProbeUsersWithoutRoles,
		ProbeAdminCount,
		ProbeSeedCompleteness,
		ProbeExpiredBacklog,
		ProbeDirectGrantLoad,
		ProbeWriteRouteCoverage,
	}
	return p
}

// SetCoverage attaches the coverage reporter after construction, for
// daemons that build the route table after the prober
func (p *Prober) SetCoverage(c CoverageReporter) {
	p.mu.Lock()
	p.coverage = c
	p.mu.Unlock()
}

func (p *Prober) coverageReporter() CoverageReporter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.coverage
}

// Names lists the probes in report order
func (p *Prober) Names() []string {
	if p.coverageReporter() == nil {
		return append([]string(nil), p.names[:len(p.names)-1]...)
	}
	return append([]string(nil), p.names...)
}

// Report runs every probe concurrently
func (p *Prober) Report(ctx context.Context) *HealthReport {
	now := p.clock.Now().UTC()
	names := p.Names()
	results := make([]ProbeResult, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range names {
		g.Go(func() error {
			results[i] = p.run(gctx, name, now)
			return nil
		})
	}
	_ = g.Wait()

	report := &HealthReport{Status: StatusOK, Probes: results, CheckedAt: now}
	for _, r := range results {
		if r.Status.rank() > report.Status.rank() {
			report.Status = r.Status
		}
	}
	return report
}

// Run executes a single probe by name
func (p *Prober) Run(ctx context.Context, name string) (ProbeResult, error) {
	for _, n := range p.Names() {
		if n == name {
			return p.run(ctx, name, p.clock.Now().UTC()), nil
		}
	}
	return ProbeResult{}, &Error{Kind: ErrNotFound, Reason: fmt.Sprintf("unknown probe %q", name)}
}

func (p *Prober) run(ctx context.Context, name string, now time.Time) ProbeResult {
	res, err := p.probes[name](ctx, now)
	if err != nil {
		res = ProbeResult{Status: StatusFail, Message: err.Error()}
	}
	res.Name = name
	p.metrics.probe(res)
	return res
}

func (p *Prober) usersWithoutRoles(ctx context.Context, _ time.Time) (ProbeResult, error) {
	n, err := queryCount(ctx, p.store.db, `SELECT COUNT(*) FROM users u
		WHERE u.is_active = TRUE AND NOT EXISTS (
			SELECT 1 FROM user_roles ur JOIN roles r ON r.id = ur.role_id AND r.active = TRUE
			WHERE ur.user_id = u.id
		)`)
	if err != nil {
		return ProbeResult{}, err
	}
	res := ProbeResult{Status: StatusOK, Message: fmt.Sprintf("%d active users without roles", n),
		Details: map[string]interface{}{"count": n}}
	if n > 0 {
		res.Status = StatusWarn
	}
	return res, nil
}

func (p *Prober) adminCount(ctx context.Context, now time.Time) (ProbeResult, error) {
	admins, err := p.store.AdminUsers(ctx, now)
	if err != nil {
		return ProbeResult{}, err
	}
	if admins == nil {
		admins = []int64{}
	}
	n := int64(len(admins))
	res := ProbeResult{
		Status:  StatusOK,
		Message: fmt.Sprintf("%d administrators", n),
		Details: map[string]interface{}{"count": n, "max": p.cfg.MaxAdmins, "admins": admins},
	}
	switch {
	case n < 1:
		res.Status = StatusFail
		res.Message = "no active administrator"
	case n > int64(p.cfg.MaxAdmins):
		res.Status = StatusWarn
		res.Message = fmt.Sprintf("%d administrators exceeds maximum of %d", n, p.cfg.MaxAdmins)
	}
	return res, nil
}

func (p *Prober) seedCompleteness(ctx context.Context, _ time.Time) (ProbeResult, error) {
	active, err := p.store.ListPermissions(ctx, true)
	if err != nil {
		return ProbeResult{}, err
	}
	have := make(map[string]bool, len(active))
	for _, perm := range active {
		have[perm.Key] = true
	}
	missing := []string{}
	for _, key := range p.cfg.Seed.Keys() {
		if !have[key] {
			missing = append(missing, key)
		}
	}

	roles, err := p.store.ListRoles(ctx)
	if err != nil {
		return ProbeResult{}, err
	}
	bound := make(map[string]map[string]bool, len(roles))
	for _, r := range roles {
		if !r.Active {
			continue
		}
		bound[r.Name] = make(map[string]bool, len(r.Permissions))
		for _, key := range r.Permissions {
			bound[r.Name][key] = true
		}
	}
	missingRoles := []string{}
	missingBindings := []string{}
	for role, keys := range p.cfg.Seed.Bindings() {
		held, ok := bound[role]
		if !ok {
			missingRoles = append(missingRoles, role)
			continue
		}
		for _, key := range keys {
			if !held[key] {
				missingBindings = append(missingBindings, role+"/"+key)
			}
		}
	}
	sort.Strings(missingRoles)
	sort.Strings(missingBindings)

	res := ProbeResult{
		Status:  StatusOK,
		Message: fmt.Sprintf("%d of %d seed keys active", len(p.cfg.Seed.Permissions)-len(missing), len(p.cfg.Seed.Permissions)),
		Details: map[string]interface{}{
			"seed":             len(p.cfg.Seed.Permissions),
			"active":           len(active),
			"missing":          missing,
			"missing_roles":    missingRoles,
			"missing_bindings": missingBindings,
		},
	}
	if len(missing)+len(missingRoles)+len(missingBindings) > 0 {
		res.Status = StatusFail
		encoded, _ := json.Marshal(missing)
		res.Message = "missing=" + string(encoded)
	}
	return res, nil
}

func (p *Prober) expiredBacklog(ctx context.Context, now time.Time) (ProbeResult, error) {
	n, err := queryCount(ctx, p.store.db,
		"SELECT COUNT(*) FROM user_permissions WHERE expires_at IS NOT NULL AND expires_at < $1", now)
	if err != nil {
		return ProbeResult{}, err
	}
	res := ProbeResult{
		Status:  StatusOK,
		Message: fmt.Sprintf("%d expired direct grants awaiting sweep", n),
		Details: map[string]interface{}{"count": n, "threshold": p.cfg.ExpiredBacklogWarn},
	}
	if n > p.cfg.ExpiredBacklogWarn {
		res.Status = StatusWarn
	}
	return res, nil
}

func (p *Prober) directGrantLoad(ctx context.Context, now time.Time) (ProbeResult, error) {
	n, err := queryCount(ctx, p.store.db, `SELECT COUNT(*) FROM user_permissions
		WHERE active = TRUE AND (expires_at IS NULL OR expires_at > $1)`, now)
	if err != nil {
		return ProbeResult{}, err
	}
	res := ProbeResult{
		Status:  StatusOK,
		Message: fmt.Sprintf("%d active direct grants", n),
		Details: map[string]interface{}{"count": n, "threshold": p.cfg.DirectGrantWarn},
	}
	if n > p.cfg.DirectGrantWarn {
		res.Status = StatusWarn
		res.Message += "; prefer role bindings"
	}
	return res, nil
}

func (p *Prober) writeRouteCoverage(_ context.Context, _ time.Time) (ProbeResult, error) {
	reporter := p.coverageReporter()
	if reporter == nil {
		return ProbeResult{Status: StatusOK, Message: "no route table attached"}, nil
	}
	failures, warnings, err := reporter.CoverageSummary()
	if err != nil {
		return ProbeResult{}, err
	}
	if failures == nil {
		failures = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	res := ProbeResult{
		Status:  StatusOK,
		Message: "every write route is guarded or exempt",
		Details: map[string]interface{}{"failures": failures, "warnings": warnings},
	}
	switch {
	case len(failures) > 0:
		res.Status = StatusFail
		res.Message = fmt.Sprintf("%d unguarded write routes", len(failures))
	case len(warnings) > 0:
		res.Status = StatusWarn
		res.Message = fmt.Sprintf("%d stale exemptions", len(warnings))
	}
	return res, nil
}

// RegisterRoutes mounts the aggregate and per-probe endpoints under guard
func (p *Prober) RegisterRoutes(table *routing.Table, guard routing.Guard) {
	table.Handle(http.MethodGet, "/health/rbac", p.handleReport, routing.Guarded(guard), routing.Named("rbac-health"))
	table.Handle(http.MethodGet, "/health/rbac/{probe}", p.handleProbe, routing.Guarded(guard), routing.Named("rbac-health-probe"))
}

func (p *Prober) handleReport(w http.ResponseWriter, r *http.Request) {
	report := p.Report(r.Context())
	status := http.StatusOK
	if report.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	_ = httputil.WriteJSON(w, status, report)
}

func (p *Prober) handleProbe(w http.ResponseWriter, r *http.Request) {
	res, err := p.Run(r.Context(), mux.Vars(r)["probe"])
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusNotFound, httputil.CodeNotFound,
			contextkeys.GetCorrelationID(r.Context()), err.Error())
		return
	}
	status := http.StatusOK
	if res.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	_ = httputil.WriteJSON(w, status, res)
}
