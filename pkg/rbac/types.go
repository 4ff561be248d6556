package rbac

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/registrar/pkg/contextkeys"
)

// AdminRole is the role whose permission set defines an administrator
const AdminRole = "admin"

var (
	keyPartPattern  = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)
)

// ParseKey splits a "<resource>:<action>" permission key
func ParseKey(key string) (resource, action string, err error) {
	resource, action, ok := strings.Cut(key, ":")
	if !ok || !keyPartPattern.MatchString(resource) || !keyPartPattern.MatchString(action) {
		return "", "", fmt.Errorf("invalid permission key %q: want <resource>:<action>", key)
	}
	return resource, action, nil
}

// ValidRoleName reports whether name can be used for a role
func ValidRoleName(name string) bool {
	return roleNamePattern.MatchString(name)
}

// Permission is a catalog entry identified by its immutable key
type Permission struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is a named bundle of permission keys
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User is the slice of the identity record the core depends on
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsActive bool   `json:"is_active"`
	Version  int64  `json:"rbac_version"`
}

// DirectGrant attaches one permission to one user, optionally until ExpiresAt
type DirectGrant struct {
	UserID    int64      `json:"user_id"`
	Key       string     `json:"key"`
	GrantedBy *int64     `json:"granted_by,omitempty"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
}

// ActiveAt reports whether the grant authorizes at t
func (g DirectGrant) ActiveAt(t time.Time) bool {
	return g.Active && (g.ExpiresAt == nil || g.ExpiresAt.After(t))
}

// Reason explains a decision
type Reason string

const (
	ReasonInactive          Reason = "inactive"
	ReasonDirect            Reason = "direct"
	ReasonRole              Reason = "role"
	ReasonNoGrant           Reason = "no_grant"
	ReasonUnknownPermission Reason = "unknown_permission"
	ReasonStoreFault        Reason = "store_fault"
	ReasonTimeout           Reason = "timeout"
	ReasonUnauthenticated   Reason = "unauthenticated"
)

// Decision is the evaluator's verdict for one (principal, key) pair. Err is set
// only for store_fault and timeout denials.
type Decision struct {
	Allowed bool
	Reason  Reason
	Key     string
	Role    string
	Err     error
}

func (d Decision) String() string {
	verdict := "deny"
	if d.Allowed {
		verdict = "allow"
	}
	if d.Role != "" {
		return fmt.Sprintf("%s(%s=%s)", verdict, d.Reason, d.Role)
	}
	return fmt.Sprintf("%s(%s)", verdict, d.Reason)
}

func allow(key string, reason Reason, role string) Decision {
	return Decision{Allowed: true, Reason: reason, Key: key, Role: role}
}

func deny(key string, reason Reason) Decision {
	return Decision{Reason: reason, Key: key}
}

// Mutation identifies who changes state, why, and under which request
type Mutation struct {
	Actor         int64
	Reason        string
	CorrelationID string
}

// withDefaults fills the correlation id from ctx
func (m Mutation) withDefaults(ctx context.Context) Mutation {
	if m.CorrelationID == "" {
		m.CorrelationID = contextkeys.GetCorrelationID(ctx)
	}
	return m
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is wall time in UTC
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// EffectivePermissions is the resolved view of one user
type EffectivePermissions struct {
	UserID   int64         `json:"user_id"`
	IsActive bool          `json:"is_active"`
	Roles    []string      `json:"roles"`
	Direct   []DirectGrant `json:"direct"`
	Keys     []string      `json:"keys"`
}

func sortedUnique(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
