package audit

import (
	"fmt"
	"strconv"
	"time"
)

// Kind is the category of an audit record
type Kind string

const (
	KindGrant             Kind = "GRANT"
	KindRevoke            Kind = "REVOKE"
	KindBulkGrant         Kind = "BULK_GRANT"
	KindBulkGrantRejected Kind = "BULK_GRANT_REJECTED"
	KindRoleAssign        Kind = "ROLE_ASSIGN"
	KindRoleRevoke        Kind = "ROLE_REVOKE"
	KindRoleCreate        Kind = "ROLE_CREATE"
	KindRoleUpdate        Kind = "ROLE_UPDATE"
	KindDeny              Kind = "DENY"
	KindAllow             Kind = "ALLOW"
	KindExpireSweep       Kind = "EXPIRE_SWEEP"
	KindSeed              Kind = "SEED"
)

var knownKinds = map[Kind]bool{
	KindGrant: true, KindRevoke: true, KindBulkGrant: true, KindBulkGrantRejected: true,
	KindRoleAssign: true, KindRoleRevoke: true, KindRoleCreate: true, KindRoleUpdate: true,
	KindDeny: true, KindAllow: true, KindExpireSweep: true, KindSeed: true,
}

// ParseKind validates a kind name
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !knownKinds[k] {
		return "", fmt.Errorf("unknown audit kind %q", s)
	}
	return k, nil
}

// Outcome represents how the audited action ended
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailure Outcome = "failure"
)

// Record is a single append-only audit entry. Records are never updated;
// consumers deduplicate on DedupKey because delivery is at-least-once.
type Record struct {
	ID            int64          `json:"id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Kind          Kind           `json:"kind"`
	Outcome       Outcome        `json:"outcome"`
	ActorID       *int64         `json:"actor_id,omitempty"`
	TargetID      *int64         `json:"target_id,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	RequiredKey   string         `json:"required_key,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Reason        string         `json:"reason,omitempty"`
	Changes       *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after snapshots for mutations
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// DedupKey identifies logically identical deliveries
func (r *Record) DedupKey() string {
	target := "-"
	if r.TargetID != nil {
		target = strconv.FormatInt(*r.TargetID, 10)
	}
	return r.CorrelationID + "|" + string(r.Kind) + "|" + target + "|" + r.Subject
}

// normalize fills defaults before a record is persisted
func (r *Record) normalize() {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
	if r.Outcome == "" {
		r.Outcome = OutcomeSuccess
	}
}

// Int64 returns a pointer to v, for ActorID/TargetID literals
func Int64(v int64) *int64 {
	return &v
}

// Filter narrows a paginated audit search
type Filter struct {
	Kinds         []Kind
	ActorID       *int64
	TargetID      *int64
	Subject       string
	CorrelationID string
	Since         *time.Time
	Until         *time.Time

	Limit  int
	Offset int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// clamp applies the paging defaults
func (f *Filter) clamp() {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Page is one page of search results, newest first
type Page struct {
	Records []*Record `json:"records"`
	Total   int64     `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
}
