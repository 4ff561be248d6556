package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/registrar/pkg/httputil"
)

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrForbidden            = errors.New("forbidden")
	ErrUnknownPermission    = errors.New("unknown permission")
	ErrUnknownRole          = errors.New("unknown role")
	ErrUnknownUser          = errors.New("unknown user")
	ErrDuplicateEdge        = errors.New("duplicate edge")
	ErrTimeConstraint       = errors.New("time constraint violated")
	ErrInactivePermission   = errors.New("inactive permission")
	ErrLastAdminProtected   = errors.New("last admin protected")
	ErrSeedConflict         = errors.New("seed conflict")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrStoreFault           = errors.New("store fault")
	ErrTimeout              = errors.New("timeout")
	ErrAuditSinkUnavailable = errors.New("audit sink unavailable")
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrSweepLeaseHeld       = errors.New("sweep lease held by another replica")
)

// Error carries the context of a failed RBAC operation. It matches its Kind
// sentinel and its cause with errors.Is.
type Error struct {
	Kind   error
	Key    string
	Role   string
	UserID int64
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	switch {
	case e.Key != "":
		msg += fmt.Sprintf(" (key %s)", e.Key)
	case e.Role != "":
		msg += fmt.Sprintf(" (role %s)", e.Role)
	case e.UserID != 0:
		msg += fmt.Sprintf(" (user %d)", e.UserID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// HTTPStatus maps an error from this package to its response status
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrLastAdminProtected), errors.Is(err, ErrSeedConflict),
		errors.Is(err, ErrDuplicateEdge), errors.Is(err, ErrInvariantViolation),
		errors.Is(err, ErrSweepLeaseHeld):
		return http.StatusConflict
	case errors.Is(err, ErrInactivePermission):
		return http.StatusGone
	case errors.Is(err, ErrUnknownPermission), errors.Is(err, ErrUnknownRole),
		errors.Is(err, ErrUnknownUser), errors.Is(err, ErrTimeConstraint),
		errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAuditSinkUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode maps an error to the envelope code
func ErrorCode(err error) string {
	// A duplicate edge answers 409 but is a malformed request, not a broken invariant
	if errors.Is(err, ErrDuplicateEdge) {
		return httputil.CodeValidation
	}
	switch HTTPStatus(err) {
	case http.StatusUnauthorized:
		return httputil.CodeUnauthenticated
	case http.StatusForbidden:
		return httputil.CodeForbidden
	case http.StatusConflict:
		return httputil.CodeInvariantViolation
	case http.StatusGone:
		return httputil.CodeInactivePermission
	case http.StatusUnprocessableEntity:
		return httputil.CodeValidation
	case http.StatusNotFound:
		return httputil.CodeNotFound
	case http.StatusServiceUnavailable:
		return httputil.CodeAuditUnavailable
	case http.StatusGatewayTimeout:
		return httputil.CodeTimeout
	default:
		return httputil.CodeStoreFault
	}
}

var reasons = []struct {
	kind   error
	reason string
}{
	{ErrLastAdminProtected, "last_admin_protected"},
	{ErrSeedConflict, "seed_conflict"},
	{ErrDuplicateEdge, "duplicate_edge"},
	{ErrSweepLeaseHeld, "sweep_lease_held"},
	{ErrInvariantViolation, "invariant_violation"},
	{ErrInactivePermission, "inactive_permission"},
	{ErrUnknownPermission, "unknown_permission"},
	{ErrUnknownRole, "unknown_role"},
	{ErrUnknownUser, "unknown_user"},
	{ErrTimeConstraint, "time_constraint"},
	{ErrValidation, "validation"},
	{ErrNotFound, "not_found"},
	{ErrAuditSinkUnavailable, "audit_unavailable"},
	{ErrTimeout, "timeout"},
	{ErrUnauthenticated, "unauthenticated"},
	{ErrForbidden, "forbidden"},
}

// ReasonOf returns the stable machine-readable reason for err
func ReasonOf(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.kind) {
			return r.reason
		}
	}
	return "store_fault"
}

// isTransient reports whether a failed transaction may succeed on retry
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23514"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// classifyStoreError maps driver and context errors onto the taxonomy.
// Errors already carrying a taxonomy kind pass through.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	var rbacErr *Error
	if errors.As(err, &rbacErr) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: ErrTimeout, Err: err}
	case isUniqueViolation(err):
		return &Error{Kind: ErrDuplicateEdge, Err: err}
	case isCheckViolation(err):
		return &Error{Kind: ErrTimeConstraint, Err: err}
	case isForeignKeyViolation(err):
		return &Error{Kind: ErrValidation, Reason: "dangling reference", Err: err}
	}
	for _, r := range reasons {
		if errors.Is(err, r.kind) {
			return err
		}
	}
	return &Error{Kind: ErrStoreFault, Err: err}
}
