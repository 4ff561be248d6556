package rbac

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/platinummonkey/registrar/pkg/auth"
	"github.com/platinummonkey/registrar/pkg/contextkeys"
	"github.com/platinummonkey/registrar/pkg/httputil"
	"github.com/platinummonkey/registrar/pkg/observability"
	"github.com/platinummonkey/registrar/pkg/routing"
)

// Handlers provides the admin HTTP API over the registry, store and grant manager
type Handlers struct {
	store    *Store
	registry *Registry
	grants   *GrantManager
	guard    *Guard
	audit    *audit.Handlers
	validate *validator.Validate
}

// NewHandlers creates admin handlers. auditReader may be nil, in which case
// the audit listing is not mounted.
func NewHandlers(store *Store, registry *Registry, grants *GrantManager, guard *Guard, auditReader audit.Reader) *Handlers {
	h := &Handlers{
		store:    store,
		registry: registry,
		grants:   grants,
		guard:    guard,
		validate: validator.New(),
	}
	h.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if auditReader != nil {
		h.audit = audit.NewHandlers(auditReader)
	}
	return h
}

// RegisterRoutes registers the admin routes on table, which is expected to be
// rooted at /admin
func (h *Handlers) RegisterRoutes(table *routing.Table) {
	roles := routing.Guarded(h.guard.Required("admin:roles"))
	grants := routing.Guarded(h.guard.Required("admin:grants"))

	// Roles
	table.Handle(http.MethodGet, "/roles", h.ListRoles, roles, routing.Named("admin-list-roles"))
	table.Handle(http.MethodPost, "/roles", h.CreateRole, roles, routing.Named("admin-create-role"))
	table.Handle(http.MethodGet, "/roles/{name}", h.GetRole, roles, routing.Named("admin-get-role"))
	table.Handle(http.MethodPut, "/roles/{name}", h.UpdateRole, roles, routing.Named("admin-update-role"))

	// Permission catalog
	table.Handle(http.MethodGet, "/permissions", h.ListPermissions,
		routing.Guarded(h.guard.Required("admin:permissions")), routing.Named("admin-list-permissions"))

	// User assignments
	table.Handle(http.MethodPost, "/users/{id}/roles", h.AssignRole, grants, routing.Named("admin-assign-role"))
	table.Handle(http.MethodDelete, "/users/{id}/roles/{role}", h.RevokeRole, grants, routing.Named("admin-revoke-role"))
	table.Handle(http.MethodGet, "/users/{id}/permissions", h.GetUserPermissions, grants, routing.Named("admin-user-permissions"))
	table.Handle(http.MethodPost, "/users/{id}/permissions", h.GrantPermission, grants, routing.Named("admin-grant-permission"))
	table.Handle(http.MethodDelete, "/users/{id}/permissions/{key}", h.RevokePermission, grants, routing.Named("admin-revoke-permission"))
	table.Handle(http.MethodPost, "/grants/bulk", h.BulkGrant, grants, routing.Named("admin-bulk-grant"))

	// Audit
	if h.audit != nil {
		table.Handle(http.MethodGet, "/audit", h.audit.List,
			routing.Guarded(h.guard.Required("admin:audit")), routing.Named("admin-list-audit"))
	}
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,max=64"`
	Description string   `json:"description" validate:"max=500"`
	Permissions []string `json:"permissions" validate:"dive,required"`
	Reason      string   `json:"reason" validate:"required,max=500"`
}

type updateRoleRequest struct {
	Description *string   `json:"description" validate:"omitempty,max=500"`
	Active      *bool     `json:"active"`
	Permissions *[]string `json:"permissions"`
	Reason      string    `json:"reason" validate:"required,max=500"`
}

type assignRoleRequest struct {
	Role   string `json:"role" validate:"required,max=64"`
	Reason string `json:"reason" validate:"required,max=500"`
}

type grantPermissionRequest struct {
	Key       string     `json:"key" validate:"required,max=128"`
	ExpiresAt *time.Time `json:"expires_at"`
	Reason    string     `json:"reason" validate:"required,max=500"`
}

type bulkGrantRequest struct {
	UserIDs   []int64    `json:"user_ids" validate:"required,min=1,max=1000,dive,gt=0"`
	Keys      []string   `json:"keys" validate:"required,min=1,max=100,dive,required"`
	ExpiresAt *time.Time `json:"expires_at"`
	Reason    string     `json:"reason" validate:"required,max=500"`
}

// ListRoles handles GET /admin/roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

// CreateRole handles POST /admin/roles
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.grants.CreateRole(r.Context(), req.Name, req.Description, req.Permissions, h.mutation(r, req.Reason))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, role)
}

// GetRole handles GET /admin/roles/{name}
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	name, _ := httputil.ParsePathString(r, "name")
	role, err := h.store.GetRoleByName(r.Context(), name)
	if errors.Is(err, ErrUnknownRole) {
		err = &Error{Kind: ErrNotFound, Role: name}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// UpdateRole handles PUT /admin/roles/{name}
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	name, _ := httputil.ParsePathString(r, "name")
	var req updateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.grants.UpdateRole(r.Context(), name, RoleUpdate{
		Description: req.Description,
		Active:      req.Active,
		Permissions: req.Permissions,
	}, h.mutation(r, req.Reason))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// ListPermissions handles GET /admin/permissions. ?all=true includes inactive keys.
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if v := r.URL.Query().Get("all"); v != "" {
		all, err := strconv.ParseBool(v)
		if err != nil {
			h.writeValidation(w, r, map[string]string{"all": "must be a boolean"})
			return
		}
		activeOnly = !all
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{
		"permissions": h.registry.Enumerate(activeOnly),
		"version":     h.registry.Version(),
	})
}

// AssignRole handles POST /admin/users/{id}/roles
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.grants.GrantRole(r.Context(), userID, req.Role, h.mutation(r, req.Reason)); err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, map[string]interface{}{"user_id": userID, "role": req.Role})
}

// RevokeRole handles DELETE /admin/users/{id}/roles/{role}?reason=
func (h *Handlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	reason, ok := h.queryReason(w, r)
	if !ok {
		return
	}
	role, _ := httputil.ParsePathString(r, "role")
	if err := h.grants.RevokeRole(r.Context(), userID, role, h.mutation(r, reason)); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetUserPermissions handles GET /admin/users/{id}/permissions
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	eff, err := h.store.EffectivePermissions(r.Context(), userID, h.grants.clock.Now())
	if errors.Is(err, ErrUnknownUser) {
		err = &Error{Kind: ErrNotFound, UserID: userID}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, eff)
}

// GrantPermission handles POST /admin/users/{id}/permissions
func (h *Handlers) GrantPermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req grantPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	grant, err := h.grants.GrantPermission(r.Context(), userID, req.Key, req.ExpiresAt, h.mutation(r, req.Reason))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, grant)
}

// RevokePermission handles DELETE /admin/users/{id}/permissions/{key}?reason=
func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	reason, ok := h.queryReason(w, r)
	if !ok {
		return
	}
	key, _ := httputil.ParsePathString(r, "key")
	if err := h.grants.RevokePermission(r.Context(), userID, key, h.mutation(r, reason)); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// BulkGrant handles POST /admin/grants/bulk
func (h *Handlers) BulkGrant(w http.ResponseWriter, r *http.Request) {
	var req bulkGrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.grants.BulkGrant(r.Context(), BulkGrantRequest{
		UserIDs:   req.UserIDs,
		Keys:      req.Keys,
		ExpiresAt: req.ExpiresAt,
	}, h.mutation(r, req.Reason))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, res)
}

// Helpers

func (h *Handlers) mutation(r *http.Request, reason string) Mutation {
	m := Mutation{Reason: reason, CorrelationID: contextkeys.GetCorrelationID(r.Context())}
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		m.Actor = p.ID
	}
	return m
}

func (h *Handlers) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil || id <= 0 {
		h.writeValidation(w, r, map[string]string{"id": "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handlers) queryReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	reason := r.URL.Query().Get("reason")
	if err := h.validate.Var(reason, "required,max=500"); err != nil {
		h.writeValidation(w, r, map[string]string{"reason": "required query parameter, at most 500 characters"})
		return "", false
	}
	return reason, true
}

// decode parses and validates a JSON body, writing a 422 on failure
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := httputil.ParseJSON(r, dest); err != nil {
		h.writeValidation(w, r, map[string]string{"body": err.Error()})
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		details := map[string]string{}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				_, field, _ := strings.Cut(fe.Namespace(), ".")
				details[field] = fe.Tag()
			}
		} else {
			details["body"] = err.Error()
		}
		h.writeValidation(w, r, details)
		return false
	}
	return true
}

func (h *Handlers) writeValidation(w http.ResponseWriter, r *http.Request, details map[string]string) {
	httputil.WriteEnvelope(w, http.StatusUnprocessableEntity, httputil.ErrorEnvelope{
		Code:          httputil.CodeValidation,
		Reason:        "validation",
		CorrelationID: contextkeys.GetCorrelationID(r.Context()),
		Message:       "invalid request",
		Details:       details,
	})
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	env := httputil.ErrorEnvelope{
		Code:          ErrorCode(err),
		Reason:        ReasonOf(err),
		CorrelationID: contextkeys.GetCorrelationID(r.Context()),
		Message:       err.Error(),
	}
	var rbacErr *Error
	if errors.As(err, &rbacErr) && rbacErr.Key != "" {
		env.RequiredKey = rbacErr.Key
	}
	if status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Admin request failed")
		if status == http.StatusInternalServerError {
			env.Message = "internal store fault"
		}
	}
	httputil.WriteEnvelope(w, status, env)
}
