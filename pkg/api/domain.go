package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/registrar/pkg/auth"
	"github.com/platinummonkey/registrar/pkg/contextkeys"
	"github.com/platinummonkey/registrar/pkg/httputil"
	"github.com/platinummonkey/registrar/pkg/rbac"
	"github.com/platinummonkey/registrar/pkg/routing"
)

// Domain operations are owned by other services; these handlers acknowledge
// the request once the guard has admitted it.
type ack struct {
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	ID          string `json:"id,omitempty"`
	Principal   string `json:"principal"`
	RequiredKey string `json:"required_key,omitempty"`
	Anonymous   bool   `json:"anonymous,omitempty"`
}

func acknowledge(resource, action string, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusNoContent {
			httputil.WriteNoContent(w)
			return
		}
		ctx := r.Context()
		_ = httputil.WriteJSON(w, status, ack{
			Resource:    resource,
			Action:      action,
			ID:          mux.Vars(r)["id"],
			Principal:   auth.PrincipalFromContext(ctx).String(),
			RequiredKey: contextkeys.GetRequiredKey(ctx),
			Anonymous:   contextkeys.IsAnonymous(ctx),
		})
	}
}

func correlationID(r *http.Request) string {
	return contextkeys.GetCorrelationID(r.Context())
}

func (s *Server) registerDomainRoutes(t *routing.Table) {
	g := s.deps.Guard
	req := func(key string) routing.Option { return routing.Guarded(g.Required(key)) }

	// Students
	t.Handle(http.MethodGet, "/students", acknowledge("students", "list", http.StatusOK), req("students:read"))
	t.Handle(http.MethodPost, "/students", acknowledge("students", "create", http.StatusCreated), req("students:write"))
	t.Handle(http.MethodPost, "/students/import", acknowledge("students", "import", http.StatusAccepted), req("students:import"))
	t.Handle(http.MethodGet, "/students/export", acknowledge("students", "export", http.StatusOK), req("students:export"))
	t.Handle(http.MethodGet, "/students/{id}", acknowledge("students", "get", http.StatusOK), req("students:read"))
	t.Handle(http.MethodPut, "/students/{id}", acknowledge("students", "update", http.StatusOK), req("students:write"))
	t.Handle(http.MethodDelete, "/students/{id}", acknowledge("students", "delete", http.StatusNoContent), req("students:delete"))

	// Courses. The catalog is public; signed-in users without courses:read are refused.
	t.Handle(http.MethodGet, "/courses", acknowledge("courses", "list", http.StatusOK),
		routing.Guarded(g.Optional("courses:read")))
	t.Handle(http.MethodPost, "/courses", acknowledge("courses", "create", http.StatusCreated), req("courses:write"))
	t.Handle(http.MethodGet, "/courses/{id}", acknowledge("courses", "get", http.StatusOK),
		routing.Guarded(g.Optional("courses:read")))
	t.Handle(http.MethodPut, "/courses/{id}", acknowledge("courses", "update", http.StatusOK), req("courses:write"))
	t.Handle(http.MethodDelete, "/courses/{id}", acknowledge("courses", "delete", http.StatusNoContent), req("courses:delete"))

	// Grades
	t.Handle(http.MethodGet, "/grades", acknowledge("grades", "list", http.StatusOK), req("grades:read"))
	t.Handle(http.MethodPost, "/grades", acknowledge("grades", "record", http.StatusCreated), req("grades:write"))
	t.Handle(http.MethodPut, "/grades/{id}", acknowledge("grades", "update", http.StatusOK), req("grades:write"))
	t.Handle(http.MethodDelete, "/grades/{id}", acknowledge("grades", "delete", http.StatusNoContent), req("grades:delete"))

	// Attendance
	t.Handle(http.MethodGet, "/attendance", acknowledge("attendance", "list", http.StatusOK), req("attendance:read"))
	t.Handle(http.MethodPost, "/attendance", acknowledge("attendance", "record", http.StatusCreated), req("attendance:write"))
	t.Handle(http.MethodGet, "/attendance/export", acknowledge("attendance", "export", http.StatusOK),
		routing.Guarded(g.RequiredAll("attendance:read", "attendance:export")))

	// Reports
	t.Handle(http.MethodGet, "/reports", acknowledge("reports", "list", http.StatusOK),
		routing.Guarded(g.RequiredAny("reports:read", "analytics:read")))
	t.Handle(http.MethodPost, "/reports", acknowledge("reports", "generate", http.StatusAccepted), req("reports:generate"))

	// Notifications
	t.Handle(http.MethodGet, "/notifications", acknowledge("notifications", "list", http.StatusOK), req("notifications:read"))
	t.Handle(http.MethodPost, "/notifications", acknowledge("notifications", "send", http.StatusAccepted), req("notifications:send"))
	t.Handle(http.MethodPost, "/notifications/unsubscribe", acknowledge("notifications", "unsubscribe", http.StatusNoContent),
		routing.Exempt("signed unsubscribe links are followed from email without a session"))

	// Analytics
	t.Handle(http.MethodGet, "/analytics", acknowledge("analytics", "dashboard", http.StatusOK), req("analytics:read"))

	// Users
	t.Handle(http.MethodPost, "/users", s.createUser, req("users:write"), routing.Named("create-user"))
	t.Handle(http.MethodGet, "/users/{id}", s.getUser, req("users:read"), routing.Named("get-user"))

	// The SIS roster webhook authenticates with a shared secret upstream. Its
	// exemption lives in the exemption file.
	t.Handle(http.MethodPost, "/webhooks/sis", acknowledge("webhooks", "sis-roster", http.StatusAccepted))
}

type createUserRequest struct {
	Username string `json:"username"`
	Active   *bool  `json:"active"`
}

// createUser handles POST /users
func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var body createUserRequest
	if err := httputil.ParseJSON(r, &body); err != nil {
		httputil.WriteErrorMessage(w, http.StatusUnprocessableEntity, httputil.CodeValidation, correlationID(r), err.Error())
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || len(body.Username) > 128 {
		httputil.WriteEnvelope(w, http.StatusUnprocessableEntity, httputil.ErrorEnvelope{
			Code:          httputil.CodeValidation,
			Reason:        "validation",
			CorrelationID: correlationID(r),
			Details:       map[string]string{"username": "required"},
		})
		return
	}
	active := true
	if body.Active != nil {
		active = *body.Active
	}

	user, err := s.deps.Store.CreateUser(r.Context(), body.Username, active)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, user)
}

// getUser handles GET /users/{id}
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusUnprocessableEntity, httputil.CodeValidation, correlationID(r), err.Error())
		return
	}
	user, err := s.deps.Store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, rbac.ErrUnknownUser) {
			httputil.WriteErrorMessage(w, http.StatusNotFound, httputil.CodeNotFound, correlationID(r), "user not found")
			return
		}
		s.writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, user)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := rbac.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	httputil.WriteEnvelope(w, status, httputil.ErrorEnvelope{
		Code:          rbac.ErrorCode(err),
		Reason:        rbac.ReasonOf(err),
		CorrelationID: correlationID(r),
		Message:       err.Error(),
	})
}
