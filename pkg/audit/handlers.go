package audit

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/registrar/pkg/contextkeys"
	"github.com/platinummonkey/registrar/pkg/httputil"
)

// Handlers serves the paginated audit search used by admins
type Handlers struct {
	reader Reader
}

// NewHandlers creates audit handlers backed by reader
func NewHandlers(reader Reader) *Handlers {
	return &Handlers{reader: reader}
}

// List handles GET /admin/audit
//
// Query parameters: kind (repeatable or comma separated), actor, target,
// subject, correlation_id, since, until (RFC3339), limit, offset.
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	correlationID := contextkeys.GetCorrelationID(r.Context())

	filter, details := parseFilter(r)
	if len(details) > 0 {
		httputil.WriteEnvelope(w, http.StatusUnprocessableEntity, httputil.ErrorEnvelope{
			Code:          httputil.CodeValidation,
			CorrelationID: correlationID,
			Message:       "invalid audit query",
			Details:       details,
		})
		return
	}

	page, err := h.reader.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, httputil.CodeStoreFault, correlationID, "audit search failed")
		return
	}
	_ = httputil.WriteSuccess(w, page)
}

func parseFilter(r *http.Request) (Filter, map[string]string) {
	var (
		filter  Filter
		details = map[string]string{}
		q       = r.URL.Query()
	)

	for _, raw := range q["kind"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			kind, err := ParseKind(strings.ToUpper(part))
			if err != nil {
				details["kind"] = err.Error()
				continue
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
	}

	var err error
	if filter.ActorID, err = httputil.ParseQueryInt64(r, "actor"); err != nil {
		details["actor"] = err.Error()
	}
	if filter.TargetID, err = httputil.ParseQueryInt64(r, "target"); err != nil {
		details["target"] = err.Error()
	}
	if filter.Since, err = httputil.ParseQueryTime(r, "since"); err != nil {
		details["since"] = err.Error()
	}
	if filter.Until, err = httputil.ParseQueryTime(r, "until"); err != nil {
		details["until"] = err.Error()
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", DefaultPageSize); err != nil {
		details["limit"] = err.Error()
	} else if filter.Limit < 0 {
		details["limit"] = "limit must not be negative"
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		details["offset"] = err.Error()
	} else if filter.Offset < 0 {
		details["offset"] = "offset must not be negative"
	}
	if filter.Since != nil && filter.Until != nil && filter.Until.Before(*filter.Since) {
		details["until"] = "until must not be before since"
	}

	filter.Subject = q.Get("subject")
	filter.CorrelationID = q.Get("correlation_id")
	return filter, details
}
