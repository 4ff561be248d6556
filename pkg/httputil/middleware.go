package httputil

import (
	"net/http"
	"runtime/debug"

	"github.com/platinummonkey/registrar/pkg/contextkeys"
)

// PanicReporter receives recovered panics
type PanicReporter func(r *http.Request, recovered interface{}, stack []byte)

// RecoveryMiddleware recovers from panics and returns a 500 envelope
func RecoveryMiddleware(report PanicReporter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if report != nil {
						report(r, rec, debug.Stack())
					}
					WriteErrorMessage(w, http.StatusInternalServerError, CodeInternal,
						contextkeys.GetCorrelationID(r.Context()), "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// StatusRecorder wraps http.ResponseWriter to capture the status code
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

// NewStatusRecorder returns a recorder defaulting to 200
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (rw *StatusRecorder) WriteHeader(code int) {
	rw.Status = code
	rw.ResponseWriter.WriteHeader(code)
}
