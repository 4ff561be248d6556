package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/platinummonkey/registrar/pkg/auth"
	"github.com/platinummonkey/registrar/pkg/contextkeys"
	"github.com/platinummonkey/registrar/pkg/httputil"
)

// RateLimitConfig defines a fixed request budget per window
type RateLimitConfig struct {
	// Requests is the max requests allowed in the window
	Requests int
	// Window is the length of one counting window
	Window time.Duration
}

// AdminRateLimitConfig returns the admin API budget: requests per minute
func AdminRateLimitConfig(perMinute int) RateLimitConfig {
	return RateLimitConfig{Requests: perMinute, Window: time.Minute}
}

// RateLimit limits requests per principal, or per client IP for anonymous
// requests, within this process
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(cfg.Requests, cfg.Window,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeRateLimited(w, r, cfg.Window)
		}),
	)
}

func rateLimitKey(r *http.Request) (string, error) {
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		return fmt.Sprintf("user:%d", p.ID), nil
	}
	ip, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + ip, nil
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
	httputil.WriteErrorMessage(w, http.StatusTooManyRequests, httputil.CodeRateLimited,
		contextkeys.GetCorrelationID(r.Context()), "rate limit exceeded")
}
